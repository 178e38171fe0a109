package devmine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/store"
)

type stubExecutor struct{}

func (stubExecutor) ExecuteBlock(ctx context.Context, view types.StateView, pre *types.BundleState, blk *types.Block) (*types.ExecutionOutcome, error) {
	bundle := &types.BundleState{}
	var cum uint64
	receipts := make([]*types.Receipt, len(blk.Transactions))
	for i, tx := range blk.Transactions {
		bundle.Set(tx.From, tx.Hash(), tx.Data)
		cum += 21_000
		receipts[i] = &types.Receipt{Success: true, CumulativeGasUsed: cum}
	}
	return &types.ExecutionOutcome{Bundle: bundle, Receipts: receipts, GasUsed: cum}, nil
}

func newTestProvider(t *testing.T) (*store.Provider, *types.Block) {
	t.Helper()
	genesis := &types.Block{Header: &types.Header{Number: 0, GasLimit: 30_000_000}}
	cs, err := store.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cs.EnsureGenesis(genesis))
	return store.NewProviderFactory(cs).Provider(), genesis
}

func TestBuildPayloadShapesBlock(t *testing.T) {
	provider, genesis := newTestProvider(t)
	b := NewPayloadBuilder(provider, stubExecutor{}, 30_000_000)

	txs := []*types.Transaction{
		{Nonce: 1, From: types.Address{0x01}},
		{Nonce: 2, From: types.Address{0x01}},
	}
	blk, err := b.BuildPayload(context.Background(), genesis.Header, txs)
	require.NoError(t, err)

	require.Equal(t, genesis.Hash(), blk.Header.ParentHash)
	require.Equal(t, uint64(1), blk.Number())
	require.Equal(t, uint64(30_000_000), blk.Header.GasLimit)
	require.Equal(t, uint64(42_000), blk.Header.GasUsed, "pre-executed gas accounting")
	require.Zero(t, blk.Header.StateRoot, "dev blocks carry no root commitment")
	require.Len(t, blk.Transactions, 2)
}

func TestMinerServesLocalBlocks(t *testing.T) {
	provider, genesis := newTestProvider(t)
	m := New(log.DiscardLogger, nil, provider, NewPayloadBuilder(provider, stubExecutor{}, 1000), nil, 0)

	blk := &types.Block{Header: &types.Header{ParentHash: genesis.Hash(), Number: 1, GasLimit: 1000}}
	m.mu.Lock()
	m.byNumber[1] = blk
	m.byHash[blk.Hash()] = blk
	m.mu.Unlock()

	got, err := m.BlocksInRange(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, blk.Hash(), got[0].Hash())

	_, err = m.BlocksInRange(context.Background(), 1, 2)
	require.Error(t, err, "gap in locally produced blocks")

	hdr, err := m.HeaderByHash(context.Background(), blk.Hash())
	require.NoError(t, err)
	require.Equal(t, uint64(1), hdr.Number)

	_, err = m.HeaderByHash(context.Background(), types.Hash{0xff})
	require.Error(t, err)
}
