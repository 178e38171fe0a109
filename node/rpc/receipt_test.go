package rpc

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core/types"
)

func blockReceipts() []*types.Receipt {
	return []*types.Receipt{
		{Success: true, CumulativeGasUsed: 21_000, Logs: []*types.Log{
			{Address: types.Address{0x01}},
			{Address: types.Address{0x02}},
		}},
		{Success: true, CumulativeGasUsed: 42_000, Logs: []*types.Log{
			{Address: types.Address{0x03}},
		}},
		{Success: false, CumulativeGasUsed: 84_000},
	}
}

func TestGasUsedIsCumulativeDelta(t *testing.T) {
	to := types.Address{0xaa}
	tx := &types.Transaction{Nonce: 3, From: types.Address{0xbb}, To: &to}
	meta := TransactionMeta{BlockNumber: 10, Index: 2}

	r, err := BuildReceipt(tx, meta, blockReceipts())
	require.NoError(t, err)
	require.Equal(t, uint64(42_000), r.GasUsed, "84000 - 42000")
	require.Equal(t, uint64(84_000), r.CumulativeGasUsed)
	require.False(t, r.Success)
	require.Nil(t, r.ContractAddress)
	require.Equal(t, &to, r.To)
}

func TestFirstReceiptGasUsed(t *testing.T) {
	to := types.Address{0xaa}
	tx := &types.Transaction{From: types.Address{0xbb}, To: &to}

	r, err := BuildReceipt(tx, TransactionMeta{Index: 0}, blockReceipts())
	require.NoError(t, err)
	require.Equal(t, uint64(21_000), r.GasUsed)
}

func TestLogIndicesOffsetByPriorReceipts(t *testing.T) {
	to := types.Address{0xaa}
	tx := &types.Transaction{From: types.Address{0xbb}, To: &to}
	meta := TransactionMeta{BlockHash: types.Hash{0x0b}, BlockNumber: 7, Index: 1}

	r, err := BuildReceipt(tx, meta, blockReceipts())
	require.NoError(t, err)
	require.Len(t, r.Logs, 1)

	lg := r.Logs[0]
	require.Equal(t, uint64(2), lg.LogIndex, "offset past the first receipt's two logs")
	require.Equal(t, uint64(1), lg.TxIndex)
	require.Equal(t, uint64(7), lg.BlockNumber)
	require.Equal(t, types.Hash{0x0b}, lg.BlockHash)
	require.Equal(t, types.Address{0x03}, lg.Address)
}

func TestCreateDerivesContractAddress(t *testing.T) {
	tx := &types.Transaction{Nonce: 5, From: types.Address{0xcc}} // To == nil
	r, err := BuildReceipt(tx, TransactionMeta{Index: 0}, blockReceipts())
	require.NoError(t, err)

	require.Nil(t, r.To)
	require.NotNil(t, r.ContractAddress)
	require.Equal(t, crypto.CreateAddress(tx.From, tx.Nonce), *r.ContractAddress)
}

func TestBlobGasPriceOnlyForBlobTxs(t *testing.T) {
	excess := uint64(0)
	to := types.Address{0xaa}

	// No blob hashes: no blob gas price, even with excess set.
	plain := &types.Transaction{From: types.Address{0xbb}, To: &to}
	r, err := BuildReceipt(plain, TransactionMeta{Index: 0, ExcessBlobGas: &excess}, blockReceipts())
	require.NoError(t, err)
	require.Nil(t, r.BlobGasPrice)

	// Blob tx with zero excess pays the floor price.
	blob := &types.Transaction{Nonce: 1, From: types.Address{0xbb}, To: &to, BlobHashes: []types.Hash{{0x01}}}
	r, err = BuildReceipt(blob, TransactionMeta{Index: 0, ExcessBlobGas: &excess}, blockReceipts())
	require.NoError(t, err)
	require.NotNil(t, r.BlobGasPrice)
	require.Equal(t, int64(minBlobGasPrice), r.BlobGasPrice.Int64())

	// Higher excess raises the price.
	high := uint64(10 * blobGasPriceUpdateFraction)
	r, err = BuildReceipt(blob, TransactionMeta{Index: 0, ExcessBlobGas: &high}, blockReceipts())
	require.NoError(t, err)
	require.Greater(t, r.BlobGasPrice.Int64(), int64(minBlobGasPrice))

	// Missing excess: no price even for a blob tx.
	r, err = BuildReceipt(blob, TransactionMeta{Index: 0}, blockReceipts())
	require.NoError(t, err)
	require.Nil(t, r.BlobGasPrice)
}

func TestReceiptIndexOutOfRange(t *testing.T) {
	to := types.Address{0xaa}
	tx := &types.Transaction{From: types.Address{0xbb}, To: &to}
	_, err := BuildReceipt(tx, TransactionMeta{Index: 3}, blockReceipts())
	require.ErrorIs(t, err, ErrReceiptIndex)
}
