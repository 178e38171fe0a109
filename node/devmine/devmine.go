// Package devmine implements the dev-mode local block producer. It
// builds blocks from pool contents and drives them through the same
// engine directive channel a consensus layer would use, so dev mode
// exercises the exact pipeline and engine semantics of networked sync.
package devmine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/consensus"
	"github.com/quarrylabs/quarry/node/pool"
	"github.com/quarrylabs/quarry/node/store"
)

// PayloadBuilder shapes a candidate block on top of a parent from
// pending transactions.
type PayloadBuilder interface {
	BuildPayload(ctx context.Context, parent *types.Header, txs []*types.Transaction) (*types.Block, error)
}

// Builder is the default dev payload builder. It pre-executes the
// candidate block to fill in the header's gas used. Dev blocks carry a
// zero state root; the engine computes and stores the real one.
type Builder struct {
	provider *store.Provider
	executor types.BlockExecutor
	gasLimit uint64
}

// NewPayloadBuilder creates the default dev payload builder.
func NewPayloadBuilder(provider *store.Provider, executor types.BlockExecutor, gasLimit uint64) *Builder {
	return &Builder{provider: provider, executor: executor, gasLimit: gasLimit}
}

func (b *Builder) BuildPayload(ctx context.Context, parent *types.Header, txs []*types.Transaction) (*types.Block, error) {
	blk := &types.Block{
		Header: &types.Header{
			ParentHash: parent.Hash(),
			Number:     parent.Number + 1,
			Timestamp:  uint64(time.Now().Unix()),
			GasLimit:   b.gasLimit,
		},
		Transactions: txs,
	}
	outcome, err := b.executor.ExecuteBlock(ctx, b.provider.StateView(), nil, blk)
	if err != nil {
		return nil, fmt.Errorf("build payload at height %d: %w", blk.Number(), err)
	}
	blk.Header.GasUsed = outcome.GasUsed
	return blk, nil
}

// Miner is the dev-mode block producer. It also serves as the
// pipeline's block source and the engine's header resolver, playing
// the role a networked client plays outside dev mode.
type Miner struct {
	log      log.Logger
	pool     *pool.Pool
	provider *store.Provider
	builder  PayloadBuilder
	handle   *consensus.Handle

	interval time.Duration

	mu       sync.RWMutex
	byNumber map[uint64]*types.Block
	byHash   map[types.Hash]*types.Block

	events chan Event
}

// New creates a miner producing a block every interval, or immediately
// when transactions arrive.
func New(logger log.Logger, p *pool.Pool, provider *store.Provider, builder PayloadBuilder, handle *consensus.Handle, interval time.Duration) *Miner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Miner{
		log:      logger,
		pool:     p,
		provider: provider,
		builder:  builder,
		handle:   handle,
		interval: interval,
		byNumber: make(map[uint64]*types.Block),
		byHash:   make(map[types.Hash]*types.Block),
		events:   make(chan Event, 16),
	}
}

// Events returns the miner's event stream.
func (m *Miner) Events() <-chan Event { return m.events }

// Run mines until the context is cancelled.
func (m *Miner) Run(ctx context.Context) error {
	// Prime fork-choice at the current head so the engine goes Live
	// before the first block.
	_, headHash := m.provider.Head()
	if _, err := m.handle.ForkchoiceUpdated(ctx, consensus.ForkchoiceState{
		Head: headHash, Safe: headHash, Finalized: headHash,
	}); err != nil {
		return fmt.Errorf("prime forkchoice: %w", err)
	}

	pending := m.pool.PendingListener()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-pending:
		}
		if err := m.mine(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("Mining attempt failed", "err", err)
		}
	}
}

func (m *Miner) mine(ctx context.Context) error {
	_, headHash := m.provider.Head()
	parent, err := m.provider.BlockByHash(headHash)
	if err != nil {
		return fmt.Errorf("load head block: %w", err)
	}
	txs := m.pool.Pending()

	blk, err := m.builder.BuildPayload(ctx, parent.Header, txs)
	if err != nil {
		return err
	}

	st, err := m.handle.NewPayload(ctx, blk)
	if err != nil {
		return err
	}
	if st.Status != consensus.StatusValid {
		return fmt.Errorf("mined payload rejected with status %s: %s", st.Status, st.ValidationError)
	}

	hash := blk.Hash()
	if _, err := m.handle.ForkchoiceUpdated(ctx, consensus.ForkchoiceState{
		Head: hash, Safe: hash, Finalized: headHash,
	}); err != nil {
		return err
	}

	hashes := make([]types.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	m.pool.Remove(hashes)

	m.mu.Lock()
	m.byNumber[blk.Number()] = blk
	m.byHash[hash] = blk
	m.mu.Unlock()

	m.log.Info("Mined block", "height", blk.Number(), "hash", hash, "txs", len(txs))
	select {
	case m.events <- Event{Height: blk.Number(), Hash: hash, Txs: len(txs)}:
	default:
	}
	return nil
}

// BlocksInRange serves locally produced blocks to the pipeline.
func (m *Miner) BlocksInRange(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Block
	for num := from; num <= to; num++ {
		blk, ok := m.byNumber[num]
		if !ok {
			return nil, fmt.Errorf("no local block at height %d", num)
		}
		out = append(out, blk)
	}
	return out, nil
}

// HeaderByHash resolves locally produced blocks for backfill targets.
func (m *Miner) HeaderByHash(ctx context.Context, hash types.Hash) (*types.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if blk, ok := m.byHash[hash]; ok {
		return blk.Header, nil
	}
	return nil, fmt.Errorf("unknown block %s", hash)
}

// Event reports a locally mined block.
type Event struct {
	Height uint64
	Hash   types.Hash
	Txs    int
}

func (Event) Source() string { return "dev-miner" }

func (e Event) String() string {
	return fmt.Sprintf("mined block, height=%d txs=%d", e.Height, e.Txs)
}
