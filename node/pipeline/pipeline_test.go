package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/store"
)

// stubExecutor executes deterministically: one bundle write keyed by
// the block hash, one receipt per transaction. execFn overrides.
type stubExecutor struct {
	execFn func(ctx context.Context, view types.StateView, pre *types.BundleState, blk *types.Block) (*types.ExecutionOutcome, error)
}

func (e *stubExecutor) ExecuteBlock(ctx context.Context, view types.StateView, pre *types.BundleState, blk *types.Block) (*types.ExecutionOutcome, error) {
	if e.execFn != nil {
		return e.execFn(ctx, view, pre, blk)
	}
	bundle := &types.BundleState{}
	bundle.Set(types.Address{}, blk.Hash(), nil)
	receipts := make([]*types.Receipt, len(blk.Transactions))
	var cum uint64
	for i := range receipts {
		cum += 21_000
		receipts[i] = &types.Receipt{Success: true, CumulativeGasUsed: cum}
	}
	return &types.ExecutionOutcome{Bundle: bundle, Receipts: receipts, GasUsed: cum}, nil
}

// memSource serves a fixed block map; fetchErr, when set, is consulted
// first on every fetch.
type memSource struct {
	mu       sync.Mutex
	blocks   map[uint64]*types.Block
	fetchErr func() error
	fetches  int
}

func (s *memSource) BlocksInRange(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		if err := s.fetchErr(); err != nil {
			return nil, err
		}
	}
	var out []*types.Block
	for num := from; num <= to; num++ {
		blk, ok := s.blocks[num]
		if !ok {
			return nil, fmt.Errorf("no block at height %d", num)
		}
		out = append(out, blk)
	}
	return out, nil
}

func genesisBlock() *types.Block {
	return &types.Block{Header: &types.Header{Number: 0, GasLimit: 1000}}
}

// buildChain links n empty blocks on top of parent.
func buildChain(parent *types.Block, n int) map[uint64]*types.Block {
	out := make(map[uint64]*types.Block, n)
	prev := parent
	for i := 0; i < n; i++ {
		blk := &types.Block{Header: &types.Header{
			ParentHash: prev.Hash(),
			Number:     prev.Number() + 1,
			GasLimit:   1000,
		}}
		out[blk.Number()] = blk
		prev = blk
	}
	return out
}

func newTestProvider(t *testing.T) *store.Provider {
	t.Helper()
	cs, err := store.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cs.EnsureGenesis(genesisBlock()))
	return store.NewProviderFactory(cs).Provider()
}

func newTestPipeline(t *testing.T, provider *store.Provider, src BlockSource, exec types.BlockExecutor) *Pipeline {
	t.Helper()
	if exec == nil {
		exec = &stubExecutor{}
	}
	return New(Config{
		Provider:  provider,
		Executor:  exec,
		Source:    src,
		RetryBase: time.Millisecond,
	})
}

func TestRunAdvancesToTarget(t *testing.T) {
	provider := newTestProvider(t)
	src := &memSource{blocks: buildChain(genesisBlock(), 10)}
	p := newTestPipeline(t, provider, src, nil)

	require.NoError(t, p.Run(context.Background(), 10))
	require.Equal(t, uint64(10), p.Checkpoint())

	head, _ := provider.Head()
	require.Equal(t, uint64(10), head)

	// Progress events carry strictly increasing checkpoints.
	var last uint64
	for {
		select {
		case ev := <-p.Events():
			pe, ok := ev.(ProgressEvent)
			require.True(t, ok)
			require.Greater(t, pe.Checkpoint, last)
			last = pe.Checkpoint
		default:
			require.Equal(t, uint64(10), last)
			return
		}
	}
}

func TestRunBatchesSequentially(t *testing.T) {
	provider := newTestProvider(t)
	src := &memSource{blocks: buildChain(genesisBlock(), 10)}
	p := New(Config{
		Provider:  provider,
		Executor:  &stubExecutor{},
		Source:    src,
		BatchSize: 3,
		RetryBase: time.Millisecond,
	})

	require.NoError(t, p.Run(context.Background(), 10))
	require.Equal(t, uint64(10), p.Checkpoint())
	require.Equal(t, 4, src.fetches, "ceil(10/3) batches")
}

func TestInvalidBlockUnwindsToLastValid(t *testing.T) {
	provider := newTestProvider(t)
	blocks := buildChain(genesisBlock(), 6)
	blocks[5].Header.ParentHash = types.Hash{0xff} // break linkage mid-chain
	src := &memSource{blocks: blocks}
	p := New(Config{
		Provider:  provider,
		Executor:  &stubExecutor{},
		Source:    src,
		BatchSize: 3,
		RetryBase: time.Millisecond,
	})

	err := p.Run(context.Background(), 6)
	require.Error(t, err)
	require.Equal(t, KindInvalid, Classify(err))

	// The first batch committed; the invalid batch left no trace.
	require.Equal(t, uint64(3), p.Checkpoint())
	head, _ := provider.Head()
	require.Equal(t, uint64(3), head)
}

func TestTransientSourceFailureRetried(t *testing.T) {
	provider := newTestProvider(t)
	failures := 2
	src := &memSource{
		blocks: buildChain(genesisBlock(), 4),
		fetchErr: func() error {
			if failures > 0 {
				failures--
				return errors.New("peer disconnected")
			}
			return nil
		},
	}
	p := newTestPipeline(t, provider, src, nil)

	require.NoError(t, p.Run(context.Background(), 4))
	require.Equal(t, uint64(4), p.Checkpoint())
	require.Equal(t, 3, src.fetches)
}

func TestTransientRetriesExhaustedBecomeFatal(t *testing.T) {
	provider := newTestProvider(t)
	src := &memSource{blocks: buildChain(genesisBlock(), 2)}
	exec := &stubExecutor{
		execFn: func(ctx context.Context, view types.StateView, pre *types.BundleState, blk *types.Block) (*types.ExecutionOutcome, error) {
			return nil, &types.ExecutionError{Height: blk.Number(), Transient: true, Err: errors.New("db timeout")}
		},
	}
	p := newTestPipeline(t, provider, src, exec)

	err := p.Run(context.Background(), 2)
	require.Error(t, err)
	require.Equal(t, KindFatal, Classify(err))
	require.Zero(t, p.Checkpoint())
}

func TestExecutionFailureRejectsRange(t *testing.T) {
	provider := newTestProvider(t)
	src := &memSource{blocks: buildChain(genesisBlock(), 3)}
	exec := &stubExecutor{
		execFn: func(ctx context.Context, view types.StateView, pre *types.BundleState, blk *types.Block) (*types.ExecutionOutcome, error) {
			if blk.Number() == 2 {
				return nil, &types.ExecutionError{Height: 2, Err: errors.New("bad opcode")}
			}
			return (&stubExecutor{}).ExecuteBlock(ctx, view, pre, blk)
		},
	}
	p := newTestPipeline(t, provider, src, exec)

	err := p.Run(context.Background(), 3)
	require.Error(t, err)
	require.Equal(t, KindInvalid, Classify(err))

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StageExecution, serr.Stage)
	require.Equal(t, uint64(2), serr.Height)

	head, _ := provider.Head()
	require.Zero(t, head, "invalid batch must not commit")
}

func TestGasUsedMismatchIsInvalid(t *testing.T) {
	provider := newTestProvider(t)
	blocks := buildChain(genesisBlock(), 1)
	blocks[1].Header.GasUsed = 12_345 // executor computes 0 for an empty block
	src := &memSource{blocks: blocks}
	p := newTestPipeline(t, provider, src, nil)

	err := p.Run(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, KindInvalid, Classify(err))
}

func TestUnwindAndRerunReproducesRoot(t *testing.T) {
	provider := newTestProvider(t)
	src := &memSource{blocks: buildChain(genesisBlock(), 6)}
	p := newTestPipeline(t, provider, src, nil)

	require.NoError(t, p.Run(context.Background(), 6))
	want, err := provider.StateRootAt(6)
	require.NoError(t, err)

	require.NoError(t, p.Unwind(context.Background(), 3))
	require.Equal(t, uint64(3), p.Checkpoint())
	head, _ := provider.Head()
	require.Equal(t, uint64(3), head)

	require.NoError(t, p.Run(context.Background(), 6))
	got, err := provider.StateRootAt(6)
	require.NoError(t, err)
	require.Equal(t, want, got, "replayed chain must reproduce the same root")
}

func TestConcurrentRunRejected(t *testing.T) {
	provider := newTestProvider(t)
	gate := make(chan struct{})
	src := &memSource{
		blocks: buildChain(genesisBlock(), 1),
		fetchErr: func() error {
			<-gate
			return nil
		},
	}
	p := newTestPipeline(t, provider, src, nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), 1) }()

	require.Eventually(t, func() bool {
		return p.running.Load()
	}, 5*time.Second, time.Millisecond)

	require.ErrorIs(t, p.Run(context.Background(), 1), ErrAlreadyRunning)

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, uint64(1), p.Checkpoint())
}

func TestClassifyDefaultsToFatal(t *testing.T) {
	require.Equal(t, KindFatal, Classify(errors.New("plain")))
	require.Equal(t, KindInvalid, Classify(invalidErr(StageHeaders, 1, errors.New("x"))))
	require.Equal(t, KindTransient, Classify(fmt.Errorf("wrapped: %w", transientErr(StageBodies, 2, errors.New("y")))))
}
