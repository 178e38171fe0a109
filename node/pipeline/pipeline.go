// Package pipeline drives forward sync: it advances the canonical
// chain from a checkpoint to a target height through named stages run
// strictly in declared order per batch. A block is never committed
// without having passed every stage, including state-root validation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/metrics"
	"github.com/quarrylabs/quarry/node/store"
)

// BlockSource supplies candidate blocks for a height range. The
// pipeline is fed either by a local producer (dev mode) or a networked
// client; swapping sources does not alter stage semantics.
type BlockSource interface {
	BlocksInRange(ctx context.Context, from, to uint64) ([]*types.Block, error)
}

// Config configures a Pipeline.
type Config struct {
	Provider  *store.Provider
	Executor  types.BlockExecutor
	Source    BlockSource
	Logger    log.Logger
	BatchSize uint64

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int
	// RetryBase is the initial backoff delay, doubled per attempt.
	RetryBase time.Duration
}

// Pipeline is the block import pipeline. At most one sync job is
// active at a time.
type Pipeline struct {
	log      log.Logger
	provider *store.Provider
	stages   []stage

	mu     sync.Mutex
	source BlockSource

	batchSize  uint64
	maxRetries int
	retryBase  time.Duration

	running    atomic.Bool
	checkpoint atomic.Uint64

	events chan Event
}

// New creates a pipeline with the default stage set.
func New(cfg Config) *Pipeline {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.DiscardLogger
	}
	p := &Pipeline{
		log:        cfg.Logger,
		provider:   cfg.Provider,
		stages:     defaultStages(cfg.Executor),
		source:     cfg.Source,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		events:     make(chan Event, 64),
	}
	head, _ := cfg.Provider.Head()
	p.checkpoint.Store(head)
	return p
}

// Checkpoint returns the height up to which the pipeline has fully
// validated and committed blocks. Monotonic except during unwind.
func (p *Pipeline) Checkpoint() uint64 { return p.checkpoint.Load() }

// Events returns the progress/unwind event stream.
func (p *Pipeline) Events() <-chan Event { return p.events }

// SetSource swaps the block source. Stage semantics are unaffected.
func (p *Pipeline) SetSource(src BlockSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = src
}

func (p *Pipeline) blockSource() BlockSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// Run advances the chain to the target height. Batches are strictly
// sequential; a second concurrent Run returns ErrAlreadyRunning.
func (p *Pipeline) Run(ctx context.Context, target uint64) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	head, _ := p.provider.Head()
	p.checkpoint.Store(head)

	for p.checkpoint.Load() < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := p.checkpoint.Load() + 1
		to := min(p.checkpoint.Load()+p.batchSize, target)

		if err := p.runBatch(ctx, from, to, target); err != nil {
			return err
		}
	}
	p.log.Info("Pipeline reached target", "target", target)
	return nil
}

func (p *Pipeline) runBatch(ctx context.Context, from, to, target uint64) error {
	var blocks []*types.Block
	err := p.withRetry(ctx, StageHeaders, from, func() error {
		var err error
		blocks, err = p.blockSource().BlocksInRange(ctx, from, to)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fatalErr(StageHeaders, from, err)
			}
			// Source failures are I/O; retry with backoff.
			return transientErr(StageHeaders, from, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return fatalErr(StageHeaders, from, fmt.Errorf("source returned no blocks for range [%d, %d]", from, to))
	}

	b := &batch{blocks: blocks}
	for _, st := range p.stages {
		if err := p.withRetry(ctx, st.ID(), from, func() error {
			return st.Execute(ctx, p.provider, b)
		}); err != nil {
			if Classify(err) == KindInvalid {
				checkpoint := p.checkpoint.Load()
				p.log.Warn("Invalid range rejected, unwinding to checkpoint",
					"stage", st.ID(), "checkpoint", checkpoint, "err", err)
				if uerr := p.Unwind(ctx, checkpoint); uerr != nil {
					return errors.Join(err, uerr)
				}
			}
			return err
		}
	}

	// Every stage passed; commit the batch.
	for i, blk := range b.blocks {
		if err := p.provider.CommitBlock(blk, b.roots[i], b.outcomes[i].Receipts, b.digests[i]); err != nil {
			return fatalErr(StageIndexing, blk.Number(), err)
		}
		p.checkpoint.Store(blk.Number())
	}

	metrics.Node.SyncHeight(ctx, int64(p.checkpoint.Load()))
	p.emit(ProgressEvent{Checkpoint: p.checkpoint.Load(), Target: target})
	return nil
}

// Unwind reverts the canonical chain to the given height and resets
// the checkpoint. Used on invalid ranges and for engine-driven resync.
func (p *Pipeline) Unwind(ctx context.Context, to uint64) error {
	from := p.checkpoint.Load()
	if _, err := p.provider.UnwindTo(to); err != nil {
		return fmt.Errorf("unwind to %d: %w", to, err)
	}
	for i := len(p.stages) - 1; i >= 0; i-- {
		if err := p.stages[i].Unwind(ctx, p.provider, to); err != nil {
			return fmt.Errorf("unwind stage %s: %w", p.stages[i].ID(), err)
		}
	}
	p.checkpoint.Store(to)
	metrics.Node.PipelineUnwind(ctx, int64(from), int64(to))
	p.emit(UnwindEvent{From: from, To: to})
	return nil
}

// withRetry retries transient failures with doubling backoff, passing
// through invalid and fatal classifications unchanged.
func (p *Pipeline) withRetry(ctx context.Context, st StageID, height uint64, op func() error) error {
	delay := p.retryBase
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if Classify(err) != KindTransient {
			return err
		}
		if attempt >= p.maxRetries {
			return fatalErr(st, height, fmt.Errorf("retries exhausted: %w", err))
		}
		p.log.Debug("Transient stage failure, retrying", "stage", st, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default: // observability stream is lossy under a slow consumer
	}
}

// Event is a pipeline progress or unwind event.
type Event interface {
	Source() string
	String() string
}

// ProgressEvent reports a committed batch.
type ProgressEvent struct {
	Checkpoint uint64
	Target     uint64
}

func (ProgressEvent) Source() string { return "pipeline" }

func (e ProgressEvent) String() string {
	return fmt.Sprintf("pipeline progress, checkpoint=%d target=%d", e.Checkpoint, e.Target)
}

// UnwindEvent reports a checkpoint reversal.
type UnwindEvent struct {
	From uint64
	To   uint64
}

func (UnwindEvent) Source() string { return "pipeline" }

func (e UnwindEvent) String() string {
	return fmt.Sprintf("pipeline unwind, from=%d to=%d", e.From, e.To)
}
