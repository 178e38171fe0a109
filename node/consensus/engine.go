// Package consensus implements the engine state machine bridging
// consensus-layer directives and the import pipeline. Inbound messages
// arrive on a single bounded channel and are processed strictly in
// arrival order by one consumer; that total order is the correctness
// guarantee for fork-choice consistency.
package consensus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/exex"
	"github.com/quarrylabs/quarry/node/metrics"
	"github.com/quarrylabs/quarry/node/pipeline"
	"github.com/quarrylabs/quarry/node/store"
)

// EngineState is the engine's coarse state.
type EngineState int32

const (
	StateSyncing EngineState = iota
	StateLive
)

func (s EngineState) String() string {
	if s == StateLive {
		return "live"
	}
	return "syncing"
}

// HeaderResolver resolves a block hash the node has never seen to its
// header, so an unknown fork-choice head can become a pipeline target.
type HeaderResolver interface {
	HeaderByHash(ctx context.Context, hash types.Hash) (*types.Header, error)
}

// Config configures an Engine.
type Config struct {
	Logger   log.Logger
	Provider *store.Provider
	Executor types.BlockExecutor
	Pipeline *pipeline.Pipeline
	ExEx     *exex.Manager // may be nil
	Resolver HeaderResolver

	QueueSize    int
	HookInterval time.Duration
	Debug        config.DebugConfig
}

// Engine is the consensus engine. All chain-state fields are owned by
// the processing loop; external actors enqueue through the Handle.
type Engine struct {
	log      log.Logger
	provider *store.Provider
	executor types.BlockExecutor
	pipeline *pipeline.Pipeline
	exexMgr  *exex.Manager
	resolver HeaderResolver

	inbox chan *directive
	state atomic.Int32

	// Loop-owned fork-choice view.
	head      types.Hash
	safe      types.Hash
	finalized types.Hash

	hooks        []*Hook
	hookInterval time.Duration

	dirStore *DirectiveStore // nil unless engine_api_store is set

	skipFCU        uint64
	skipNewPayload uint64
	fcuSeen        atomic.Uint64
	npSeen         atomic.Uint64

	tipOverride *types.Hash
	terminate   bool

	syncFrom     uint64 // checkpoint when the current backfill began
	syncTarget   types.Hash
	pipelineDone chan error

	events   chan TransitionEvent
	shutdown chan struct{}
	stopped  atomic.Bool
}

// New creates the engine. Initial state is Syncing.
func New(cfg Config) (*Engine, *Handle, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.DiscardLogger
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultEngineQueueSize
	}
	if cfg.HookInterval <= 0 {
		cfg.HookInterval = time.Second
	}

	e := &Engine{
		log:            cfg.Logger,
		provider:       cfg.Provider,
		executor:       cfg.Executor,
		pipeline:       cfg.Pipeline,
		exexMgr:        cfg.ExEx,
		resolver:       cfg.Resolver,
		inbox:          make(chan *directive, cfg.QueueSize),
		hookInterval:   cfg.HookInterval,
		skipFCU:        cfg.Debug.SkipFCU,
		skipNewPayload: cfg.Debug.SkipNewPayload,
		terminate:      cfg.Debug.Terminate,
		pipelineDone:   make(chan error, 1),
		events:         make(chan TransitionEvent, 16),
		shutdown:       make(chan struct{}),
	}
	e.state.Store(int32(StateSyncing))

	tip, err := cfg.Debug.TipHash()
	if err != nil {
		return nil, nil, err
	}
	e.tipOverride = tip

	if cfg.Debug.EngineAPIStore != "" {
		ds, err := OpenDirectiveStore(cfg.Debug.EngineAPIStore)
		if err != nil {
			return nil, nil, err
		}
		e.dirStore = ds
	}

	_, headHash := cfg.Provider.Head()
	e.head = headHash

	return e, &Handle{e: e}, nil
}

// AddHook registers a periodic side hook. Must be called before Run.
func (e *Engine) AddHook(h *Hook) { e.hooks = append(e.hooks, h) }

// State returns the engine state.
func (e *Engine) State() EngineState { return EngineState(e.state.Load()) }

// ShutdownSignal is closed when the engine stops, or when the
// terminate-on-catch-up condition is met. It is the node's shutdown
// coordination point.
func (e *Engine) ShutdownSignal() <-chan struct{} { return e.shutdown }

// Run is the engine's processing loop. It returns when the context is
// cancelled. Messages are consumed strictly in arrival order.
func (e *Engine) Run(ctx context.Context) error {
	defer e.signalShutdown()
	if e.dirStore != nil {
		defer e.dirStore.Close()
	}

	if e.tipOverride != nil {
		e.log.Info("Sync target overridden", "tip", *e.tipOverride)
		e.startBackfill(ctx, *e.tipOverride)
	}

	ticker := time.NewTicker(e.hookInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-e.inbox:
			e.process(ctx, d)
			e.pollHooks(ctx)
		case err := <-e.pipelineDone:
			e.onBackfillDone(ctx, err)
		case <-ticker.C:
			e.pollHooks(ctx)
		}
	}
}

func (e *Engine) send(ctx context.Context, d *directive) (PayloadStatus, error) {
	if e.stopped.Load() {
		return PayloadStatus{}, ErrEngineStopped
	}
	select {
	case e.inbox <- d:
	case <-ctx.Done():
		return PayloadStatus{}, ctx.Err()
	case <-e.shutdown:
		return PayloadStatus{}, ErrEngineStopped
	}
	select {
	case st := <-d.reply:
		return st, nil
	case <-ctx.Done():
		return PayloadStatus{}, ctx.Err()
	case <-e.shutdown:
		return PayloadStatus{}, ErrEngineStopped
	}
}

// dropFCU applies the skip_fcu ingress filter: every n-th
// ForkchoiceUpdated is dropped when n > 0.
func (e *Engine) dropFCU() bool {
	if e.skipFCU == 0 {
		return false
	}
	return e.fcuSeen.Add(1)%e.skipFCU == 0
}

func (e *Engine) dropNewPayload() bool {
	if e.skipNewPayload == 0 {
		return false
	}
	return e.npSeen.Add(1)%e.skipNewPayload == 0
}

func (e *Engine) process(ctx context.Context, d *directive) {
	e.record(d)
	var st PayloadStatus
	switch d.kind {
	case kindForkchoiceUpdated:
		st = e.onForkchoiceUpdated(ctx, d.fcu)
	case kindNewPayload:
		st = e.onNewPayload(ctx, d.payload)
	}
	metrics.Node.EngineDirective(ctx, d.kind.String(), string(st.Status))
	d.reply <- st
}

func (e *Engine) record(d *directive) {
	if e.dirStore == nil {
		return
	}
	sd := StoredDirective{Kind: d.kind.String()}
	switch d.kind {
	case kindForkchoiceUpdated:
		fcu := d.fcu
		sd.Forkchoice = &fcu
	case kindNewPayload:
		sd.Payload = d.payload
	}
	if err := e.dirStore.Record(sd); err != nil {
		e.log.Warn("Failed to record engine directive", "err", err)
	}
}

func (e *Engine) onForkchoiceUpdated(ctx context.Context, fc ForkchoiceState) PayloadStatus {
	headNum, known := e.provider.NumberByHash(fc.Head)

	switch e.State() {
	case StateSyncing:
		if !known {
			e.startBackfill(ctx, fc.Head)
			return PayloadStatus{Status: StatusSyncing}
		}
		e.updateForkchoice(fc)
		if e.pipeline.Checkpoint() >= headNum {
			e.transition(StateLive)
		}
		return PayloadStatus{Status: StatusValid, LatestValidHash: &fc.Head}

	default: // StateLive
		if !known {
			// Unknown ancestor: re-sync, not an error.
			e.transition(StateSyncing)
			e.startBackfill(ctx, fc.Head)
			return PayloadStatus{Status: StatusSyncing}
		}
		e.updateForkchoice(fc)
		return PayloadStatus{Status: StatusValid, LatestValidHash: &fc.Head}
	}
}

func (e *Engine) onNewPayload(ctx context.Context, blk *types.Block) PayloadStatus {
	if e.State() == StateSyncing {
		return PayloadStatus{Status: StatusSyncing}
	}

	headNum, headHash := e.provider.Head()
	if blk.Header.ParentHash == headHash {
		// Extends the canonical head: execute and commit directly.
		return e.executeLive(ctx, blk, headNum, headHash)
	}
	if _, ok := e.provider.NumberByHash(blk.Header.ParentHash); ok {
		// Known ancestor off the head: plausible side chain, hold it
		// without moving head.
		return PayloadStatus{Status: StatusAccepted, LatestValidHash: &headHash}
	}
	return PayloadStatus{Status: StatusSyncing}
}

// executeLive is the engine's tree-commit path; it holds chain-state
// write authority while the engine is Live.
func (e *Engine) executeLive(ctx context.Context, blk *types.Block, headNum uint64, headHash types.Hash) PayloadStatus {
	outcome, err := e.executor.ExecuteBlock(ctx, e.provider.StateView(), nil, blk)
	if err != nil {
		e.log.Warn("Invalid payload", "height", blk.Number(), "err", err)
		return PayloadStatus{
			Status:          StatusInvalid,
			LatestValidHash: &headHash,
			ValidationError: err.Error(),
		}
	}

	prevRoot, err := e.provider.StateRootAt(headNum)
	if err != nil {
		return PayloadStatus{Status: StatusInvalid, LatestValidHash: &headHash, ValidationError: err.Error()}
	}
	digest := outcome.Bundle.Digest()
	root := types.AccumulateRoot(prevRoot, blk.Hash(), digest)
	if blk.Header.StateRoot != (types.Hash{}) && blk.Header.StateRoot != root {
		e.log.Warn("Payload state root mismatch", "height", blk.Number())
		return PayloadStatus{
			Status:          StatusInvalid,
			LatestValidHash: &headHash,
			ValidationError: fmt.Sprintf("state root mismatch at height %d", blk.Number()),
		}
	}

	if err := e.provider.CommitBlock(blk, root, outcome.Receipts, digest); err != nil {
		return PayloadStatus{Status: StatusInvalid, LatestValidHash: &headHash, ValidationError: err.Error()}
	}
	e.head = blk.Hash()
	metrics.Node.SyncHeight(ctx, int64(blk.Number()))

	e.notifyExEx(ctx, &exex.Notification{Committed: []*types.Block{blk}})

	hash := blk.Hash()
	return PayloadStatus{Status: StatusValid, LatestValidHash: &hash}
}

func (e *Engine) updateForkchoice(fc ForkchoiceState) {
	e.head = fc.Head
	e.safe = fc.Safe
	e.finalized = fc.Finalized
}

// startBackfill resolves the target hash to a height and launches a
// pipeline run toward it. A target on a side branch first unwinds the
// canonical chain to the fork point, so the pipeline can rebuild along
// the new branch. The pipeline holds write authority for the duration;
// completion is reported back to the loop.
func (e *Engine) startBackfill(ctx context.Context, target types.Hash) {
	if e.resolver == nil {
		e.log.Error("No header resolver configured, cannot backfill", "target", target)
		return
	}
	hdr, err := e.resolver.HeaderByHash(ctx, target)
	if err != nil {
		e.log.Warn("Failed to resolve sync target, awaiting next forkchoice", "target", target, "err", err)
		return
	}
	if err := e.unwindToForkPoint(ctx, hdr); err != nil {
		e.log.Warn("Failed to rewind to fork point, awaiting next forkchoice", "target", target, "err", err)
		return
	}

	e.syncFrom = e.pipeline.Checkpoint()
	e.syncTarget = target
	e.log.Info("Starting pipeline backfill", "target", target, "height", hdr.Number)

	go func() {
		err := e.pipeline.Run(ctx, hdr.Number)
		select {
		case e.pipelineDone <- err:
		case <-ctx.Done():
		}
	}()
}

// unwindToForkPoint walks the target's ancestry through the resolver
// until it meets the canonical chain, then unwinds to that height. The
// removed blocks are delivered to extensions as a reverted segment
// before the replacement branch commits. A target that extends the
// canonical chain is a no-op.
func (e *Engine) unwindToForkPoint(ctx context.Context, hdr *types.Header) error {
	head, _ := e.provider.Head()
	if _, ok := e.provider.NumberByHash(hdr.Hash()); ok {
		return nil // already canonical
	}

	forkPoint, found := e.provider.NumberByHash(hdr.ParentHash)
	cur := hdr
	for !found && cur.Number > 0 {
		parent, err := e.resolver.HeaderByHash(ctx, cur.ParentHash)
		if err != nil {
			return fmt.Errorf("resolve ancestor %s: %w", cur.ParentHash, err)
		}
		cur = parent
		forkPoint, found = e.provider.NumberByHash(cur.ParentHash)
	}
	if !found {
		return fmt.Errorf("target %s shares no ancestor with the canonical chain", hdr.Hash())
	}
	if forkPoint >= head {
		return nil
	}

	reverted := make([]*types.Block, 0, head-forkPoint)
	for num := forkPoint + 1; num <= head; num++ {
		blk, err := e.provider.BlockByNumber(num)
		if err != nil {
			return fmt.Errorf("load block %d for revert: %w", num, err)
		}
		reverted = append(reverted, blk)
	}
	if err := e.pipeline.Unwind(ctx, forkPoint); err != nil {
		return err
	}
	_, e.head = e.provider.Head()
	e.log.Info("Unwound to fork point", "height", forkPoint, "reverted", len(reverted))
	e.notifyExEx(ctx, &exex.Notification{Reverted: reverted})
	return nil
}

func (e *Engine) onBackfillDone(ctx context.Context, err error) {
	if err != nil {
		// Invalid ranges were already unwound by the pipeline; either
		// way the engine keeps processing and awaits a new forkchoice.
		e.log.Error("Pipeline backfill failed", "kind", pipeline.Classify(err), "err", err)
		return
	}

	checkpoint := e.pipeline.Checkpoint()
	e.log.Info("Pipeline backfill complete", "checkpoint", checkpoint)

	// Deliver the backfilled range to extensions in commit order.
	if e.exexMgr != nil && checkpoint > e.syncFrom {
		var committed []*types.Block
		for num := e.syncFrom + 1; num <= checkpoint; num++ {
			blk, berr := e.provider.BlockByNumber(num)
			if berr != nil {
				e.log.Warn("Missing backfilled block for extension delivery", "height", num, "err", berr)
				break
			}
			committed = append(committed, blk)
		}
		e.notifyExEx(ctx, &exex.Notification{Committed: committed})
	}

	if e.State() == StateSyncing {
		e.transition(StateLive)
	}
	if e.terminate {
		e.log.Info("Pipeline reached tip, terminating as configured")
		e.signalShutdown()
	}
}

func (e *Engine) notifyExEx(ctx context.Context, n *exex.Notification) {
	if e.exexMgr == nil || len(n.Committed)+len(n.Reverted) == 0 {
		return
	}
	if err := e.exexMgr.Notify(ctx, n); err != nil {
		e.log.Warn("Extension notification failed", "err", err)
	}
}

func (e *Engine) transition(to EngineState) {
	from := e.State()
	if from == to {
		return
	}
	e.state.Store(int32(to))
	e.log.Info("Engine state transition", "from", from, "to", to)
	select {
	case e.events <- TransitionEvent{From: from, To: to}:
	default:
	}
}

func (e *Engine) pollHooks(ctx context.Context) {
	tip, _ := e.provider.Head()
	for _, h := range e.hooks {
		h.poll(ctx, e.log, tip)
	}
}

func (e *Engine) signalShutdown() {
	if e.stopped.CompareAndSwap(false, true) {
		close(e.shutdown)
	}
}
