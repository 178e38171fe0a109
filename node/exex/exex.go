// Package exex delivers every committed or reverted chain segment, in
// commit order, to each registered execution extension. Extensions
// progress at their own pace behind a bounded per-extension buffer and
// each tracks its own finished-height watermark; the aggregate
// finished height (the minimum) feeds the pruner's floor.
package exex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/metrics"
)

// Notification is one chain segment delivered to extensions. Reverted
// blocks, when present, precede the committed replacement.
type Notification struct {
	Committed []*types.Block
	Reverted  []*types.Block
}

// HighestCommitted returns the highest committed height in the
// notification, if any.
func (n *Notification) HighestCommitted() (uint64, bool) {
	if len(n.Committed) == 0 {
		return 0, false
	}
	return n.Committed[len(n.Committed)-1].Number(), true
}

// Extension is an independent post-commit consumer of chain segments.
type Extension interface {
	Name() string
	Notify(ctx context.Context, n *Notification) error
}

// Policy governs extension failure handling. FailFast makes one
// extension's failure fatal to the node; otherwise the failure is
// logged, the extension detached, and its watermark frozen.
type Policy struct {
	FailFast bool
}

// ErrManagerStarted is returned by Register after Start.
var ErrManagerStarted = errors.New("extension manager already started")

type extState struct {
	ext Extension
	ch  chan *Notification

	// finished holds height+1 of the highest fully processed commit;
	// zero means nothing finished yet.
	finished atomic.Uint64
	failed   atomic.Bool
}

// Manager fans committed segments out to registered extensions.
type Manager struct {
	log    log.Logger
	policy Policy
	buffer int

	mu      sync.Mutex
	exts    []*extState
	started bool

	wg    sync.WaitGroup
	fatal chan error
}

// NewManager creates a manager with the given delivery buffer per
// extension.
func NewManager(logger log.Logger, policy Policy, buffer int) *Manager {
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = log.DiscardLogger
	}
	return &Manager{
		log:    logger,
		policy: policy,
		buffer: buffer,
		fatal:  make(chan error, 1),
	}
}

// Register adds an extension. Must be called before Start.
func (m *Manager) Register(ext Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrManagerStarted
	}
	m.exts = append(m.exts, &extState{
		ext: ext,
		ch:  make(chan *Notification, m.buffer),
	})
	return nil
}

// Len returns the number of registered extensions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exts)
}

// Start launches one delivery goroutine per extension. Delivery stops
// when the context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for _, es := range m.exts {
		m.wg.Add(1)
		go m.deliver(ctx, es)
	}
}

func (m *Manager) deliver(ctx context.Context, es *extState) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-es.ch:
			if err := es.ext.Notify(ctx, n); err != nil {
				if ctx.Err() != nil {
					return
				}
				es.failed.Store(true)
				if m.policy.FailFast {
					select {
					case m.fatal <- fmt.Errorf("extension %s: %w", es.ext.Name(), err):
					default:
					}
				} else {
					m.log.Error("Extension failed, detaching", "exex", es.ext.Name(), "err", err)
				}
				return
			}
			if h, ok := n.HighestCommitted(); ok {
				es.finished.Store(h + 1)
				metrics.Node.ExExDelivered(ctx, es.ext.Name(), int64(h))
			}
		}
	}
}

// Notify enqueues a notification for every live extension, in commit
// order. Blocks only while an extension's bounded buffer is full.
func (m *Manager) Notify(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	exts := make([]*extState, len(m.exts))
	copy(exts, m.exts)
	m.mu.Unlock()

	for _, es := range exts {
		if es.failed.Load() {
			continue
		}
		select {
		case es.ch <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// FinishedHeight returns the minimum finished height across all
// registered extensions; ok is false when no extensions are
// registered. An extension that has not finished any height yet pins
// the aggregate to zero, and a failed extension's watermark stays
// frozen at its last value.
func (m *Manager) FinishedHeight() (uint64, bool) {
	m.mu.Lock()
	exts := make([]*extState, len(m.exts))
	copy(exts, m.exts)
	m.mu.Unlock()

	if len(exts) == 0 {
		return 0, false
	}
	marks := make([]uint64, len(exts))
	for i, es := range exts {
		marks[i] = es.finished.Load()
	}
	lowest := lo.Min(marks)
	if lowest == 0 {
		return 0, true
	}
	return lowest - 1, true
}

// FatalErrors delivers the first fail-fast extension error.
func (m *Manager) FatalErrors() <-chan error { return m.fatal }

// Wait blocks until all delivery goroutines have exited.
func (m *Manager) Wait() { m.wg.Wait() }
