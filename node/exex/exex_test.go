package exex

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/core/types"
)

// recordingExt records every notification in order. gate, when set, is
// received from before each notification is processed.
type recordingExt struct {
	name string
	gate chan struct{}

	mu      sync.Mutex
	heights []uint64

	failAt uint64 // fail when the notification commits this height
}

func (e *recordingExt) Name() string { return e.name }

func (e *recordingExt) Notify(ctx context.Context, n *Notification) error {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h, ok := n.HighestCommitted()
	if ok && e.failAt != 0 && h == e.failAt {
		return fmt.Errorf("extension choked at height %d", h)
	}
	e.mu.Lock()
	if ok {
		e.heights = append(e.heights, h)
	}
	e.mu.Unlock()
	return nil
}

func (e *recordingExt) seen() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint64, len(e.heights))
	copy(out, e.heights)
	return out
}

func blockAt(num uint64) *types.Block {
	return &types.Block{Header: &types.Header{Number: num}}
}

func notifyAll(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, m.Notify(context.Background(), &Notification{
			Committed: []*types.Block{blockAt(uint64(i))},
		}))
	}
}

func TestEverySegmentDeliveredInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := &recordingExt{name: "fast"}
	slow := &recordingExt{name: "slow", gate: make(chan struct{}, 64)}
	for i := 0; i < 64; i++ {
		slow.gate <- struct{}{}
	}

	m := NewManager(log.DiscardLogger, Policy{}, 8)
	require.NoError(t, m.Register(fast))
	require.NoError(t, m.Register(slow))
	m.Start(ctx)

	const n = 20
	notifyAll(t, m, n)

	require.Eventually(t, func() bool {
		return len(fast.seen()) == n && len(slow.seen()) == n
	}, 5*time.Second, time.Millisecond)

	for _, ext := range []*recordingExt{fast, slow} {
		got := ext.seen()
		for i, h := range got {
			require.Equal(t, uint64(i+1), h, "extension %s out of order", ext.name)
		}
	}

	h, ok := m.FinishedHeight()
	require.True(t, ok)
	require.Equal(t, uint64(n), h)
}

func TestFinishedHeightIsMinimum(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := &recordingExt{name: "fast"}
	slow := &recordingExt{name: "slow", gate: make(chan struct{})}

	m := NewManager(log.DiscardLogger, Policy{}, 32)
	require.NoError(t, m.Register(fast))
	require.NoError(t, m.Register(slow))
	m.Start(ctx)

	notifyAll(t, m, 10)

	// Fast catches up; slow has finished nothing, pinning the aggregate.
	require.Eventually(t, func() bool {
		return len(fast.seen()) == 10
	}, 5*time.Second, time.Millisecond)
	h, ok := m.FinishedHeight()
	require.True(t, ok)
	require.Zero(t, h)

	// Release slow through height 4.
	for i := 0; i < 4; i++ {
		slow.gate <- struct{}{}
	}
	require.Eventually(t, func() bool {
		h, ok := m.FinishedHeight()
		return ok && h == 4
	}, 5*time.Second, time.Millisecond)
}

func TestNoExtensionsNoWatermark(t *testing.T) {
	m := NewManager(log.DiscardLogger, Policy{}, 8)
	_, ok := m.FinishedHeight()
	require.False(t, ok)
}

func TestFailFastSurfacesFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ext := &recordingExt{name: "fragile", failAt: 3}
	m := NewManager(log.DiscardLogger, Policy{FailFast: true}, 8)
	require.NoError(t, m.Register(ext))
	m.Start(ctx)

	notifyAll(t, m, 5)

	select {
	case err := <-m.FatalErrors():
		require.ErrorContains(t, err, "fragile")
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error surfaced")
	}
}

func TestFailureDetachesAndFreezesWatermark(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthy := &recordingExt{name: "healthy"}
	fragile := &recordingExt{name: "fragile", failAt: 3}
	m := NewManager(log.DiscardLogger, Policy{}, 8)
	require.NoError(t, m.Register(healthy))
	require.NoError(t, m.Register(fragile))
	m.Start(ctx)

	notifyAll(t, m, 10)

	require.Eventually(t, func() bool {
		return len(healthy.seen()) == 10
	}, 5*time.Second, time.Millisecond)

	// The failed extension froze at its last finished height; the
	// aggregate stays pinned there even as the healthy one advances.
	h, ok := m.FinishedHeight()
	require.True(t, ok)
	require.Equal(t, uint64(2), h)

	select {
	case err := <-m.FatalErrors():
		t.Fatalf("unexpected fatal error without fail-fast: %v", err)
	default:
	}
}

func TestRegisterAfterStartRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(log.DiscardLogger, Policy{}, 8)
	m.Start(ctx)
	require.ErrorIs(t, m.Register(&recordingExt{name: "late"}), ErrManagerStarted)
}

func TestNotifyHonorsContextWhenBufferFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stuck := &recordingExt{name: "stuck", gate: make(chan struct{})}
	m := NewManager(log.DiscardLogger, Policy{}, 1)
	require.NoError(t, m.Register(stuck))
	m.Start(ctx)

	// Fill the delivery goroutine plus the one-slot buffer.
	require.NoError(t, m.Notify(ctx, &Notification{Committed: []*types.Block{blockAt(1)}}))
	require.NoError(t, m.Notify(ctx, &Notification{Committed: []*types.Block{blockAt(2)}}))

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer sendCancel()
	err := m.Notify(sendCtx, &Notification{Committed: []*types.Block{blockAt(3)}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
