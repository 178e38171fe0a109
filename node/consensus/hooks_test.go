package consensus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core/log"
)

func TestHookTimeTriggerFiresOnStalledChain(t *testing.T) {
	var runs atomic.Int64
	h := NewHook("stalled", 1000, 5*time.Millisecond, func(ctx context.Context, tip uint64) error {
		runs.Add(1)
		return nil
	})

	// The tip never advances far enough for the height trigger; the
	// time trigger must carry it.
	require.Eventually(t, func() bool {
		h.poll(context.Background(), log.DiscardLogger, 1)
		return runs.Load() >= 2
	}, 5*time.Second, time.Millisecond)
}

func TestHookHeightTriggerHonorsEvery(t *testing.T) {
	h := NewHook("spaced", 10, 0, func(ctx context.Context, tip uint64) error {
		return nil
	})

	h.poll(context.Background(), log.DiscardLogger, 5)
	require.False(t, h.running(), "below the height trigger, no time trigger set")

	h.poll(context.Background(), log.DiscardLogger, 10)
	require.True(t, h.running())
}
