package consensus

import (
	"context"
	"time"

	"github.com/quarrylabs/quarry/core/log"
)

// Hook is a periodic side task (pruning, archival) run cooperatively
// between message processing. Hook work is delegated to a background
// goroutine whose completion is polled opportunistically; the message
// loop never awaits it synchronously.
type Hook struct {
	name     string
	every    uint64        // trigger every N committed blocks
	interval time.Duration // also trigger after this much wall time (0 = off)
	run      func(ctx context.Context, tip uint64) error

	lastTip uint64
	lastRun time.Time
	done    chan error
}

// NewHook creates a hook triggered every N committed blocks, or after
// interval has elapsed since the last run, whichever comes first. An
// interval of zero disables the time trigger.
func NewHook(name string, every uint64, interval time.Duration, run func(ctx context.Context, tip uint64) error) *Hook {
	if every == 0 {
		every = 1
	}
	return &Hook{name: name, every: every, interval: interval, run: run, lastRun: time.Now()}
}

func (h *Hook) running() bool { return h.done != nil }

func (h *Hook) due(tip uint64, now time.Time) bool {
	if tip >= h.lastTip+h.every {
		return true
	}
	return h.interval > 0 && now.Sub(h.lastRun) >= h.interval
}

// poll starts the hook if due, and reaps a finished run without
// blocking. Failures are soft: logged, retried on the next trigger.
func (h *Hook) poll(ctx context.Context, logger log.Logger, tip uint64) {
	if h.running() {
		select {
		case err := <-h.done:
			h.done = nil
			if err != nil {
				logger.Warn("Engine hook failed", "hook", h.name, "err", err)
			}
		default: // still running, check again next poll
		}
		return
	}
	if !h.due(tip, time.Now()) {
		return
	}
	h.lastTip = tip
	h.lastRun = time.Now()
	done := make(chan error, 1)
	h.done = done
	go func() {
		done <- h.run(ctx, tip)
	}()
}
