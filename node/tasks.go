package node

import (
	"context"
	"sync"

	"github.com/quarrylabs/quarry/core/log"
)

// TaskExecutor is the shared scheduler capability: it tracks spawned
// background tasks so shutdown can wait for them, and surfaces
// critical task failures to the node's exit path. Cancellation is
// cooperative, through the context passed at spawn.
type TaskExecutor struct {
	log log.Logger

	wg       sync.WaitGroup
	critical chan error
}

// NewTaskExecutor creates a task executor.
func NewTaskExecutor(logger log.Logger) *TaskExecutor {
	return &TaskExecutor{
		log:      logger,
		critical: make(chan error, 1),
	}
}

// Spawn runs fn on a tracked goroutine. Errors other than context
// cancellation are logged.
func (t *TaskExecutor) Spawn(ctx context.Context, name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			t.log.Warn("Task exited with error", "task", name, "err", err)
		}
	}()
}

// SpawnCritical is like Spawn, but a failure is reported on the
// critical channel and resolves the node's exit future.
func (t *TaskExecutor) SpawnCritical(ctx context.Context, name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			t.log.Error("Critical task failed", "task", name, "err", err)
			select {
			case t.critical <- err:
			default:
			}
		}
	}()
}

// CriticalErrors delivers the first critical task failure.
func (t *TaskExecutor) CriticalErrors() <-chan error { return t.critical }

// Wait blocks until every spawned task has returned.
func (t *TaskExecutor) Wait() { t.wg.Wait() }
