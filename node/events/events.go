// Package events merges the observability streams of the node's
// subsystems (network, consensus engine, pipeline, pruner, health)
// into a single stream for logging and liveness reporting. Per-source
// emission order is preserved; there is no ordering guarantee across
// sources.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/core/log"
)

// Event is a single observability event. Source identifies the
// emitting subsystem.
type Event interface {
	Source() string
	String() string
}

// Hub fans in per-source event channels. A source terminating (its
// channel closing) does not end the hub.
type Hub struct {
	log log.Logger

	out    chan Event
	wg     sync.WaitGroup
	quit   chan struct{}
	closed sync.Once

	mu   sync.RWMutex
	subs []chan Event
}

// NewHub creates a hub with the given output buffer.
func NewHub(logger log.Logger, buffer int) *Hub {
	return &Hub{
		log:  logger,
		out:  make(chan Event, buffer),
		quit: make(chan struct{}),
	}
}

// Attach merges a source channel into the hub. Events from one source
// are forwarded in the order received. Attach may be called for any
// channel whose element type implements Event.
func Attach[T Event](h *Hub, ch <-chan T) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case h.out <- ev:
				case <-h.quit:
					return
				}
			case <-h.quit:
				return
			}
		}
	}()
}

// Events returns the merged stream. There is exactly one consumer of
// this channel (normally Run); concurrent readers would steal events
// from each other. Observers use Subscribe instead.
func (h *Hub) Events() <-chan Event { return h.out }

// Subscribe registers an observer of the merged stream. Run copies
// each event to every subscriber after logging it; a slow subscriber
// drops events rather than stalling the hub.
func (h *Hub) Subscribe() <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, 64)
	h.subs = append(h.subs, ch)
	return ch
}

// Close stops forwarding and closes the merged stream once every
// forwarder has exited.
func (h *Hub) Close() {
	h.closed.Do(func() {
		close(h.quit)
		go func() {
			h.wg.Wait()
			close(h.out)
		}()
	})
}

// Run consumes the merged stream and logs each event until the context
// is cancelled. This is the node's default event consumer.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.out:
			if !ok {
				return
			}
			h.log.Info(ev.String(), "source", ev.Source())
			h.mu.RLock()
			for _, sub := range h.subs {
				select {
				case sub <- ev:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HealthEvent is a periodic liveness report.
type HealthEvent struct {
	Height uint64
	Peers  int
}

func (HealthEvent) Source() string { return "health" }

func (e HealthEvent) String() string {
	return fmt.Sprintf("node healthy, height=%d peers=%d", e.Height, e.Peers)
}

// HealthSource emits a HealthEvent on every tick until the context is
// cancelled, then closes its channel.
func HealthSource(ctx context.Context, interval time.Duration, probe func() HealthEvent) <-chan HealthEvent {
	ch := make(chan HealthEvent, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- probe():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}
