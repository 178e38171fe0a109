package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core/log"
)

type seqEvent struct {
	src string
	n   int
}

func (e seqEvent) Source() string { return e.src }
func (e seqEvent) String() string { return fmt.Sprintf("%s event %d", e.src, e.n) }

func TestPerSourceOrderPreserved(t *testing.T) {
	hub := NewHub(log.DiscardLogger, 4)
	defer hub.Close()

	const perSource = 50
	a := make(chan seqEvent)
	b := make(chan seqEvent)
	Attach(hub, a)
	Attach(hub, b)

	go func() {
		for i := 0; i < perSource; i++ {
			a <- seqEvent{src: "a", n: i}
		}
		close(a)
	}()
	go func() {
		for i := 0; i < perSource; i++ {
			b <- seqEvent{src: "b", n: i}
		}
		close(b)
	}()

	seen := map[string]int{}
	for i := 0; i < 2*perSource; i++ {
		select {
		case ev := <-hub.Events():
			se := ev.(seqEvent)
			require.Equal(t, seen[se.src], se.n, "out-of-order event from source %s", se.src)
			seen[se.src]++
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	require.Equal(t, perSource, seen["a"])
	require.Equal(t, perSource, seen["b"])
}

func TestSourceCloseDoesNotEndHub(t *testing.T) {
	hub := NewHub(log.DiscardLogger, 4)
	defer hub.Close()

	a := make(chan seqEvent, 1)
	b := make(chan seqEvent, 1)
	Attach(hub, a)
	Attach(hub, b)

	a <- seqEvent{src: "a", n: 0}
	close(a)
	b <- seqEvent{src: "b", n: 0}

	for i := 0; i < 2; i++ {
		select {
		case <-hub.Events():
		case <-time.After(5 * time.Second):
			t.Fatal("hub stopped after one source closed")
		}
	}
}

func TestCloseEndsMergedStream(t *testing.T) {
	hub := NewHub(log.DiscardLogger, 4)
	ch := make(chan seqEvent)
	Attach(hub, ch)

	hub.Close()
	hub.Close() // idempotent

	select {
	case _, ok := <-hub.Events():
		require.False(t, ok, "stream must be closed")
	case <-time.After(5 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestSubscriberSeesEventsAlongsideLogger(t *testing.T) {
	hub := NewHub(log.DiscardLogger, 4)
	defer hub.Close()

	sub := hub.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	src := make(chan seqEvent, 3)
	Attach(hub, src)
	for i := 0; i < 3; i++ {
		src <- seqEvent{src: "a", n: i}
	}

	// The logging consumer drains the merged stream, yet the subscriber
	// still observes every event, in source order.
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub:
			require.Equal(t, i, ev.(seqEvent).n)
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber starved by the logging consumer")
		}
	}
}

func TestHealthSourceStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := HealthSource(ctx, time.Millisecond, func() HealthEvent {
		return HealthEvent{Height: 9, Peers: 2}
	})

	select {
	case ev := <-ch:
		require.Equal(t, uint64(9), ev.Height)
	case <-time.After(5 * time.Second):
		t.Fatal("no health tick")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 5*time.Second, time.Millisecond, "channel must close on cancellation")
}
