// Package pruner enforces historical-data retention: one segment per
// run, governed by per-segment retention distances, never deleting
// data the chain may still need to unwind or that extensions have not
// finished consuming.
package pruner

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/node/metrics"
	"github.com/quarrylabs/quarry/node/store"
)

// WatermarkSource reports the extensions' aggregate finished height.
// ok is false when no extensions are registered.
type WatermarkSource interface {
	FinishedHeight() (uint64, bool)
}

type segmentPolicy struct {
	segment  store.Segment
	distance uint64
}

// Pruner deletes prunable segment data below the retention floor.
// Failures are logged and retried on the next trigger; they are never
// fatal to the node.
type Pruner struct {
	log           log.Logger
	provider      *store.Provider
	maxReorgDepth uint64
	watermarks    WatermarkSource // nil when no extensions registered

	mu         sync.Mutex
	policies   []segmentPolicy
	next       int
	lastPruned map[store.Segment]uint64

	events chan Event
}

// New creates a pruner from the prune policy. Segments with a zero
// retention distance are disabled.
func New(logger log.Logger, provider *store.Provider, prune config.PruneConfig, maxReorgDepth uint64, watermarks WatermarkSource) *Pruner {
	if logger == nil {
		logger = log.DiscardLogger
	}
	var policies []segmentPolicy
	for _, sp := range []segmentPolicy{
		{store.SegmentReceipts, prune.Receipts},
		{store.SegmentTxLookup, prune.TxLookup},
		{store.SegmentAccountHistory, prune.AccountHistory},
	} {
		if sp.distance > 0 {
			policies = append(policies, sp)
		}
	}
	return &Pruner{
		log:           logger,
		provider:      provider,
		maxReorgDepth: maxReorgDepth,
		watermarks:    watermarks,
		policies:      policies,
		lastPruned:    make(map[store.Segment]uint64),
		events:        make(chan Event, 16),
	}
}

// Events returns the pruner's progress event stream.
func (p *Pruner) Events() <-chan Event { return p.events }

// Floor returns the highest height (exclusive) the pruner may delete
// below, for the given tip.
func (p *Pruner) Floor(tip uint64) uint64 {
	floor := uint64(0)
	if tip > p.maxReorgDepth {
		floor = tip - p.maxReorgDepth
	}
	if p.watermarks != nil {
		if h, ok := p.watermarks.FinishedHeight(); ok && h < floor {
			floor = h
		}
	}
	return floor
}

// Run prunes the next segment in round-robin order, bounded by the
// retention floor. It processes at most one segment per call.
func (p *Pruner) Run(ctx context.Context, tip uint64) (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.policies) == 0 {
		return Event{}, nil
	}
	pol := p.policies[p.next%len(p.policies)]
	p.next++

	// A retention window wider than the chain leaves nothing prunable;
	// the reorg floor only ever tightens the per-segment bound.
	var below uint64
	if tip > pol.distance {
		below = tip - pol.distance
		if floor := p.Floor(tip); floor < below {
			below = floor
		}
	}
	if below <= p.lastPruned[pol.segment] {
		return Event{Segment: pol.segment, Below: below}, nil
	}

	deleted, err := p.provider.Prune(pol.segment, below)
	if err != nil {
		return Event{}, fmt.Errorf("prune segment %s below %d: %w", pol.segment, below, err)
	}
	p.lastPruned[pol.segment] = below
	metrics.Node.PrunedEntries(ctx, string(pol.segment), deleted)

	ev := Event{Segment: pol.segment, Below: below, Deleted: deleted}
	select {
	case p.events <- ev:
	default:
	}
	p.log.Debug("Pruned segment", "segment", pol.segment, "below", below, "deleted", deleted)
	return ev, nil
}

// LastPruned returns the height below which the segment has been
// pruned.
func (p *Pruner) LastPruned(segment store.Segment) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPruned[segment]
}

// Event reports one pruner run.
type Event struct {
	Segment store.Segment
	Below   uint64
	Deleted int64
}

func (Event) Source() string { return "pruner" }

func (e Event) String() string {
	return fmt.Sprintf("pruner progress, segment=%s below=%d deleted=%d", e.Segment, e.Below, e.Deleted)
}
