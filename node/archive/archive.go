// Package archive copies committed chain ranges into compressed,
// append-only archive files in the data directory. It runs as an
// engine side hook; the hot store can then prune the archived ranges.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/store"
)

// Archiver writes finalized block ranges to disk.
type Archiver struct {
	log      log.Logger
	provider *store.Provider
	dir      string

	// lastArchived is only touched by the hook runner; hooks never
	// overlap.
	lastArchived uint64

	events chan Event
}

// New creates an archiver rooted at dir.
func New(logger log.Logger, provider *store.Provider, dir string) *Archiver {
	return &Archiver{
		log:      logger,
		provider: provider,
		dir:      dir,
		events:   make(chan Event, 8),
	}
}

// Events returns the archiver's progress stream.
func (a *Archiver) Events() <-chan Event { return a.events }

// Archive writes every block in (lastArchived, tip] to one archive
// segment file. Failures leave lastArchived untouched so the range is
// retried on the next trigger.
func (a *Archiver) Archive(ctx context.Context, tip uint64) error {
	if tip <= a.lastArchived {
		return nil
	}
	from := a.lastArchived + 1

	var blocks []*types.Block
	for num := from; num <= tip; num++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := a.provider.BlockByNumber(num)
		if err != nil {
			return fmt.Errorf("load block %d for archive: %w", num, err)
		}
		blocks = append(blocks, blk)
	}

	if err := a.writeSegment(from, tip, blocks); err != nil {
		return err
	}
	a.lastArchived = tip

	ev := Event{From: from, To: tip}
	select {
	case a.events <- ev:
	default:
	}
	a.log.Debug("Archived block range", "from", from, "to", tip)
	return nil
}

func (a *Archiver) writeSegment(from, to uint64, blocks []*types.Block) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(a.dir, ".segment-*")
	if err != nil {
		return fmt.Errorf("create temp archive segment: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	enc := json.NewEncoder(zw)
	for _, blk := range blocks {
		if err := enc.Encode(blk); err != nil {
			zw.Close()
			tmp.Close()
			return fmt.Errorf("encode archive block %d: %w", blk.Number(), err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finish archive segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive segment: %w", err)
	}

	final := filepath.Join(a.dir, fmt.Sprintf("blocks-%08d-%08d.json.gz", from, to))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("persist archive segment: %w", err)
	}
	return nil
}

// Event reports one archived range.
type Event struct {
	From uint64
	To   uint64
}

func (Event) Source() string { return "archive" }

func (e Event) String() string {
	return fmt.Sprintf("archived blocks, from=%d to=%d", e.From, e.To)
}
