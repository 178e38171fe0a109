// Package pool implements the node's transaction pool capability. It
// is intentionally small: ordered pending set, duplicate rejection,
// and a pending-activity listener used by the dev-mode miner.
package pool

import (
	"errors"
	"sync"

	"github.com/quarrylabs/quarry/core/types"
)

// ErrAlreadyKnown is returned for duplicate submissions.
var ErrAlreadyKnown = errors.New("transaction already in pool")

// Pool is an in-memory transaction pool. Safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	pending   []*types.Transaction
	byHash    map[types.Hash]struct{}
	listeners []chan struct{}
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{byHash: make(map[types.Hash]struct{})}
}

// Add inserts a transaction into the pending set.
func (p *Pool) Add(tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := tx.Hash()
	if _, ok := p.byHash[hash]; ok {
		return ErrAlreadyKnown
	}
	p.byHash[hash] = struct{}{}
	p.pending = append(p.pending, tx)

	for _, l := range p.listeners {
		select {
		case l <- struct{}{}:
		default: // listener already has a pending signal
		}
	}
	return nil
}

// Pending returns the pending transactions in arrival order.
func (p *Pool) Pending() []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Transaction, len(p.pending))
	copy(out, p.pending)
	return out
}

// Remove drops the given transactions, typically after inclusion in a
// committed block.
func (p *Pool) Remove(hashes []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	drop := make(map[types.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		drop[h] = struct{}{}
		delete(p.byHash, h)
	}
	kept := p.pending[:0]
	for _, tx := range p.pending {
		if _, ok := drop[tx.Hash()]; !ok {
			kept = append(kept, tx)
		}
	}
	p.pending = kept
}

// Len returns the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// PendingListener returns a channel that receives a signal whenever a
// transaction enters the pool.
func (p *Pool) PendingListener() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{}, 1)
	p.listeners = append(p.listeners, ch)
	return ch
}
