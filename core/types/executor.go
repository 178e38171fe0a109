package types

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// StateView is a read-only view of chain state, as seen by the block
// executor. Implementations must support concurrent readers.
type StateView interface {
	// StateRoot returns the state root the view is anchored at.
	StateRoot() Hash

	// BlockHash returns the hash of the canonical block at the given
	// height, if known to the view.
	BlockHash(number uint64) (Hash, bool)
}

// BundleState is an ordered set of pending state changes produced by
// executing one or more blocks on top of a StateView. It is opaque to
// the pipeline; only its digest participates in state-root
// accumulation.
type BundleState struct {
	writes []stateWrite
}

type stateWrite struct {
	addr Address
	key  Hash
	val  []byte
}

// Set records a storage write.
func (b *BundleState) Set(addr Address, key Hash, val []byte) {
	b.writes = append(b.writes, stateWrite{addr: addr, key: key, val: val})
}

// Extend appends all writes of other after the receiver's own.
func (b *BundleState) Extend(other *BundleState) {
	if other == nil {
		return
	}
	b.writes = append(b.writes, other.writes...)
}

// Len returns the number of recorded writes.
func (b *BundleState) Len() int { return len(b.writes) }

// Digest returns a commitment over the bundle's writes in order.
func (b *BundleState) Digest() Hash {
	buf := make([]byte, 0, len(b.writes)*64)
	for _, w := range b.writes {
		buf = append(buf, w.addr[:]...)
		buf = append(buf, w.key[:]...)
		buf = append(buf, w.val...)
	}
	return crypto.Keccak256Hash(buf)
}

// AccumulateRoot folds one executed block into a running state-root
// commitment. The root is treated as opaque by every consumer; only
// equality matters.
func AccumulateRoot(prev, blockHash, bundleDigest Hash) Hash {
	buf := make([]byte, 0, 96)
	buf = append(buf, prev[:]...)
	buf = append(buf, blockHash[:]...)
	buf = append(buf, bundleDigest[:]...)
	return crypto.Keccak256Hash(buf)
}

// ExecutionOutcome is the result of executing a single block.
type ExecutionOutcome struct {
	Bundle   *BundleState
	Receipts []*Receipt
	GasUsed  uint64
}

// ExecutionError is returned by a BlockExecutor when a block fails to
// execute. Transient marks infrastructure failures (I/O, timeouts)
// that are safe to retry; everything else is an invalid block.
type ExecutionError struct {
	Height    uint64
	Transient bool
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute block %d: %v", e.Height, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// BlockExecutor executes one block against a read view of state and an
// optional pre-existing bundle of pending changes. It is supplied by
// an external collaborator; the pipeline's execution stage and the
// live commit path are its only consumers in the core.
type BlockExecutor interface {
	ExecuteBlock(ctx context.Context, view StateView, pre *BundleState, blk *Block) (*ExecutionOutcome, error)
}
