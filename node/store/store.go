// Package store provides the chain store attach point and the provider
// used by every subsystem for chain reads and canonical-chain writes.
// The storage engine itself is an external concern; this package keeps
// the canonical index (blocks, receipts, roots, lookups) the runtime
// core needs, with the provider as the only access path.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quarrylabs/quarry/core/types"
)

var (
	// ErrGenesisMismatch is returned when the store already holds a
	// genesis block different from the configured chain spec's.
	ErrGenesisMismatch = errors.New("stored genesis does not match chain spec")

	// ErrBlockNotFound is returned for reads of unknown blocks.
	ErrBlockNotFound = errors.New("block not found")

	// ErrNonCanonical is returned when a commit does not extend the
	// current head.
	ErrNonCanonical = errors.New("block does not extend canonical head")
)

type storedBlock struct {
	block    *types.Block
	root     types.Hash
	receipts []*types.Receipt
}

// ChainStore is the canonical chain index. All methods are safe for
// concurrent use; writes are serialized by the single-writer rule
// enforced above this package.
type ChainStore struct {
	mu sync.RWMutex

	byNumber map[uint64]*storedBlock
	byHash   map[types.Hash]uint64
	txLookup map[types.Hash]uint64
	history  map[uint64]types.Hash // height -> bundle digest

	head    uint64
	genesis types.Hash
	hasGen  bool
}

// Open attaches the chain store rooted at the data directory.
func Open(dataDir string) (*ChainStore, error) {
	if dataDir == "" {
		return nil, errors.New("data directory not set")
	}
	return &ChainStore{
		byNumber: make(map[uint64]*storedBlock),
		byHash:   make(map[types.Hash]uint64),
		txLookup: make(map[types.Hash]uint64),
		history:  make(map[uint64]types.Hash),
	}, nil
}

// EnsureGenesis commits the genesis block if the store is empty, and
// verifies it otherwise. Idempotent and safe to run on every start.
func (s *ChainStore) EnsureGenesis(genesis *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := genesis.Hash()
	if s.hasGen {
		if s.genesis != hash {
			return fmt.Errorf("%w: have %s, want %s", ErrGenesisMismatch, s.genesis, hash)
		}
		return nil
	}

	s.byNumber[0] = &storedBlock{block: genesis, root: genesis.Header.StateRoot}
	s.byHash[hash] = 0
	s.genesis = hash
	s.hasGen = true
	s.head = 0
	return nil
}

// GenesisHash returns the stored genesis hash.
func (s *ChainStore) GenesisHash() (types.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.genesis, s.hasGen
}

// Head returns the canonical head height and hash.
func (s *ChainStore) Head() (uint64, types.Hash) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sb := s.byNumber[s.head]
	if sb == nil {
		return 0, types.Hash{}
	}
	return s.head, sb.block.Hash()
}

// CommitBlock appends a fully validated block with its post-state root
// and receipts, advancing the head. The block must extend the current
// head.
func (s *ChainStore) CommitBlock(blk *types.Block, root types.Hash, receipts []*types.Receipt, bundleDigest types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasGen {
		return errors.New("genesis not committed")
	}
	parent := s.byNumber[s.head]
	if blk.Number() != s.head+1 || blk.Header.ParentHash != parent.block.Hash() {
		return fmt.Errorf("%w: height %d parent %s", ErrNonCanonical, blk.Number(), blk.Header.ParentHash)
	}

	num := blk.Number()
	s.byNumber[num] = &storedBlock{block: blk, root: root, receipts: receipts}
	s.byHash[blk.Hash()] = num
	for _, tx := range blk.Transactions {
		s.txLookup[tx.Hash()] = num
	}
	s.history[num] = bundleDigest
	s.head = num
	return nil
}

// BlockByNumber returns the canonical block at the given height.
func (s *ChainStore) BlockByNumber(num uint64) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sb := s.byNumber[num]
	if sb == nil {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, num)
	}
	return sb.block, nil
}

// NumberByHash resolves a block hash to its canonical height.
func (s *ChainStore) NumberByHash(hash types.Hash) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	num, ok := s.byHash[hash]
	return num, ok
}

// StateRootAt returns the post-state root at the given height.
func (s *ChainStore) StateRootAt(num uint64) (types.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sb := s.byNumber[num]
	if sb == nil {
		return types.Hash{}, fmt.Errorf("%w: height %d", ErrBlockNotFound, num)
	}
	return sb.root, nil
}

// ReceiptsByNumber returns the receipts of the canonical block at the
// given height. Pruned receipts read as nil.
func (s *ChainStore) ReceiptsByNumber(num uint64) ([]*types.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sb := s.byNumber[num]
	if sb == nil {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, num)
	}
	return sb.receipts, nil
}

// TxLookup resolves a transaction hash to its containing block height.
func (s *ChainStore) TxLookup(txHash types.Hash) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	num, ok := s.txLookup[txHash]
	return num, ok
}

// UnwindTo reverts the canonical chain to the given height, removing
// every block above it. Returns the removed blocks, highest first
// committed last.
func (s *ChainStore) UnwindTo(height uint64) ([]*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height > s.head {
		return nil, fmt.Errorf("unwind target %d above head %d", height, s.head)
	}
	var removed []*types.Block
	for num := s.head; num > height; num-- {
		sb := s.byNumber[num]
		if sb == nil {
			continue
		}
		removed = append(removed, sb.block)
		delete(s.byHash, sb.block.Hash())
		for _, tx := range sb.block.Transactions {
			delete(s.txLookup, tx.Hash())
		}
		delete(s.history, num)
		delete(s.byNumber, num)
	}
	s.head = height
	return removed, nil
}

// Prune deletes segment data strictly below the given height. Blocks
// and headers are never pruned here; only derived data is.
func (s *ChainStore) Prune(segment Segment, below uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	switch segment {
	case SegmentReceipts:
		for num, sb := range s.byNumber {
			if num != 0 && num < below && sb.receipts != nil {
				deleted += int64(len(sb.receipts))
				sb.receipts = nil
			}
		}
	case SegmentTxLookup:
		for txHash, num := range s.txLookup {
			if num < below {
				delete(s.txLookup, txHash)
				deleted++
			}
		}
	case SegmentAccountHistory:
		for num := range s.history {
			if num < below {
				delete(s.history, num)
				deleted++
			}
		}
	default:
		return 0, fmt.Errorf("unknown prune segment %q", segment)
	}
	return deleted, nil
}

// Segment names a prunable data segment.
type Segment string

const (
	SegmentReceipts       Segment = "receipts"
	SegmentTxLookup       Segment = "tx_lookup"
	SegmentAccountHistory Segment = "account_history"
)
