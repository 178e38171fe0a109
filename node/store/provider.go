package store

import (
	"github.com/decred/dcrd/container/lru"

	"github.com/quarrylabs/quarry/core/types"
)

const defaultBlockCacheSize = 512

// ProviderFactory constructs Providers over an attached chain store.
// Providers share the factory's block cache.
type ProviderFactory struct {
	store *ChainStore
	cache *lru.Map[types.Hash, *types.Block]
}

// NewProviderFactory creates a factory over the given store.
func NewProviderFactory(s *ChainStore) *ProviderFactory {
	return &ProviderFactory{
		store: s,
		cache: lru.NewMap[types.Hash, *types.Block](defaultBlockCacheSize),
	}
}

// Provider returns the live chain view used for reads and canonical
// writes by all subsystems.
func (f *ProviderFactory) Provider() *Provider {
	return &Provider{store: f.store, cache: f.cache}
}

// Provider is the chain view handed to subsystems. Concurrent reads
// are permitted from any subsystem; chain-state write authority is
// held exclusively by the current driver (pipeline while syncing, the
// engine's commit path when live).
type Provider struct {
	store *ChainStore
	cache *lru.Map[types.Hash, *types.Block]
}

// Head returns the canonical head height and hash.
func (p *Provider) Head() (uint64, types.Hash) { return p.store.Head() }

// BlockByNumber returns the canonical block at the given height.
func (p *Provider) BlockByNumber(num uint64) (*types.Block, error) {
	return p.store.BlockByNumber(num)
}

// BlockByHash returns the block with the given hash, if canonical.
func (p *Provider) BlockByHash(hash types.Hash) (*types.Block, error) {
	if blk, ok := p.cache.Get(hash); ok {
		return blk, nil
	}
	num, ok := p.store.NumberByHash(hash)
	if !ok {
		return nil, ErrBlockNotFound
	}
	blk, err := p.store.BlockByNumber(num)
	if err != nil {
		return nil, err
	}
	p.cache.Put(hash, blk)
	return blk, nil
}

// NumberByHash resolves a block hash to its canonical height.
func (p *Provider) NumberByHash(hash types.Hash) (uint64, bool) {
	return p.store.NumberByHash(hash)
}

// ReceiptsByNumber returns the receipts at the given height.
func (p *Provider) ReceiptsByNumber(num uint64) ([]*types.Receipt, error) {
	return p.store.ReceiptsByNumber(num)
}

// TxLookup resolves a transaction hash to its block height.
func (p *Provider) TxLookup(txHash types.Hash) (uint64, bool) {
	return p.store.TxLookup(txHash)
}

// StateRootAt returns the post-state root at the given height.
func (p *Provider) StateRootAt(num uint64) (types.Hash, error) {
	return p.store.StateRootAt(num)
}

// CommitBlock appends a validated block. Write-authority holders only.
func (p *Provider) CommitBlock(blk *types.Block, root types.Hash, receipts []*types.Receipt, bundleDigest types.Hash) error {
	if err := p.store.CommitBlock(blk, root, receipts, bundleDigest); err != nil {
		return err
	}
	p.cache.Put(blk.Hash(), blk)
	return nil
}

// UnwindTo reverts the canonical chain to the given height.
func (p *Provider) UnwindTo(height uint64) ([]*types.Block, error) {
	removed, err := p.store.UnwindTo(height)
	if err != nil {
		return nil, err
	}
	for _, blk := range removed {
		p.cache.Delete(blk.Hash())
	}
	return removed, nil
}

// Prune deletes segment data strictly below the given height.
func (p *Provider) Prune(segment Segment, below uint64) (int64, error) {
	return p.store.Prune(segment, below)
}

// StateView returns a read view of state anchored at the current head,
// satisfying the block executor contract.
func (p *Provider) StateView() types.StateView { return &stateView{p: p} }

type stateView struct {
	p *Provider
}

func (v *stateView) StateRoot() types.Hash {
	num, _ := v.p.Head()
	root, err := v.p.StateRootAt(num)
	if err != nil {
		return types.Hash{}
	}
	return root
}

func (v *stateView) BlockHash(number uint64) (types.Hash, bool) {
	blk, err := v.p.BlockByNumber(number)
	if err != nil {
		return types.Hash{}, false
	}
	return blk.Hash(), true
}
