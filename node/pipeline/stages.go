package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/metrics"
	"github.com/quarrylabs/quarry/node/store"
)

// StageID names a pipeline stage.
type StageID string

const (
	StageHeaders   StageID = "headers"
	StageBodies    StageID = "bodies"
	StageSenders   StageID = "senders"
	StageExecution StageID = "execution"
	StageStateRoot StageID = "state_root"
	StageIndexing  StageID = "indexing"
)

// batch is the unit of work flowing through the stages. A batch never
// overlaps with another; stages populate it in declared order.
type batch struct {
	blocks   []*types.Block
	outcomes []*types.ExecutionOutcome
	roots    []types.Hash
	digests  []types.Hash
}

// stage processes one aspect of a batch. Stages classify their own
// failures via StageError.
type stage interface {
	ID() StageID
	Execute(ctx context.Context, provider *store.Provider, b *batch) error
	Unwind(ctx context.Context, provider *store.Provider, to uint64) error
}

func defaultStages(executor types.BlockExecutor) []stage {
	return []stage{
		headersStage{},
		bodiesStage{},
		sendersStage{},
		&executionStage{executor: executor},
		stateRootStage{},
		indexingStage{},
	}
}

// headersStage validates header linkage: the batch must extend the
// canonical head with consecutive numbers and matching parent hashes.
type headersStage struct{}

func (headersStage) ID() StageID { return StageHeaders }

func (headersStage) Execute(ctx context.Context, provider *store.Provider, b *batch) error {
	headNum, headHash := provider.Head()
	prevNum, prevHash := headNum, headHash
	for _, blk := range b.blocks {
		if blk.Number() != prevNum+1 {
			return invalidErr(StageHeaders, blk.Number(),
				fmt.Errorf("non-consecutive height: have %d after %d", blk.Number(), prevNum))
		}
		if blk.Header.ParentHash != prevHash {
			return invalidErr(StageHeaders, blk.Number(),
				fmt.Errorf("parent hash mismatch at %d", blk.Number()))
		}
		prevNum, prevHash = blk.Number(), blk.Hash()
	}
	return nil
}

func (headersStage) Unwind(ctx context.Context, provider *store.Provider, to uint64) error {
	return nil
}

// bodiesStage validates block bodies against their headers.
type bodiesStage struct{}

func (bodiesStage) ID() StageID { return StageBodies }

func (bodiesStage) Execute(ctx context.Context, provider *store.Provider, b *batch) error {
	for _, blk := range b.blocks {
		var gas uint64
		for _, tx := range blk.Transactions {
			gas += tx.GasLimit
		}
		if gas > blk.Header.GasLimit {
			return invalidErr(StageBodies, blk.Number(),
				fmt.Errorf("body gas %d exceeds header gas limit %d", gas, blk.Header.GasLimit))
		}
	}
	return nil
}

func (bodiesStage) Unwind(ctx context.Context, provider *store.Provider, to uint64) error {
	return nil
}

// sendersStage recovers and checks transaction senders.
type sendersStage struct{}

func (sendersStage) ID() StageID { return StageSenders }

func (sendersStage) Execute(ctx context.Context, provider *store.Provider, b *batch) error {
	for _, blk := range b.blocks {
		for i, tx := range blk.Transactions {
			if tx.From == (types.Address{}) {
				return invalidErr(StageSenders, blk.Number(),
					fmt.Errorf("transaction %d has no recoverable sender", i))
			}
		}
	}
	return nil
}

func (sendersStage) Unwind(ctx context.Context, provider *store.Provider, to uint64) error {
	return nil
}

// executionStage runs the block executor over the batch, threading the
// accumulated bundle state from block to block.
type executionStage struct {
	executor types.BlockExecutor
}

func (*executionStage) ID() StageID { return StageExecution }

func (s *executionStage) Execute(ctx context.Context, provider *store.Provider, b *batch) error {
	view := provider.StateView()
	pre := &types.BundleState{}
	b.outcomes = b.outcomes[:0]
	b.digests = b.digests[:0]

	for _, blk := range b.blocks {
		outcome, err := s.executor.ExecuteBlock(ctx, view, pre, blk)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fatalErr(StageExecution, blk.Number(), err)
			}
			var exErr *types.ExecutionError
			if errors.As(err, &exErr) && exErr.Transient {
				return transientErr(StageExecution, blk.Number(), err)
			}
			return invalidErr(StageExecution, blk.Number(), err)
		}
		if blk.Header.GasUsed != 0 && outcome.GasUsed != blk.Header.GasUsed {
			return invalidErr(StageExecution, blk.Number(),
				fmt.Errorf("gas used mismatch: executed %d, header %d", outcome.GasUsed, blk.Header.GasUsed))
		}
		b.outcomes = append(b.outcomes, outcome)
		b.digests = append(b.digests, outcome.Bundle.Digest())
		pre.Extend(outcome.Bundle)
		metrics.Node.PipelineStage(ctx, string(StageExecution), 1)
	}
	return nil
}

func (*executionStage) Unwind(ctx context.Context, provider *store.Provider, to uint64) error {
	return nil
}

// stateRootStage folds each executed block into the running state-root
// commitment and validates it against the header when the header
// declares one.
type stateRootStage struct{}

func (stateRootStage) ID() StageID { return StageStateRoot }

func (stateRootStage) Execute(ctx context.Context, provider *store.Provider, b *batch) error {
	headNum, _ := provider.Head()
	prev, err := provider.StateRootAt(headNum)
	if err != nil {
		return fatalErr(StageStateRoot, headNum, err)
	}
	b.roots = b.roots[:0]
	for i, blk := range b.blocks {
		root := types.AccumulateRoot(prev, blk.Hash(), b.digests[i])
		if blk.Header.StateRoot != (types.Hash{}) && blk.Header.StateRoot != root {
			return invalidErr(StageStateRoot, blk.Number(),
				fmt.Errorf("state root mismatch: computed %s, header %s", root, blk.Header.StateRoot))
		}
		b.roots = append(b.roots, root)
		prev = root
	}
	return nil
}

func (stateRootStage) Unwind(ctx context.Context, provider *store.Provider, to uint64) error {
	return nil
}

// indexingStage has no pre-commit validation work; the tx-lookup index
// is written atomically with the block commit. It exists so unwind and
// progress reporting cover the index like any other stage.
type indexingStage struct{}

func (indexingStage) ID() StageID { return StageIndexing }

func (indexingStage) Execute(ctx context.Context, provider *store.Provider, b *batch) error {
	metrics.Node.PipelineStage(ctx, string(StageIndexing), int64(len(b.blocks)))
	return nil
}

func (indexingStage) Unwind(ctx context.Context, provider *store.Provider, to uint64) error {
	return nil
}
