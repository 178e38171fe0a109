package main

import (
	"context"
	"fmt"

	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node"
	"github.com/quarrylabs/quarry/node/devmine"
	"github.com/quarrylabs/quarry/node/peers"
	"github.com/quarrylabs/quarry/node/pool"
)

const intrinsicGas = 21_000

// kvExecutor is the reference block executor shipped with the binary:
// each transaction records one storage write under its sender and burns
// the intrinsic gas. Real deployments inject their own executor through
// a ComponentsBuilder.
type kvExecutor struct{}

func (kvExecutor) ExecuteBlock(ctx context.Context, view types.StateView, pre *types.BundleState, blk *types.Block) (*types.ExecutionOutcome, error) {
	bundle := &types.BundleState{}
	receipts := make([]*types.Receipt, 0, len(blk.Transactions))
	var cum uint64
	for _, tx := range blk.Transactions {
		if cum+intrinsicGas > blk.Header.GasLimit {
			return nil, &types.ExecutionError{
				Height: blk.Number(),
				Err:    fmt.Errorf("block gas limit %d exceeded", blk.Header.GasLimit),
			}
		}
		bundle.Set(tx.From, tx.Hash(), tx.Data)
		cum += intrinsicGas
		receipts = append(receipts, &types.Receipt{
			Success:           true,
			CumulativeGasUsed: cum,
		})
	}
	return &types.ExecutionOutcome{Bundle: bundle, Receipts: receipts, GasUsed: cum}, nil
}

// devComponents builds the default component set: in-process pool, the
// reference executor, a libp2p network handle, and the dev payload
// builder.
func devComponents() node.ComponentsBuilder {
	return node.ComponentsBuilderFunc(func(ctx context.Context, lctx *node.LaunchContext) (node.Components, error) {
		cfg := lctx.Config()

		network, err := peers.NewNetwork(lctx.Logger().New("p2p"), cfg.P2P.ListenAddr)
		if err != nil {
			return node.Components{}, fmt.Errorf("start network: %w", err)
		}

		executor := kvExecutor{}
		return node.Components{
			Pool: pool.New(),
			EVM: node.EVMConfig{
				ChainID:       cfg.Chain.ChainID,
				BlockGasLimit: cfg.Chain.BlockGasLimit,
			},
			Executor:       executor,
			Network:        network,
			PayloadBuilder: devmine.NewPayloadBuilder(lctx.Provider(), executor, cfg.Chain.BlockGasLimit),
			Tasks:          lctx.Tasks(),
		}, nil
	})
}
