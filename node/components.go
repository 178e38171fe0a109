package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/core/types"
	"github.com/quarrylabs/quarry/node/peers"
	"github.com/quarrylabs/quarry/node/pool"
)

// EVMConfig is the node's EVM configuration capability.
type EVMConfig struct {
	ChainID       uint64
	BlockGasLimit uint64
}

// PayloadBuilder is the payload-builder handle capability: it shapes a
// candidate block on top of a parent from pending transactions.
type PayloadBuilder interface {
	BuildPayload(ctx context.Context, parent *types.Header, txs []*types.Transaction) (*types.Block, error)
}

// Components is the required capability set of a running node. A node
// missing any of these must fail to compose at build time, not at
// runtime.
type Components struct {
	Pool           *pool.Pool
	EVM            EVMConfig
	Executor       types.BlockExecutor
	Network        *peers.Network
	PayloadBuilder PayloadBuilder
	Tasks          *TaskExecutor
}

func (c *Components) validate() error {
	var missing []string
	if c.Pool == nil {
		missing = append(missing, "pool")
	}
	if c.EVM.ChainID == 0 {
		missing = append(missing, "evm config")
	}
	if c.Executor == nil {
		missing = append(missing, "block executor")
	}
	if c.Network == nil {
		missing = append(missing, "network")
	}
	if c.PayloadBuilder == nil {
		missing = append(missing, "payload builder")
	}
	if c.Tasks == nil {
		missing = append(missing, "task executor")
	}
	if len(missing) > 0 {
		return fmt.Errorf("node composition incomplete, missing: %v", missing)
	}
	return nil
}

// ComponentsBuilder constructs the required capability set during the
// final launch stage. The launch context exposes everything earlier
// stages established (config, provider, resolved peers).
type ComponentsBuilder interface {
	BuildComponents(ctx context.Context, lctx *LaunchContext) (Components, error)
}

// ComponentsBuilderFunc adapts a function to a ComponentsBuilder.
type ComponentsBuilderFunc func(ctx context.Context, lctx *LaunchContext) (Components, error)

func (f ComponentsBuilderFunc) BuildComponents(ctx context.Context, lctx *LaunchContext) (Components, error) {
	return f(ctx, lctx)
}

// Optional is an explicitly tagged optional capability. Absent
// capabilities read as their zero value rather than crash, and call
// sites that need presence branch on Get.
type Optional[T any] struct {
	v       T
	present bool
}

// Some wraps a present capability.
func Some[T any](v T) Optional[T] { return Optional[T]{v: v, present: true} }

// None is the explicit absent variant.
func None[T any]() Optional[T] { return Optional[T]{} }

// Get returns the capability and whether it is present.
func (o Optional[T]) Get() (T, bool) { return o.v, o.present }

// Present reports presence.
func (o Optional[T]) Present() bool { return o.present }

// OrZero returns the capability, or the zero value when absent.
func (o Optional[T]) OrZero() T { return o.v }

// ChainTree is the optional chain-tree capability: the canonical-chain
// view the live commit path maintains. In this node it is backed by
// the provider; configurations without an engine leave it absent.
type ChainTree interface {
	Head() (uint64, types.Hash)
	BlockByHash(hash types.Hash) (*types.Block, error)
}

// RPCHandles is the optional RPC surface capability. The runtime core
// does not serve RPC itself; a present value only carries the
// listener addresses an outer layer bound.
type RPCHandles struct {
	HTTPAddr string
	WSAddr   string
}

// OnComponentsInitialized is a notification hook fired when the
// component-build launch stage completes.
type OnComponentsInitialized func(Components) error

// ErrLaunchAborted wraps stage failures so callers can distinguish
// launch-time errors from runtime ones.
var ErrLaunchAborted = errors.New("node launch aborted")
