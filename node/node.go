// Package node assembles the runtime core: the staged launch
// orchestrator, the capability bundle, and the node handle whose exit
// future is the single shutdown coordination point.
package node

import (
	"context"
	"sync"

	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/node/consensus"
	"github.com/quarrylabs/quarry/node/events"
	"github.com/quarrylabs/quarry/node/exex"
	"github.com/quarrylabs/quarry/node/peers"
	"github.com/quarrylabs/quarry/node/pipeline"
	"github.com/quarrylabs/quarry/node/pool"
	"github.com/quarrylabs/quarry/node/store"
)

// Node is the terminal lifecycle object returned by Launch: the final
// capability set plus the exit future. It does not forcibly kill
// subsystems; resolution of the exit future is observed by dependent
// tasks, which cancel cooperatively.
type Node struct {
	log        log.Logger
	cfg        *config.Config
	components Components
	provider   *store.Provider
	hub        *events.Hub

	tree     Optional[ChainTree]
	pipeline Optional[*pipeline.Pipeline]
	engine   Optional[*consensus.Handle]
	rpc      Optional[RPCHandles]

	exit   *ExitFuture
	cancel context.CancelFunc
}

// Config returns the resolved node configuration.
func (n *Node) Config() *config.Config { return n.cfg }

// Pool returns the transaction pool handle.
func (n *Node) Pool() *pool.Pool { return n.components.Pool }

// Network returns the network handle.
func (n *Node) Network() *peers.Network { return n.components.Network }

// Provider returns the live chain view.
func (n *Node) Provider() *store.Provider { return n.provider }

// PayloadBuilder returns the payload-builder handle.
func (n *Node) PayloadBuilder() PayloadBuilder { return n.components.PayloadBuilder }

// Tasks returns the shared task executor.
func (n *Node) Tasks() *TaskExecutor { return n.components.Tasks }

// EVM returns the EVM configuration.
func (n *Node) EVM() EVMConfig { return n.components.EVM }

// Tree returns the optional chain-tree capability.
func (n *Node) Tree() Optional[ChainTree] { return n.tree }

// Pipeline returns the optional pipeline capability.
func (n *Node) Pipeline() Optional[*pipeline.Pipeline] { return n.pipeline }

// Engine returns the optional consensus engine handle.
func (n *Node) Engine() Optional[*consensus.Handle] { return n.engine }

// RPC returns the optional RPC surface. Reading through an absent
// surface yields zero-value handles.
func (n *Node) RPC() Optional[RPCHandles] { return n.rpc }

// Events subscribes to the merged observability stream. The hub's own
// logging consumer keeps running; each subscriber gets its own copy of
// every event.
func (n *Node) Events() <-chan events.Event { return n.hub.Subscribe() }

// ExitFuture returns the node's exit future.
func (n *Node) ExitFuture() *ExitFuture { return n.exit }

// Stop requests cooperative shutdown and waits for spawned tasks.
func (n *Node) Stop() {
	n.cancel()
	n.components.Tasks.Wait()
	if err := n.components.Network.Close(); err != nil {
		n.log.Warn("Network close failed", "err", err)
	}
	n.hub.Close()
	n.exit.Resolve(nil)
}

// ExitFuture resolves exactly once, when the consensus engine's
// shutdown signal fires, when a terminate-on-catch-up condition is
// met, or when a critical task fails.
type ExitFuture struct {
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

// NewExitFuture creates an unresolved exit future.
func NewExitFuture() *ExitFuture {
	return &ExitFuture{done: make(chan struct{})}
}

// Resolve resolves the future. Later calls are no-ops.
func (f *ExitFuture) Resolve(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Done is closed when the future resolves.
func (f *ExitFuture) Done() <-chan struct{} { return f.done }

// Err returns the resolution error, if any. Valid after Done.
func (f *ExitFuture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until resolution or context cancellation.
func (f *ExitFuture) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.Err()
	}
}

// watchExit wires the exit sources: engine shutdown signal, critical
// task failure, and fail-fast extension errors.
func watchExit(ctx context.Context, exit *ExitFuture, engine *consensus.Engine, tasks *TaskExecutor, mgr *exex.Manager) {
	go func() {
		select {
		case <-ctx.Done():
		case <-engine.ShutdownSignal():
			exit.Resolve(nil)
		case err := <-tasks.CriticalErrors():
			exit.Resolve(err)
		case err := <-fatalOrNever(mgr):
			exit.Resolve(err)
		}
	}()
}

func fatalOrNever(mgr *exex.Manager) <-chan error {
	if mgr == nil {
		return nil // nil channel blocks forever
	}
	return mgr.FatalErrors()
}

// headProbe builds the health event probe over the capability set.
func headProbe(provider *store.Provider, network *peers.Network) func() events.HealthEvent {
	return func() events.HealthEvent {
		height, _ := provider.Head()
		return events.HealthEvent{Height: height, Peers: network.PeerCount()}
	}
}

var _ ChainTree = (*store.Provider)(nil)
