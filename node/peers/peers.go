// Package peers provides the node's network handle: libp2p host
// construction, bootstrap peer resolution, and a connectivity event
// source. The wire protocol itself lives outside the runtime core.
package peers

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/node/metrics"
)

// ResolveBootstrapPeers parses bootstrap multiaddrs into dialable
// addr infos. Any unparseable entry fails resolution; a node without
// connectivity is only viable in dev mode.
func ResolveBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse bootstrap peer %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("resolve bootstrap peer %q: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Network is the network handle exposed through the capability bundle.
type Network struct {
	log  log.Logger
	host host.Host

	events chan Event
}

// NewNetwork constructs the libp2p host listening on the given
// multiaddr and begins emitting connectivity events.
func NewNetwork(logger log.Logger, listenAddr string) (*Network, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	n := &Network{
		log:    logger,
		host:   h,
		events: make(chan Event, 32),
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.emit(Event{Kind: "connected", Peer: c.RemotePeer()})
			metrics.Node.PeerCount(context.Background(), n.PeerCount())
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.emit(Event{Kind: "disconnected", Peer: c.RemotePeer()})
			metrics.Node.PeerCount(context.Background(), n.PeerCount())
		},
	})
	return n, nil
}

// ID returns the local peer ID.
func (n *Network) ID() peer.ID { return n.host.ID() }

// AddrInfo returns the host's dialable address info.
func (n *Network) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
}

// PeerCount returns the number of connected peers.
func (n *Network) PeerCount() int { return len(n.host.Network().Peers()) }

// Connect dials the given peers concurrently. Individual failures are
// logged; Connect fails only if no peer could be reached.
func (n *Network) Connect(ctx context.Context, infos []peer.AddrInfo) error {
	if len(infos) == 0 {
		return nil
	}
	var reached atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, info := range infos {
		g.Go(func() error {
			if err := n.host.Connect(ctx, info); err != nil {
				n.log.Warn("Failed to connect to bootstrap peer", "peer", info.ID, "err", err)
				return nil
			}
			reached.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if reached.Load() == 0 {
		return fmt.Errorf("could not reach any of %d bootstrap peers", len(infos))
	}
	return nil
}

// Events returns the connectivity event stream.
func (n *Network) Events() <-chan Event { return n.events }

// Close shuts down the host.
func (n *Network) Close() error {
	return n.host.Close()
}

func (n *Network) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
	}
}

// Event is a connectivity change.
type Event struct {
	Kind string
	Peer peer.ID
}

func (Event) Source() string { return "network" }

func (e Event) String() string {
	return fmt.Sprintf("peer %s, id=%s", e.Kind, e.Peer)
}
