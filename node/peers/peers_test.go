package peers

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core/log"
)

func TestResolveBootstrapPeers(t *testing.T) {
	infos, err := ResolveBootstrapPeers([]string{
		"/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo",
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.NotEmpty(t, infos[0].ID)
	require.Len(t, infos[0].Addrs, 1)

	// Empty input resolves to an empty set without error; whether that
	// is acceptable is the launcher's call.
	infos, err = ResolveBootstrapPeers(nil)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestResolveBootstrapPeersRejectsBadAddrs(t *testing.T) {
	_, err := ResolveBootstrapPeers([]string{"not-a-multiaddr"})
	require.Error(t, err)

	// Parseable multiaddr without a peer identity.
	_, err = ResolveBootstrapPeers([]string{"/ip4/10.0.0.1/tcp/4001"})
	require.Error(t, err)
}

func TestNetworkHandle(t *testing.T) {
	n, err := NewNetwork(log.DiscardLogger, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer n.Close()

	require.NotEmpty(t, n.ID())
	require.Zero(t, n.PeerCount())
	require.NoError(t, n.Connect(context.Background(), nil), "nothing to dial is not an error")
}

func TestNetworksConnectAndEmitEvents(t *testing.T) {
	a, err := NewNetwork(log.DiscardLogger, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNetwork(log.DiscardLogger, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Connect(context.Background(), []peer.AddrInfo{b.AddrInfo()}))
	require.Eventually(t, func() bool {
		return a.PeerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case ev := <-a.Events():
		require.Equal(t, "connected", ev.Kind)
		require.Equal(t, b.ID(), ev.Peer)
	case <-time.After(5 * time.Second):
		t.Fatal("no connectivity event")
	}
}
