package grpcconn

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/ringcluster/go/common/node"
)

func TestConnectDisconnectNodeConnected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer a.Close()

	b, err := New(ctx, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer b.Close()

	bAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: b.Host().ID(), Addrs: b.Host().Addrs()})
	require.NoError(t, err)
	require.NotEmpty(t, bAddrs)

	peerNode := &node.DiscoveryNode{ID: "node-b", Address: bAddrs[0]}

	require.False(t, a.NodeConnected(peerNode))
	require.NoError(t, a.ConnectToNode(ctx, peerNode))
	require.True(t, a.NodeConnected(peerNode))

	require.NoError(t, a.DisconnectFromNode(ctx, peerNode))
	require.False(t, a.NodeConnected(peerNode))
}

func TestConnectToNodeRequiresAddress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := New(ctx, "/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	defer a.Close()

	err = a.ConnectToNode(ctx, &node.DiscoveryNode{ID: "no-address"})
	require.Error(t, err)
}

func TestPeerAddrInfoFallbackCarriesBareAddress(t *testing.T) {
	addr, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)

	info := peerAddrInfoFallback(addr)
	require.Equal(t, peer.ID(""), info.ID)
	require.Equal(t, []multiaddr.Multiaddr{addr}, info.Addrs)
}
