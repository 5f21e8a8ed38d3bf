// Package grpcconn implements the point-to-point Transport collaborator
// (spec §4.8) on top of a go-libp2p host: ConnectToNode/DisconnectFromNode
// dial and tear down libp2p connections addressed by DiscoveryNode's
// multiaddr, and NodeConnected reports current libp2p connectedness.
package grpcconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/common/node"
	"github.com/oasisprotocol/ringcluster/go/transport"
)

var logger = logging.GetLogger("transport/grpcconn")

var _ transport.Transport = (*Transport)(nil)

// Transport is the libp2p-backed point-to-point connection collaborator.
// It also serves as the local source of truth other peers dial into:
// Host exposes the listening addresses the local DiscoveryNode should
// advertise.
type Transport struct {
	host host.Host

	mu     sync.Mutex
	peerID map[string]peer.ID // DiscoveryNode.ID -> resolved libp2p peer ID
}

// New starts a libp2p host listening on listenAddrs (e.g.
// "/ip4/0.0.0.0/tcp/0").
func New(ctx context.Context, listenAddrs ...string) (*Transport, error) {
	h, err := libp2p.New(ctx, libp2p.ListenAddrStrings(listenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("grpcconn: starting libp2p host: %w", err)
	}
	return &Transport{host: h, peerID: make(map[string]peer.ID)}, nil
}

// Host exposes the underlying libp2p host, e.g. so the local
// DiscoveryNode's Address can be built from h.Addrs()/h.ID().
func (t *Transport) Host() host.Host { return t.host }

// ConnectToNode dials n's advertised multiaddr and remembers its resolved
// peer ID for later NodeConnected/DisconnectFromNode calls.
func (t *Transport) ConnectToNode(ctx context.Context, n *node.DiscoveryNode) error {
	if n.Address == nil {
		return fmt.Errorf("grpcconn: node %s has no address", n.ID)
	}
	info, err := peer.AddrInfoFromP2pAddr(n.Address)
	if err != nil {
		// n.Address may omit the /p2p/<id> suffix; fall back to a bare
		// multiaddr dial with no identity pinning.
		fallback := peerAddrInfoFallback(n.Address)
		info = &fallback
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("grpcconn: connect to %s: %w", n.ID, err)
	}
	logger.Debug("connected to node", "node", n.ID, "peer_id", info.ID)

	t.mu.Lock()
	t.peerID[n.ID] = info.ID
	t.mu.Unlock()
	return nil
}

// DisconnectFromNode closes every libp2p connection to n's resolved peer.
func (t *Transport) DisconnectFromNode(ctx context.Context, n *node.DiscoveryNode) error {
	t.mu.Lock()
	pid, ok := t.peerID[n.ID]
	delete(t.peerID, n.ID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := t.host.Network().ClosePeer(pid); err != nil {
		return fmt.Errorf("grpcconn: disconnect from %s: %w", n.ID, err)
	}
	return nil
}

// NodeConnected reports whether the host currently holds a live
// connection to n.
func (t *Transport) NodeConnected(n *node.DiscoveryNode) bool {
	t.mu.Lock()
	pid, ok := t.peerID[n.ID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.host.Network().Connectedness(pid) == network.Connected
}

// Close shuts down the underlying libp2p host, satisfying io.Closer for
// cluster/service.Service.Stop's teardown aggregation.
func (t *Transport) Close() error {
	return t.host.Close()
}

// peerAddrInfoFallback builds a single-address AddrInfo with no peer ID
// pinned, used only when a DiscoveryNode's Address doesn't carry a /p2p/
// suffix (e.g. test fixtures).
func peerAddrInfoFallback(addr multiaddr.Multiaddr) peer.AddrInfo {
	return peer.AddrInfo{Addrs: []multiaddr.Multiaddr{addr}}
}
