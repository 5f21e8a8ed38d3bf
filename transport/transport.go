// Package transport defines the point-to-point connection collaborator
// consumed by the Update Executor and the Reconnect Loop (spec §4.8). The
// concrete libp2p-backed implementation lives in transport/grpcconn.
package transport

import (
	"context"

	"github.com/oasisprotocol/ringcluster/go/common/node"
)

// Transport manages point-to-point connections to peer nodes.
type Transport interface {
	ConnectToNode(ctx context.Context, n *node.DiscoveryNode) error
	DisconnectFromNode(ctx context.Context, n *node.DiscoveryNode) error
	NodeConnected(n *node.DiscoveryNode) bool
}
