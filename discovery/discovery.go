// Package discovery defines the gossip collaborator consumed by the
// Update Executor (spec §4.8): fire-and-forget state publication, plus a
// blocking wait for a metadata version to be observed cluster-wide.
// The concrete libp2p-pubsub-backed implementation lives in
// discovery/libp2pgossip.
package discovery

import (
	"context"
	"time"

	"github.com/oasisprotocol/ringcluster/go/cluster/state"
)

// Publisher is the consumed gossip collaborator.
type Publisher interface {
	// Publish broadcasts next to the gossip topic. Fire-and-forget:
	// failures are logged by the caller, never returned (spec §7,
	// "Publication failure ... snapshot is already installed locally").
	Publish(ctx context.Context, next *state.ClusterState)

	// AwaitMetaDataVersion blocks up to timeout until gossip observes
	// metadata version v acknowledged by every reachable peer, returning
	// true if it did so before the deadline.
	AwaitMetaDataVersion(ctx context.Context, v uint64, timeout time.Duration) (bool, error)
}
