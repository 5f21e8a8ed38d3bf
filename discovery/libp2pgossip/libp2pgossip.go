// Package libp2pgossip implements the Discovery Publisher collaborator
// (spec §4.8) on top of go-libp2p-pubsub: Publish broadcasts a freshly
// installed ClusterState to one gossip topic, and AwaitMetaDataVersion
// blocks until every currently-known peer has echoed back that it has
// observed a given metadata version (via a second, per-peer ack topic).
package libp2pgossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/discovery"
)

var logger = logging.GetLogger("discovery/libp2pgossip")

var _ discovery.Publisher = (*Publisher)(nil)

const (
	stateTopicName = "ringcluster/state/v1"
	ackTopicName   = "ringcluster/state-ack/v1"
)

// wireState is the gossip envelope for a published ClusterState: only
// the fields peers need to detect "have I observed metadata version v"
// cross the wire, not the full snapshot (routing tables and the rest are
// reconstructed locally by each peer's own apply pipeline in a full
// deployment; this collaborator only needs the version vector).
type wireState struct {
	Version         uint64 `cbor:"version"`
	MetadataVersion uint64 `cbor:"metadata_version"`
	StateUUID       string `cbor:"state_uuid"`
}

type wireAck struct {
	PeerID          string `cbor:"peer_id"`
	MetadataVersion uint64 `cbor:"metadata_version"`
}

// Publisher is the libp2p-pubsub-backed gossip collaborator.
type Publisher struct {
	host host.Host
	ps   *pubsub.PubSub

	stateTopic *pubsub.Topic
	ackTopic   *pubsub.Topic

	mu       sync.Mutex
	observed map[peer.ID]uint64 // highest metadata version each peer has acked
}

// New wires a floodsub-based PubSub instance onto h and subscribes to
// both the state and ack topics, publishing this node's own acks back
// onto the ack topic whenever it observes a new state.
func New(ctx context.Context, h host.Host) (*Publisher, error) {
	ps, err := pubsub.NewFloodSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("libp2pgossip: starting pubsub: %w", err)
	}

	stateTopic, err := ps.Join(stateTopicName)
	if err != nil {
		return nil, fmt.Errorf("libp2pgossip: joining state topic: %w", err)
	}
	ackTopic, err := ps.Join(ackTopicName)
	if err != nil {
		return nil, fmt.Errorf("libp2pgossip: joining ack topic: %w", err)
	}

	p := &Publisher{
		host:       h,
		ps:         ps,
		stateTopic: stateTopic,
		ackTopic:   ackTopic,
		observed:   make(map[peer.ID]uint64),
	}

	stateSub, err := stateTopic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("libp2pgossip: subscribing to state topic: %w", err)
	}
	ackSub, err := ackTopic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("libp2pgossip: subscribing to ack topic: %w", err)
	}

	go p.readStates(ctx, stateSub)
	go p.readAcks(ctx, ackSub)

	return p, nil
}

// Publish broadcasts next onto the state topic. Fire-and-forget per spec
// §7: publish failures are logged here, never returned to the caller,
// since the snapshot is already installed locally by the time this runs.
func (p *Publisher) Publish(ctx context.Context, next *state.ClusterState) {
	msg := wireState{
		Version:         next.Version,
		MetadataVersion: next.Metadata.Version,
		StateUUID:       next.StateUUID,
	}
	raw, err := cbor.Marshal(msg)
	if err != nil {
		logger.Warn("failed to encode cluster state for gossip", "err", err)
		return
	}
	if err := p.stateTopic.Publish(ctx, raw); err != nil {
		logger.Warn("failed to publish cluster state", "err", err)
	}
}

// AwaitMetaDataVersion blocks up to timeout until every peer this node
// currently knows about (via the libp2p peerstore) has acked metadata
// version v, or the deadline elapses first.
func (p *Publisher) AwaitMetaDataVersion(ctx context.Context, v uint64, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.allPeersObserved(v) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (p *Publisher) allPeersObserved(v uint64) bool {
	peers := p.host.Network().Peers()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pid := range peers {
		if p.observed[pid] < v {
			return false
		}
	}
	return true
}

func (p *Publisher) readStates(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // context cancelled or subscription torn down
		}
		if msg.ReceivedFrom == p.host.ID() {
			continue
		}
		var ws wireState
		if err := cbor.Unmarshal(msg.Data, &ws); err != nil {
			logger.Warn("dropping malformed gossiped state", "err", err)
			continue
		}

		ack := wireAck{PeerID: p.host.ID().String(), MetadataVersion: ws.MetadataVersion}
		raw, err := cbor.Marshal(ack)
		if err != nil {
			logger.Warn("failed to encode gossip ack", "err", err)
			continue
		}
		if err := p.ackTopic.Publish(ctx, raw); err != nil {
			logger.Warn("failed to publish gossip ack", "err", err)
		}
	}
}

func (p *Publisher) readAcks(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var wa wireAck
		if err := cbor.Unmarshal(msg.Data, &wa); err != nil {
			logger.Warn("dropping malformed gossip ack", "err", err)
			continue
		}

		p.mu.Lock()
		if wa.MetadataVersion > p.observed[msg.ReceivedFrom] {
			p.observed[msg.ReceivedFrom] = wa.MetadataVersion
		}
		p.mu.Unlock()
	}
}
