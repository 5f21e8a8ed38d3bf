// Package state defines the immutable cluster-state value and the
// metadata it carries (spec §3).
package state

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"golang.org/x/crypto/blake2b"

	"github.com/oasisprotocol/ringcluster/go/common/node"
)

// Status is where a ClusterState is in its apply lifecycle.
type Status uint8

const (
	// StatusReceived is set on a candidate state before it is installed.
	StatusReceived Status = iota
	// StatusBeingApplied is set once the Update Executor has committed to
	// installing this state (node connects have started).
	StatusBeingApplied
	// StatusApplied is set after the pre-applied listeners and node
	// disconnects have run, just before the post-applied listeners.
	StatusApplied
)

func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusBeingApplied:
		return "being_applied"
	case StatusApplied:
		return "applied"
	default:
		return "unknown"
	}
}

// Block is a cluster-wide gate on some class of operation.
type Block string

const (
	// NoRingBlock gates metadata persistence until the ring storage layer
	// signals readiness (spec §6, "Initial blocks").
	NoRingBlock Block = "no-ring-block"
)

// BlockSet is an immutable set of cluster-wide Blocks.
type BlockSet map[Block]struct{}

// NewBlockSet builds a BlockSet containing the given blocks.
func NewBlockSet(blocks ...Block) BlockSet {
	bs := make(BlockSet, len(blocks))
	for _, b := range blocks {
		bs[b] = struct{}{}
	}
	return bs
}

// Has reports whether b is present in the set.
func (bs BlockSet) Has(b Block) bool {
	_, ok := bs[b]
	return ok
}

// With returns a new BlockSet with b added, leaving bs unmodified.
func (bs BlockSet) With(b Block) BlockSet {
	out := make(BlockSet, len(bs)+1)
	for k := range bs {
		out[k] = struct{}{}
	}
	out[b] = struct{}{}
	return out
}

// Without returns a new BlockSet with b removed, leaving bs unmodified.
func (bs BlockSet) Without(b Block) BlockSet {
	out := make(BlockSet, len(bs))
	for k := range bs {
		if k == b {
			continue
		}
		out[k] = struct{}{}
	}
	return out
}

// IndexMetaData is the per-index slice of MetaData.
type IndexMetaData struct {
	Name     string            `cbor:"name"`
	Settings map[string]string `cbor:"settings"`
}

// MetaData is the immutable, persisted portion of ClusterState.
//
// Version only increases when persisted content actually changes (spec
// §3); it is distinct from ClusterState.Version, which also increases on
// e.g. pure membership changes that never touch metadata.
type MetaData struct {
	Version     uint64                   `cbor:"version"`
	ClusterUUID string                   `cbor:"cluster_uuid"`
	Indices     map[string]IndexMetaData `cbor:"indices"`
}

// persistedCBOR are the fixed "persisted" serialisation parameters
// (spec §4.5 step 3): canonical, sorted map keys, no indefinite-length
// encoding, so two structurally-equal values always serialise to the
// same bytes and the executor's byte-compare is well-defined.
var persistedCBOR cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeUnix
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("state: building canonical cbor encoder: %v", err))
	}
	persistedCBOR = m
}

// SerializePersisted renders m in the fixed "persisted" format used both
// to detect metadata changes and to hand the blob to a RingStore backend.
func (m MetaData) SerializePersisted() ([]byte, error) {
	raw, err := persistedCBOR.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("state: marshal metadata: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DeserializePersisted parses a blob produced by SerializePersisted.
func DeserializePersisted(blob []byte) (MetaData, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return MetaData{}, fmt.Errorf("state: snappy decode metadata: %w", err)
	}
	var m MetaData
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return MetaData{}, fmt.Errorf("state: unmarshal metadata: %w", err)
	}
	return m, nil
}

// ClusterState is the immutable, versioned snapshot the whole service
// coordinates around (spec §3). Once constructed it is never mutated;
// callers that need a modified copy build an entirely new value.
type ClusterState struct {
	Version      uint64
	StateUUID    string
	Nodes        *node.NodeSet
	RoutingTable RoutingTable
	Blocks       BlockSet
	Metadata     MetaData
	Status       Status
}

// RoutingTable is left intentionally opaque: the spec treats routing as
// a leaf the executor carries through unmodified (only execute() and the
// index/mapping subsystem ever construct or interpret it), so it is
// declared here only so callers can attach domain-specific routing data
// alongside the cluster state.
type RoutingTable map[string][]string

// ComputeStateUUID derives the deterministic stateUUID for a candidate
// state: a blake2b-256 hash of (version, clusterUUID, metadata version).
// This keeps stateUUID cheap to recompute in tests and assertions,
// unlike a random UUID, while still uniquely identifying one concrete
// installed instance (spec §3).
func ComputeStateUUID(version uint64, clusterUUID string, metaVersion uint64) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], version)
	binary.BigEndian.PutUint64(buf[8:16], metaVersion)

	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Sprintf("state: blake2b.New256: %v", err))
	}
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(clusterUUID))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// New constructs a ClusterState with a freshly computed StateUUID.
func New(version uint64, nodes *node.NodeSet, routing RoutingTable, blocks BlockSet, meta MetaData, status Status) *ClusterState {
	return &ClusterState{
		Version:      version,
		StateUUID:    ComputeStateUUID(version, meta.ClusterUUID, meta.Version),
		Nodes:        nodes,
		RoutingTable: routing,
		Blocks:       blocks,
		Metadata:     meta,
		Status:       status,
	}
}

// WithStatus returns a shallow copy of cs with Status replaced; all other
// fields (including Nodes/Metadata identity) are shared with cs, matching
// the teacher's "never mutate the installed instance" discipline upheld
// in the Update Executor between steps 5 ("BeingApplied") and 11
// ("Applied").
func (cs *ClusterState) WithStatus(s Status) *ClusterState {
	next := *cs
	next.Status = s
	return &next
}
