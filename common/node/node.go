// Package node describes the members of a ring cluster.
//
// DiscoveryNode and NodeSet are rebuilt from the call-site contract a
// sibling worker package leans on (github.com/oasisprotocol/oasis-core's
// worker/storage/committee node: a node carries an ID, participates in
// named roles, and node sets support being diffed against a previous
// membership to find what changed) rather than from a retrieved source
// file, since that package's own definition was not part of the
// retrieval pack.
package node

import (
	"fmt"
	"sort"

	"github.com/multiformats/go-multiaddr"
	"github.com/oasisprotocol/ed25519"
)

// Role is a capability a node advertises to the rest of the cluster.
type Role uint32

const (
	// RoleRingStorage marks a node that serves ring-storage reads/writes.
	RoleRingStorage Role = 1 << iota
	// RoleIndex marks a node that serves index/mapping queries.
	RoleIndex
)

// Has reports whether the role set r includes role.
func (r Role) Has(role Role) bool {
	return r&role != 0
}

// DiscoveryNode is a member of the cluster as seen through gossip.
type DiscoveryNode struct {
	// ID uniquely identifies the node for the lifetime of one process.
	// It is never reused across restarts (see GenerateIdentity).
	ID string
	// Name is a human-readable, non-unique label.
	Name string
	// Address is the point-to-point transport address other nodes dial.
	Address multiaddr.Multiaddr
	// Attributes carries opaque, gossip-propagated key/value metadata.
	Attributes map[string]string
	// Roles is the set of capabilities this node advertises.
	Roles Role
	// VersionTag identifies the build/release running on the node.
	VersionTag string
	// PublicKey verifies acks signed by this node's Identity (see
	// identity.go, cluster/ack). Nil for a node whose acks are never
	// independently verified (e.g. in tests).
	PublicKey ed25519.PublicKey
}

func (n *DiscoveryNode) String() string {
	addr := "<no address>"
	if n.Address != nil {
		addr = n.Address.String()
	}
	return fmt.Sprintf("node{id=%s name=%s addr=%s}", n.ID, n.Name, addr)
}

// NodeSet is an ordered, immutable set of DiscoveryNode values with one
// designated local node and an optional master (coordinator) node.
type NodeSet struct {
	nodes  []*DiscoveryNode
	byID   map[string]*DiscoveryNode
	local  *DiscoveryNode
	master *DiscoveryNode
}

// NewNodeSet builds a NodeSet from nodes, assigning local and master by ID
// (masterID may be "" if no node is currently the designated coordinator).
func NewNodeSet(nodes []*DiscoveryNode, localID, masterID string) (*NodeSet, error) {
	ns := &NodeSet{
		nodes: append([]*DiscoveryNode(nil), nodes...),
		byID:  make(map[string]*DiscoveryNode, len(nodes)),
	}
	for _, n := range ns.nodes {
		if _, dup := ns.byID[n.ID]; dup {
			return nil, fmt.Errorf("node: duplicate node id %q", n.ID)
		}
		ns.byID[n.ID] = n
	}
	if localID != "" {
		local, ok := ns.byID[localID]
		if !ok {
			return nil, fmt.Errorf("node: local node %q not present in set", localID)
		}
		ns.local = local
	}
	if masterID != "" {
		master, ok := ns.byID[masterID]
		if !ok {
			return nil, fmt.Errorf("node: master node %q not present in set", masterID)
		}
		ns.master = master
	}
	return ns, nil
}

// Nodes returns the nodes in insertion order. The slice must not be mutated.
func (s *NodeSet) Nodes() []*DiscoveryNode {
	if s == nil {
		return nil
	}
	return s.nodes
}

// Get looks up a node by ID.
func (s *NodeSet) Get(id string) (*DiscoveryNode, bool) {
	if s == nil {
		return nil, false
	}
	n, ok := s.byID[id]
	return n, ok
}

// Local returns the designated local node, or nil if none is set.
func (s *NodeSet) Local() *DiscoveryNode {
	if s == nil {
		return nil
	}
	return s.local
}

// Master returns the designated master node, or nil if there isn't one.
//
// This package performs no election: whichever identity installs a
// ClusterState decides who the master is, external to NodeSet.
func (s *NodeSet) Master() *DiscoveryNode {
	if s == nil {
		return nil
	}
	return s.master
}

// LocalIsMaster reports whether the local node is the designated master.
func (s *NodeSet) LocalIsMaster() bool {
	return s.local != nil && s.master != nil && s.local.ID == s.master.ID
}

// Delta describes the membership change between two NodeSets.
type Delta struct {
	Added      []*DiscoveryNode
	Removed    []*DiscoveryNode
	HasChanges bool
}

// DeltaBetween computes the membership delta from prev to next. A nil
// prev is treated as an empty set (every node in next is "added").
func DeltaBetween(prev, next *NodeSet) Delta {
	var d Delta
	nextIDs := make(map[string]struct{})
	if next != nil {
		for _, n := range next.nodes {
			nextIDs[n.ID] = struct{}{}
			if prev == nil {
				d.Added = append(d.Added, n)
				continue
			}
			if _, ok := prev.byID[n.ID]; !ok {
				d.Added = append(d.Added, n)
			}
		}
	}
	if prev != nil {
		for _, n := range prev.nodes {
			if _, ok := nextIDs[n.ID]; !ok {
				d.Removed = append(d.Removed, n)
			}
		}
	}
	d.HasChanges = len(d.Added) > 0 || len(d.Removed) > 0
	sortByID(d.Added)
	sortByID(d.Removed)
	return d
}

func sortByID(nodes []*DiscoveryNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
