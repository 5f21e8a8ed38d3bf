// Package store implements the Snapshot Store (spec §4.1): a single
// atomically-replaceable reference to the current ClusterState.
package store

import (
	"fmt"
	"sync/atomic"

	"github.com/oasisprotocol/ringcluster/go/cluster/state"
)

// Store holds the current ClusterState. Reads are lock-free; writes are
// expected to come only from the Update Executor's single worker
// goroutine (spec §5), but Store itself does not enforce that — it only
// enforces the monotonic-version invariant, since that is cheap to check
// and catastrophic to get wrong silently.
type Store struct {
	v atomic.Value // holds *state.ClusterState
}

// New constructs a Store pre-populated with an initial state (typically
// the freshly-built genesis state assembled during lifecycle Start).
func New(initial *state.ClusterState) *Store {
	s := &Store{}
	s.v.Store(initial)
	return s
}

// Load returns the currently installed ClusterState.
func (s *Store) Load() *state.ClusterState {
	v := s.v.Load()
	if v == nil {
		return nil
	}
	return v.(*state.ClusterState)
}

// Store installs next as the current ClusterState.
//
// It panics if next.Version is strictly less than the version of the
// state currently installed. Version is only required to be
// non-decreasing (spec §8 testable property 1): the Update Executor
// re-installs the same version with Status advanced from BEING_APPLIED to
// APPLIED (spec §4.5 steps 5 and 11) without bumping Version, so equal
// versions are expected, not just tolerated. A strictly lower Version is
// a programming error in the apply pipeline, not a runtime condition
// callers should recover from.
func (s *Store) Store(next *state.ClusterState) {
	if prev := s.Load(); prev != nil && next.Version < prev.Version {
		panic(fmt.Sprintf("store: non-monotonic version install: prev=%d next=%d", prev.Version, next.Version))
	}
	s.v.Store(next)
}
