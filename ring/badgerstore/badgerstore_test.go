package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/ring"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(s.Cleanup)
	return s
}

func TestPersistMetaDataFirstWriteRequiresZeroPrevVersion(t *testing.T) {
	s := newTestStore(t)
	next := state.MetaData{Version: 1, ClusterUUID: "cluster-1"}
	require.NoError(t, s.PersistMetaData(context.Background(), state.MetaData{ClusterUUID: "cluster-1"}, next, "test"))

	loaded, err := s.Load("cluster-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded.Version)
}

func TestPersistMetaDataDetectsCASConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PersistMetaData(ctx, state.MetaData{ClusterUUID: "cluster-1"}, state.MetaData{Version: 1, ClusterUUID: "cluster-1"}, "writer-a"))

	err := s.PersistMetaData(ctx, state.MetaData{ClusterUUID: "cluster-1"}, state.MetaData{Version: 1, ClusterUUID: "cluster-1", Indices: map[string]state.IndexMetaData{"idx": {Name: "idx"}}}, "writer-b")
	require.Error(t, err)
	require.True(t, ring.IsConcurrentUpdate(err))

	loaded, lerr := s.Load("cluster-1")
	require.NoError(t, lerr)
	require.Empty(t, loaded.Indices)
}

func TestPersistMetaDataSucceedsWhenPrevMatchesStored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := state.MetaData{Version: 1, ClusterUUID: "cluster-1"}
	require.NoError(t, s.PersistMetaData(ctx, state.MetaData{ClusterUUID: "cluster-1"}, first, "writer-a"))

	second := state.MetaData{Version: 2, ClusterUUID: "cluster-1", Indices: map[string]state.IndexMetaData{"idx": {Name: "idx"}}}
	require.NoError(t, s.PersistMetaData(ctx, first, second, "writer-a"))

	loaded, err := s.Load("cluster-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), loaded.Version)
	require.Contains(t, loaded.Indices, "idx")
}
