// Package boltstore implements the ring.Store persistence contract (spec
// §4.8) on top of a local go.etcd.io/bbolt database, adapted from the
// New(path)/DBFile/Cleanup() contract the teacher's
// storage/bolt/bolt_test.go exercises against its own storage backend.
package boltstore

import (
	"context"
	"fmt"
	"os"

	"go.etcd.io/bbolt"

	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/ring"
)

var logger = logging.GetLogger("ring/boltstore")

// DBFile is the default database file name, mirroring the teacher's
// storage/bolt test's "New(filepath.Join(tmpDir, DBFile), ...)" call
// shape.
const DBFile = "ring.db"

var metadataBucket = []byte("ring_metadata")

// Store is a bbolt-backed ring.Store. One bucket, keyed by cluster UUID,
// holding the fixed "persisted" serialisation of the last-accepted
// state.MetaData for that cluster.
type Store struct {
	db   *bbolt.DB
	path string
}

// New opens (creating if necessary) a bbolt database at path.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, ring.NewError(ring.ErrKindIO, fmt.Errorf("boltstore: open %s: %w", path, err))
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, ring.NewError(ring.ErrKindIO, fmt.Errorf("boltstore: create bucket: %w", err))
	}
	return &Store{db: db, path: path}, nil
}

// PersistMetaData implements ring.Store's compare-and-swap contract: it
// fails with ErrKindConcurrentUpdate iff the metadata currently stored
// for next.ClusterUUID doesn't match prev by version and cluster UUID.
func (s *Store) PersistMetaData(ctx context.Context, prev, next state.MetaData, source string) error {
	if next.ClusterUUID == "" {
		return ring.NewError(ring.ErrKindInvalidRequest, fmt.Errorf("boltstore: empty cluster UUID"))
	}

	nextBlob, err := next.SerializePersisted()
	if err != nil {
		return ring.NewError(ring.ErrKindInvalidRequest, fmt.Errorf("boltstore: serialise next metadata: %w", err))
	}

	key := []byte(next.ClusterUUID)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		stored := b.Get(key)

		var storedVersion uint64
		storedUUID := prev.ClusterUUID
		if stored != nil {
			current, derr := state.DeserializePersisted(stored)
			if derr != nil {
				return ring.NewError(ring.ErrKindIO, fmt.Errorf("boltstore: decode stored metadata: %w", derr))
			}
			storedVersion = current.Version
			storedUUID = current.ClusterUUID
		}

		if storedVersion != prev.Version || storedUUID != prev.ClusterUUID {
			return ring.NewError(ring.ErrKindConcurrentUpdate, fmt.Errorf(
				"boltstore: stored version %d (cluster %q) does not match expected prev version %d (cluster %q)",
				storedVersion, storedUUID, prev.Version, prev.ClusterUUID))
		}

		return b.Put(key, nextBlob)
	})
	if err != nil {
		logger.Warn("persist metadata failed", "source", source, "err", err)
		return err
	}
	return nil
}

// Load returns the currently persisted metadata for clusterUUID, or the
// zero value if nothing has been persisted yet.
func (s *Store) Load(clusterUUID string) (state.MetaData, error) {
	var out state.MetaData
	err := s.db.View(func(tx *bbolt.Tx) error {
		stored := tx.Bucket(metadataBucket).Get([]byte(clusterUUID))
		if stored == nil {
			return nil
		}
		var derr error
		out, derr = state.DeserializePersisted(stored)
		return derr
	})
	if err != nil {
		return state.MetaData{}, ring.NewError(ring.ErrKindIO, fmt.Errorf("boltstore: load metadata: %w", err))
	}
	return out, nil
}

// Close closes the database, leaving its backing file on disk. This is
// what production callers (cmd/ringd) should call on shutdown.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cleanup closes the database and removes its backing file, mirroring
// the teacher's backend.Cleanup() test-fixture contract. Tests use this;
// production callers should use Close instead so a graceful shutdown
// doesn't discard persisted metadata.
func (s *Store) Cleanup() {
	if err := s.db.Close(); err != nil {
		logger.Warn("error closing bolt database", "err", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		logger.Warn("error removing bolt database file", "err", err)
	}
}

var _ ring.Store = (*Store)(nil)
