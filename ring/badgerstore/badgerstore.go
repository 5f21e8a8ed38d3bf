// Package badgerstore implements the ring.Store persistence contract
// (spec §4.8) on top of dgraph-io/badger/v2, the teacher's LSM-tree
// embedded store of choice, as the second interchangeable backend named
// in SPEC_FULL §4.8 (same CAS contract as ring/boltstore, different
// storage engine, so the identical conflict scenarios can run against
// either).
package badgerstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/ring"
)

var logger = logging.GetLogger("ring/badgerstore")

// Store is a badger-backed ring.Store, keyed by cluster UUID.
type Store struct {
	db *badger.DB
}

// New opens (creating if necessary) a badger database at dir.
func New(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogAdapter{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, ring.NewError(ring.ErrKindIO, fmt.Errorf("badgerstore: open %s: %w", dir, err))
	}
	return &Store{db: db}, nil
}

// PersistMetaData implements ring.Store's compare-and-swap contract,
// using badger's own optimistic transactions (the one feature this
// backend exercises that boltstore's single-writer bucket doesn't need):
// Txn.Get inside an update transaction participates in badger's conflict
// detection, so a concurrent writer committing first aborts this one
// with ErrConflict, which is folded into the same ErrKindConcurrentUpdate
// classification as an explicit version mismatch.
func (s *Store) PersistMetaData(ctx context.Context, prev, next state.MetaData, source string) error {
	if next.ClusterUUID == "" {
		return ring.NewError(ring.ErrKindInvalidRequest, fmt.Errorf("badgerstore: empty cluster UUID"))
	}

	nextBlob, err := next.SerializePersisted()
	if err != nil {
		return ring.NewError(ring.ErrKindInvalidRequest, fmt.Errorf("badgerstore: serialise next metadata: %w", err))
	}

	key := []byte(next.ClusterUUID)
	txnErr := s.db.Update(func(txn *badger.Txn) error {
		var storedVersion uint64
		storedUUID := prev.ClusterUUID
		item, gerr := txn.Get(key)
		switch {
		case gerr == nil:
			var current state.MetaData
			verr := item.Value(func(val []byte) error {
				var derr error
				current, derr = state.DeserializePersisted(val)
				return derr
			})
			if verr != nil {
				return ring.NewError(ring.ErrKindIO, fmt.Errorf("badgerstore: decode stored metadata: %w", verr))
			}
			storedVersion = current.Version
			storedUUID = current.ClusterUUID
		case gerr == badger.ErrKeyNotFound:
			storedVersion = 0
		default:
			return ring.NewError(ring.ErrKindIO, fmt.Errorf("badgerstore: read stored metadata: %w", gerr))
		}

		if storedVersion != prev.Version || storedUUID != prev.ClusterUUID {
			return ring.NewError(ring.ErrKindConcurrentUpdate, fmt.Errorf(
				"badgerstore: stored version %d (cluster %q) does not match expected prev version %d (cluster %q)",
				storedVersion, storedUUID, prev.Version, prev.ClusterUUID))
		}

		return txn.Set(key, nextBlob)
	})
	if txnErr == badger.ErrConflict {
		txnErr = ring.NewError(ring.ErrKindConcurrentUpdate, fmt.Errorf("badgerstore: transaction conflict: %w", txnErr))
	}
	if txnErr != nil {
		logger.Warn("persist metadata failed", "source", source, "err", txnErr)
		return txnErr
	}
	return nil
}

// Load returns the currently persisted metadata for clusterUUID, or the
// zero value if nothing has been persisted yet.
func (s *Store) Load(clusterUUID string) (state.MetaData, error) {
	var out state.MetaData
	err := s.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get([]byte(clusterUUID))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			var derr error
			out, derr = state.DeserializePersisted(val)
			return derr
		})
	})
	if err != nil {
		return state.MetaData{}, ring.NewError(ring.ErrKindIO, fmt.Errorf("badgerstore: load metadata: %w", err))
	}
	return out, nil
}

// Close closes the database, leaving its backing directory on disk. This
// is what production callers (cmd/ringd) should call on shutdown.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cleanup closes the database. Unlike boltstore's single-file layout,
// badger owns a directory; callers that want the files gone too should
// remove the directory they passed to New after Cleanup returns. Tests
// use this; production callers should use Close.
func (s *Store) Cleanup() {
	if err := s.db.Close(); err != nil {
		logger.Warn("error closing badger database", "err", err)
	}
}

// badgerLogAdapter routes badger's internal logging through this
// module's structured logger instead of badger's default stderr writer.
type badgerLogAdapter struct{}

func (badgerLogAdapter) Errorf(f string, args ...interface{})   { logger.Error(fmt.Sprintf(f, args...)) }
func (badgerLogAdapter) Warningf(f string, args ...interface{}) { logger.Warn(fmt.Sprintf(f, args...)) }
func (badgerLogAdapter) Infof(f string, args ...interface{})    { logger.Info(fmt.Sprintf(f, args...)) }
func (badgerLogAdapter) Debugf(f string, args ...interface{})   { logger.Debug(fmt.Sprintf(f, args...)) }

var _ ring.Store = (*Store)(nil)
