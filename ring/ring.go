// Package ring defines the External Interface Adapter's storage
// collaborator (spec §4.8): a compare-and-swap persistence contract for
// cluster metadata, backed by the consistent-hashing ring storage layer.
// This package holds the interface and error taxonomy only; concrete
// backends live in ring/boltstore and ring/badgerstore.
package ring

import (
	"context"
	"errors"
	"fmt"

	"github.com/oasisprotocol/ringcluster/go/cluster/state"
)

// ErrorKind classifies a persistence failure (spec §4.8's "Error kinds").
type ErrorKind uint8

const (
	// ErrKindConcurrentUpdate means the stored metadata no longer matches
	// the prev snapshot the caller read: a CAS conflict.
	ErrKindConcurrentUpdate ErrorKind = iota
	// ErrKindConfiguration means the ring store is misconfigured.
	ErrKindConfiguration
	// ErrKindIO means a transport/disk-level failure talking to the ring.
	ErrKindIO
	// ErrKindInvalidRequest means the caller passed malformed metadata.
	ErrKindInvalidRequest
	// ErrKindRequestExecution means the ring rejected the request while
	// executing it (not a CAS conflict).
	ErrKindRequestExecution
	// ErrKindRequestValidation means the ring's own validation rejected
	// the request before executing it.
	ErrKindRequestValidation
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindConcurrentUpdate:
		return "concurrent_metadata_update"
	case ErrKindConfiguration:
		return "configuration"
	case ErrKindIO:
		return "io"
	case ErrKindInvalidRequest:
		return "invalid_request"
	case ErrKindRequestExecution:
		return "request_execution"
	case ErrKindRequestValidation:
		return "request_validation"
	default:
		return "unknown"
	}
}

// Error wraps a persistence failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ring: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a classified Error.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IsConcurrentUpdate reports whether err is (or wraps) a CAS conflict.
func IsConcurrentUpdate(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrKindConcurrentUpdate
	}
	return false
}

// Store is the consumed persistence collaborator (spec §4.8
// "persistMetaData(prev, next, source)"). Implementations must perform
// the compare-and-swap atomically: PersistMetaData fails with an Error of
// kind ErrKindConcurrentUpdate iff the metadata currently stored does not
// match prev (by version and cluster UUID).
type Store interface {
	// PersistMetaData attempts to replace prev with next. source
	// identifies the caller (task source tag) for audit logging.
	PersistMetaData(ctx context.Context, prev, next state.MetaData, source string) error
}
