// Package memerr defines the error taxonomy the engine and storage port
// surface to callers (spec §7). Errors wrap with fmt.Errorf("...: %w", ...)
// in the style the rest of this codebase uses so callers can still
// errors.Is/errors.As against the Err* sentinel errors without having to
// parse message text.
package memerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a memerr.Error for errors.Is comparisons.
type Kind string

const (
	// InvalidInput covers empty content at store, empty anchor at temporal
	// query, non-finite floats in vectors, and dimension mismatches.
	InvalidInput Kind = "invalid_input"
	// EmbeddingUnavailable means the embedding producer could not serve the
	// request; callers fall back to recency-only ranking rather than fail.
	EmbeddingUnavailable Kind = "embedding_unavailable"
	// StorageTransient is a retryable condition from the storage port.
	StorageTransient Kind = "storage_transient"
	// StoragePermanent is a non-retryable integrity violation.
	StoragePermanent Kind = "storage_permanent"
	// NotFound means the requested entity does not exist; callers should
	// generally treat this as a nullable result rather than a hard error.
	NotFound Kind = "not_found"
	// CapacityExceeded marks storage-level cap enforcement during
	// consolidation; it is informational, not a request-path failure.
	CapacityExceeded Kind = "capacity_exceeded"
)

// Error is a typed, wrapped error carrying a Kind for errors.Is matching.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "store", "retrieve"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, memerr.ErrInvalidInput) work by comparing Kind
// against the Kind of a target *Error such as the Err* sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// sentinel returns a zero-cause *Error for a given Kind, usable as the
// `target` argument to errors.Is.
func sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// Sentinels for errors.Is comparisons, e.g. errors.Is(err, memerr.ErrNotFound).
var (
	ErrInvalidInput         = sentinel(InvalidInput)
	ErrEmbeddingUnavailable = sentinel(EmbeddingUnavailable)
	ErrStorageTransient     = sentinel(StorageTransient)
	ErrStoragePermanent     = sentinel(StoragePermanent)
	ErrNotFound             = sentinel(NotFound)
	ErrCapacityExceeded     = sentinel(CapacityExceeded)
)

// Invalid wraps cause as an InvalidInput error for operation op.
func Invalid(op string, cause error) error { return New(InvalidInput, op, cause) }

// Transient wraps cause as a StorageTransient error for operation op.
func Transient(op string, cause error) error { return New(StorageTransient, op, cause) }

// Permanent wraps cause as a StoragePermanent error for operation op.
func Permanent(op string, cause error) error { return New(StoragePermanent, op, cause) }
