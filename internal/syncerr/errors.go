// Package syncerr defines the error taxonomy of the sync engine and the
// classification used to decide whether a failed operation is retried.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// StorageKind identifies the failure class of a local store operation.
type StorageKind int

const (
	// DiskFull indicates the device ran out of space.
	DiskFull StorageKind = iota
	// PermissionDenied indicates the store file cannot be opened or written.
	PermissionDenied
	// Corrupted indicates the store content can no longer be trusted.
	Corrupted
	// NotFound indicates the requested record does not exist.
	NotFound
)

// String returns a human-readable representation of the kind.
func (k StorageKind) String() string {
	switch k {
	case DiskFull:
		return "disk full"
	case PermissionDenied:
		return "permission denied"
	case Corrupted:
		return "corrupted"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// StorageError is returned by every store operation that fails.
type StorageError struct {
	Kind StorageKind
	Op   string
	ID   string
	Err  error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("store %s: %s", e.Op, e.Kind)
	if e.ID != "" {
		msg += fmt.Sprintf(" (document %s)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

// NetworkKind identifies the failure class of a remote call.
type NetworkKind int

const (
	// Timeout indicates the remote did not answer in time.
	Timeout NetworkKind = iota
	// Unreachable indicates there is no route to the remote service.
	Unreachable
	// ServerError indicates the remote answered with a 5xx.
	ServerError
	// Throttled indicates the remote asked the client to slow down.
	Throttled
)

// String returns a human-readable representation of the kind.
func (k NetworkKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Unreachable:
		return "unreachable"
	case ServerError:
		return "server error"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// NetworkError wraps a failed remote call.
type NetworkError struct {
	Kind       NetworkKind
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	msg := "network " + e.Kind.String()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError reports that the remote rejected a write because its
// revision moved underneath the client.
type ConflictError struct {
	DocumentID string
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on document %s: %s", e.DocumentID, e.Reason)
}

// ValidationError reports a document or request that can never succeed
// as submitted.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AuthError reports a missing or rejected credential.
type AuthError struct {
	SessionExpired bool
	Err            error
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.SessionExpired {
		msg = "session expired"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// Category tells the orchestrator how to react to a failure.
type Category int

const (
	// Transient failures are retried with backoff.
	Transient Category = iota
	// Permanent failures mark the document as failed without retry.
	Permanent
	// Fatal failures abort the whole sync cycle.
	Fatal
)

// String returns a human-readable representation of the category.
func (c Category) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error onto a Category. Unknown errors are treated as
// transient so that an unexpected failure never loses a document.
func Classify(err error) Category {
	if err == nil {
		return Transient
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		if storageErr.Kind == Corrupted {
			return Fatal
		}
		return Permanent
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return Permanent
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return Permanent
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return Transient
	}

	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	return Transient
}

// IsCorrupted reports whether err signals an untrustworthy local store.
func IsCorrupted(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Kind == Corrupted
}

// IsNotFound reports whether err is a store miss.
func IsNotFound(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Kind == NotFound
}

// IsUnreachable reports whether err means connectivity was lost.
func IsUnreachable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Kind == Unreachable
}
