// Copyright 2025 James Ross
// Package ierrors defines the typed error taxonomy shared by the blob
// store, queue, and job-index adapters so callers can classify failures
// with errors.Is/errors.As instead of matching on strings.
package ierrors

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when the blob store transport fails.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrSerializationError is returned when a value cannot be marshaled to JSON.
	ErrSerializationError = errors.New("serialization error")
	// ErrNotFound is returned when a blob key does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrCorruptArtifact is returned when a stored blob fails to parse as JSON.
	ErrCorruptArtifact = errors.New("corrupt artifact")

	// ErrQueueUnavailable is returned when the queue transport fails.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrDuplicateJob is returned when JSI.Create is called with an existing id.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrUnknownStage is a programming error: a stage name outside the canonical order.
	ErrUnknownStage = errors.New("unknown stage")
)

// BackendError wraps a backend-specific failure with operation context.
type BackendError struct {
	Backend   string
	Operation string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Backend, e.Operation, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError constructs a BackendError.
func NewBackendError(backend, operation string, err error) *BackendError {
	return &BackendError{Backend: backend, Operation: operation, Err: err}
}

// IsRetryable reports whether a retry (redelivery or backoff) might succeed.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		return true
	case errors.Is(err, ErrQueueUnavailable):
		return true
	case errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrCorruptArtifact):
		return false
	case errors.Is(err, ErrSerializationError):
		return false
	case errors.Is(err, ErrDuplicateJob):
		return false
	case errors.Is(err, ErrUnknownStage):
		return false
	default:
		var be *BackendError
		if errors.As(err, &be) {
			return IsRetryable(be.Err)
		}
		return false
	}
}

// IsPermanent reports whether retrying is pointless (a programming or
// validation error rather than a transient transport failure).
func IsPermanent(err error) bool {
	return !IsRetryable(err) && err != nil
}
