package es

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the root of all errors caused by using a Store
	// before it has been configured and started.
	ErrConfiguration  = errors.New("configuration error")
	ErrNotConfigured  = fmt.Errorf("%w: store is not configured", ErrConfiguration)
	ErrNotStarted     = fmt.Errorf("%w: store is not started", ErrConfiguration)
	ErrNoBackend      = fmt.Errorf("%w: no backend bound", ErrConfiguration)
	ErrAlreadyStarted = fmt.Errorf("%w: store already started", ErrConfiguration)

	ErrValidation          = errors.New("validation error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrStorage      = errors.New("storage error")
	ErrNotConnected = fmt.Errorf("%w: backend not connected", ErrStorage)
)

// ValidationError reports malformed input, e.g. an event without aggregate id.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConcurrencyError is returned when a commit was based on a revision that is
// no longer the head of the stream.
type ConcurrencyError struct {
	StreamID string
	Expected Revision
	// Actual is the head revision observed by the backend, UnknownRevision
	// when the backend cannot tell.
	Actual Revision
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf(
		"%s: stream %q expected revision %d, got %d",
		ErrConcurrencyConflict, e.StreamID, e.Expected, e.Actual,
	)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrencyConflict }

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// StorageFailure wraps err as a StorageError for op. Validation and
// concurrency errors as well as errors that already are storage errors are
// returned unchanged.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || IsConcurrencyConflict(err) || IsStorage(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsConfiguration(err error) bool       { return errors.Is(err, ErrConfiguration) }
func IsValidation(err error) bool          { return errors.Is(err, ErrValidation) }
func IsConcurrencyConflict(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }
func IsStorage(err error) bool             { return errors.Is(err, ErrStorage) }

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
