package es

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	for _, err := range []error{ErrNotConfigured, ErrNotStarted, ErrNoBackend, ErrAlreadyStarted} {
		require.True(t, IsConfiguration(err), err.Error())
		require.False(t, IsStorage(err))
	}

	conflict := &ConcurrencyError{StreamID: "a", Expected: 1, Actual: 3}
	require.True(t, IsConcurrencyConflict(conflict))
	require.EqualError(t, conflict, `concurrency conflict: stream "a" expected revision 1, got 3`)

	validation := newValidationError("aggregate id", "is required")
	require.True(t, IsValidation(validation))
	require.EqualError(t, validation, "validation error: aggregate id is required")

	require.True(t, IsStorage(ErrNotConnected))
}

func TestStorageFailure(t *testing.T) {
	require.NoError(t, StorageFailure("op", nil))

	boom := errors.New("disk full")
	err := StorageFailure("write", boom)
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, boom)
	require.EqualError(t, err, "storage error: write: disk full")

	t.Run("keeps classified errors", func(t *testing.T) {
		conflict := fmt.Errorf("append: %w", &ConcurrencyError{StreamID: "a"})
		require.Same(t, conflict, StorageFailure("add events", conflict))

		validation := newValidationError("x", "bad")
		require.Same(t, validation, StorageFailure("add events", validation))

		require.Same(t, ErrNotConnected, StorageFailure("read", ErrNotConnected))
	})

	t.Run("context errors stay matchable", func(t *testing.T) {
		err := StorageFailure("read", context.Canceled)
		require.ErrorIs(t, err, context.Canceled)
		require.True(t, isCanceled(err))
	})
}

func TestRevision(t *testing.T) {
	require.Equal(t, Revision(0), NoRevision.Next())
	require.Equal(t, int64(-1), NoRevision.Int64())
}
