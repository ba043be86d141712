package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// StartTestStore returns a started Store on backend (an in-memory backend
// if nil). The store is stopped when the test ends.
func StartTestStore(t *testing.T, backend Backend, opts ...StoreOption) *Store {
	t.Helper()
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	s := New(opts...)
	require.NoError(t, s.Configure(func(setup *Setup) { setup.Use(backend) }))
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() {
		require.NoError(t, s.Close(context.Background()))
	})
	return s
}

// CommitEvents appends payloads to the addressed stream at its current head
// and fails the test on error.
func CommitEvents(t *testing.T, s *Store, q Query, payloads ...any) *EventStream {
	t.Helper()
	stream, err := s.GetEventStream(t.Context(), q, 0, NoRevision)
	require.NoError(t, err)
	require.NoError(t, stream.AddEvents(payloads...))
	stream, err = stream.Commit(t.Context())
	require.NoError(t, err)
	return stream
}
