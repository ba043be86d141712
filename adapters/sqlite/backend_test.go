package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/estore/core/es"
)

func newTestBackend(t *testing.T, path string) *Backend {
	t.Helper()
	b, err := New(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, b.Connect(t.Context()))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{Path: "  "})
	require.Error(t, err)
}

func TestBackend_NotConnected(t *testing.T) {
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "es.db")})
	require.NoError(t, err)

	_, err = b.GetUndispatchedEvents(t.Context())
	require.ErrorIs(t, err, es.ErrNotConnected)
}

// Two backends on one file behave like two processes sharing a database.
func TestBackend_SharedFileConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "es.db")
	ctx := t.Context()

	first := es.StartTestStore(t, newTestBackend(t, path))
	second := es.StartTestStore(t, newTestBackend(t, path))

	es.CommitEvents(t, first, es.StreamID("a"), "a0")

	streams := make([]*es.EventStream, 0, 2)
	for _, s := range []*es.Store{first, second} {
		stream, err := s.GetEventStream(ctx, es.StreamID("a"), 0, -1)
		require.NoError(t, err)
		require.Equal(t, es.Revision(0), stream.CurrentRevision())
		require.NoError(t, stream.AddEvent("next"))
		streams = append(streams, stream)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(streams))
	)
	for i, stream := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = stream.Commit(ctx)
		}()
	}
	wg.Wait()

	var conflicts int
	for _, err := range errs {
		if err != nil {
			assert.True(t, es.IsConcurrencyConflict(err), err.Error())
			conflicts++
		}
	}
	require.Equal(t, 1, conflicts)

	events, err := second.GetEvents(ctx, es.StreamID("a"))
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestBackend_DuplicateEventID(t *testing.T) {
	b := newTestBackend(t, filepath.Join(t.TempDir(), "es.db"))
	ctx := t.Context()

	require.NoError(t, b.AddEvents(ctx, es.NoRevision, []es.Event{
		{ID: "dup", StreamID: "a", AggregateID: "a", StreamRevision: 0},
	}))
	err := b.AddEvents(ctx, es.NoRevision, []es.Event{
		{ID: "dup", StreamID: "b", AggregateID: "b", StreamRevision: 0},
	})
	require.ErrorIs(t, err, es.ErrValidation)

	all, err := b.GetAllEvents(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestBackend_ClearResetsSequence(t *testing.T) {
	s := es.StartTestStore(t, newTestBackend(t, filepath.Join(t.TempDir(), "es.db")))
	ctx := t.Context()

	es.CommitEvents(t, s, es.StreamID("a"), "a0", "a1")
	require.NoError(t, s.Clear(ctx))

	stream := es.CommitEvents(t, s, es.StreamID("b"), "b0")
	require.Equal(t, uint64(1), stream.Events()[0].Seq)
}

func TestIsUniqueViolation(t *testing.T) {
	require.False(t, isUniqueViolation(context.Canceled))
	require.True(t, isUniqueViolation(errUnique{}))
}

type errUnique struct{}

func (errUnique) Error() string {
	return "constraint failed: UNIQUE constraint failed: events.stream_id, events.stream_revision (2067)"
}
