package es

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_Lifecycle(t *testing.T) {
	ctx := t.Context()
	s := New()

	t.Run("unconfigured", func(t *testing.T) {
		_, err := s.GetEventStream(ctx, StreamID("a"), 0, -1)
		require.ErrorIs(t, err, ErrNotConfigured)
		require.True(t, IsConfiguration(err))

		_, err = s.GetAllEvents(ctx, 0, 10)
		require.ErrorIs(t, err, ErrNotConfigured)

		_, err = s.NewID(ctx)
		require.ErrorIs(t, err, ErrNotConfigured)

		require.ErrorIs(t, s.Start(ctx), ErrNotConfigured)
		require.Nil(t, s.Backend())
	})

	t.Run("configure without backend", func(t *testing.T) {
		require.ErrorIs(t, s.Configure(func(*Setup) {}), ErrNoBackend)
	})

	backend := NewInMemoryBackend()
	require.NoError(t, s.Configure(func(setup *Setup) { setup.Use(backend) }))

	t.Run("configured but not started", func(t *testing.T) {
		_, err := s.GetEvents(ctx, StreamID("a"))
		require.ErrorIs(t, err, ErrNotStarted)
		require.True(t, IsConfiguration(err))

		_, err = s.GetUndispatchedEvents(ctx)
		require.ErrorIs(t, err, ErrNotStarted)
	})

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "start is idempotent")
	require.Same(t, backend, s.Backend())

	t.Run("started", func(t *testing.T) {
		id, err := s.NewID(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		require.ErrorIs(t, s.Configure(func(setup *Setup) { setup.Use(NewInMemoryBackend()) }), ErrAlreadyStarted)
	})

	t.Run("stop returns to configured", func(t *testing.T) {
		require.NoError(t, s.Stop(ctx))
		_, err := s.GetEvents(ctx, StreamID("a"))
		require.ErrorIs(t, err, ErrNotStarted)

		require.NoError(t, s.Start(ctx))
		_, err = s.GetEvents(ctx, StreamID("a"))
		require.NoError(t, err)
	})

	require.NoError(t, s.Close(ctx))
}

func TestStore_GetNewEventStream(t *testing.T) {
	// works without configuration since it never touches the backend
	s := New()
	stream := s.GetNewEventStream(Query{AggregateID: "a", Aggregate: "user"})
	require.Equal(t, NoRevision, stream.CurrentRevision())
	require.Empty(t, stream.Events())
	require.Empty(t, stream.UncommittedEvents())
	require.Equal(t, "a", stream.StreamID())

	require.NoError(t, stream.AddEvent(map[string]string{"name": "x"}))
	require.Len(t, stream.UncommittedEvents(), 1)

	_, err := stream.Commit(t.Context())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Len(t, stream.UncommittedEvents(), 1, "failed commit keeps pending events")
}

func TestStore_GetEventStream(t *testing.T) {
	s := StartTestStore(t, nil)
	ctx := t.Context()

	t.Run("nonexistent stream is empty", func(t *testing.T) {
		stream, err := s.GetEventStream(ctx, StreamID("missing"), 0, -1)
		require.NoError(t, err)
		require.Empty(t, stream.Events())
		require.Equal(t, NoRevision, stream.CurrentRevision())
	})

	CommitEvents(t, s, StreamID("a"), "e0", "e1", "e2", "e3", "e4")

	t.Run("revision range is inclusive", func(t *testing.T) {
		stream, err := s.GetEventStream(ctx, StreamID("a"), 1, 3)
		require.NoError(t, err)
		events := stream.Events()
		require.Len(t, events, 3)
		require.Equal(t, Revision(1), events[0].StreamRevision)
		require.Equal(t, Revision(3), events[2].StreamRevision)
		require.Equal(t, Revision(3), stream.CurrentRevision())
	})

	t.Run("negative min starts at zero", func(t *testing.T) {
		stream, err := s.GetEventStream(ctx, StreamID("a"), -5, -1)
		require.NoError(t, err)
		require.Len(t, stream.Events(), 5)
	})

	t.Run("events are copies", func(t *testing.T) {
		stream, err := s.GetEventStream(ctx, StreamID("a"), 0, -1)
		require.NoError(t, err)
		events := stream.Events()
		events[0].AggregateID = "mutated"
		require.Equal(t, "a", stream.Events()[0].AggregateID)
	})

	t.Run("invalid query", func(t *testing.T) {
		_, err := s.GetEventStream(ctx, Query{}, 0, -1)
		require.ErrorIs(t, err, ErrValidation)

		_, err = s.GetEventStream(ctx, StreamID("a\x00b"), 0, -1)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("get events with skip and limit", func(t *testing.T) {
		events, err := s.GetEventsRange(ctx, StreamID("a"), 1, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, Revision(1), events[0].StreamRevision)

		events, err = s.GetEvents(ctx, StreamID("a"))
		require.NoError(t, err)
		require.Len(t, events, 5)
	})
}

func TestStore_FallbackAddressing(t *testing.T) {
	s := StartTestStore(t, nil)
	ctx := t.Context()

	full := Query{AggregateID: "order-1", Aggregate: "order", Context: "shop"}
	CommitEvents(t, s, full, "created", "paid")

	for _, q := range []Query{
		StreamID("order-1"),
		{AggregateID: "order-1", Aggregate: "order"},
		{AggregateID: "order-1", Context: "shop"},
		full,
	} {
		t.Run(q.Address(), func(t *testing.T) {
			events, err := s.GetEvents(ctx, q)
			require.NoError(t, err)
			require.Len(t, events, 2)
			require.Equal(t, "order", events[0].Aggregate)
			require.Equal(t, "shop", events[0].Context)
		})
	}

	t.Run("mismatching meta narrows to nothing", func(t *testing.T) {
		events, err := s.GetEvents(ctx, Query{AggregateID: "order-1", Aggregate: "invoice"})
		require.NoError(t, err)
		require.Empty(t, events)
	})
}

func TestStore_Clear(t *testing.T) {
	s := StartTestStore(t, nil)
	ctx := t.Context()

	CommitEvents(t, s, StreamID("a"), "e0")
	require.NoError(t, s.CreateSnapshot(ctx, StreamID("a"), 0, []byte("x"), 1))
	require.NoError(t, s.Clear(ctx))

	events, err := s.GetEvents(ctx, StreamID("a"))
	require.NoError(t, err)
	require.Empty(t, events)

	snap, _, err := s.GetFromSnapshot(ctx, StreamID("a"))
	require.NoError(t, err)
	require.Nil(t, snap)
}

type failingBackend struct {
	*InMemoryBackend
	err error
}

func (b *failingBackend) GetEventsByRevision(context.Context, Query, Revision, Revision) ([]Event, error) {
	return nil, b.err
}

func (b *failingBackend) GetAllEvents(context.Context, int, int) ([]Event, error) {
	return nil, b.err
}

func TestStore_StorageErrors(t *testing.T) {
	boom := errors.New("connection reset")
	s := StartTestStore(t, &failingBackend{InMemoryBackend: NewInMemoryBackend(), err: boom})
	ctx := t.Context()

	_, err := s.GetEventStream(ctx, StreamID("a"), 0, -1)
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, boom)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "get events by revision", storageErr.Op)

	_, err = s.GetAllEvents(ctx, 0, 10)
	require.True(t, IsStorage(err))
}

func TestStore_DisconnectedBackend(t *testing.T) {
	backend := NewInMemoryBackend()
	s := StartTestStore(t, backend)
	ctx := t.Context()

	require.NoError(t, backend.Disconnect(ctx))
	_, err := s.GetEvents(ctx, StreamID("a"))
	require.ErrorIs(t, err, ErrNotConnected)
	require.True(t, IsStorage(err))
}

func TestStore_BackendNotifications(t *testing.T) {
	backend := NewInMemoryBackend()

	var notes []Notification
	backend.OnNotification(func(n Notification) { notes = append(notes, n) })

	s := StartTestStore(t, backend)
	require.NoError(t, s.Stop(t.Context()))
	require.Equal(t, []Notification{NotificationConnected, NotificationDisconnected}, notes)
}
