// Package es provides the event-stream and commit engine of estore.
//
// # Overview
//
// Events are stored in append-only streams, one stream per aggregate id.
// Every event carries its position in the stream (its revision), the commit
// batch it was written with and a dispatched flag used for at-least-once
// hand-off to downstream consumers.
//
// # Store
//
// [Store] is the entry point. It is configured with a [Backend] and started
// before use:
//
//	store := es.New(es.WithLog(log))
//	err := store.Configure(func(s *es.Setup) {
//	    s.Use(es.NewInMemoryBackend())
//	})
//	err = store.Start(ctx)
//
// Calls made before Configure or Start fail with [ErrNotConfigured] or
// [ErrNotStarted].
//
// # Streams and commits
//
// A stream is addressed by a [Query]. Only AggregateID identifies the
// stream; Aggregate and Context are echoed into written events and narrow
// reads when set:
//
//	stream, err := store.GetEventStream(ctx, es.Query{AggregateID: "user-1", Aggregate: "user"}, 0, -1)
//	_ = stream.AddEvent(NameChanged{Name: "alice"})
//	stream, err = stream.Commit(ctx)
//
// Commits use optimistic concurrency. The backend rejects a batch whose base
// revision is no longer the head of the stream with a [*ConcurrencyError];
// callers reload and retry, see [RetryOnConflict].
//
// # Snapshots
//
// [Store.CreateSnapshot] stores aggregate state at a revision and
// [Store.GetFromSnapshot] returns the latest snapshot together with the
// events committed after it.
//
// # Global order and dispatch
//
// [Store.GetAllEvents] pages through all events in commit order. Events
// start undispatched; [Store.GetUndispatchedEvents] and
// [Store.SetEventToDispatched] let an external worker pull and acknowledge
// them. When a [Publisher] is configured and fork dispatching is off, the
// in-process [Dispatcher] does this automatically.
//
// # Backends
//
// [InMemoryBackend] lives in this package. Pebble, SQLite and NATS JetStream
// backends live under adapters/.
package es
