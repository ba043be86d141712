package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/codewandler/estore/core/cache"
	"github.com/codewandler/estore/core/sf"
)

type storeState int

const (
	stateUnconfigured storeState = iota
	stateConfigured
	stateStarted
)

func (s storeState) String() string {
	switch s {
	case stateConfigured:
		return "configured"
	case stateStarted:
		return "started"
	default:
		return "unconfigured"
	}
}

// Setup is handed to the function passed to Store.Configure.
type Setup struct {
	backend   Backend
	publisher Publisher
}

// Use binds the storage backend.
func (s *Setup) Use(b Backend) { s.backend = b }

// UsePublisher binds the publisher the in-process dispatcher hands
// committed events to.
func (s *Setup) UsePublisher(p Publisher) { s.publisher = p }

// Store is the entry point of the engine. It moves through the states
// unconfigured, configured and started; every operation except
// GetNewEventStream requires a started store.
type Store struct {
	// lifecycle serializes Configure, Start and Stop. mu guards the fields
	// below and is never held while the publisher runs.
	lifecycle  sync.Mutex
	mu         sync.RWMutex
	state      storeState
	backend    Backend
	publisher  Publisher
	dispatcher *Dispatcher

	// listening is the backend whose notifications are already logged.
	listening Backend

	opts       storeOptions
	log        *slog.Logger
	metrics    Metrics
	snapshots  *cache.Typed[*Snapshot]
	closeCache func()
	snapshotSF *sf.Singleflight[Snapshot]
	// snapshotGen is bumped whenever cached snapshots are invalidated so
	// loads started earlier do not repopulate the cache.
	snapshotGen atomic.Uint64
}

func New(opts ...StoreOption) *Store {
	options := newStoreOptions(opts...)
	s := &Store{
		opts:       options,
		log:        options.log.With(slog.String("component", "estore")),
		metrics:    options.metrics,
		snapshots:  cache.NewTyped[*Snapshot](cache.NewNop()),
		closeCache: func() {},
		snapshotSF: sf.New[Snapshot](),
	}
	if options.cacheSize > 0 {
		lru := cache.NewLRU(cache.LRUOpts{Size: options.cacheSize, TTL: options.cacheTTL})
		s.snapshots = cache.NewTyped[*Snapshot](lru)
		s.closeCache = lru.Close
	}
	return s
}

// Configure binds a backend (and optionally a publisher). It may be called
// again to rebind until the store is started.
func (s *Store) Configure(setup func(*Setup)) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateStarted {
		return ErrAlreadyStarted
	}
	cfg := &Setup{backend: s.backend, publisher: s.publisher}
	setup(cfg)
	if cfg.backend == nil {
		return ErrNoBackend
	}
	s.backend = cfg.backend
	s.publisher = cfg.publisher
	s.state = stateConfigured
	s.log.Debug("configured", slog.String("backend", fmt.Sprintf("%T", cfg.backend)))
	return nil
}

// Start connects the backend and, when a publisher is bound and fork
// dispatching is off, starts the in-process dispatcher.
//
// The backlog replay runs before Start returns. The store already counts
// as started then, so the publisher may read from it.
func (s *Store) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch s.state {
	case stateUnconfigured:
		s.mu.Unlock()
		return ErrNotConfigured
	case stateStarted:
		s.mu.Unlock()
		return nil
	}
	backend := s.backend
	if s.listening != backend {
		backend.OnNotification(func(n Notification) {
			s.log.Debug("backend notification", slog.String("notification", string(n)))
		})
		s.listening = backend
	}
	if err := backend.Connect(ctx); err != nil {
		s.mu.Unlock()
		return StorageFailure("connect", err)
	}
	var d *Dispatcher
	if s.publisher != nil && !s.opts.forkDispatching {
		d = newDispatcher(backend, s.publisher, s.opts)
	}
	s.dispatcher = d
	s.state = stateStarted
	s.mu.Unlock()

	if d != nil {
		if err := d.Start(ctx); err != nil {
			s.mu.Lock()
			s.dispatcher = nil
			s.state = stateConfigured
			s.mu.Unlock()
			_ = backend.Disconnect(ctx)
			return err
		}
	}
	s.log.Info("started", slog.Bool("fork_dispatching", s.opts.forkDispatching))
	return nil
}

// Stop stops the dispatcher and disconnects the backend. The store returns
// to the configured state and may be started again.
func (s *Store) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	started, d, backend := s.state == stateStarted, s.dispatcher, s.backend
	s.mu.RUnlock()
	if !started {
		return nil
	}
	// an in-flight pass may still read from the store
	if d != nil {
		d.Stop()
	}

	s.mu.Lock()
	s.dispatcher = nil
	s.state = stateConfigured
	s.mu.Unlock()
	if err := backend.Disconnect(ctx); err != nil {
		return StorageFailure("disconnect", err)
	}
	s.log.Info("stopped")
	return nil
}

// Close stops the store and releases the snapshot cache.
func (s *Store) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.closeCache()
	return err
}

func (s *Store) ready() (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case stateUnconfigured:
		return nil, ErrNotConfigured
	case stateConfigured:
		return nil, ErrNotStarted
	}
	return s.backend, nil
}

// Backend returns the bound backend, nil while unconfigured.
func (s *Store) Backend() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// Dispatcher returns the in-process dispatcher, nil if none runs.
func (s *Store) Dispatcher() *Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

func (s *Store) NewID(ctx context.Context) (string, error) {
	backend, err := s.ready()
	if err != nil {
		return "", err
	}
	id, err := backend.NewID(ctx)
	return id, StorageFailure("new id", err)
}

// GetNewEventStream returns an empty stream at NoRevision without touching
// the backend.
func (s *Store) GetNewEventStream(q Query) *EventStream {
	return newEventStream(s, q, nil)
}

// GetEventStream loads the committed events with min <= revision <= max,
// max -1 meaning up to the head. An absent stream yields an empty stream.
func (s *Store) GetEventStream(ctx context.Context, q Query, min, max Revision) (_ *EventStream, err error) {
	backend, err := s.ready()
	if err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if min < 0 {
		min = 0
	}

	ctx, span := s.startSpan(ctx, "GetEventStream", q,
		attribute.Int64("estore.revision.min", int64(min)),
		attribute.Int64("estore.revision.max", int64(max)),
	)
	defer func() { endSpan(span, err) }()
	defer s.metrics.StreamLoadDuration(q.metricLabel()).ObserveDuration()

	// the whole stream is read so the base revision is its true head
	events, err := backend.GetEventsByRevision(ctx, StreamID(q.StreamID()), min, max)
	if err != nil {
		return nil, StorageFailure("get events by revision", err)
	}
	stream := newEventStream(s, q, events)
	s.log.Debug(
		"loaded stream",
		q.logAttrs(),
		slog.Int("events", len(stream.events)),
		stream.lastRevision.SlogAttr(),
		min.SlogAttrWithKey("min"),
		max.SlogAttrWithKey("max"),
	)
	return stream, nil
}

// GetEvents returns all committed events of the addressed stream.
func (s *Store) GetEvents(ctx context.Context, q Query) ([]Event, error) {
	return s.GetEventsRange(ctx, q, 0, -1)
}

// GetEventsRange returns the committed events of the addressed stream after
// skipping skip of them, at most limit (-1 for all).
func (s *Store) GetEventsRange(ctx context.Context, q Query, skip, limit int) (_ []Event, err error) {
	backend, err := s.ready()
	if err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "GetEvents", q)
	defer func() { endSpan(span, err) }()

	events, err := backend.GetEvents(ctx, q, skip, limit)
	return events, StorageFailure("get events", err)
}

// Clear wipes the backend and the snapshot cache.
func (s *Store) Clear(ctx context.Context) error {
	backend, err := s.ready()
	if err != nil {
		return err
	}
	if err := backend.Clear(ctx); err != nil {
		return StorageFailure("clear", err)
	}
	s.snapshotGen.Add(1)
	s.snapshots.Purge()
	s.log.Debug("cleared")
	return nil
}
