package es

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultDispatchInterval = time.Second
	defaultDispatchBuffer   = 64
	tracerName              = "github.com/codewandler/estore/core/es"
)

type (
	valueOption[T any] struct{ v T }

	LogOption              valueOption[*slog.Logger]
	MetricsOption          valueOption[Metrics]
	TracerOption           valueOption[trace.Tracer]
	ForkDispatchingOption  valueOption[bool]
	DispatchIntervalOption valueOption[time.Duration]
	DispatchBufferOption   valueOption[int]
	SnapshotCacheOption    struct {
		size int
		ttl  time.Duration
	}

	storeOptions struct {
		log              *slog.Logger
		metrics          Metrics
		tracer           trace.Tracer
		forkDispatching  bool
		dispatchInterval time.Duration
		dispatchBuffer   int
		cacheSize        int
		cacheTTL         time.Duration
	}

	// StoreOption configures a Store.
	StoreOption interface {
		applyToStore(*storeOptions)
	}

	memoryOptions struct {
		log *slog.Logger
	}

	// MemoryOption configures an InMemoryBackend.
	MemoryOption interface {
		applyToMemory(*memoryOptions)
	}
)

func WithLog(l *slog.Logger) LogOption              { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption           { return MetricsOption{v: m} }
func WithTracer(t trace.Tracer) TracerOption        { return TracerOption{v: t} }
func WithDispatchBuffer(n int) DispatchBufferOption { return DispatchBufferOption{v: n} }

// WithForkDispatching disables the in-process dispatcher. Undispatched
// events are then left to an external worker using GetUndispatchedEvents
// and SetEventToDispatched.
func WithForkDispatching(fork bool) ForkDispatchingOption { return ForkDispatchingOption{v: fork} }

// WithDispatchInterval sets how often the dispatcher retries pending events
// when no commit triggered it.
func WithDispatchInterval(d time.Duration) DispatchIntervalOption {
	return DispatchIntervalOption{v: d}
}

// WithSnapshotCache keeps the latest snapshot per address in an LRU cache.
// A ttl of zero keeps entries until evicted.
func WithSnapshotCache(size int, ttl time.Duration) SnapshotCacheOption {
	return SnapshotCacheOption{size: size, ttl: ttl}
}

func (o LogOption) applyToStore(s *storeOptions)              { s.log = o.v }
func (o LogOption) applyToMemory(m *memoryOptions)            { m.log = o.v }
func (o MetricsOption) applyToStore(s *storeOptions)          { s.metrics = o.v }
func (o TracerOption) applyToStore(s *storeOptions)           { s.tracer = o.v }
func (o ForkDispatchingOption) applyToStore(s *storeOptions)  { s.forkDispatching = o.v }
func (o DispatchIntervalOption) applyToStore(s *storeOptions) { s.dispatchInterval = o.v }
func (o DispatchBufferOption) applyToStore(s *storeOptions)   { s.dispatchBuffer = o.v }
func (o SnapshotCacheOption) applyToStore(s *storeOptions) {
	s.cacheSize = o.size
	s.cacheTTL = o.ttl
}

func newStoreOptions(opts ...StoreOption) storeOptions {
	options := storeOptions{
		log:              slog.Default(),
		metrics:          NopMetrics(),
		dispatchInterval: defaultDispatchInterval,
		dispatchBuffer:   defaultDispatchBuffer,
	}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}
	if options.log == nil {
		options.log = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NopMetrics()
	}
	if options.tracer == nil {
		options.tracer = otel.Tracer(tracerName)
	}
	if options.dispatchInterval <= 0 {
		options.dispatchInterval = defaultDispatchInterval
	}
	if options.dispatchBuffer <= 0 {
		options.dispatchBuffer = defaultDispatchBuffer
	}
	return options
}
