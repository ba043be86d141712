package es

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes, e.g.
//
//	defer s.metrics.CommitDuration(label).ObserveDuration()
type Timer interface {
	ObserveDuration()
}

// Metrics defines the instrumentation surface of a Store. Labels are
// aggregate type names, never aggregate ids. Implementations must be
// safe for concurrent use.
type Metrics interface {
	// Streams
	StreamLoadDuration(aggregate string) Timer
	CommitDuration(aggregate string) Timer
	EventsCommitted(aggregate string, count int)
	ConcurrencyConflict(aggregate string)

	// Snapshots
	SnapshotLoadDuration(aggregate string) Timer
	SnapshotSaveDuration(aggregate string) Timer
	SnapshotCacheHit(aggregate string)
	SnapshotCacheMiss(aggregate string)

	// Dispatch
	EventDispatched(aggregate string, success bool)
	DispatchBacklog(n int)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// nopMetrics is a no-op implementation of Metrics.
type nopMetrics struct{}

func (nopMetrics) StreamLoadDuration(string) Timer { return nopTimer{} }
func (nopMetrics) CommitDuration(string) Timer     { return nopTimer{} }
func (nopMetrics) EventsCommitted(string, int)     {}
func (nopMetrics) ConcurrencyConflict(string)      {}

func (nopMetrics) SnapshotLoadDuration(string) Timer { return nopTimer{} }
func (nopMetrics) SnapshotSaveDuration(string) Timer { return nopTimer{} }
func (nopMetrics) SnapshotCacheHit(string)           {}
func (nopMetrics) SnapshotCacheMiss(string)          {}

func (nopMetrics) EventDispatched(string, bool) {}
func (nopMetrics) DispatchBacklog(int)          {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
