package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/estore/core/es"
)

const namespace = "estore"

// storeMetrics implements es.Metrics using Prometheus.
type storeMetrics struct {
	streamLoadDuration   *prometheus.HistogramVec
	commitDuration       *prometheus.HistogramVec
	eventsCommitted      *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec
	snapshotCacheHits    *prometheus.CounterVec
	snapshotCacheMisses  *prometheus.CounterVec

	eventsDispatched *prometheus.CounterVec
	dispatchBacklog  prometheus.Gauge
}

// NewMetrics creates the store metrics and registers them with reg.
// Registering twice with the same registry panics.
func NewMetrics(reg prometheus.Registerer) es.Metrics {
	m := &storeMetrics{
		streamLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_load_duration_seconds",
			Help:      "Time to load an event stream in seconds",
			Buckets:   latencyBuckets,
		}, []string{"aggregate"}),

		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time to commit an event stream in seconds",
			Buckets:   latencyBuckets,
		}, []string{"aggregate"}),

		eventsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_committed_total",
			Help:      "Total number of committed events",
		}, []string{"aggregate"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Total number of commits rejected by a concurrency conflict",
		}, []string{"aggregate"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_load_duration_seconds",
			Help:      "Time to load a snapshot in seconds",
			Buckets:   latencyBuckets,
		}, []string{"aggregate"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Time to save a snapshot in seconds",
			Buckets:   latencyBuckets,
		}, []string{"aggregate"}),

		snapshotCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_hits_total",
			Help:      "Total number of snapshot cache hits",
		}, []string{"aggregate"}),

		snapshotCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_misses_total",
			Help:      "Total number of snapshot cache misses",
		}, []string{"aggregate"}),

		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of dispatch attempts",
		}, []string{"aggregate", "success"}),

		dispatchBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_backlog",
			Help:      "Undispatched events seen by the last dispatch pass",
		}),
	}

	reg.MustRegister(
		m.streamLoadDuration,
		m.commitDuration,
		m.eventsCommitted,
		m.concurrencyConflicts,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.snapshotCacheHits,
		m.snapshotCacheMisses,
		m.eventsDispatched,
		m.dispatchBacklog,
	)

	return m
}

func (m *storeMetrics) StreamLoadDuration(aggregate string) es.Timer {
	return startTimer(m.streamLoadDuration.WithLabelValues(aggregate))
}

func (m *storeMetrics) CommitDuration(aggregate string) es.Timer {
	return startTimer(m.commitDuration.WithLabelValues(aggregate))
}

func (m *storeMetrics) EventsCommitted(aggregate string, count int) {
	m.eventsCommitted.WithLabelValues(aggregate).Add(float64(count))
}

func (m *storeMetrics) ConcurrencyConflict(aggregate string) {
	m.concurrencyConflicts.WithLabelValues(aggregate).Inc()
}

func (m *storeMetrics) SnapshotLoadDuration(aggregate string) es.Timer {
	return startTimer(m.snapshotLoadDuration.WithLabelValues(aggregate))
}

func (m *storeMetrics) SnapshotSaveDuration(aggregate string) es.Timer {
	return startTimer(m.snapshotSaveDuration.WithLabelValues(aggregate))
}

func (m *storeMetrics) SnapshotCacheHit(aggregate string) {
	m.snapshotCacheHits.WithLabelValues(aggregate).Inc()
}

func (m *storeMetrics) SnapshotCacheMiss(aggregate string) {
	m.snapshotCacheMisses.WithLabelValues(aggregate).Inc()
}

func (m *storeMetrics) EventDispatched(aggregate string, success bool) {
	m.eventsDispatched.WithLabelValues(aggregate, strconv.FormatBool(success)).Inc()
}

func (m *storeMetrics) DispatchBacklog(n int) {
	m.dispatchBacklog.Set(float64(n))
}

var _ es.Metrics = (*storeMetrics)(nil)
