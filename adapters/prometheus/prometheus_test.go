package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/estore/core/es"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.StreamLoadDuration("order").ObserveDuration()
	m.CommitDuration("order").ObserveDuration()
	m.EventsCommitted("order", 5)
	m.ConcurrencyConflict("order")

	m.SnapshotLoadDuration("order").ObserveDuration()
	m.SnapshotSaveDuration("order").ObserveDuration()
	m.SnapshotCacheHit("order")
	m.SnapshotCacheMiss("order")

	m.EventDispatched("order", true)
	m.EventDispatched("order", false)
	m.DispatchBacklog(7)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"estore_stream_load_duration_seconds",
		"estore_commit_duration_seconds",
		"estore_events_committed_total",
		"estore_concurrency_conflicts_total",
		"estore_snapshot_load_duration_seconds",
		"estore_snapshot_save_duration_seconds",
		"estore_snapshot_cache_hits_total",
		"estore_snapshot_cache_misses_total",
		"estore_events_dispatched_total",
		"estore_dispatch_backlog",
	} {
		assert.True(t, names[name], name)
	}

	sm := m.(*storeMetrics)
	assert.Equal(t, 5.0, testutil.ToFloat64(sm.eventsCommitted.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sm.eventsDispatched.WithLabelValues("order", "false")))
	assert.Equal(t, 7.0, testutil.ToFloat64(sm.dispatchBacklog))
}

func TestNewMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	require.Panics(t, func() { NewMetrics(reg) })
}

func TestMetrics_StoreIntegration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := es.StartTestStore(t, nil, es.WithMetrics(m))

	q := es.Query{AggregateID: "o-1", Aggregate: "order"}
	es.CommitEvents(t, s, q, "created", "paid")

	stale := s.GetNewEventStream(q)
	require.NoError(t, stale.AddEvent("created again"))
	_, err := stale.Commit(t.Context())
	require.True(t, es.IsConcurrencyConflict(err))

	sm := m.(*storeMetrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(sm.eventsCommitted.WithLabelValues("order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sm.concurrencyConflicts.WithLabelValues("order")))
	assert.Equal(t, 1, testutil.CollectAndCount(sm.commitDuration))
}

func TestTimer(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "t", Buckets: latencyBuckets})
	startTimer(h).ObserveDuration()
	startTimer(h).ObserveDuration()

	reg := prometheus.NewRegistry()
	reg.MustRegister(h)
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.Equal(t, uint64(2), mfs[0].GetMetric()[0].GetHistogram().GetSampleCount())
}
