// Package prometheus provides a Prometheus implementation of es.Metrics.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/estore/core/es"
)

// latencyBuckets span 0.5ms to roughly 7.5s.
var latencyBuckets = prometheus.ExponentialBuckets(0.0005, 2.5, 12)

type timer struct {
	t *prometheus.Timer
}

func startTimer(o prometheus.Observer) es.Timer { return timer{t: prometheus.NewTimer(o)} }

func (t timer) ObserveDuration() { t.t.ObserveDuration() }
