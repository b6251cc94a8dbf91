// Package metrics exposes the Prometheus gauges/counters/histograms
// the spec's testable properties call for: commit latency, bus drop
// rate, and active SSE subscriber count.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventstore_commit_duration_seconds",
			Help:    "Time taken to run the commit pipeline end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_commits_total",
			Help: "Total number of commits processed, by outcome",
		},
		[]string{"outcome"},
	)

	BusMessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventstore_bus_messages_dropped_total",
			Help: "Total number of messages dropped from a subscriber's ring due to lag",
		},
	)

	ActiveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventstore_active_subscribers",
			Help: "Current number of connected SSE subscribers",
		},
	)

	IndexFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventstore_index_failures_total",
			Help: "Total number of non-fatal search index write failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommitDuration,
		CommitsTotal,
		BusMessagesDropped,
		ActiveSubscribers,
		IndexFailuresTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single commit and records it on
// CommitDuration via Observe.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
