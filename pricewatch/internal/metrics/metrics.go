// Package metrics holds the Prometheus collectors of the crawl pipeline.
// Collectors register on the default registry; the daemon serves them on
// /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_fetch_total",
			Help: "Fetch attempts by strategy and outcome (ok or failure kind)",
		},
		[]string{"strategy", "outcome"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_fetch_duration_seconds",
			Help:    "Duration of fetch attempts by strategy",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"strategy"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_jobs_total",
			Help: "Terminal jobs by final state",
		},
		[]string{"state"},
	)

	escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricewatch_escalations_total",
			Help: "Static fetches escalated to the browser after a block",
		},
	)

	recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_records_total",
			Help: "Extracted records by outcome (insert, noop, skip, dropped, partial)",
		},
		[]string{"outcome"},
	)

	browserSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricewatch_browser_sessions_in_use",
			Help: "Browser sessions currently checked out of the pool",
		},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_run_duration_seconds",
			Help:    "Wall time of complete runs by final status",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(fetchTotal, fetchDuration, jobsTotal, escalations,
		recordsTotal, browserSessions, runDuration)
}

// ObserveFetch records one fetch attempt. outcome is "ok" or a failure kind.
func ObserveFetch(strategy, outcome string, d time.Duration) {
	fetchTotal.WithLabelValues(strategy, outcome).Inc()
	fetchDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// JobFinished counts a terminal job.
func JobFinished(state string) { jobsTotal.WithLabelValues(state).Inc() }

// Escalated counts a static-to-browser escalation.
func Escalated() { escalations.Inc() }

// Records adds n records with the given outcome.
func Records(outcome string, n int) {
	if n > 0 {
		recordsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// SessionAcquired and SessionReleased track the browser pool.
func SessionAcquired() { browserSessions.Inc() }

// SessionReleased is the counterpart of SessionAcquired.
func SessionReleased() { browserSessions.Dec() }

// RunFinished records the wall time of a run.
func RunFinished(status string, d time.Duration) {
	runDuration.WithLabelValues(status).Observe(d.Seconds())
}
