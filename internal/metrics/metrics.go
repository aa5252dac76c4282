// Package metrics defines the Prometheus instrumentation exposed on /metrics.
// All metric names carry the "bibwatch_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bibwatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bibwatch_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Job metrics
var (
	JobsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibwatch_jobs_started_total",
			Help: "Total number of jobs started",
		},
		[]string{"kind", "isolation"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibwatch_jobs_finished_total",
			Help: "Total number of jobs finished, by outcome (done, error, cancelled, forced)",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bibwatch_job_duration_seconds",
			Help:    "Wall-clock job duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"kind"},
	)

	JobActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bibwatch_job_active",
			Help: "1 while a worker is alive",
		},
	)

	CancelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibwatch_cancel_requests_total",
			Help: "Total number of accepted cancel requests, by tier (cooperative, forced)",
		},
		[]string{"tier"},
	)
)

// Stage metrics
var (
	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibwatch_conversions_total",
			Help: "Total number of playable-file resolutions, by outcome (direct, hit, miss)",
		},
		[]string{"outcome"},
	)

	ConfirmationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bibwatch_confirmations_total",
			Help: "Total number of confirmed bib entries",
		},
	)
)

// State metrics
var (
	StateVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bibwatch_state_version",
			Help: "Current state store version",
		},
	)

	StateWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bibwatch_state_waiters",
			Help: "Number of long-poll requests currently waiting for a state change",
		},
	)

	StateMirrorFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bibwatch_state_mirror_failures_total",
			Help: "Total number of failed state mirror writes",
		},
	)

	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bibwatch_app_info",
			Help: "Application build information",
		},
		[]string{"version", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, goVersion string) {
	AppInfo.WithLabelValues(version, goVersion).Set(1)
}
