// Package metrics defines and exposes this process's Prometheus
// metrics: job counts by status, durable-queue depth, execution
// backend health, and SSH session connection state, alongside the
// HTTP API's own request counters. Metrics are registered at init()
// time and served via promhttp.Handler().
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal tracks the current count of jobs by status, refreshed
	// on every collector tick rather than incremented inline, since a
	// status's count falls as well as rises (a running -> failed move
	// lowers the running count).
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_jobs_total",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Number of pending or running jobs awaiting a terminal state",
		},
	)

	BackendHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_backend_healthy",
			Help: "Whether a configured execution backend's last health check passed (1) or failed (0)",
		},
		[]string{"backend"},
	)

	SSHSessionConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_ssh_session_connected",
			Help: "Whether a backend's SSH session is currently connected (1) or not (0)",
		},
		[]string{"backend"},
	)

	SSHSessionIdleSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_ssh_session_idle_seconds",
			Help: "Seconds since a backend's SSH session last executed a command",
		},
		[]string{"backend"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_api_requests_total",
			Help: "Total number of HTTP API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	JobSubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_job_submit_duration_seconds",
			Help:    "Time taken to validate and dispatch a job submission",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_jobs_submitted_total",
			Help: "Total number of jobs submitted, by execution mode (plugin/workflow)",
		},
		[]string{"mode"},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_jobs_failed_total",
			Help: "Total number of jobs that reached a failed terminal state, by backend",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BackendHealthy)
	prometheus.MustRegister(SSHSessionConnected)
	prometheus.MustRegister(SSHSessionIdleSeconds)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(JobSubmitDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsFailedTotal)
}

// Handler returns the Prometheus scrape handler, mounted at /metrics
// alongside pkg/httpapi's /health.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a convenience wrapper for timing an operation and recording
// its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
