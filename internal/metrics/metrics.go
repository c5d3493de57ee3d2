// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes recorded by JobsTotal.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
	OutcomeInterrupted = "interrupted"
)

var (
	// Activity metrics
	ActivityAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compressd_activity_attempts_total",
		Help: "Total number of activity attempts, by activity and result",
	}, []string{"activity", "result"}) // result: ok/error/timeout

	ActivityRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compressd_activity_retries_total",
		Help: "Total number of activity retries scheduled after a retryable failure",
	}, []string{"activity"})

	ActivityDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compressd_activity_duration_seconds",
		Help:    "Duration of a single activity attempt in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"activity"})

	ProgressReportFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compressd_progress_report_failures_total",
		Help: "Progress reports that failed after all attempts and were dropped",
	})

	// Job metrics
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compressd_jobs_total",
		Help: "Total number of workflow runs that finished, by outcome",
	}, []string{"outcome", "format"})

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compressd_jobs_in_flight",
		Help: "Number of workflow runs currently executing",
	})

	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compressd_job_queue_depth",
		Help: "Number of submitted jobs waiting for a worker",
	})

	ArchiveBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compressd_archive_bytes_total",
		Help: "Bytes processed by completed jobs",
	}, []string{"direction"}) // direction: original/compressed

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compressd_http_requests_total",
		Help: "Total number of HTTP requests processed",
	}, []string{"method", "route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compressd_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
