// Package metrics exposes Prometheus collectors for the job pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsSubmittedTotal         *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeJobs                 prometheus.Gauge
	recordsTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadengine_jobs_submitted_total",
				Help: "Job submissions, labeled by result.",
			},
			[]string{"result"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadengine_jobs_total",
				Help: "Job deliveries handled by workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadengine_job_duration_seconds",
				Help:    "Wall time of one job delivery, labeled by outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"outcome"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadengine_active_jobs",
				Help: "Number of jobs currently being processed by this process.",
			},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadengine_records_total",
				Help: "Collected records, labeled by dedup outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission counts one SubmitJob call by result.
func ObserveSubmission(result string) {
	Init()
	jobsSubmittedTotal.WithLabelValues(result).Inc()
}

// ObserveJob records a handled delivery and its duration.
func ObserveJob(outcome string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRecord counts one record by dedup outcome.
func ObserveRecord(outcome string) {
	Init()
	recordsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
