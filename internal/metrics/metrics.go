// Package metrics exposes Prometheus collectors for the blockpipe service.
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

// Metrics bundles the service collectors. Collectors register against the
// default registry, so construction goes through a process-wide singleton;
// New is safe to call multiple times.
type Metrics struct {
	JobsTotal      *prometheus.CounterVec
	BlocksWritten  *prometheus.CounterVec
	RecordsFailed  prometheus.Counter
	RecordsSkipped prometheus.Counter
	QueueDepth     prometheus.Gauge
	ActiveWorkers  prometheus.Gauge
	BatchDuration  prometheus.Histogram

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns the process-wide Metrics instance, creating it on first call.
func New() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			JobsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "blockpipe_jobs_total",
					Help: "Total number of jobs processed, labeled by terminal status.",
				},
				[]string{"status"},
			),
			BlocksWritten: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "blockpipe_blocks_written_total",
					Help: "Total number of blocks created or updated, labeled by grade.",
				},
				[]string{"grade"},
			),
			RecordsFailed: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "blockpipe_records_failed_total",
					Help: "Total number of records that failed extraction or loading.",
				},
			),
			RecordsSkipped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "blockpipe_records_skipped_total",
					Help: "Total number of records skipped as duplicates or below the quality threshold.",
				},
			),
			QueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "blockpipe_queue_depth",
					Help: "Number of jobs currently waiting in the queue.",
				},
			),
			ActiveWorkers: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "blockpipe_active_workers",
					Help: "Number of workers currently processing a job.",
				},
			),
			BatchDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "blockpipe_batch_duration_seconds",
					Help:    "Histogram of pipeline batch durations.",
					Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
				},
			),
			httpRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_requests_total",
					Help: "Total number of HTTP requests, labeled by method and code.",
				},
				[]string{"method", "code"},
			),
			httpRequestDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "http_request_duration_seconds",
					Help:    "Histogram of HTTP request latencies, labeled by method and route.",
					Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
				},
				[]string{"method", "route"},
			),
		}
	})
	return instance
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func (m *Metrics) ObserveJob(status string) {
	m.JobsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
