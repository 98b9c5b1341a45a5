// Package metrics exposes Prometheus collectors for the upload progress service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	enqueueTotal               *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	activeSubscriptions        prometheus.Gauge
	progressPollsTotal         *prometheus.CounterVec
	sweptRecordsTotal          prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		enqueueTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upload_enqueue_total",
				Help: "Enqueue attempts, labeled by queue and result.",
			},
			[]string{"queue", "result"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "upload_active_workers",
				Help: "Workers currently processing a job, labeled by queue.",
			},
			[]string{"queue"},
		)

		activeSubscriptions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "upload_active_subscriptions",
				Help: "Open progress subscriptions.",
			},
		)

		progressPollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upload_progress_polls_total",
				Help: "Progress store reads made by publishers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		sweptRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "upload_swept_records_total",
				Help: "Terminal progress records reclaimed by the reaper.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveEnqueue records an enqueue attempt; result is "accepted", "rejected"
// or "throttled".
func ObserveEnqueue(queue, result string) {
	Init()
	enqueueTotal.WithLabelValues(queue, result).Inc()
}

// IncActiveWorkers increments the active workers gauge for queue.
func IncActiveWorkers(queue string) {
	Init()
	activeWorkers.WithLabelValues(queue).Inc()
}

// DecActiveWorkers decrements the active workers gauge for queue.
func DecActiveWorkers(queue string) {
	Init()
	activeWorkers.WithLabelValues(queue).Dec()
}

// IncSubscriptions increments the open subscription gauge.
func IncSubscriptions() {
	Init()
	activeSubscriptions.Inc()
}

// DecSubscriptions decrements the open subscription gauge.
func DecSubscriptions() {
	Init()
	activeSubscriptions.Dec()
}

// ObservePoll counts one publisher read; outcome is "found", "absent" or "error".
func ObservePoll(outcome string) {
	Init()
	progressPollsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSweep adds n reclaimed records.
func ObserveSweep(n int) {
	if n <= 0 {
		return
	}
	Init()
	sweptRecordsTotal.Add(float64(n))
}
