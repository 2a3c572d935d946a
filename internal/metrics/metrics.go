// Package metrics exposes Prometheus collectors for the ingest service.
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
	sourceRequestsTotal          *prometheus.CounterVec
	sourceRequestDurationSeconds prometheus.Histogram
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sourceRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_source_requests_total",
				Help: "Requests made to the item API, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		sourceRequestDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_source_request_duration_seconds",
				Help:    "Latency of item API requests.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
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

// SourceOutcome maps an item API status code to a metric label. A zero code
// means the request never produced a response.
func SourceOutcome(code int) string {
	switch {
	case code == 0:
		return "transport_error"
	case code == http.StatusOK:
		return "found"
	case code == http.StatusNotFound:
		return "not_found"
	default:
		return "unexpected_" + strconv.Itoa(code)
	}
}

// ObserveSourceRequest records one item API request.
func ObserveSourceRequest(code int, duration time.Duration) {
	Init()
	sourceRequestsTotal.WithLabelValues(SourceOutcome(code)).Inc()
	sourceRequestDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
