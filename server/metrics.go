package server

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// endpointMetric is one endpoint's row in the metrics snapshot.
type endpointMetric struct {
	Count        int     `json:"count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// metricsSnapshot is the metrics block inside /manage/stats.
type metricsSnapshot struct {
	UptimeSeconds int64                     `json:"uptime_seconds"`
	TotalRequests int                       `json:"total_requests"`
	Errors        int                       `json:"errors"`
	RateLimited   int                       `json:"rate_limited"`
	Endpoints     map[string]endpointMetric `json:"endpoints"`
}

// metrics keeps request counters in two forms: a process local snapshot
// rendered inside /manage/stats and Prometheus collectors served at
// /metrics. The registry is per instance so multiple servers can exist
// in one process.
type metrics struct {
	start time.Time

	mu          sync.Mutex
	requests    map[string]int
	latencySum  map[string]float64 // seconds
	errors      int
	rateLimited int

	registry        *prometheus.Registry
	promRequests    *prometheus.CounterVec
	promLatency     *prometheus.HistogramVec
	promErrors      prometheus.Counter
	promRateLimited prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		start:      time.Now(),
		requests:   map[string]int{},
		latencySum: map[string]float64{},
		registry:   prometheus.NewRegistry(),
	}
	m.promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zimi_requests_total",
		Help: "API requests served, by endpoint.",
	}, []string{"endpoint"})
	m.promLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zimi_request_duration_seconds",
		Help:    "API request latency, by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	m.promErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zimi_request_errors_total",
		Help: "Requests that ended in an internal error.",
	})
	m.promRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zimi_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
	m.registry.MustRegister(m.promRequests, m.promLatency, m.promErrors, m.promRateLimited)
	return m
}

// Record notes one served request.
func (m *metrics) Record(endpoint string, latency time.Duration) {
	secs := latency.Seconds()
	m.mu.Lock()
	m.requests[endpoint]++
	m.latencySum[endpoint] += secs
	m.mu.Unlock()
	m.promRequests.WithLabelValues(endpoint).Inc()
	m.promLatency.WithLabelValues(endpoint).Observe(secs)
}

// RecordError notes a request that blew up with a 500.
func (m *metrics) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
	m.promErrors.Inc()
}

// RecordRateLimited notes a 429.
func (m *metrics) RecordRateLimited() {
	m.mu.Lock()
	m.rateLimited++
	m.mu.Unlock()
	m.promRateLimited.Inc()
}

// Snapshot renders the JSON metrics block.
func (m *metrics) Snapshot() metricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	endpoints := make(map[string]endpointMetric, len(m.requests))
	for ep, count := range m.requests {
		total += count
		avg := 0.0
		if count > 0 {
			avg = m.latencySum[ep] / float64(count) * 1000
		}
		endpoints[ep] = endpointMetric{Count: count, AvgLatencyMs: round1(avg)}
	}
	return metricsSnapshot{
		UptimeSeconds: int64(math.Round(time.Since(m.start).Seconds())),
		TotalRequests: total,
		Errors:        m.errors,
		RateLimited:   m.rateLimited,
		Endpoints:     endpoints,
	}
}

// Handler serves the Prometheus exposition format.
func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
