package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the reflex layer. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	StageDuration   *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Detection metrics
	Detections *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec
	CacheWrites  *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitRejections *prometheus.CounterVec
	RateLimitDegraded   *prometheus.CounterVec

	// Store metrics
	StoreErrors *prometheus.CounterVec

	// Event metrics
	WebSocketClients prometheus.Gauge
	AuditDropped     prometheus.Counter
}

// NewMetrics registers every collector with registry. A nil registry uses a
// fresh one so tests and multiple instances never collide.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	factory := promauto.With(registry)

	return &Metrics{
		gatherer: registry,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflex_requests_total",
				Help: "Processed requests by outcome",
			},
			[]string{"outcome"},
		),

		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reflex_request_duration_seconds",
				Help:    "End-to-end pipeline duration in seconds",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reflex_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1},
			},
			[]string{"stage"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflex_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reflex_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reflex_http_requests_in_flight",
				Help: "Number of HTTP requests currently being served",
			},
		),

		Detections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflex_detections_total",
				Help: "Detections by detector and category",
			},
			[]string{"detector", "category"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflex_cache_lookups_total",
				Help: "Verdict cache lookups by result (hit, miss, error)",
			},
			[]string{"result"},
		),

		CacheWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflex_cache_writes_total",
				Help: "Verdict cache writes by TTL tier",
			},
			[]string{"tier"},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflex_rate_limit_rejections_total",
				Help: "Rate limit rejections by dimension",
			},
			[]string{"dimension"},
		),

		RateLimitDegraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflex_rate_limit_degraded_total",
				Help: "Rate limit decisions made without the store, by fail policy",
			},
			[]string{"policy"},
		),

		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflex_store_errors_total",
				Help: "Shared store errors by component",
			},
			[]string{"component"},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reflex_websocket_clients",
				Help: "Connected event stream clients",
			},
		),

		AuditDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reflex_audit_dropped_total",
				Help: "Audit records dropped because the queue was full",
			},
		),
	}
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRequest records one pipeline outcome and its duration
func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(duration.Seconds())
}

// RecordStage records the duration of one pipeline stage
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordHTTP records one served HTTP request
func (m *Metrics) RecordHTTP(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// InFlight adjusts the in-flight gauge by delta
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.RequestsInFlight.Add(delta)
}

// RecordDetection counts one match of a detector
func (m *Metrics) RecordDetection(detector, category string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(detector, category).Inc()
}

// RecordCacheLookup counts a cache hit, miss or error
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheWrite counts a cache write under its TTL tier
func (m *Metrics) RecordCacheWrite(tier string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(tier).Inc()
}

// RecordRateLimited counts a rejection in dimension
func (m *Metrics) RecordRateLimited(dimension string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(dimension).Inc()
}

// RecordRateLimitDegraded counts a decision taken under the fail policy
func (m *Metrics) RecordRateLimitDegraded(policy string) {
	if m == nil {
		return
	}
	m.RateLimitDegraded.WithLabelValues(policy).Inc()
}

// RecordStoreError counts a store failure seen by component
func (m *Metrics) RecordStoreError(component string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(component).Inc()
}

// SetWebSocketClients sets the connected client gauge
func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Set(float64(n))
}

// RecordAuditDropped counts an audit record lost to a full queue
func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
