// Package metrics exposes broker runtime counters, histograms, and gauges
// to Prometheus.
//
// Unlike the teacher's dual JSON-dashboard-plus-Prometheus setup, this
// package only keeps the Prometheus registry: the broker has no built-in
// dashboard UI to serve a JSON snapshot to, and SPEC_FULL.md's observability
// surface is a single `/metrics` scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultLatencyBuckets covers sub-millisecond lock contention up to a
// multi-second pathological claim-selection scan.
var defaultLatencyBuckets = []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Metrics wraps the broker's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	messagesPosted  *prometheus.CounterVec
	messagesDeleted *prometheus.CounterVec
	messagesExpired *prometheus.CounterVec
	claimsCreated   *prometheus.CounterVec
	claimsExpired   *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	backendErrors   *prometheus.CounterVec

	operationDuration  *prometheus.HistogramVec
	claimSelectLatency *prometheus.HistogramVec

	catalogueCacheSize   prometheus.Gauge
	catalogueCacheHits   prometheus.Counter
	catalogueCacheMisses prometheus.Counter
	poolHealthy          *prometheus.GaugeVec
	activeClaims         *prometheus.GaugeVec
	uptime               prometheus.GaugeFunc

	startTime time.Time
}

var global *Metrics

// Init builds and registers the broker's Prometheus collectors under the
// given namespace. Call it once at startup; until then Global() is nil and
// every Record*/Set* helper is a no-op.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		messagesPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "messages_posted_total", Help: "Total messages posted to a queue."},
			[]string{"project", "queue"},
		),
		messagesDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "messages_deleted_total", Help: "Total messages deleted (explicit or claim-ack)."},
			[]string{"project", "queue"},
		),
		messagesExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "messages_expired_total", Help: "Total messages reaped by TTL expiry."},
			[]string{"project", "queue"},
		),
		claimsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "claims_created_total", Help: "Total claims created."},
			[]string{"project", "queue"},
		),
		claimsExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "claims_expired_total", Help: "Total claims that expired without being deleted."},
			[]string{"project", "queue"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "requests_total", Help: "Total API requests by operation and outcome."},
			[]string{"operation", "status"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "backend_errors_total", Help: "Total storage backend errors by pool and kind."},
			[]string{"pool", "kind"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "operation_duration_milliseconds", Help: "Duration of broker operations in milliseconds.", Buckets: defaultLatencyBuckets},
			[]string{"operation"},
		),
		claimSelectLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "claim_select_duration_milliseconds", Help: "Duration of the claim message-selection step in milliseconds.", Buckets: defaultLatencyBuckets},
			[]string{"pool_kind"},
		),

		catalogueCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "catalogue_cache_size", Help: "Current number of entries held in the catalogue cache."},
		),
		catalogueCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "catalogue_cache_hits_total", Help: "Total catalogue cache hits."},
		),
		catalogueCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "catalogue_cache_misses_total", Help: "Total catalogue cache misses."},
		),
		poolHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "pool_healthy", Help: "Pool health as observed by the last Ping (1=healthy, 0=unhealthy)."},
			[]string{"pool"},
		),
		activeClaims: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "active_claims", Help: "Current number of live (unexpired, undeleted) claims by queue."},
			[]string{"project", "queue"},
		),
	}

	m.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Time since the broker process started."},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	registry.MustRegister(
		m.messagesPosted, m.messagesDeleted, m.messagesExpired,
		m.claimsCreated, m.claimsExpired, m.requestsTotal, m.backendErrors,
		m.operationDuration, m.claimSelectLatency,
		m.catalogueCacheSize, m.catalogueCacheHits, m.catalogueCacheMisses,
		m.poolHealthy, m.activeClaims, m.uptime,
	)

	global = m
	return m
}

// Global returns the metrics instance set up by Init, or nil if Init was
// never called (tests that don't exercise metrics leave this nil; every
// Record*/Set* helper below tolerates that).
func Global() *Metrics {
	return global
}

// StartTime returns when Init was called.
func StartTime() time.Time {
	if global == nil {
		return time.Time{}
	}
	return global.startTime
}

func (m *Metrics) RecordMessagesPosted(project, queue string, n int) {
	if m == nil {
		return
	}
	m.messagesPosted.WithLabelValues(project, queue).Add(float64(n))
}

func (m *Metrics) RecordMessagesDeleted(project, queue string, n int) {
	if m == nil {
		return
	}
	m.messagesDeleted.WithLabelValues(project, queue).Add(float64(n))
}

func (m *Metrics) RecordMessagesExpired(project, queue string, n int) {
	if m == nil {
		return
	}
	m.messagesExpired.WithLabelValues(project, queue).Add(float64(n))
}

func (m *Metrics) RecordClaimCreated(project, queue string) {
	if m == nil {
		return
	}
	m.claimsCreated.WithLabelValues(project, queue).Inc()
	m.activeClaims.WithLabelValues(project, queue).Inc()
}

func (m *Metrics) RecordClaimResolved(project, queue string, expired bool) {
	if m == nil {
		return
	}
	m.activeClaims.WithLabelValues(project, queue).Dec()
	if expired {
		m.claimsExpired.WithLabelValues(project, queue).Inc()
	}
}

func (m *Metrics) RecordRequest(operation string, success bool, durationMs int64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(float64(durationMs))
}

func (m *Metrics) RecordBackendError(pool, kind string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(pool, kind).Inc()
}

func (m *Metrics) RecordClaimSelectLatency(poolKind string, durationMs float64) {
	if m == nil {
		return
	}
	m.claimSelectLatency.WithLabelValues(poolKind).Observe(durationMs)
}

func (m *Metrics) SetCatalogueCacheSize(n int) {
	if m == nil {
		return
	}
	m.catalogueCacheSize.Set(float64(n))
}

func (m *Metrics) RecordCatalogueCacheHit() {
	if m == nil {
		return
	}
	m.catalogueCacheHits.Inc()
}

func (m *Metrics) RecordCatalogueCacheMiss() {
	if m == nil {
		return
	}
	m.catalogueCacheMisses.Inc()
}

func (m *Metrics) SetPoolHealthy(poolID string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.poolHealthy.WithLabelValues(poolID).Set(v)
}

// Handler returns an HTTP handler exposing the registry in Prometheus
// exposition format, the broker's GET /metrics route.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for tests or custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
