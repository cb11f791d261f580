// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ontology-platform/request-control/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Request-control runtime metrics
	RateLimitDecisionsTotal   *prometheus.CounterVec
	CircuitBreakerTransitions *prometheus.CounterVec
	DLQDepth                  *prometheus.GaugeVec
	DiscoverySelectionsTotal  *prometheus.CounterVec
	CacheResultsTotal         *prometheus.CounterVec
	HealthChecksTotal         *prometheus.CounterVec
	ComponentHealthStatus     *prometheus.GaugeVec

	// Store metrics (shared KV store backing rate limiting, DLQ, discovery, cache)
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreConnectionsOpen   prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Request-control runtime metrics
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_decisions_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"service", "scope", "result"},
		),
		CircuitBreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"service", "target", "from", "to"},
		),
		DLQDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dlq_depth",
				Help: "Current number of messages held in the dead-letter queue",
			},
			[]string{"service", "queue"},
		),
		DiscoverySelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_selections_total",
				Help: "Total number of load balancer instance selections",
			},
			[]string{"service", "target_service", "strategy"},
		),
		CacheResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_results_total",
				Help: "Total number of cache lookups by tier and result",
			},
			[]string{"service", "tier", "result"},
		),

		HealthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "health_checks_total",
				Help: "Total number of health probe executions by component, check, and status",
			},
			[]string{"service", "check", "status"},
		),
		ComponentHealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "component_health_status",
				Help: "Current rolled-up health status per component (0=unhealthy, 1=degraded, 2=unknown, 3=healthy)",
			},
			[]string{"service", "component"},
		),

		// Store metrics
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of shared KV store operations",
			},
			[]string{"service", "operation", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Shared KV store operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		StoreConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "store_connections_open",
				Help: "Current number of open connections to the shared KV store",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.RateLimitDecisionsTotal,
			m.CircuitBreakerTransitions,
			m.DLQDepth,
			m.DiscoverySelectionsTotal,
			m.CacheResultsTotal,
			m.HealthChecksTotal,
			m.ComponentHealthStatus,
			m.StoreOperationsTotal,
			m.StoreOperationDuration,
			m.StoreConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordRateLimitDecision records a rate limiter allow/deny decision.
func (m *Metrics) RecordRateLimitDecision(service, scope, result string) {
	m.RateLimitDecisionsTotal.WithLabelValues(service, scope, result).Inc()
}

// RecordCircuitBreakerTransition records a circuit breaker state transition.
func (m *Metrics) RecordCircuitBreakerTransition(service, target, from, to string) {
	m.CircuitBreakerTransitions.WithLabelValues(service, target, from, to).Inc()
}

// SetDLQDepth sets the current dead-letter queue depth for a queue.
func (m *Metrics) SetDLQDepth(service, queue string, depth int) {
	m.DLQDepth.WithLabelValues(service, queue).Set(float64(depth))
}

// RecordDiscoverySelection records a load balancer instance selection.
func (m *Metrics) RecordDiscoverySelection(service, targetService, strategy string) {
	m.DiscoverySelectionsTotal.WithLabelValues(service, targetService, strategy).Inc()
}

// RecordCacheResult records a cache lookup result for a given tier.
func (m *Metrics) RecordCacheResult(service, tier, result string) {
	m.CacheResultsTotal.WithLabelValues(service, tier, result).Inc()
}

// RecordHealthCheck records one probe execution's outcome.
func (m *Metrics) RecordHealthCheck(service, check, status string) {
	m.HealthChecksTotal.WithLabelValues(service, check, status).Inc()
}

// SetComponentHealthStatus publishes a component's rolled-up status as a
// numeric gauge (worse statuses get lower values, matching the rollup's
// own ordering) so dashboards can alert on a drop without parsing labels.
func (m *Metrics) SetComponentHealthStatus(service, component, status string) {
	var value float64
	switch status {
	case "healthy":
		value = 3
	case "unknown":
		value = 2
	case "degraded":
		value = 1
	case "unhealthy":
		value = 0
	}
	m.ComponentHealthStatus.WithLabelValues(service, component).Set(value)
}

// RecordStoreOperation records a shared KV store operation.
func (m *Metrics) RecordStoreOperation(service, operation, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(service, operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetStoreConnections sets the number of open connections to the shared KV store.
func (m *Metrics) SetStoreConnections(count int) {
	m.StoreConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
