package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for fngate.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge

	// Policy metrics.
	AuthorizationsTotal *prometheus.CounterVec
	ConfirmationsTotal  *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fngate",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed function runs by mode, backend and outcome kind.",
		}, []string{"mode", "backend", "kind"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fngate",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed function run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"mode", "backend"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fngate",
			Subsystem: "sandbox",
			Name:      "active_executions",
			Help:      "Number of child processes currently running.",
		}),

		AuthorizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fngate",
			Subsystem: "policy",
			Name:      "authorizations_total",
			Help:      "Total permission decisions by level and outcome.",
		}, []string{"level", "outcome"}),

		ConfirmationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fngate",
			Subsystem: "policy",
			Name:      "confirmations_total",
			Help:      "Total confirmation requests by outcome.",
		}, []string{"outcome"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fngate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fngate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fngate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.AuthorizationsTotal,
		m.ConfirmationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
