package janitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the janitor.
type Metrics struct {
	Sweeps           prometheus.Counter
	RunDirsRemoved   prometheus.Counter
	ApprovalsExpired prometheus.Counter
	SweepDuration    prometheus.Histogram
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fngate",
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Total janitor sweeps.",
		}),
		RunDirsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fngate",
			Subsystem: "janitor",
			Name:      "run_dirs_removed_total",
			Help:      "Total orphaned run directories removed.",
		}),
		ApprovalsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fngate",
			Subsystem: "janitor",
			Name:      "approvals_expired_total",
			Help:      "Total pending approvals expired by the janitor.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fngate",
			Subsystem: "janitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a janitor sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Sweeps, m.RunDirsRemoved, m.ApprovalsExpired, m.SweepDuration)
	return m
}
