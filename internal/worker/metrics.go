package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pool's Prometheus collectors.
type Metrics struct {
	claimed   *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	reaped    prometheus.Counter
	inFlight  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maef",
			Subsystem: "jobs",
			Name:      "claimed_total",
			Help:      "Jobs claimed by this process.",
		}, []string{"kind"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maef",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Job executions recorded, by outcome and resulting status.",
		}, []string{"kind", "outcome", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maef",
			Subsystem: "jobs",
			Name:      "execution_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"kind"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "maef",
			Subsystem: "jobs",
			Name:      "reaped_total",
			Help:      "Running jobs returned to the queue after their claim expired.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "maef",
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Jobs currently executing in this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.claimed, m.completed, m.duration, m.reaped, m.inFlight)
	}
	return m
}
