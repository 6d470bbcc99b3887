package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for worker agents and pools.
type Metrics struct {
	Invocations *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	QueueDepth  *prometheus.GaugeVec
	Busy        *prometheus.GaugeVec
}

// NewMetrics creates and registers worker metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "worker",
			Name:      "invocations_total",
			Help:      "Tool invocations by domain, tool and result.",
		}, []string{"domain", "tool", "result"}),

		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kaliagents",
			Subsystem: "worker",
			Name:      "invocation_duration_seconds",
			Help:      "Tool invocation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"domain", "tool"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kaliagents",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Assignments waiting in each domain pool.",
		}, []string{"domain"}),

		Busy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kaliagents",
			Subsystem: "worker",
			Name:      "busy",
			Help:      "Workers currently executing a task, per domain.",
		}, []string{"domain"}),
	}

	reg.MustRegister(m.Invocations, m.Duration, m.QueueDepth, m.Busy)
	return m
}
