package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the assessment scheduler.
type Metrics struct {
	JobsFired     prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	ReportsPruned prometheus.Counter
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total scheduled assessments fired.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Scheduled assessments accepted by the engine.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Scheduled assessments the engine rejected.",
		}),
		ReportsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "scheduler",
			Name:      "reports_pruned_total",
			Help:      "Assessment reports deleted by the retention job.",
		}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.ReportsPruned,
	)

	return m
}
