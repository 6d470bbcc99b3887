package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the supervisor.
// All metrics use the kaliagents_assessment_ namespace.
type Metrics struct {
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	TasksTotal      *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	ReplansTotal    prometheus.Counter
	FindingsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers supervisor metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "assessment",
			Name:      "sessions_total",
			Help:      "Total assessment sessions by final status.",
		}, []string{"status"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kaliagents",
			Subsystem: "assessment",
			Name:      "session_duration_seconds",
			Help:      "Assessment session duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 3600},
		}, []string{"status"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kaliagents",
			Subsystem: "assessment",
			Name:      "active_sessions",
			Help:      "Number of running assessment sessions.",
		}),

		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "assessment",
			Name:      "tasks_total",
			Help:      "Total tasks by domain and terminal state.",
		}, []string{"domain", "state"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "assessment",
			Name:      "retries_total",
			Help:      "Task retries scheduled by domain.",
		}, []string{"domain"}),

		ReplansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "assessment",
			Name:      "replans_total",
			Help:      "Re-planning rounds that produced follow-up tasks.",
		}),

		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "assessment",
			Name:      "findings_total",
			Help:      "Scored findings by priority band.",
		}, []string{"band"}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.ActiveSessions,
		m.TasksTotal,
		m.RetriesTotal,
		m.ReplansTotal,
		m.FindingsTotal,
	)

	return m
}
