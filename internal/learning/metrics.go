package learning

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the learning store.
// All metrics use the kaliagents_learning_ namespace.
type Metrics struct {
	Effectiveness *prometheus.GaugeVec
	Outcomes      *prometheus.CounterVec
	PersistErrors prometheus.Counter
}

// NewMetrics creates and registers learning metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Effectiveness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kaliagents",
			Subsystem: "learning",
			Name:      "effectiveness",
			Help:      "Current effectiveness estimate by domain, tool and target state.",
		}, []string{"domain", "tool", "target_state"}),

		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "learning",
			Name:      "outcomes_total",
			Help:      "Total recorded task outcomes by domain, tool and result.",
		}, []string{"domain", "tool", "result"}),

		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaliagents",
			Subsystem: "learning",
			Name:      "persist_errors_total",
			Help:      "Total failures saving learning records.",
		}),
	}

	reg.MustRegister(m.Effectiveness, m.Outcomes, m.PersistErrors)
	return m
}

func (m *Metrics) observe(rec Record, success bool) {
	m.Effectiveness.WithLabelValues(rec.Key.Domain, rec.Key.ToolID, rec.Key.TargetState).Set(rec.Effectiveness)
	result := "failure"
	if success {
		result = "success"
	}
	m.Outcomes.WithLabelValues(rec.Key.Domain, rec.Key.ToolID, result).Inc()
}
