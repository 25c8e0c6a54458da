package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide collectors. A nil *Metrics is a valid no-op
// receiver so components can be wired without observability in tests.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsLeftEarly prometheus.Counter
	SessionsAbandoned prometheus.Counter
	Extensions        prometheus.Counter
	Evictions         prometheus.Counter
	QueueDepth        prometheus.Gauge
	DueDispatches     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarden_sessions_created_total",
			Help: "Sessions created from task declarations.",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarden_sessions_completed_total",
			Help: "Sessions resolved with a yes verdict.",
		}),
		SessionsLeftEarly: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarden_sessions_left_early_total",
			Help: "Sessions whose user left the chat before the due time.",
		}),
		SessionsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarden_sessions_abandoned_total",
			Help: "Sessions abandoned through absence or non-response.",
		}),
		Extensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarden_extensions_total",
			Help: "Accepted extension selections.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarden_evictions_total",
			Help: "Eviction attempts (best-effort removals).",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskwarden_queue_depth",
			Help: "Entries currently in the due-time queue.",
		}),
		DueDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwarden_due_dispatches_total",
			Help: "Due entries handed to the verdict flow.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsCreated, m.SessionsCompleted, m.SessionsLeftEarly,
			m.SessionsAbandoned, m.Extensions, m.Evictions,
			m.QueueDepth, m.DueDispatches,
		)
	}
	return m
}

func (m *Metrics) IncCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

func (m *Metrics) IncCompleted() {
	if m != nil {
		m.SessionsCompleted.Inc()
	}
}

func (m *Metrics) IncLeftEarly() {
	if m != nil {
		m.SessionsLeftEarly.Inc()
	}
}

func (m *Metrics) IncAbandoned() {
	if m != nil {
		m.SessionsAbandoned.Inc()
	}
}

func (m *Metrics) IncExtensions() {
	if m != nil {
		m.Extensions.Inc()
	}
}

func (m *Metrics) IncEvictions() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) IncDueDispatches() {
	if m != nil {
		m.DueDispatches.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}
