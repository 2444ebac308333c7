package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts synchronizer outcomes.
type Metrics struct {
	steps *prometheus.CounterVec
	stale prometheus.Counter
}

// NewMetrics registers the synchronizer collectors on reg. A nil registerer
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_session_sync_steps_total",
		Help: "Token exchange and profile fetch results by step and outcome.",
	}, []string{"step", "outcome"})
	stale := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_session_sync_stale_total",
		Help: "Synchronization results discarded because a newer identity change superseded them.",
	})
	if reg != nil {
		reg.MustRegister(steps, stale)
	}
	return &Metrics{steps: steps, stale: stale}
}

func (m *Metrics) step(step string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.steps.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) discarded() {
	if m == nil {
		return
	}
	m.stale.Inc()
}
