// Package telemetry exposes plane counters and budget gauges. It is
// read-only observability: nothing in the control path depends on it,
// and a nil *Metrics is safe to call everywhere.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the plane's instruments, registered on a caller-supplied
// registry.
type Metrics struct {
	LedgerAppends *prometheus.CounterVec
	Applies       prometheus.Counter
	Rollbacks     prometheus.Counter
	Promotions    prometheus.Counter
	Vetoes        *prometheus.CounterVec

	CanaryBudget        prometheus.Gauge
	RiskBudget          prometheus.Gauge
	ActivePerturbations prometheus.Gauge
}

// New registers the plane instruments on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LedgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuneplane",
			Name:      "ledger_appends_total",
			Help:      "Ledger entries appended, by entry type.",
		}, []string{"type"}),
		Applies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuneplane",
			Name:      "applies_total",
			Help:      "Knob assignments applied to live modules.",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuneplane",
			Name:      "rollbacks_total",
			Help:      "Canary rollbacks.",
		}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuneplane",
			Name:      "promotions_total",
			Help:      "Committed promotions.",
		}),
		Vetoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuneplane",
			Name:      "vetoes_total",
			Help:      "Candidates vetoed by governance, by reason.",
		}, []string{"reason"}),
		CanaryBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuneplane",
			Name:      "canary_budget_remaining",
			Help:      "Promotion canaries remaining in the current window.",
		}),
		RiskBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuneplane",
			Name:      "risk_units_remaining",
			Help:      "Risk units remaining in the current window.",
		}),
		ActivePerturbations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuneplane",
			Name:      "active_perturbations",
			Help:      "Perturbations currently in flight.",
		}),
	}

	reg.MustRegister(
		m.LedgerAppends, m.Applies, m.Rollbacks, m.Promotions, m.Vetoes,
		m.CanaryBudget, m.RiskBudget, m.ActivePerturbations,
	)
	return m
}

// NoteAppend counts one ledger append.
func (m *Metrics) NoteAppend(entryType string) {
	if m == nil {
		return
	}
	m.LedgerAppends.WithLabelValues(entryType).Inc()
}

// NoteApply counts one applied assignment set.
func (m *Metrics) NoteApply() {
	if m == nil {
		return
	}
	m.Applies.Inc()
}

// NoteRollback counts one rollback.
func (m *Metrics) NoteRollback() {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
}

// NotePromotion counts one committed promotion.
func (m *Metrics) NotePromotion() {
	if m == nil {
		return
	}
	m.Promotions.Inc()
}

// NoteVeto counts one governance veto.
func (m *Metrics) NoteVeto(reason string) {
	if m == nil {
		return
	}
	m.Vetoes.WithLabelValues(reason).Inc()
}

// SetBudgets mirrors the current budget state onto the gauges.
func (m *Metrics) SetBudgets(canaryRemaining int, riskUnits float64, activePerturbations int) {
	if m == nil {
		return
	}
	m.CanaryBudget.Set(float64(canaryRemaining))
	m.RiskBudget.Set(riskUnits)
	m.ActivePerturbations.Set(float64(activePerturbations))
}
