package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.NoteAppend("canary_applied")
	m.NoteAppend("canary_applied")
	m.NoteAppend("canary_committed")
	m.NoteApply()
	m.NoteRollback()
	m.NotePromotion()
	m.NoteVeto("rollback_rate")
	m.SetBudgets(3, 1.5, 2)

	if got := testutil.ToFloat64(m.LedgerAppends.WithLabelValues("canary_applied")); got != 2 {
		t.Errorf("appends[canary_applied] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Rollbacks); got != 1 {
		t.Errorf("rollbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Vetoes.WithLabelValues("rollback_rate")); got != 1 {
		t.Errorf("vetoes[rollback_rate] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CanaryBudget); got != 3 {
		t.Errorf("canary budget = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RiskBudget); got != 1.5 {
		t.Errorf("risk budget = %v, want 1.5", got)
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.NoteAppend("x")
	m.NoteApply()
	m.NoteRollback()
	m.NotePromotion()
	m.NoteVeto("y")
	m.SetBudgets(0, 0, 0)
}
