package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tuneplane/internal/baseline"
	"tuneplane/internal/canary"
	"tuneplane/internal/effects"
	"tuneplane/internal/format"
	"tuneplane/internal/gating"
	"tuneplane/internal/ledger"
	"tuneplane/internal/promote"
	"tuneplane/internal/telemetry"
)

var promoteFlags struct {
	approve    []string
	all        bool
	envelopes  []string
	metrics    string
	statePath  string
	window     int
	metricsOut string
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Execute approved promotion proposals as budgeted canaries",
	Long: "Re-runs the scanner, then drives each approved proposal through a\n" +
		"promotion canary under the configured budgets. Committed promotions\n" +
		"land in the policy store; rollbacks revoke any standing promotion for\n" +
		"the same knob. Approval is explicit: pass --approve per proposal hash,\n" +
		"or --all.",
	RunE: runPromote,
}

func init() {
	f := promoteCmd.Flags()
	f.StringSliceVar(&promoteFlags.approve, "approve", nil, "Proposal hash to approve (repeatable)")
	f.BoolVar(&promoteFlags.all, "all", false, "Approve every scanned proposal")
	f.StringSliceVar(&promoteFlags.envelopes, "envelope", nil, "Envelope file (repeatable, required)")
	f.StringVar(&promoteFlags.metrics, "metrics", "", "Metrics snapshot JSON file observed during the canary (required)")
	f.StringVar(&promoteFlags.statePath, "state", "modules.json", "Module assignment state file")
	f.IntVar(&promoteFlags.window, "window", 0, "Ledger tail entries to aggregate (0 = all)")
	f.StringVar(&promoteFlags.metricsOut, "metrics-out", "", "Write plane metrics in Prometheus text format to this file")

	_ = promoteCmd.MarkFlagRequired("envelope")
	_ = promoteCmd.MarkFlagRequired("metrics")
}

// stateApplier persists applied assignments to a flat JSON file, one
// object per module. It stands in for the embedding runtime's live
// module registry.
type stateApplier struct {
	path  string
	state map[string]map[string]any
}

func loadStateApplier(path string) (*stateApplier, error) {
	a := &stateApplier{path: path, state: map[string]map[string]any{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &a.state); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return a, nil
}

func (a *stateApplier) Apply(moduleID string, assignments map[string]any) error {
	m := a.state[moduleID]
	if m == nil {
		m = map[string]any{}
		a.state[moduleID] = m
	}
	for k, v := range assignments {
		m[k] = v
	}
	return nil
}

func (a *stateApplier) prior(moduleID string) map[string]any {
	out := map[string]any{}
	for k, v := range a.state[moduleID] {
		out[k] = v
	}
	return out
}

func (a *stateApplier) save() error {
	data, err := json.MarshalIndent(a.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.WriteFile(a.path, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func runPromote(cmd *cobra.Command, _ []string) error {
	if !promoteFlags.all && len(promoteFlags.approve) == 0 {
		return fmt.Errorf("nothing approved: pass --approve or --all")
	}

	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}
	envs, err := loadEnvelopes(promoteFlags.envelopes)
	if err != nil {
		return err
	}
	snap, err := readSnapshot(promoteFlags.metrics)
	if err != nil {
		return err
	}
	observed := floatMetrics(snap)
	sig := baseline.Compute(snap)

	led := ledger.Open(cfg.Paths.Ledger)
	eff := effects.Load(cfg.Paths.Effects)
	pol := promote.LoadPolicy(cfg.Paths.Policy)

	tail, err := led.ReadTail(promoteFlags.window)
	if err != nil {
		return err
	}
	proposals, err := promote.Scan(tail, eff, cfg.ScanConfig())
	if err != nil {
		return err
	}

	applier, err := loadStateApplier(promoteFlags.statePath)
	if err != nil {
		return err
	}
	snapshotFn := func(context.Context) (map[string]float64, error) { return observed, nil }

	ctrl := canary.NewController(cfg.CapabilitySet(), gating.NewStabilization(), eff, led, applier, snapshotFn)
	x := &promote.Executor{Policy: pol, Ledger: led, Canary: ctrl}
	budget := cfg.Budget()

	approved := map[string]bool{}
	for _, h := range promoteFlags.approve {
		approved[h] = true
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	tb := format.NewTable(tableMode())
	tb.Header("module", "knob", "value", "outcome")
	for _, p := range proposals {
		env, ok := envelopeFor(envs, p.ModuleID)
		if !ok {
			tb.Row(p.ModuleID, p.Knob, p.ValueStr, "skipped: no envelope")
			continue
		}

		res, err := x.Execute(cmd.Context(), p, promoteFlags.all || approved[p.ProposalHash], env, applier.prior(p.ModuleID), sig, &budget, cfg.ExecConfig())
		if err != nil {
			return err
		}

		switch {
		case res.Committed:
			metrics.NotePromotion()
			metrics.NoteApply()
			tb.Row(p.ModuleID, p.Knob, p.ValueStr, "promoted")
		case res.RolledBack:
			metrics.NoteRollback()
			tb.Row(p.ModuleID, p.Knob, p.ValueStr, "rolled back")
		default:
			metrics.NoteVeto(res.SkipReason)
			tb.Row(p.ModuleID, p.Knob, p.ValueStr, "skipped: "+res.SkipReason)
		}
	}
	metrics.SetBudgets(budget.CanaryRemaining, budget.RiskUnitsRemaining, budget.GlobalActivePerturbations)

	if err := eff.Save(); err != nil {
		return err
	}
	if err := pol.Save(); err != nil {
		return err
	}
	if err := applier.save(); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), tb.String())
	return writeMetricsFile(reg, promoteFlags.metricsOut)
}
