package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tuneplane/internal/effects"
	"tuneplane/internal/envelope"
	"tuneplane/internal/format"
	"tuneplane/internal/gating"
	"tuneplane/internal/ledger"
	"tuneplane/internal/promote"
	"tuneplane/internal/router"
	"tuneplane/internal/telemetry"
)

var cycleFlags struct {
	metricsPath string
	prevPath    string
	envelopes   []string
	cycleID     string
	jsonOut     bool
	metricsOut  string
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one control-loop cycle and emit the sealed bundle",
	Long: "Buckets the current metrics snapshot, checks drift against the\n" +
		"previous one, runs the portfolio optimizer per module under the shared\n" +
		"change budget, proposes shadow experiments, and seals the result into\n" +
		"a hash-locked bundle recorded on the ledger.",
	RunE: runCycle,
}

func init() {
	f := cycleCmd.Flags()
	f.StringVar(&cycleFlags.metricsPath, "metrics", "", "Current metrics snapshot JSON file (required)")
	f.StringVar(&cycleFlags.prevPath, "prev", "", "Previous metrics snapshot JSON file (drift reads zero when omitted)")
	f.StringSliceVar(&cycleFlags.envelopes, "envelope", nil, "Envelope file (repeatable, required)")
	f.StringVar(&cycleFlags.cycleID, "cycle-id", "", "Cycle ID (random when omitted)")
	f.BoolVar(&cycleFlags.jsonOut, "json", false, "Print the full bundle as JSON")
	f.StringVar(&cycleFlags.metricsOut, "metrics-out", "", "Write plane metrics in Prometheus text format to this file")

	_ = cycleCmd.MarkFlagRequired("metrics")
	_ = cycleCmd.MarkFlagRequired("envelope")
}

func runCycle(cmd *cobra.Command, _ []string) error {
	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}
	envs, err := loadEnvelopes(cycleFlags.envelopes)
	if err != nil {
		return err
	}
	cur, err := readSnapshot(cycleFlags.metricsPath)
	if err != nil {
		return err
	}
	var prev map[string]any
	if cycleFlags.prevPath != "" {
		if prev, err = readSnapshot(cycleFlags.prevPath); err != nil {
			return err
		}
	}

	cycleID := cycleFlags.cycleID
	if cycleID == "" {
		cycleID = uuid.NewString()
	}

	led := ledger.Open(cfg.Paths.Ledger)
	eff := effects.Load(cfg.Paths.Effects)
	cool := gating.LoadCooldowns(cfg.Paths.Cooldowns)
	pol := promote.LoadPolicy(cfg.Paths.Policy)
	safe := promote.LoadSafeSet(cfg.Paths.SafeSet)

	nowIdx, err := led.NextIdx()
	if err != nil {
		return err
	}

	overlay := promote.NewOverlay(pol)
	b := router.NewBuilder(eff, cool, gating.NewStabilization(), led)
	b.Bias = overlay
	b.Defaults = overlay
	b.Filter = &promote.SafeSetFilter{Set: safe, NowIdx: nowIdx}

	bundle, err := b.BuildBundle(cmd.Context(), cycleID, envs, prev, cur, cfg.RouterConfig())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	if _, err := led.Append("cycle_bundle", map[string]any{
		"bundle_hash": bundle.BundleHash,
		"baseline":    bundle.BaselineKey,
		"drift_state": bundle.DriftState,
	}, map[string]any{
		"cycle_id": cycleID,
		"run_id":   uuid.NewString(),
	}); err != nil {
		return err
	}
	metrics.NoteAppend("cycle_bundle")

	out := cmd.OutOrStdout()
	if cycleFlags.jsonOut {
		data, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return writeMetricsFile(reg, cycleFlags.metricsOut)
	}

	fmt.Fprintf(out, "Cycle:    %s\n", cycleID)
	fmt.Fprintf(out, "Baseline: %s\n", bundle.BaselineKey)
	fmt.Fprintf(out, "Drift:    %.4f (%s)\n", bundle.Drift, bundle.DriftState)
	fmt.Fprintf(out, "Bundle:   %s\n\n", bundle.BundleHash)

	printBundle(cmd, bundle, envs)
	return writeMetricsFile(reg, cycleFlags.metricsOut)
}

func printBundle(cmd *cobra.Command, bundle *router.Bundle, envs []*envelope.Envelope) {
	out := cmd.OutOrStdout()

	tb := format.NewTable(tableMode())
	tb.Header("module", "knob", "hot", "decision", "value / reason")
	for _, env := range envs {
		res, ok := bundle.Modules[env.ModuleID]
		if !ok {
			continue
		}
		for _, knob := range env.KnobNames() {
			hot := format.BoolMark(env.Knobs[knob].HotApply)
			switch {
			case res.Assignments[knob] != nil:
				tb.Row(env.ModuleID, knob, hot, "apply", envelope.ValueString(res.Assignments[knob]))
			case res.ShadowOnly[knob] != nil:
				tb.Row(env.ModuleID, knob, hot, "shadow", envelope.ValueString(res.ShadowOnly[knob]))
			case res.Excluded[knob] != "":
				tb.Row(env.ModuleID, knob, hot, "excluded", res.Excluded[knob])
			}
		}
	}
	fmt.Fprintln(out, tb.String())

	if len(bundle.Experiments) > 0 {
		te := format.NewTable(tableMode())
		te.Header("module", "knob", "experiment value")
		for _, ex := range bundle.Experiments {
			te.Row(ex.ModuleID, ex.Knob, ex.ValueStr)
		}
		fmt.Fprintln(out, te.String())
	}
}
