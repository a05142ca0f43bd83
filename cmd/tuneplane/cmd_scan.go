package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tuneplane/internal/effects"
	"tuneplane/internal/format"
	"tuneplane/internal/ledger"
	"tuneplane/internal/promote"
)

var scanFlags struct {
	window  int
	jsonOut bool
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan ledger and effect history for promotion candidates",
	Long: "Nominates, per (module, knob, baseline), the best candidate value\n" +
		"passing the statistical gates: enough samples, a large enough effect,\n" +
		"a high enough z-score, and a low enough rollback rate. The scanner\n" +
		"only nominates; approval and execution happen in 'promote'.",
	RunE: runScan,
}

func init() {
	f := scanCmd.Flags()
	f.IntVar(&scanFlags.window, "window", 0, "Ledger tail entries to aggregate (0 = all)")
	f.BoolVar(&scanFlags.jsonOut, "json", false, "Print proposals as JSON")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}

	tail, err := ledger.Open(cfg.Paths.Ledger).ReadTail(scanFlags.window)
	if err != nil {
		return err
	}
	eff := effects.Load(cfg.Paths.Effects)

	proposals, err := promote.Scan(tail, eff, cfg.ScanConfig())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if scanFlags.jsonOut {
		data, err := json.MarshalIndent(proposals, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(proposals) == 0 {
		fmt.Fprintln(out, "No candidates pass the gates.")
		return nil
	}

	tb := format.NewTable(tableMode())
	tb.Header("module", "knob", "value", "baseline", "n", "mean", "z", "rollbacks", "proposal")
	tb.Columns(
		format.ColumnConfig{Number: 5, Align: format.AlignRight},
		format.ColumnConfig{Number: 6, Align: format.AlignRight},
		format.ColumnConfig{Number: 7, Align: format.AlignRight},
		format.ColumnConfig{Number: 8, Align: format.AlignRight},
	)
	for _, p := range proposals {
		tb.Row(
			p.ModuleID, p.Knob, p.ValueStr, p.BaselineKey,
			p.N, format.FmtDelta(p.Mean), format.FmtZ(p.Z),
			format.FmtRate(p.RollbackRate), format.Truncate(p.ProposalHash, 12),
		)
	}
	fmt.Fprintln(out, tb.String())
	return nil
}
