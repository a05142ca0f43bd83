package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tuneplane/internal/format"
	"tuneplane/internal/gating"
	"tuneplane/internal/ledger"
	"tuneplane/internal/promote"
)

var cooldownCmd = &cobra.Command{
	Use:   "cooldown",
	Short: "Scan for flaky values and inspect active cooldowns",
}

var cooldownScanFlags struct {
	window int
}

var cooldownScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Cool down values whose rollback rate exceeds the cap",
	RunE:  runCooldownScan,
}

var cooldownShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show stored cooldown entries",
	RunE:  runCooldownShow,
}

func init() {
	cooldownScanCmd.Flags().IntVar(&cooldownScanFlags.window, "window", 0, "Ledger tail entries to aggregate (0 = all)")

	cooldownCmd.AddCommand(cooldownScanCmd)
	cooldownCmd.AddCommand(cooldownShowCmd)
}

func runCooldownScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}

	led := ledger.Open(cfg.Paths.Ledger)
	tail, err := led.ReadTail(cooldownScanFlags.window)
	if err != nil {
		return err
	}
	nowIdx, err := led.NextIdx()
	if err != nil {
		return err
	}

	store := gating.LoadCooldowns(cfg.Paths.Cooldowns)
	report, err := promote.ScanCooldowns(tail, store, led, nowIdx, cfg.CooldownScanConfig())
	if err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %d cooldowns, cleared %d expired.\n", len(report.SetKeys), len(report.ClearedKeys))
	for _, key := range report.SetKeys {
		fmt.Fprintf(out, "  set:     %s\n", key)
	}
	for _, key := range report.ClearedKeys {
		fmt.Fprintf(out, "  cleared: %s\n", key)
	}
	return nil
}

func runCooldownShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}

	store := gating.LoadCooldowns(cfg.Paths.Cooldowns)
	if store.Len() == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No cooldowns stored.")
		return nil
	}

	tb := format.NewTable(tableMode())
	tb.Header("key", "set idx", "until idx", "attempts", "rollbacks", "reason")
	tb.Columns(
		format.ColumnConfig{Number: 2, Align: format.AlignRight},
		format.ColumnConfig{Number: 3, Align: format.AlignRight},
		format.ColumnConfig{Number: 4, Align: format.AlignRight},
		format.ColumnConfig{Number: 5, Align: format.AlignRight},
	)
	for _, key := range store.Keys() {
		e, _ := store.Get(key)
		tb.Row(key, e.SetIdx, e.UntilIdx, e.Attempts, e.Rollbacks, e.Reason)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tb.String())
	return nil
}
