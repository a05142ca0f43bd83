package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tuneplane/internal/effects"
	"tuneplane/internal/format"
	"tuneplane/internal/ledger"
	"tuneplane/internal/promote"
)

var safesetCmd = &cobra.Command{
	Use:   "safeset",
	Short: "Derive and inspect baseline-scoped safe value sets",
}

var safesetBuildFlags struct {
	window int
}

var safesetBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Rebuild the safe set from attempt/rollback history",
	RunE:  runSafesetBuild,
}

var safesetShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored safe set",
	RunE:  runSafesetShow,
}

func init() {
	safesetBuildCmd.Flags().IntVar(&safesetBuildFlags.window, "window", 0, "Ledger tail entries to aggregate (0 = all)")

	safesetCmd.AddCommand(safesetBuildCmd)
	safesetCmd.AddCommand(safesetShowCmd)
}

func runSafesetBuild(cmd *cobra.Command, _ []string) error {
	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}

	led := ledger.Open(cfg.Paths.Ledger)
	tail, err := led.ReadTail(safesetBuildFlags.window)
	if err != nil {
		return err
	}
	nowIdx, err := led.NextIdx()
	if err != nil {
		return err
	}

	safe := promote.NewSafeSet(cfg.Paths.SafeSet)
	safe.Rebuild(tail, effects.Load(cfg.Paths.Effects), nowIdx, cfg.SafeSetConfig())
	if err := safe.Save(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d safe-set entries at idx %d.\n", safe.Len(), nowIdx)
	return nil
}

func runSafesetShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}

	safe := promote.LoadSafeSet(cfg.Paths.SafeSet)
	if safe.Len() == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Safe set is empty.")
		return nil
	}

	tb := format.NewTable(tableMode())
	tb.Header("module", "knob", "baseline", "safe values", "until idx")
	tb.Columns(format.ColumnConfig{Number: 5, Align: format.AlignRight})
	for _, e := range safe.Entries() {
		tb.Row(e.ModuleID, e.Knob, e.BaselineKey, describeSafeValues(e), e.UntilIdx)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tb.String())
	return nil
}

func describeSafeValues(e promote.SafeSetEntry) string {
	if e.Min != nil && e.Max != nil {
		return fmt.Sprintf("[%g, %g]", *e.Min, *e.Max)
	}
	return strings.Join(e.Values, ", ")
}
