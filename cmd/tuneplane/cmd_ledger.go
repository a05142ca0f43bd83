package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tuneplane/internal/format"
	"tuneplane/internal/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the evidence ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every entry hash and prev-hash link",
	RunE:  runLedgerVerify,
}

var ledgerTailFlags struct {
	n int
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent ledger entries",
	RunE:  runLedgerTail,
}

func init() {
	ledgerTailCmd.Flags().IntVarP(&ledgerTailFlags.n, "lines", "n", 20, "Entries to show (0 = all)")

	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
}

func runLedgerVerify(cmd *cobra.Command, _ []string) error {
	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}

	report, err := ledger.Open(cfg.Paths.Ledger).Verify()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Entries checked: %d\n", report.EntriesChecked)
	if report.Valid {
		fmt.Fprintln(out, "Chain: valid")
		return nil
	}
	return fmt.Errorf("chain broken at idx %d: %s", report.BrokenAtIdx, report.Reason)
}

func runLedgerTail(cmd *cobra.Command, _ []string) error {
	cfg, err := loadPlaneConfig()
	if err != nil {
		return err
	}

	entries, err := ledger.Open(cfg.Paths.Ledger).ReadTail(ledgerTailFlags.n)
	if err != nil {
		return err
	}

	tb := format.NewTable(tableMode())
	tb.Header("idx", "type", "module", "hash")
	tb.Columns(format.ColumnConfig{Number: 1, Align: format.AlignRight})
	for _, e := range entries {
		module, _ := e.Payload["module"].(string)
		tb.Row(e.Idx, e.Type, module, format.Truncate(e.EntryHash, 12))
	}
	fmt.Fprintln(cmd.OutOrStdout(), tb.String())
	return nil
}
