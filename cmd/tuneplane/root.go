package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	markdown   bool
}

var rootCmd = &cobra.Command{
	Use:   "tuneplane",
	Short: "Deterministic runtime tuning control plane",
	Long: "Tuneplane decides, applies, monitors and reverts knob changes to live\n" +
		"modules, with a tamper-evident ledger and a statistically gated path\n" +
		"from experimental change to permanent promotion.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initLogging()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", "", "Plane config file (YAML or JSON; defaults apply when omitted)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format: text or json")
	pf.BoolVar(&rootFlags.markdown, "markdown", false, "Render tables as Markdown")

	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(safesetCmd)
	rootCmd.AddCommand(cooldownCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
