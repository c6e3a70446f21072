// Package cmd implements the remedyd CLI.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "remedyd",
	Short: "Runbook execution engine for automated incident remediation",
	Long: `remedyd turns declarative remediation runbooks into safely-gated,
auditable actions against remote infrastructure. Runbooks are ordered step
lists (commands over SSH/WinRM, API calls, conditionals, loops, manual
approval pauses) guarded by blackout windows, rate limits, cooldowns and a
per-runbook circuit breaker.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "remedyd.yaml", "path to configuration file")
}
