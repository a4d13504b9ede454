// Package commands implements vtctl's subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "vtctl",
	Short:         "Inspect vt stats and trace files, and scaffold config",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(initCmd)
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	return rootCmd.Execute()
}
