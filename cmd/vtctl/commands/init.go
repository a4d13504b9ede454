package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ember-hpc/vt/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init <file>",
	Short: "Write a starting config file with default values",
	Long: `Load the built-in defaults and write them out as YAML, so a new
deployment has something to edit instead of writing a config from scratch.

Examples:
  vtctl init vt.yaml
  vtctl init vt.yaml --ranks 4 --transport grpc`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

var (
	initRanks     int
	initTransport string
)

func init() {
	initCmd.Flags().IntVar(&initRanks, "ranks", 1, "loopback group size to write into transport.ranks")
	initCmd.Flags().StringVar(&initTransport, "transport", "loopback", "transport.kind to write (loopback or grpc)")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("build defaults: %w", err)
	}
	cfg.Transport.Kind = initTransport
	cfg.Transport.Ranks = initRanks

	if err := config.Save(cfg, args[0]); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote %s\n", args[0])
	return nil
}
