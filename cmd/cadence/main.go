package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cadencehq/cadence/cmd/cadence/commands"
	"github.com/cadencehq/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - autonomous sales-outreach orchestration",
	Long: `Cadence - autonomous sales-outreach orchestration.

Cadence runs the discover -> enrich -> sync -> outreach pipeline on a
durable job queue, with per-dependency circuit breakers and an
autonomous scheduler guarded by daily caps and quality gates.

Available commands:
  serve     - Start the orchestration daemon
  jobs      - Inspect and control queued jobs
  autopilot - Control the autonomous pipeline

Examples:
  cadence serve --dev          # Start daemon with fake providers
  cadence jobs ls              # List recent jobs
  cadence jobs cancel job_abc  # Cancel a job
  cadence autopilot enable     # Enable autonomous cycles
  cadence autopilot stop       # Emergency stop`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.AutopilotCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
