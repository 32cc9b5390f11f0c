package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Dynamic task orchestration engine",
	Long: `Relay executes dependency-aware task plans through registered
executors: it schedules eligible steps, dispatches parallel groups on a
bounded worker pool, watches runtime health, gates high-risk work behind
human approval, and checkpoints progress so interrupted plans can resume.

Core capabilities:
- Validates plans as DAGs and releases one parallel group per round
- Dispatches steps with per-step timeouts and bounded concurrency
- Monitors error rate, elapsed time, and resource pressure
- Suspends for human approval and generalized interrupts
- Persists checkpoints and execution records for recovery`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a config file (overrides discovery)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable the file-backed debug log")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(versionCmd)
}
