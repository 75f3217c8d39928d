package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/automaton/cmd/automaton/commands"
	"github.com/teranos/automaton/logger"
)

var rootCmd = &cobra.Command{
	Use:   "automaton",
	Short: "automaton - on-device automation scheduling engine",
	Long: `automaton - on-device automation scheduling engine

Stores automation schedules, watches application events for their triggers,
prepares payloads under frequency limits and audience rules, and executes them
once delays and readiness conditions allow.

Available commands:
  run        - Run the engine until interrupted
  schedules  - Inspect and edit stored schedules
  am         - Manage configuration ("I am")
  version    - Show version information

Examples:
  automaton am init                     # Write a default config
  automaton run --schedules s.toml -v   # Run with a definitions file
  automaton schedules list              # Show stored schedules and states`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.SchedulesCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
