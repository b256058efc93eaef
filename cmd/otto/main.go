package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/otto/cmd/otto/commands"
	"github.com/teranos/otto/config"
	"github.com/teranos/otto/logger"
)

var rootCmd = &cobra.Command{
	Use:   "otto",
	Short: "otto - personal automation runtime",
	Long: `otto - personal automation runtime.

otto schedules assistant-executed tasks against a local gateway and delivers
their notifications through a durable outbound queue.

Available commands:
  run    - Start the scheduler and delivery daemon
  jobs   - Manage scheduled jobs
  outbox - Inspect and manage outbound messages
  db     - Manage the otto database

Examples:
  otto run                          # Start the daemon in foreground
  otto jobs add --message "digest"  # Schedule a one-shot task
  otto jobs ls                      # List scheduled jobs
  otto outbox ls                    # Show queued outbound messages
  otto db migrate                   # Apply pending migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.OutboxCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
