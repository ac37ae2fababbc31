// Command reflexd runs the Reflex event dispatch service and its
// operational tooling.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/coachpo/reflex/internal/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "reflexd",
	Short:         "reflexd - durable event dispatch service",
	Long:          `Reflex persists events to a durable log and dispatches them to registered triggers with at-least-once delivery, per-scope serialization, and retry/DLQ handling.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	observability.SetLogger(observability.NewStdLogger(log.New(os.Stdout, "reflexd ", log.LstdFlags|log.Lmicroseconds)))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	rootCmd.AddCommand(serveCmd, migrateCmd, dlqCmd, replayCmd, requeueStuckCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reflexd: %v\n", err)
		os.Exit(1)
	}
}
