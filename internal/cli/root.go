// Package cli implements the cam command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cam",
	Short: "Coding agents manager",
	Long: `cam coordinates coding-agent tasks across a pool of workers.

It owns the task graph and state machine, expands pipeline templates
into task DAGs, dispatches queued work to registered workers, and
streams every state change over SSE and websocket with a durable
audit log behind it.

Quick start:
  cam serve                   Start the API server
  cam serve --addr :3000      Start on a custom address`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./cam.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSyncTemplatesCmd())
}
