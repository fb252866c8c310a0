// Package cmd implements the ace command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kristinday/ace/internal/config"
)

var (
	configPath string
	settings   *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "ace",
	Short: "Autonomous issue orchestrator",
	Long: `ace drives coding agents through tracker issues.

It selects ready issues whose dependencies are done, claims them
exclusively through the tracker, materializes an isolated workspace per
issue, runs a backend agent in a tmux session, and supervises it: idle
sessions get nudged, dead ones restarted, and exhausted ones handed to a
human with diagnostics. Finished work is pushed and opened as a pull
request.

Configuration lives in ~/.ace/config.toml (override with --config).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(configPath)
		if err != nil {
			return err
		}
		settings = s
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
