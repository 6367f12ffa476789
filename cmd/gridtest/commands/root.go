// Package commands implements the gridtest command line interface.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gridtest",
		Short: "Gridtest - dependency-aware test execution harness",
		Long: `Gridtest runs suites of tests with declared prerequisites and shared
resources across serial, pooled, and remote execution targets.

Features:
  - Suites defined in YAML, harness configuration in CUE
  - Prerequisite outcomes and automatic failed-prerequisite cascade
  - Resources with setup/cleanup and exported context
  - Remote execution over a JSON wire protocol (subprocess or SSH)
  - Result recording to JSON lines and SQLite run history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "harness config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
