package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aptshift/aptshift/pkg/config"
	"github.com/aptshift/aptshift/pkg/upgrade"
)

var (
	// Global flags
	configPath string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aptshift",
		Short: "aptshift - staged Debian release upgrade orchestrator",
		Long: `aptshift drives a Debian machine through a major release upgrade as a
sequence of marker-gated phases:

  preflight -> snapshot -> update-current-release -> switch-sources ->
  minimal-upgrade -> full-upgrade -> cleanup -> post-validation

Each phase records a durable completion marker, so an interrupted run can
be re-invoked and resumes at the first incomplete phase. Every exit path
runs a single finalizer that rolls back created and modified files when
the run failed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "CUE config file path")

	// Flag misuse is an argument error, not a general failure.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "invalid arguments", err)
	})

	// Add subcommands
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig merges the defaults with the optional config file and the
// environment overrides shared by every command.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "invalid configuration", err)
	}
	if lvl := os.Getenv("APTSHIFT_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if os.Getenv("APTSHIFT_TRACE") == "1" {
		cfg.TraceCommands = true
	}
	return cfg, nil
}
