package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/aptshift/aptshift/pkg/upgrade"
)

func newLogsCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the orchestrator log",
		Example: `  # Print the whole log
  aptshift logs

  # Watch a running upgrade
  aptshift logs --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			f, err := os.Open(cfg.LogFile)
			if err != nil {
				return upgrade.NewOperationError("cannot open log file", err)
			}
			defer f.Close()

			if _, err := io.Copy(os.Stdout, f); err != nil {
				return upgrade.NewOperationError("cannot read log file", err)
			}
			if !follow {
				return nil
			}
			return followFile(cmd, f, cfg.LogFile)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "keep printing as the log grows")
	return cmd
}

// followFile copies bytes appended to f until the command context ends.
// The log is append-only with a single writer, so position tracking is
// just "keep reading from where the last copy stopped".
func followFile(cmd *cobra.Command, f *os.File, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return upgrade.NewOperationError("cannot watch log file", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return upgrade.NewOperationError("cannot watch log file", err)
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				if _, err := io.Copy(os.Stdout, f); err != nil {
					return upgrade.NewOperationError("cannot read log file", err)
				}
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fmt.Fprintln(os.Stderr, "log file was rotated, stopping")
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return upgrade.NewOperationError("log watch failed", err)
		}
	}
}
