package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aptshift/aptshift/pkg/config"
	"github.com/aptshift/aptshift/pkg/journal"
	"github.com/aptshift/aptshift/pkg/lockfile"
	"github.com/aptshift/aptshift/pkg/release"
	"github.com/aptshift/aptshift/pkg/state"
	"github.com/aptshift/aptshift/pkg/upgrade"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show phase progress, release identity and lock holder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			relmap, err := loadReleaseMap(cfg)
			if err != nil {
				return upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "invalid release map", err)
			}

			if identity, err := release.ReadIdentity(""); err != nil {
				fmt.Printf("Running release: unknown (%v)\n", err)
			} else {
				fmt.Printf("Running release: %s (%s)\n", identity.Codename, identity.PrettyName)
			}
			fmt.Printf("Upgrade path:    %s -> %s (%s)\n",
				relmap.Upgrade.Source.Codename, relmap.Upgrade.Target.Codename, relmap.Upgrade.Target.Version)

			if held, err := lockfile.ProbeHeld(cfg.LockPath); err == nil && held {
				if pid, ok := lockfile.HolderPID(cfg.LockPath); ok {
					fmt.Printf("Instance lock:   held by pid %d\n", pid)
				} else {
					fmt.Printf("Instance lock:   held\n")
				}
			} else {
				fmt.Printf("Instance lock:   free\n")
			}

			markers, err := state.NewDirMarkerStore(cfg.MarkerDir())
			if err != nil {
				return upgrade.NewOperationError("cannot open marker store", err)
			}
			done := make(map[string]time.Time)
			list, err := markers.List()
			if err != nil {
				return upgrade.NewOperationError("cannot list markers", err)
			}
			for _, m := range list {
				done[m.Phase] = m.CompletedAt
			}

			printLastRun(cmd, cfg)

			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tSTATUS\tCOMPLETED")
			for _, phase := range upgrade.Phases() {
				if t, ok := done[phase]; ok {
					fmt.Fprintf(w, "%s\tcomplete\t%s\n", phase, t.Format(time.RFC3339))
				} else {
					fmt.Fprintf(w, "%s\tpending\t-\n", phase)
				}
			}
			return w.Flush()
		},
	}
	return cmd
}

// printLastRun reports the journal's most recent run. The journal is only
// opened when its file already exists so that status never creates state.
func printLastRun(cmd *cobra.Command, cfg config.Config) {
	if _, err := os.Stat(cfg.JournalPath()); err != nil {
		return
	}
	store, err := journal.Open(cmd.Context(), cfg.JournalPath())
	if err != nil {
		fmt.Printf("Run journal:     unavailable (%v)\n", err)
		return
	}
	defer store.Close()
	if err := store.HealthCheck(cmd.Context()); err != nil {
		fmt.Printf("Run journal:     unhealthy (%v)\n", err)
		return
	}
	run, err := store.LatestRun(cmd.Context())
	if errors.Is(err, journal.ErrNotFound) {
		fmt.Printf("Run journal:     empty\n")
		return
	}
	if err != nil {
		fmt.Printf("Run journal:     unavailable (%v)\n", err)
		return
	}
	fmt.Printf("Last run:        %s (%s, started %s)\n",
		run.Status, run.ID, run.StartedAt.Local().Format(time.RFC3339))
}
