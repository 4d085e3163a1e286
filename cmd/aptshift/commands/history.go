package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aptshift/aptshift/pkg/journal"
	"github.com/aptshift/aptshift/pkg/upgrade"
)

// eventPageSize bounds one page of the event stream.
const eventPageSize = 500

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previous upgrade runs from the journal",
		Example: `  # The last twenty runs
  aptshift history

  # Phases and events of one run
  aptshift history --run 1b4e28ba-2fa1-11d2-883f-0016d3cca427

  # Phases and events of the most recent run
  aptshift history --run latest`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := journal.Open(cmd.Context(), cfg.JournalPath())
			if err != nil {
				return upgrade.NewOperationError("cannot open run journal", err)
			}
			defer store.Close()

			if runID != "" {
				return showRun(cmd, store, runID)
			}

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return upgrade.NewOperationError("cannot list runs", err)
			}
			if len(runs) == 0 {
				fmt.Println("no recorded runs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSTATUS\tEXIT\tRELEASES\tDRY-RUN\tRUN ID")
			for _, run := range runs {
				exit := "-"
				if run.ExitCode != nil {
					exit = fmt.Sprintf("%d", *run.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s->%s\t%v\t%s\n",
					run.StartedAt.Local().Format(time.RFC3339), run.Status, exit,
					run.SourceRelease, run.TargetRelease, run.DryRun, run.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the phases and events of one run (\"latest\" for the most recent)")
	return cmd
}

// showRun prints one run's record, its phase table, and its event stream.
func showRun(cmd *cobra.Command, store *journal.Store, runID string) error {
	ctx := cmd.Context()

	var (
		run *journal.RunRecord
		err error
	)
	if runID == "latest" {
		run, err = store.LatestRun(ctx)
	} else {
		run, err = store.GetRun(ctx, runID)
	}
	if errors.Is(err, journal.ErrNotFound) {
		return upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "no such run", err)
	}
	if err != nil {
		return upgrade.NewOperationError("cannot read run", err)
	}

	fmt.Printf("run %s: %s -> %s, %s", run.ID, run.SourceRelease, run.TargetRelease, run.Status)
	if run.ExitCode != nil {
		fmt.Printf(" (exit %d)", *run.ExitCode)
	}
	fmt.Println()
	if run.Error != nil {
		fmt.Printf("error: %s\n", *run.Error)
	}

	phases, err := store.ListPhases(ctx, run.ID)
	if err != nil {
		return upgrade.NewOperationError("cannot list phases", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATUS\tSTARTED\tCOMPLETED")
	for _, p := range phases {
		completed := "-"
		if p.CompletedAt != nil {
			completed = p.CompletedAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.Name, p.Status, p.StartedAt.Local().Format(time.RFC3339), completed)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for offset := 0; ; offset += eventPageSize {
		events, err := store.ListEvents(ctx, run.ID, eventPageSize, offset)
		if err != nil {
			return upgrade.NewOperationError("cannot list events", err)
		}
		for _, e := range events {
			phase := "-"
			if e.Phase != nil {
				phase = *e.Phase
			}
			fmt.Printf("%s  %-7s %-22s %s\n",
				e.Timestamp.Local().Format(time.RFC3339), e.Level, phase, e.Message)
		}
		if len(events) < eventPageSize {
			return nil
		}
	}
}
