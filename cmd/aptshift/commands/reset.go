package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aptshift/aptshift/pkg/config"
	"github.com/aptshift/aptshift/pkg/state"
	"github.com/aptshift/aptshift/pkg/telemetry"
	"github.com/aptshift/aptshift/pkg/upgrade"
)

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all phase completion markers",
		Long: `Delete every phase completion marker so the next run starts from the
first phase again. Snapshots and the run journal are kept. No phase is
executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return resetMarkers(cfg, nil)
		},
	}
	return cmd
}

// resetMarkers clears the marker set. It serves both the reset command
// and the run --reset compatibility flag; logger may be nil.
func resetMarkers(cfg config.Config, logger *telemetry.Logger) error {
	markers, err := state.NewDirMarkerStore(cfg.MarkerDir())
	if err != nil {
		return upgrade.NewOperationError("cannot open marker store", err)
	}
	existing, err := markers.List()
	if err != nil {
		return upgrade.NewOperationError("cannot list markers", err)
	}
	if err := markers.Reset(); err != nil {
		return upgrade.NewOperationError("cannot reset markers", err)
	}
	msg := fmt.Sprintf("removed %d phase marker(s)", len(existing))
	if logger != nil {
		logger.Info(msg)
	} else {
		fmt.Println(msg)
	}
	return nil
}
