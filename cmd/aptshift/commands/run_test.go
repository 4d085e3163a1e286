package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aptshift/aptshift/pkg/config"
	"github.com/aptshift/aptshift/pkg/lockfile"
	"github.com/aptshift/aptshift/pkg/upgrade"
)

// A setup failure after the singleton lock is taken must still run the
// finalizer: the lock gets released and the metrics snapshot written.
func TestExecuteRunFinalizesSetupFailure(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.LogFile = filepath.Join(dir, "aptshift.log")
	cfg.LockPath = filepath.Join(dir, "aptshift.lock")
	cfg.MetricsFile = filepath.Join(dir, "metrics.prom")
	cfg.HooksFile = filepath.Join(dir, "missing-hooks.star")

	err := executeRun(context.Background(), cfg, "test")
	if err == nil {
		t.Fatal("expected error for missing hooks file")
	}
	var e *upgrade.Error
	if !errors.As(err, &e) || e.Code != upgrade.ExitInvalidArgs {
		t.Errorf("expected exit code %d, got %v", upgrade.ExitInvalidArgs, err)
	}

	held, probeErr := lockfile.ProbeHeld(cfg.LockPath)
	if probeErr != nil {
		t.Fatalf("ProbeHeld failed: %v", probeErr)
	}
	if held {
		t.Error("instance lock still held after setup failure")
	}

	if _, err := os.Stat(cfg.MetricsFile); err != nil {
		t.Errorf("metrics snapshot not written, finalizer did not run: %v", err)
	}
}
