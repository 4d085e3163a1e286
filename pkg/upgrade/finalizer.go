package upgrade

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/aptshift/aptshift/pkg/journal"
	"github.com/aptshift/aptshift/pkg/lockfile"
	"github.com/aptshift/aptshift/pkg/rollback"
	"github.com/aptshift/aptshift/pkg/sysops"
	"github.com/aptshift/aptshift/pkg/telemetry"
)

// stragglerGrace is how long children get after SIGTERM before SIGKILL.
const stragglerGrace = 2 * time.Second

// DefaultAptLockPaths are the package manager's own lock files. The
// finalizer clears them after a failed run, but only when a non-blocking
// probe shows no other process holds them.
func DefaultAptLockPaths() []string {
	return []string{
		"/var/lib/dpkg/lock",
		"/var/lib/dpkg/lock-frontend",
		"/var/lib/apt/lists/lock",
		"/var/cache/apt/archives/lock",
	}
}

// ChildTerminator stops stray child processes the run spawned.
type ChildTerminator interface {
	TerminateStragglers(grace time.Duration) int
}

// Finalizer is the single unconditional exit-path handler. It runs
// exactly once per run, on every exit path, and performs cleanup and
// best-effort rollback before the process exits.
type Finalizer struct {
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	registry     *rollback.Registry
	journal      *journal.Store
	packages     sysops.PackageManager
	children     ChildTerminator
	runID        string
	dryRun       bool
	aptLockPaths []string
	started      time.Time

	ran atomic.Bool
}

// NewFinalizer wires a finalizer for one run. journal, children and
// packages may be nil, which disables the corresponding step.
func NewFinalizer(
	t *telemetry.Telemetry,
	registry *rollback.Registry,
	jrnl *journal.Store,
	packages sysops.PackageManager,
	children ChildTerminator,
	runID string,
	dryRun bool,
) *Finalizer {
	return &Finalizer{
		logger:       t.Logger.NewComponentLogger("finalizer"),
		metrics:      t.Metrics,
		registry:     registry,
		journal:      jrnl,
		packages:     packages,
		children:     children,
		runID:        runID,
		dryRun:       dryRun,
		aptLockPaths: DefaultAptLockPaths(),
		started:      time.Now(),
	}
}

// Finalize performs cleanup for the run that ended with runErr and
// returns the process exit code. Failures inside Finalize are logged and
// never escalate; the returned code is always derived from runErr. A
// second call is a no-op returning the same code.
func (f *Finalizer) Finalize(ctx context.Context, runErr error) int {
	code := ExitCodeFor(runErr)
	if !f.ran.CompareAndSwap(false, true) {
		return code
	}

	// Cleanup must not be interruptible: a second Ctrl-C during rollback
	// would leave the machine half-restored.
	MaskGraceful()

	log := f.logger.WithRunID(f.runID)
	if runErr != nil && !IsNoop(runErr) {
		log.WithError(runErr).Errorf("run failed, finalizing with exit code %d", code)
	}

	if f.children != nil {
		if n := f.children.TerminateStragglers(stragglerGrace); n > 0 {
			log.Warnf("terminated %d straggler process(es)", n)
		}
	}

	failedActions := f.registry.Drain()
	if failedActions > 0 {
		log.Warnf("%d cleanup action(s) failed", failedActions)
	}
	f.recordRollback("action-failed", failedActions)

	if NeedsRollback(runErr) {
		f.rollback(ctx, log)
	} else {
		if n := f.registry.DiscardBackups(); n > 0 {
			log.Warnf("%d backup(s) could not be discarded", n)
		}
	}

	f.journalFinish(ctx, runErr, code)

	f.metrics.SetRunResult(code, time.Since(f.started))
	if err := f.metrics.WriteTextfile(); err != nil {
		log.WithError(err).Warn("cannot write metrics textfile")
	}

	return code
}

// rollback undoes the run's file mutations and nudges the package
// database back to a consistent state. Every step is best-effort.
func (f *Finalizer) rollback(ctx context.Context, log *telemetry.Logger) {
	log.Warn("rolling back: " + f.registry.Summary())

	f.recordRollback("created-file-failed", f.registry.RemoveCreatedFiles())
	f.recordRollback("restore-failed", f.registry.RestoreBackups())

	if f.dryRun {
		return
	}

	if f.packages != nil {
		if err := f.packages.ConfigurePending(ctx); err != nil {
			log.WithError(err).Warn("package database recovery failed")
		} else {
			log.Info("package database recovery completed")
		}
	}

	for _, path := range f.aptLockPaths {
		held, err := lockfile.ProbeHeld(path)
		if err != nil {
			log.WithError(err).Warnf("cannot probe %s", path)
			continue
		}
		if held {
			log.Warnf("%s is held by another process, leaving it alone", path)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warnf("cannot remove stale lock %s", path)
			continue
		}
		log.Debugf("cleared stale lock %s", path)
	}
}

func (f *Finalizer) recordRollback(outcome string, n int) {
	for i := 0; i < n; i++ {
		f.metrics.RecordRollbackAction(outcome)
	}
}

func (f *Finalizer) journalFinish(ctx context.Context, runErr error, code int) {
	if f.journal == nil {
		return
	}

	status := journal.RunStatusSucceeded
	switch {
	case runErr == nil:
	case IsSignal(runErr):
		status = journal.RunStatusInterrupted
	case IsNoop(runErr):
		status = journal.RunStatusAlreadyCurrent
	case NeedsRollback(runErr):
		status = journal.RunStatusRolledBack
	default:
		status = journal.RunStatusFailed
	}

	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	if err := f.journal.FinishRun(ctx, f.runID, status, code, msg); err != nil {
		f.logger.WithError(err).Warn("cannot record run result in journal")
	}
}
