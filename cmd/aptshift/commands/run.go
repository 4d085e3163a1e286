package commands

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aptshift/aptshift/pkg/config"
	"github.com/aptshift/aptshift/pkg/hooks"
	"github.com/aptshift/aptshift/pkg/journal"
	"github.com/aptshift/aptshift/pkg/lockfile"
	"github.com/aptshift/aptshift/pkg/policy"
	"github.com/aptshift/aptshift/pkg/preflight"
	"github.com/aptshift/aptshift/pkg/release"
	"github.com/aptshift/aptshift/pkg/rollback"
	"github.com/aptshift/aptshift/pkg/sources"
	"github.com/aptshift/aptshift/pkg/state"
	"github.com/aptshift/aptshift/pkg/sysops"
	"github.com/aptshift/aptshift/pkg/telemetry"
	"github.com/aptshift/aptshift/pkg/upgrade"
)

func newRunCommand(version string) *cobra.Command {
	var (
		services        []string
		conffilePolicy  string
		skipRebootCheck bool
		reset           bool
		dryRun          bool
		verbose         bool
		traceCommands   bool
		useSyslog       bool
		force           bool
		stateDir        string
		logFile         string
		lockTimeout     time.Duration
		policyDirs      []string
		hooksFile       string
		releaseMapFile  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the staged release upgrade",
		Long: `Run the upgrade phase sequence.

Completed phases are skipped on re-invocation, so running the command
again after a failure or interruption resumes where the previous run
stopped. Exit codes are stable: 0 success, 2 lock held, 3 bad arguments,
4 not root, 5 unexpected release, 6 already upgraded, 7 network,
8 disk space, 9 post-validation, 128+n on signal n.`,
		Example: `  # Unattended upgrade, keeping local conffiles on conflict
  aptshift run --conffile-policy keep --force

  # See what would happen without touching the system
  aptshift run --dry-run -v

  # Require nginx and postgresql to be active afterwards
  aptshift run --services nginx,postgresql`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fl := cmd.Flags()
			if fl.Changed("services") {
				cfg.Services = services
			}
			if fl.Changed("conffile-policy") {
				cfg.ConffilePolicy = conffilePolicy
			}
			if fl.Changed("skip-reboot-check") {
				cfg.SkipRebootCheck = skipRebootCheck
			}
			if fl.Changed("state-dir") {
				cfg.StateDir = stateDir
			}
			if fl.Changed("log-file") {
				cfg.LogFile = logFile
			}
			if fl.Changed("lock-timeout") {
				cfg.LockTimeout = lockTimeout
			}
			if fl.Changed("policy-dir") {
				cfg.PolicyDirs = policyDirs
			}
			if fl.Changed("hooks") {
				cfg.HooksFile = hooksFile
			}
			if fl.Changed("release-map") {
				cfg.ReleaseMapFile = releaseMapFile
			}
			cfg.Reset = cfg.Reset || reset
			cfg.DryRun = cfg.DryRun || dryRun
			cfg.Verbose = cfg.Verbose || verbose
			cfg.TraceCommands = cfg.TraceCommands || traceCommands
			cfg.Syslog = cfg.Syslog || useSyslog
			cfg.Force = cfg.Force || force

			if err := cfg.Validate(); err != nil {
				return upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "invalid arguments", err)
			}

			return executeRun(cmd.Context(), cfg, version)
		},
	}

	cmd.Flags().StringSliceVar(&services, "services", nil, "comma-separated systemd units that must be active after the upgrade")
	cmd.Flags().StringVar(&conffilePolicy, "conffile-policy", "replace", "conffile conflict policy: replace or keep")
	cmd.Flags().BoolVar(&skipRebootCheck, "skip-reboot-check", false, "skip the pending-reboot checks")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete all phase markers and exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log mutating commands instead of executing them")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&traceCommands, "trace-commands", false, "log every executed command line")
	cmd.Flags().BoolVar(&useSyslog, "syslog", false, "mirror log records to the system log")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation pause")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "state directory (markers, snapshots, journal)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "append-only orchestrator log file")
	cmd.Flags().DurationVar(&lockTimeout, "lock-timeout", 0, "how long to wait for the singleton lock")
	cmd.Flags().StringArrayVar(&policyDirs, "policy-dir", nil, "extra policy file or directory (repeatable)")
	cmd.Flags().StringVar(&hooksFile, "hooks", "", "Starlark hooks script")
	cmd.Flags().StringVar(&releaseMapFile, "release-map", "", "release map overriding the embedded one")

	return cmd
}

// executeRun wires the collaborators, runs the orchestrator, and routes
// the result through the finalizer. The returned error is classified so
// main can derive the exit code.
func executeRun(ctx context.Context, cfg config.Config, version string) error {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry(version))
	if err != nil {
		return upgrade.NewOperationError("failed to initialize telemetry", err)
	}
	defer tel.Shutdown(context.Background())
	log := tel.Logger.NewComponentLogger("cli")

	if cfg.Reset {
		return resetMarkers(cfg, tel.Logger)
	}

	relmap, err := loadReleaseMap(cfg)
	if err != nil {
		return upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "invalid release map", err)
	}

	registry := rollback.New(tel.Logger)
	runID := uuid.NewString()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dispatcher := upgrade.NewDispatcher(tel.Logger)
	dispatcher.Install(cancel)
	defer dispatcher.Stop()

	// Singleton guard. Everything after this point is covered by the
	// finalizer, starting with the lock release itself.
	handle, err := lockfile.Acquire(runCtx, cfg.LockPath, cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, lockfile.ErrTimeout) {
			return upgrade.NewPreconditionError(upgrade.ExitLock,
				"another instance is running or stuck", err)
		}
		return upgrade.NewPreconditionError(upgrade.ExitLock, "cannot acquire instance lock", err)
	}
	registry.Register("release instance lock", handle.Release)

	// Everything the finalizer consumes is declared up front so setup
	// failures after lock acquisition take the same exit path as a failed
	// run. The finalizer tolerates whatever has not been built yet.
	var (
		markers   state.MarkerStore
		snapshots *state.SnapshotStore
		jrnl      *journal.Store
		packages  sysops.PackageManager
		children  upgrade.ChildTerminator
	)
	finalize := func(runErr error) error {
		finalizer := upgrade.NewFinalizer(tel, registry, jrnl, packages, children, runID, cfg.DryRun)
		code := finalizer.Finalize(context.Background(), runErr)
		if runErr != nil {
			log.Errorf("run finished with exit code %d, see %s", code, cfg.LogFile)
		}
		return runErr
	}

	// Dry-run must not create anything under the state directory, so it
	// gets in-memory markers, no snapshots and no journal.
	if cfg.DryRun {
		markers = state.NewMemMarkerStore()
	} else {
		markers, err = state.NewDirMarkerStore(cfg.MarkerDir())
		if err != nil {
			return finalize(upgrade.NewOperationError("cannot open marker store", err))
		}
		snapshots, err = state.NewSnapshotStore(cfg.SnapshotDir())
		if err != nil {
			return finalize(upgrade.NewOperationError("cannot open snapshot store", err))
		}
		jrnl, err = journal.Open(runCtx, cfg.JournalPath())
		if err != nil {
			log.WithError(err).Warn("run journal unavailable, continuing without history")
			jrnl = nil
		} else {
			defer jrnl.Close()
		}
	}

	runner := sysops.NewExecRunner(tel.Logger, tel.Metrics, sysops.RunnerOptions{
		DryRun:         cfg.DryRun,
		TraceCommands:  cfg.TraceCommands,
		Verbose:        cfg.Verbose,
		ConfigSnapshot: cfg.Snapshot(),
	})
	children = runner
	operatorPackages, err := sysops.NewAptManager(runner, sysops.ConffilePolicy(cfg.ConffilePolicy))
	if err != nil {
		return finalize(upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "invalid arguments", err))
	}
	packages = operatorPackages
	currentPackages, err := sysops.NewAptManager(runner, sysops.ConffileKeep)
	if err != nil {
		return finalize(upgrade.NewOperationError("cannot create package manager", err))
	}

	rewriter := sources.NewRewriter(tel.Logger, relmap, sources.DefaultLocations(), cfg.DryRun)

	gate, err := policy.NewEngine(tel.Logger)
	if err != nil {
		return finalize(upgrade.NewOperationError("cannot initialize policy engine", err))
	}
	if len(cfg.PolicyDirs) > 0 {
		if err := gate.LoadPaths(runCtx, cfg.PolicyDirs); err != nil {
			return finalize(upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "cannot load operator policies", err))
		}
	}

	var hk *hooks.Hooks
	if cfg.HooksFile != "" {
		hk, err = hooks.Load(tel.Logger, cfg.HooksFile, upgrade.Phases(), cfg.HookTimeout)
		if err != nil {
			return finalize(upgrade.NewPreconditionError(upgrade.ExitInvalidArgs, "cannot load hooks", err))
		}
	}

	pfCfg := preflight.DefaultConfig()
	pfCfg.MinFreeBytes = cfg.MinFreeBytes()
	pfCfg.SkipRebootCheck = cfg.SkipRebootCheck
	pfCfg.Force = cfg.Force
	pfCfg.DryRun = cfg.DryRun
	pfCfg.PauseDuration = cfg.ConfirmationPause
	checker := preflight.NewChecker(tel.Logger, tel.Metrics, relmap, packages, runner,
		sysops.NewNetResolver(10*time.Second), sysops.NewHTTPSChecker(15*time.Second),
		sysops.NewInspector(), rewriter, gate, pfCfg)

	orch, err := upgrade.New(upgrade.Deps{
		Config:          cfg,
		Telemetry:       tel,
		ReleaseMap:      relmap,
		Markers:         markers,
		Snapshots:       snapshots,
		Registry:        registry,
		Packages:        packages,
		CurrentPackages: currentPackages,
		Services:        sysops.NewSystemdManager(runner),
		Inspector:       sysops.NewInspector(),
		Runner:          runner,
		Rewriter:        rewriter,
		Preflight:       checker,
		Hooks:           hk,
		Journal:         jrnl,
		RunID:           runID,
		Version:         version,
	})
	if err != nil {
		return finalize(upgrade.NewOperationError("cannot build orchestrator", err))
	}

	runErr := orch.Execute(runCtx)
	if sigErr := dispatcher.SignalError(); sigErr != nil {
		runErr = sigErr
	}

	// The finalizer runs on every path and derives the same exit code the
	// returned error carries. It uses a fresh context: the run context is
	// already cancelled when a signal got us here.
	return finalize(runErr)
}

func loadReleaseMap(cfg config.Config) (*release.Map, error) {
	if cfg.ReleaseMapFile != "" {
		return release.LoadFile(cfg.ReleaseMapFile)
	}
	return release.Builtin()
}
