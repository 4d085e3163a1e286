package upgrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aptshift/aptshift/pkg/config"
	"github.com/aptshift/aptshift/pkg/hooks"
	"github.com/aptshift/aptshift/pkg/journal"
	"github.com/aptshift/aptshift/pkg/preflight"
	"github.com/aptshift/aptshift/pkg/release"
	"github.com/aptshift/aptshift/pkg/rollback"
	"github.com/aptshift/aptshift/pkg/sources"
	"github.com/aptshift/aptshift/pkg/state"
	"github.com/aptshift/aptshift/pkg/sysops"
	"github.com/aptshift/aptshift/pkg/telemetry"
)

// Deps are the collaborators an orchestrator drives. Everything that
// touches the machine sits behind an interface so the phase logic can be
// exercised against fakes.
type Deps struct {
	Config    config.Config
	Telemetry *telemetry.Telemetry
	ReleaseMap *release.Map

	Markers   state.MarkerStore
	Snapshots *state.SnapshotStore
	Registry  *rollback.Registry

	// Packages applies the operator's conffile policy; CurrentPackages
	// keeps local conffiles and drives the in-release update phase.
	Packages        sysops.PackageManager
	CurrentPackages sysops.PackageManager

	Services  sysops.ServiceManager
	Inspector sysops.SystemInspector
	Runner    sysops.Runner
	Rewriter  *sources.Rewriter
	Preflight *preflight.Checker

	// Hooks and Journal are optional; nil disables them.
	Hooks   *hooks.Hooks
	Journal *journal.Store

	// OSReleasePath overrides where post-validation reads the release
	// identity. Empty uses the standard location.
	OSReleasePath string

	// RunID identifies the run. The caller passes it so the finalizer can
	// be built before the orchestrator; empty generates one.
	RunID string

	Version string
}

// Orchestrator runs the fixed phase sequence, consulting the marker store
// before each phase and recording completion after. One orchestrator
// serves exactly one run.
type Orchestrator struct {
	deps   Deps
	logger *telemetry.Logger
	runID  string
}

// phaseContext bundles what a phase body needs.
type phaseContext struct {
	ctx    context.Context
	logger *telemetry.Logger
	event  func(level journal.EventLevel, msg string)
}

// warnf logs a warning and appends it to the run's journal event stream.
func (p *phaseContext) warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	p.logger.Warn(msg)
	p.event(journal.EventLevelWarning, msg)
}

// New validates the dependency set and creates an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Telemetry == nil:
		return nil, fmt.Errorf("orchestrator requires telemetry")
	case deps.ReleaseMap == nil:
		return nil, fmt.Errorf("orchestrator requires a release map")
	case deps.Markers == nil:
		return nil, fmt.Errorf("orchestrator requires a marker store")
	case deps.Registry == nil:
		return nil, fmt.Errorf("orchestrator requires a rollback registry")
	case deps.Packages == nil || deps.CurrentPackages == nil:
		return nil, fmt.Errorf("orchestrator requires package managers")
	case deps.Services == nil:
		return nil, fmt.Errorf("orchestrator requires a service manager")
	case deps.Inspector == nil:
		return nil, fmt.Errorf("orchestrator requires a system inspector")
	case deps.Runner == nil:
		return nil, fmt.Errorf("orchestrator requires a command runner")
	case deps.Rewriter == nil:
		return nil, fmt.Errorf("orchestrator requires a source rewriter")
	case deps.Preflight == nil:
		return nil, fmt.Errorf("orchestrator requires a preflight checker")
	case deps.Snapshots == nil && !deps.Config.DryRun:
		return nil, fmt.Errorf("orchestrator requires a snapshot store")
	}

	runID := deps.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	return &Orchestrator{
		deps:   deps,
		logger: deps.Telemetry.Logger.NewComponentLogger("upgrade"),
		runID:  runID,
	}, nil
}

// RunID identifies this run in logs and the journal.
func (o *Orchestrator) RunID() string {
	return o.runID
}

func (o *Orchestrator) metrics() *telemetry.Metrics {
	return o.deps.Telemetry.Metrics
}

func (o *Orchestrator) readIdentity() (*release.Identity, error) {
	return release.ReadIdentity(o.deps.OSReleasePath)
}

// Execute drives every phase in order. It returns nil on success or the
// classified error of the first failing phase; the caller routes that
// error into the finalizer. A context cancelled by the signal dispatcher
// surfaces between phases and inside any blocking operation.
func (o *Orchestrator) Execute(ctx context.Context) error {
	src := o.deps.ReleaseMap.Upgrade.Source.Codename
	dst := o.deps.ReleaseMap.Upgrade.Target.Codename

	log := o.logger.WithRunID(o.runID)
	log.Infof("upgrading %s to %s (%s)", src, dst, o.deps.ReleaseMap.Upgrade.Target.Version)
	if o.deps.Config.DryRun {
		log.Info("dry-run mode: mutating commands are logged, not executed")
	}

	o.metrics().SetRunInfo(src, dst, o.deps.Version)
	o.journalStart(ctx, src, dst)

	runCtx, span := o.deps.Telemetry.Tracer.StartRunSpan(ctx, o.runID, src, dst)
	defer span.End()

	bodies := map[string]func(*phaseContext) error{
		PhasePreflight:      o.runPreflight,
		PhaseSnapshot:       o.runSnapshot,
		PhaseUpdateCurrent:  o.runUpdateCurrent,
		PhaseSwitchSources:  o.runSwitchSources,
		PhaseMinimalUpgrade: o.runMinimalUpgrade,
		PhaseFullUpgrade:    o.runFullUpgrade,
		PhaseCleanup:        o.runCleanup,
		PhasePostValidation: o.runPostValidation,
	}

	for _, phase := range Phases() {
		if err := runCtx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return NewOperationError("run cancelled", err)
		}
		if err := o.runPhase(runCtx, phase, bodies[phase]); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
	}

	telemetry.RecordSuccess(span)
	log.Infof("upgrade to %s complete", dst)
	return nil
}

// runPhase executes one marker-gated phase: skip when already complete,
// otherwise pre-hook, body, post-hook, marker.
func (o *Orchestrator) runPhase(ctx context.Context, phase string, body func(*phaseContext) error) error {
	log := o.logger.WithRunID(o.runID).WithPhase(phase)

	done, err := o.deps.Markers.IsCompleted(phase)
	if err != nil {
		return NewOperationError("cannot read phase marker", err).WithPhase(phase)
	}
	if done {
		log.Info("phase already complete, skipping")
		o.metrics().RecordPhaseSkipped(phase)
		o.journalSkip(ctx, phase)
		o.journalEvent(ctx, phase, journal.EventLevelInfo, "phase skipped, completion marker present")
		return nil
	}

	hookInput := map[string]interface{}{
		"run_id":         o.runID,
		"phase":          phase,
		"source_release": o.deps.ReleaseMap.Upgrade.Source.Codename,
		"target_release": o.deps.ReleaseMap.Upgrade.Target.Codename,
		"dry_run":        o.deps.Config.DryRun,
	}
	if err := o.deps.Hooks.RunPre(ctx, phase, hookInput); err != nil {
		return NewOperationError("pre-phase hook failed", err).WithPhase(phase)
	}

	log.Info("phase starting")
	phaseCtx, span := o.deps.Telemetry.Tracer.StartPhaseSpan(ctx, phase)
	defer span.End()
	phaseID := o.journalPhaseStart(ctx, phase)
	o.journalEvent(ctx, phase, journal.EventLevelInfo, "phase started")
	start := time.Now()

	err = body(&phaseContext{
		ctx:    phaseCtx,
		logger: log,
		event: func(level journal.EventLevel, msg string) {
			o.journalEvent(ctx, phase, level, msg)
		},
	})
	duration := time.Since(start)

	if err != nil {
		err = classify(err, phase)
		telemetry.RecordError(span, err)
		o.metrics().RecordPhase(phase, "failed", duration)
		o.journalPhaseFinish(ctx, phaseID, journal.PhaseStatusFailed, err)
		o.journalEvent(ctx, phase, journal.EventLevelError, err.Error())
		log.WithError(err).Errorf("phase failed after %v", duration.Round(time.Millisecond))
		return err
	}

	// Advisory: the phase's effects already happened.
	if err := o.deps.Hooks.RunPost(ctx, phase, hookInput); err != nil {
		log.WithError(err).Warn("post-phase hook failed")
		o.journalEvent(ctx, phase, journal.EventLevelWarning, "post-phase hook failed: "+err.Error())
	}

	if !o.deps.Config.DryRun {
		if err := o.deps.Markers.MarkComplete(phase); err != nil {
			telemetry.RecordError(span, err)
			o.metrics().RecordPhase(phase, "failed", duration)
			o.journalPhaseFinish(ctx, phaseID, journal.PhaseStatusFailed, err)
			return NewOperationError("cannot write phase marker", err).WithPhase(phase)
		}
	}

	telemetry.RecordSuccess(span)
	o.metrics().RecordPhase(phase, "completed", duration)
	o.journalPhaseFinish(ctx, phaseID, journal.PhaseStatusCompleted, nil)
	o.journalEvent(ctx, phase, journal.EventLevelInfo,
		fmt.Sprintf("phase completed in %v", duration.Round(time.Millisecond)))
	log.Infof("phase complete in %v", duration.Round(time.Millisecond))
	return nil
}

// classify turns a phase body error into a *Error carrying the phase.
func classify(err error, phase string) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Phase == "" {
			e.Phase = phase
		}
		return err
	}
	return NewOperationError("phase failed", err).WithPhase(phase)
}

// Journal writes are observational: failures are logged and never change
// orchestration behavior. Dry-run skips the journal entirely (it is nil).

func (o *Orchestrator) journalStart(ctx context.Context, src, dst string) {
	if o.deps.Journal == nil {
		return
	}
	rec := &journal.RunRecord{
		ID:            o.runID,
		SourceRelease: src,
		TargetRelease: dst,
		ToolVersion:   o.deps.Version,
		DryRun:        o.deps.Config.DryRun,
		Status:        journal.RunStatusRunning,
		StartedAt:     time.Now().UTC(),
	}
	if err := o.deps.Journal.CreateRun(ctx, rec); err != nil {
		o.logger.WithError(err).Warn("cannot record run in journal")
	}
}

func (o *Orchestrator) journalSkip(ctx context.Context, phase string) {
	if o.deps.Journal == nil {
		return
	}
	if err := o.deps.Journal.SkipPhase(ctx, o.runID, phase); err != nil {
		o.logger.WithError(err).Warn("cannot record skipped phase in journal")
	}
}

func (o *Orchestrator) journalPhaseStart(ctx context.Context, phase string) int64 {
	if o.deps.Journal == nil {
		return 0
	}
	id, err := o.deps.Journal.StartPhase(ctx, o.runID, phase)
	if err != nil {
		o.logger.WithError(err).Warn("cannot record phase start in journal")
		return 0
	}
	return id
}

func (o *Orchestrator) journalEvent(ctx context.Context, phase string, level journal.EventLevel, message string) {
	if o.deps.Journal == nil {
		return
	}
	rec := &journal.EventRecord{RunID: o.runID, Level: level, Message: message}
	if phase != "" {
		rec.Phase = &phase
	}
	if err := o.deps.Journal.AppendEvent(ctx, rec); err != nil {
		o.logger.WithError(err).Warn("cannot append journal event")
	}
}

func (o *Orchestrator) journalPhaseFinish(ctx context.Context, phaseID int64, status journal.PhaseStatus, phaseErr error) {
	if o.deps.Journal == nil || phaseID == 0 {
		return
	}
	var msg *string
	if phaseErr != nil {
		s := phaseErr.Error()
		msg = &s
	}
	if err := o.deps.Journal.FinishPhase(ctx, phaseID, status, msg); err != nil {
		o.logger.WithError(err).Warn("cannot record phase result in journal")
	}
}
