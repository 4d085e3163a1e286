package upgrade

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aptshift/aptshift/pkg/preflight"
)

// Phase names, in execution order. Each phase is gated by its own
// completion marker and never runs out of order.
const (
	PhasePreflight      = "preflight"
	PhaseSnapshot       = "snapshot"
	PhaseUpdateCurrent  = "update-current-release"
	PhaseSwitchSources  = "switch-sources"
	PhaseMinimalUpgrade = "minimal-upgrade"
	PhaseFullUpgrade    = "full-upgrade"
	PhaseCleanup        = "cleanup"
	PhasePostValidation = "post-validation"
)

// Phases returns the phase sequence in execution order.
func Phases() []string {
	return []string{
		PhasePreflight,
		PhaseSnapshot,
		PhaseUpdateCurrent,
		PhaseSwitchSources,
		PhaseMinimalUpgrade,
		PhaseFullUpgrade,
		PhaseCleanup,
		PhasePostValidation,
	}
}

// rebootRequiredPath is the advisory marker Debian writes when a package
// update wants a reboot.
const rebootRequiredPath = "/run/reboot-required"

// runPreflight executes the check battery and maps a fatal failure onto
// its exit code.
func (o *Orchestrator) runPreflight(ctx *phaseContext) error {
	results, err := o.deps.Preflight.Run(ctx.ctx)
	if err != nil {
		var f *preflight.Failure
		if errors.As(err, &f) {
			return preflightError(f)
		}
		return NewOperationError("preflight interrupted", err)
	}

	warnings := 0
	for _, r := range results {
		if r.Status == preflight.StatusWarning {
			warnings++
		}
	}
	ctx.logger.Infof("%d checks passed, %d warnings", len(results)-warnings, warnings)
	return nil
}

// preflightError maps a preflight failure kind to the classified error
// carrying its exit code.
func preflightError(f *preflight.Failure) *Error {
	switch f.Kind {
	case preflight.FailPrivilege:
		return NewPreconditionError(ExitPrivilege, f.Detail, nil)
	case preflight.FailWrongRelease:
		return NewPreconditionError(ExitWrongRelease, f.Detail, nil)
	case preflight.FailAlreadyTarget:
		return &Error{Class: ErrorClassNoop, Code: ExitAlreadyUpgraded, Message: f.Detail}
	case preflight.FailNetwork:
		return NewPreconditionError(ExitNetwork, f.Detail, nil)
	case preflight.FailDisk:
		return NewPreconditionError(ExitDiskSpace, f.Detail, nil)
	default:
		return NewPreconditionError(ExitGeneral, f.Detail, nil)
	}
}

// runSnapshot persists the pre-upgrade package state: full selections, the
// manually installed list, installed versions, and a copy of every apt
// source file. Entirely skipped under dry-run so the state directory stays
// untouched.
func (o *Orchestrator) runSnapshot(ctx *phaseContext) error {
	if o.deps.Config.DryRun {
		ctx.logger.Info("dry-run: would snapshot package selections, versions and source files")
		return nil
	}

	captures := []struct {
		name string
		get  func() (string, error)
	}{
		{"package-selections.pre", func() (string, error) { return o.deps.Packages.Selections(ctx.ctx) }},
		{"manual-packages.pre", func() (string, error) { return o.deps.Packages.ManualList(ctx.ctx) }},
		{"package-versions.pre", func() (string, error) { return o.deps.Packages.InstalledVersions(ctx.ctx) }},
	}
	for _, c := range captures {
		data, err := c.get()
		if err != nil {
			return fmt.Errorf("failed to capture %s: %w", c.name, err)
		}
		if err := o.deps.Snapshots.Write(c.name, []byte(data)); err != nil {
			return err
		}
		ctx.logger.Debugf("wrote %s", c.name)
	}

	files, err := o.deps.Rewriter.Discover()
	if err != nil {
		return fmt.Errorf("failed to enumerate source files: %w", err)
	}
	for _, sf := range files {
		dest := filepath.Join("sources.pre", snapshotName(sf.Path))
		if err := o.deps.Snapshots.CopyFile(sf.Path, dest); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", sf.Path, err)
		}
	}
	ctx.logger.Infof("snapshotted package state and %d source file(s)", len(files))
	return nil
}

// snapshotName flattens an absolute path into a single snapshot file name.
func snapshotName(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "__")
}

// runUpdateCurrent brings the machine fully up to date within the current
// release before any cross-release change. Conffile conflicts keep the
// local version here regardless of the operator policy: nothing should
// prompt or churn configuration while still on the source release.
func (o *Orchestrator) runUpdateCurrent(ctx *phaseContext) error {
	if err := o.deps.CurrentPackages.Update(ctx.ctx); err != nil {
		return fmt.Errorf("failed to refresh package indexes: %w", err)
	}
	if err := o.deps.CurrentPackages.Upgrade(ctx.ctx); err != nil {
		return fmt.Errorf("failed to upgrade current release: %w", err)
	}
	if err := o.deps.CurrentPackages.DistUpgrade(ctx.ctx); err != nil {
		return fmt.Errorf("failed to dist-upgrade current release: %w", err)
	}
	return nil
}

// runSwitchSources retargets every distribution-operated source file at
// the target release, then refreshes the indexes to prove the rewritten
// sources resolve.
func (o *Orchestrator) runSwitchSources(ctx *phaseContext) error {
	removed, err := o.deps.Rewriter.CleanStaleBackups()
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		ctx.warnf("removed %d stale backup(s) from an interrupted earlier run", len(removed))
	}

	report, err := o.deps.Rewriter.Rewrite(o.deps.Registry)
	if err != nil {
		return err
	}
	for range report.Rewritten {
		o.metrics().RecordSourceRewritten()
	}
	ctx.logger.Infof("retargeted %d file(s), %d suite(s); %d third-party file(s) untouched",
		len(report.Rewritten), report.SuitesMoved, len(report.ThirdParty))

	if err := o.deps.Packages.Update(ctx.ctx); err != nil {
		return fmt.Errorf("rewritten sources failed to validate, investigate before retrying: %w", err)
	}
	return nil
}

// runMinimalUpgrade upgrades packages in place without installing or
// removing anything, surfacing most new dependencies before the risky full
// upgrade.
func (o *Orchestrator) runMinimalUpgrade(ctx *phaseContext) error {
	if err := o.deps.Packages.MinimalUpgrade(ctx.ctx); err != nil {
		return fmt.Errorf("minimal upgrade failed: %w", err)
	}
	return nil
}

// runFullUpgrade performs the complete cross-release upgrade, allowing the
// removals and replacements the release transition requires.
func (o *Orchestrator) runFullUpgrade(ctx *phaseContext) error {
	if err := o.deps.Packages.DistUpgrade(ctx.ctx); err != nil {
		return fmt.Errorf("full upgrade failed: %w", err)
	}
	return nil
}

// runCleanup purges what the new release no longer needs, modernizes the
// source format, and snapshots the post-upgrade package state for diffing
// against the pre-upgrade snapshot.
func (o *Orchestrator) runCleanup(ctx *phaseContext) error {
	if err := o.deps.Packages.Autoremove(ctx.ctx); err != nil {
		return fmt.Errorf("autoremove failed: %w", err)
	}
	if err := o.deps.Packages.Clean(ctx.ctx); err != nil {
		return fmt.Errorf("cache clean failed: %w", err)
	}

	// Source modernization is advisory: its absence means apt itself is
	// still the old release's version, so upgrade apt first and retry
	// once.
	if err := o.deps.Packages.ModernizeSources(ctx.ctx); err != nil {
		ctx.logger.WithError(err).Debug("modernize-sources unavailable, upgrading apt first")
		if upErr := o.deps.Packages.UpgradePackage(ctx.ctx, "apt"); upErr != nil {
			ctx.warnf("could not upgrade apt, leaving sources in legacy format: %v", upErr)
		} else if err := o.deps.Packages.ModernizeSources(ctx.ctx); err != nil {
			ctx.warnf("source modernization failed, leaving sources in legacy format: %v", err)
		}
	}

	if o.deps.Config.DryRun {
		ctx.logger.Info("dry-run: would snapshot post-upgrade package state")
		return nil
	}

	captures := []struct {
		name string
		get  func() (string, error)
	}{
		{"package-selections.post", func() (string, error) { return o.deps.Packages.Selections(ctx.ctx) }},
		{"package-versions.post", func() (string, error) { return o.deps.Packages.InstalledVersions(ctx.ctx) }},
	}
	for _, c := range captures {
		data, err := c.get()
		if err != nil {
			return fmt.Errorf("failed to capture %s: %w", c.name, err)
		}
		if err := o.deps.Snapshots.Write(c.name, []byte(data)); err != nil {
			return err
		}
	}
	return nil
}

// runPostValidation confirms the machine actually runs the target release
// and reports on everything else. Findings other than the release identity
// increment an issue counter but never fail the phase.
func (o *Orchestrator) runPostValidation(ctx *phaseContext) error {
	target := o.deps.ReleaseMap.Upgrade.Target

	if o.deps.Config.DryRun {
		ctx.logger.Infof("dry-run: would verify the running release is %s", target.Codename)
	} else {
		identity, err := o.readIdentity()
		if err != nil {
			return &Error{Class: ErrorClassOperation, Code: ExitPostValidation,
				Message: "cannot determine post-upgrade release", Err: err}
		}
		if identity.Codename != target.Codename {
			return &Error{Class: ErrorClassOperation, Code: ExitPostValidation,
				Message: fmt.Sprintf("running release is %q, expected %s", identity.Codename, target.Codename)}
		}
		ctx.logger.Infof("running release confirmed as %s (%s)", identity.Codename, identity.PrettyName)
	}

	issues := 0

	if report, err := o.deps.Packages.Audit(ctx.ctx); err != nil {
		issues++
		ctx.warnf("package database audit failed: %v", err)
	} else if report != "" {
		issues++
		ctx.warnf("package database audit reported findings:\n%s", report)
	}

	if err := o.deps.Packages.FixBroken(ctx.ctx); err != nil {
		issues++
		ctx.warnf("dependency repair failed: %v", err)
	}

	for _, unit := range o.deps.Config.Services {
		active, rawState, err := o.deps.Services.IsActive(ctx.ctx, unit)
		if err != nil {
			issues++
			ctx.warnf("cannot query service %s: %v", unit, err)
			continue
		}
		if !active {
			issues++
			ctx.warnf("critical service %s is %s", unit, rawState)
			continue
		}
		ctx.logger.Infof("critical service %s is active", unit)
	}

	if kernel, err := o.deps.Inspector.KernelVersion(); err == nil {
		ctx.logger.Infof("running kernel %s", kernel)
	}

	if _, err := o.deps.Runner.LookPath("needrestart"); err == nil {
		if res, err := o.deps.Runner.Query(ctx.ctx, "needrestart", "-b"); err == nil && res.Stdout != "" {
			ctx.logger.Infof("needrestart report:\n%s", strings.TrimSpace(res.Stdout))
		}
	}

	if !o.deps.Config.SkipRebootCheck {
		if _, err := os.Stat(rebootRequiredPath); err == nil {
			ctx.warnf("%s present, reboot to finish the upgrade", rebootRequiredPath)
		} else {
			ctx.logger.Info("no reboot-required marker present")
		}
	}

	if issues > 0 {
		ctx.logger.Warnf("post-upgrade validation finished with %d advisory issue(s)", issues)
	} else {
		ctx.logger.Info("post-upgrade validation finished clean")
	}
	return nil
}
