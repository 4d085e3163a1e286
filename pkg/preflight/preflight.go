// Package preflight verifies a machine is safe to upgrade before anything
// is modified. Checks run in a fixed order and the first fatal finding
// aborts; advisory findings are collected as warnings. Nothing in this
// package mutates the system.
package preflight

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aptshift/aptshift/pkg/release"
	"github.com/aptshift/aptshift/pkg/sources"
	"github.com/aptshift/aptshift/pkg/sysops"
	"github.com/aptshift/aptshift/pkg/telemetry"
)

// CheckStatus classifies a single check's outcome.
type CheckStatus string

const (
	StatusPassed  CheckStatus = "passed"
	StatusWarning CheckStatus = "warning"
	StatusFailed  CheckStatus = "failed"
	StatusSkipped CheckStatus = "skipped"
)

// CheckResult is the outcome of one preflight check.
type CheckResult struct {
	Name   string
	Status CheckStatus
	Detail string
}

// Gate evaluates operator policies against facts gathered during preflight.
// It returns one message per denial; an empty slice allows the upgrade.
type Gate interface {
	Evaluate(ctx context.Context, input map[string]interface{}) ([]string, error)
}

// Config tunes the check battery.
type Config struct {
	OSReleasePath      string
	DiskPaths          []string
	MinFreeBytes       uint64
	MinFileDescriptors uint64
	RequiredCommands   []string
	RebootRequiredPath string
	SkipRebootCheck    bool
	Force              bool
	DryRun             bool
	PauseDuration      time.Duration
}

// DefaultConfig returns the standard gate settings.
func DefaultConfig() Config {
	return Config{
		OSReleasePath:      release.DefaultOSReleasePath,
		DiskPaths:          []string{"/", "/var"},
		MinFreeBytes:       5 << 30,
		MinFileDescriptors: 1024,
		RequiredCommands:   []string{"apt-get", "apt-mark", "dpkg", "dpkg-query", "systemctl"},
		RebootRequiredPath: "/run/reboot-required",
		PauseDuration:      10 * time.Second,
	}
}

// Checker runs the preflight battery.
type Checker struct {
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	relmap    *release.Map
	pkgs      sysops.PackageManager
	runner    sysops.Runner
	resolver  sysops.Resolver
	reach     sysops.ReachabilityChecker
	inspector sysops.SystemInspector
	rewriter  *sources.Rewriter
	gate      Gate
	cfg       Config
}

// NewChecker wires up a check battery. The gate may be nil when no policies
// are configured.
func NewChecker(
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	relmap *release.Map,
	pkgs sysops.PackageManager,
	runner sysops.Runner,
	resolver sysops.Resolver,
	reach sysops.ReachabilityChecker,
	inspector sysops.SystemInspector,
	rewriter *sources.Rewriter,
	gate Gate,
	cfg Config,
) *Checker {
	return &Checker{
		logger:    logger.NewComponentLogger("preflight"),
		metrics:   metrics,
		relmap:    relmap,
		pkgs:      pkgs,
		runner:    runner,
		resolver:  resolver,
		reach:     reach,
		inspector: inspector,
		rewriter:  rewriter,
		gate:      gate,
		cfg:       cfg,
	}
}

// Run executes every check in order. It returns the results gathered so far
// together with the first fatal *Failure, or all results and nil when the
// machine may be upgraded. The confirmation pause at the end is skipped
// under --force and in dry-run mode.
func (c *Checker) Run(ctx context.Context) ([]CheckResult, error) {
	var results []CheckResult
	pass := func(name, detail string) {
		c.logger.WithField("check", name).Info(detail)
		results = append(results, CheckResult{Name: name, Status: StatusPassed, Detail: detail})
	}
	warn := func(name, detail string) {
		c.logger.WithField("check", name).Warn(detail)
		if c.metrics != nil {
			c.metrics.RecordWarning(name)
		}
		results = append(results, CheckResult{Name: name, Status: StatusWarning, Detail: detail})
	}
	fail := func(f *Failure) ([]CheckResult, error) {
		c.logger.WithField("check", f.Check).Error(f.Detail)
		results = append(results, CheckResult{Name: f.Check, Status: StatusFailed, Detail: f.Detail})
		return results, f
	}
	skip := func(name, detail string) {
		c.logger.WithField("check", name).Debug(detail)
		results = append(results, CheckResult{Name: name, Status: StatusSkipped, Detail: detail})
	}

	// Privilege.
	if uid := c.inspector.EffectiveUID(); uid != 0 {
		return fail(newFailure(FailPrivilege, "privilege", "must run as root, effective uid is %d", uid))
	}
	pass("privilege", "running as root")

	// Required commands, reported all at once.
	if missing := c.missingCommands(); len(missing) > 0 {
		return fail(newFailure(FailCommands, "commands", "required commands not found: %s", strings.Join(missing, ", ")))
	}
	pass("commands", "all required commands present")

	// Release identity.
	identity, err := release.ReadIdentity(c.cfg.OSReleasePath)
	if err != nil {
		return fail(newFailure(FailWrongRelease, "release", "cannot determine running release: %v", err))
	}
	switch identity.Codename {
	case c.relmap.Upgrade.Target.Codename:
		return fail(newFailure(FailAlreadyTarget, "release", "already running %s (%s)", identity.Codename, identity.PrettyName))
	case c.relmap.Upgrade.Source.Codename:
		pass("release", fmt.Sprintf("running %s, upgrade path to %s supported", identity.Codename, c.relmap.Upgrade.Target.Codename))
	default:
		return fail(newFailure(FailWrongRelease, "release", "running %q, this upgrade only supports %s", identity.Codename, c.relmap.Upgrade.Source.Codename))
	}
	if identity.ID != "" && identity.ID != c.relmap.Distribution.ID {
		return fail(newFailure(FailWrongRelease, "release", "distribution is %q, want %s", identity.ID, c.relmap.Distribution.ID))
	}

	// Package database consistency.
	report, err := c.pkgs.Audit(ctx)
	if err != nil {
		return fail(newFailure(FailConsistency, "consistency", "cannot audit package database: %v", err))
	}
	if report != "" {
		return fail(newFailure(FailConsistency, "consistency", "package database is inconsistent, run dpkg --configure -a first:\n%s", report))
	}
	pass("consistency", "package database is consistent")

	// Disk space on every configured path.
	if f := c.checkDisk(); f != nil {
		return fail(f)
	}
	pass("disk", fmt.Sprintf("at least %d MiB free on %s", c.cfg.MinFreeBytes>>20, strings.Join(c.cfg.DiskPaths, ", ")))

	// File descriptor headroom is advisory.
	if lim, err := c.inspector.FileDescriptorLimit(); err != nil {
		warn("fd-limit", fmt.Sprintf("cannot read file descriptor limit: %v", err))
	} else if lim < c.cfg.MinFileDescriptors {
		warn("fd-limit", fmt.Sprintf("file descriptor limit %d is below %d, large upgrades may fail", lim, c.cfg.MinFileDescriptors))
	} else {
		pass("fd-limit", fmt.Sprintf("file descriptor limit is %d", lim))
	}

	// Held packages survive the upgrade untouched, which usually breaks it.
	holds, err := c.pkgs.Holds(ctx)
	if err != nil {
		warn("holds", fmt.Sprintf("cannot list held packages: %v", err))
	} else if len(holds) > 0 {
		warn("holds", fmt.Sprintf("%d package(s) on hold will not be upgraded: %s", len(holds), strings.Join(holds, ", ")))
	} else {
		pass("holds", "no packages on hold")
	}

	// Pending reboot from an earlier kernel or libc update.
	if c.cfg.SkipRebootCheck {
		skip("reboot", "reboot check skipped on request")
	} else if _, err := os.Stat(c.cfg.RebootRequiredPath); err == nil {
		return fail(newFailure(FailRebootRequired, "reboot", "%s exists, reboot before upgrading or pass --skip-reboot-check", c.cfg.RebootRequiredPath))
	} else {
		pass("reboot", "no reboot pending")
	}

	// Archive reachability: DNS first, then HTTPS.
	for _, host := range c.relmap.Network.RequiredHosts {
		if _, err := c.resolver.LookupHost(ctx, host); err != nil {
			return fail(newFailure(FailNetwork, "dns", "%v", err))
		}
	}
	pass("dns", fmt.Sprintf("resolved %s", strings.Join(c.relmap.Network.RequiredHosts, ", ")))

	for _, host := range c.relmap.Network.RequiredHosts {
		if err := c.reach.CheckHTTPS(ctx, host); err != nil {
			return fail(newFailure(FailNetwork, "https", "%v", err))
		}
	}
	pass("https", fmt.Sprintf("reached %s", strings.Join(c.relmap.Network.RequiredHosts, ", ")))

	// Third-party sources are left alone later; say so now.
	thirdParty, err := c.thirdPartyFiles()
	if err != nil {
		warn("third-party", fmt.Sprintf("cannot inspect source files: %v", err))
	} else if len(thirdParty) > 0 {
		warn("third-party", fmt.Sprintf("%d third-party source file(s) will not be touched: %s", len(thirdParty), strings.Join(thirdParty, ", ")))
	} else {
		pass("third-party", "all sources are distribution-operated")
	}

	// Operator policies.
	if c.gate != nil {
		input := map[string]interface{}{
			"source_release":    c.relmap.Upgrade.Source.Codename,
			"target_release":    c.relmap.Upgrade.Target.Codename,
			"dry_run":           c.cfg.DryRun,
			"force":             c.cfg.Force,
			"holds":             holds,
			"third_party_files": thirdParty,
		}
		denials, err := c.gate.Evaluate(ctx, input)
		if err != nil {
			return fail(newFailure(FailPolicy, "policy", "policy evaluation failed: %v", err))
		}
		if len(denials) > 0 {
			return fail(newFailure(FailPolicy, "policy", "denied by policy: %s", strings.Join(denials, "; ")))
		}
		pass("policy", "no policy denies the upgrade")
	}

	// Last chance to bail out.
	if c.cfg.Force || c.cfg.DryRun {
		skip("confirmation", "confirmation pause skipped")
		return results, nil
	}
	c.logger.Infof("starting upgrade to %s in %s, interrupt to abort", c.relmap.Upgrade.Target.Codename, c.cfg.PauseDuration)
	select {
	case <-time.After(c.cfg.PauseDuration):
		pass("confirmation", "pause elapsed without interruption")
	case <-ctx.Done():
		results = append(results, CheckResult{Name: "confirmation", Status: StatusFailed, Detail: "interrupted"})
		return results, fmt.Errorf("confirmation pause interrupted: %w", ctx.Err())
	}

	return results, nil
}

func (c *Checker) missingCommands() []string {
	var missing []string
	for _, name := range c.cfg.RequiredCommands {
		if _, err := c.runner.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func (c *Checker) checkDisk() *Failure {
	for _, path := range c.cfg.DiskPaths {
		free, err := c.inspector.FreeDiskBytes(path)
		if err != nil {
			return newFailure(FailDisk, "disk", "cannot check free space on %s: %v", path, err)
		}
		if free < c.cfg.MinFreeBytes {
			return newFailure(FailDisk, "disk", "%s has %d MiB free, need %d MiB", path, free>>20, c.cfg.MinFreeBytes>>20)
		}
	}
	return nil
}

func (c *Checker) thirdPartyFiles() ([]string, error) {
	if c.rewriter == nil {
		return nil, nil
	}
	files, err := c.rewriter.Discover()
	if err != nil {
		return nil, err
	}
	var thirdParty []string
	for _, sf := range files {
		if len(sf.URIs) == 0 {
			continue
		}
		if !c.rewriter.AllDistribution(sf.URIs) {
			thirdParty = append(thirdParty, sf.Path)
		}
	}
	return thirdParty, nil
}
