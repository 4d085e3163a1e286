package sysops

import (
	"context"
	"fmt"
	"strings"
)

// ConffilePolicy decides what happens when an upgraded package ships a new
// version of a configuration file the administrator has modified.
type ConffilePolicy string

const (
	// ConffileReplace installs the package maintainer's version.
	ConffileReplace ConffilePolicy = "replace"
	// ConffileKeep keeps the locally modified version.
	ConffileKeep ConffilePolicy = "keep"
)

// Valid reports whether the policy is one of the supported values.
func (p ConffilePolicy) Valid() bool {
	return p == ConffileReplace || p == ConffileKeep
}

// AptManager implements PackageManager with apt-get, apt-mark, dpkg and
// dpkg-query. Every mutating call runs non-interactively.
type AptManager struct {
	runner   Runner
	conffile ConffilePolicy
}

// NewAptManager creates a manager that applies the given conffile policy to
// every upgrade operation.
func NewAptManager(runner Runner, conffile ConffilePolicy) (*AptManager, error) {
	if !conffile.Valid() {
		return nil, fmt.Errorf("invalid conffile policy %q", conffile)
	}
	return &AptManager{runner: runner, conffile: conffile}, nil
}

func aptEnv() []string {
	return []string{"DEBIAN_FRONTEND=noninteractive"}
}

func (m *AptManager) conffileOptions() []string {
	switch m.conffile {
	case ConffileReplace:
		return []string{"-o", "Dpkg::Options::=--force-confnew"}
	default:
		return []string{"-o", "Dpkg::Options::=--force-confdef", "-o", "Dpkg::Options::=--force-confold"}
	}
}

func (m *AptManager) aptGet(ctx context.Context, subcommand string, extra ...string) error {
	args := append([]string{subcommand, "-y", "-q"}, m.conffileOptions()...)
	args = append(args, extra...)
	_, err := m.runner.MutateEnv(ctx, aptEnv(), "apt-get", args...)
	return err
}

// Update refreshes the package indexes.
func (m *AptManager) Update(ctx context.Context) error {
	_, err := m.runner.MutateEnv(ctx, aptEnv(), "apt-get", "update", "-q")
	return err
}

// Upgrade applies all pending upgrades on the current release.
func (m *AptManager) Upgrade(ctx context.Context) error {
	return m.aptGet(ctx, "upgrade")
}

// MinimalUpgrade upgrades installed packages in place without installing or
// removing anything.
func (m *AptManager) MinimalUpgrade(ctx context.Context) error {
	return m.aptGet(ctx, "upgrade", "--without-new-pkgs")
}

// DistUpgrade performs the full release upgrade, installing and removing
// packages as the new release requires.
func (m *AptManager) DistUpgrade(ctx context.Context) error {
	return m.aptGet(ctx, "dist-upgrade")
}

// Autoremove purges packages nothing depends on anymore.
func (m *AptManager) Autoremove(ctx context.Context) error {
	return m.aptGet(ctx, "autoremove", "--purge")
}

// Clean empties the local package cache.
func (m *AptManager) Clean(ctx context.Context) error {
	_, err := m.runner.MutateEnv(ctx, aptEnv(), "apt-get", "clean")
	return err
}

// FixBroken repairs unsatisfied dependencies left behind by an interrupted
// package operation.
func (m *AptManager) FixBroken(ctx context.Context) error {
	return m.aptGet(ctx, "install", "--fix-broken")
}

// ConfigurePending finishes configuration of unpacked packages.
func (m *AptManager) ConfigurePending(ctx context.Context) error {
	_, err := m.runner.MutateEnv(ctx, aptEnv(), "dpkg", "--configure", "-a")
	return err
}

// Audit reports packages in a broken or half-configured state. An empty
// report means the package database is consistent.
func (m *AptManager) Audit(ctx context.Context) (string, error) {
	res, err := m.runner.Query(ctx, "dpkg", "--audit")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Selections lists every package with its dpkg selection state.
func (m *AptManager) Selections(ctx context.Context) (string, error) {
	res, err := m.runner.Query(ctx, "dpkg", "--get-selections")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// ManualList lists packages marked as manually installed.
func (m *AptManager) ManualList(ctx context.Context) (string, error) {
	res, err := m.runner.Query(ctx, "apt-mark", "showmanual")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// InstalledVersions lists installed packages with their versions, one per
// line.
func (m *AptManager) InstalledVersions(ctx context.Context) (string, error) {
	res, err := m.runner.Query(ctx, "dpkg-query", "-W", `-f=${Package} ${Version}\n`)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Holds lists packages with version holds.
func (m *AptManager) Holds(ctx context.Context) ([]string, error) {
	res, err := m.runner.Query(ctx, "apt-mark", "showhold")
	if err != nil {
		return nil, err
	}
	var holds []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			holds = append(holds, line)
		}
	}
	return holds, nil
}

// ModernizeSources converts one-line source entries to the deb822 format.
// Only available on apt 3.0 and later, so callers treat failure as advisory.
func (m *AptManager) ModernizeSources(ctx context.Context) error {
	_, err := m.runner.MutateEnv(ctx, aptEnv(), "apt", "modernize-sources", "-y")
	return err
}

// UpgradePackage upgrades a single package that is already installed.
func (m *AptManager) UpgradePackage(ctx context.Context, name string) error {
	return m.aptGet(ctx, "install", "--only-upgrade", name)
}
