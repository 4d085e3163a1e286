// Package sysops wraps the host operations an upgrade performs: running
// commands, driving apt and dpkg, querying systemd units, probing the
// network, and inspecting the machine. Each concern sits behind a narrow
// interface so phase logic can be exercised against fakes.
package sysops

import "context"

// Runner executes host commands. Query runs read-only probes and always
// executes, even in dry-run mode. Mutate runs state-changing commands; in
// dry-run mode it logs the command line and reports success without
// executing anything.
type Runner interface {
	Query(ctx context.Context, name string, args ...string) (*Result, error)
	Mutate(ctx context.Context, name string, args ...string) (*Result, error)
	MutateEnv(ctx context.Context, extraEnv []string, name string, args ...string) (*Result, error)
	LookPath(name string) (string, error)
}

// PackageManager drives the package system through a release upgrade.
type PackageManager interface {
	// Update refreshes the package indexes.
	Update(ctx context.Context) error
	// Upgrade applies pending upgrades without changing the package set.
	Upgrade(ctx context.Context) error
	// MinimalUpgrade upgrades in-place only, installing and removing nothing.
	MinimalUpgrade(ctx context.Context) error
	// DistUpgrade performs the full upgrade, adding and removing packages
	// as the new release requires.
	DistUpgrade(ctx context.Context) error
	// Autoremove purges packages nothing depends on anymore.
	Autoremove(ctx context.Context) error
	// Clean empties the package cache.
	Clean(ctx context.Context) error
	// FixBroken repairs unsatisfied dependencies.
	FixBroken(ctx context.Context) error
	// ConfigurePending finishes interrupted package configuration.
	ConfigurePending(ctx context.Context) error
	// Audit reports packages in a broken or half-configured state. An
	// empty report means the package system is consistent.
	Audit(ctx context.Context) (string, error)
	// Selections lists every package with its selection state.
	Selections(ctx context.Context) (string, error)
	// ManualList lists packages marked as manually installed.
	ManualList(ctx context.Context) (string, error)
	// InstalledVersions lists installed packages with their versions.
	InstalledVersions(ctx context.Context) (string, error)
	// Holds lists packages with version holds.
	Holds(ctx context.Context) ([]string, error)
	// ModernizeSources converts legacy source entries to the current format.
	ModernizeSources(ctx context.Context) error
	// UpgradePackage upgrades a single installed package.
	UpgradePackage(ctx context.Context, name string) error
}

// ServiceManager queries systemd units.
type ServiceManager interface {
	// IsActive reports whether a unit is active, along with the raw state.
	IsActive(ctx context.Context, unit string) (bool, string, error)
}

// Resolver resolves hostnames.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ReachabilityChecker verifies that a host answers over HTTPS.
type ReachabilityChecker interface {
	CheckHTTPS(ctx context.Context, host string) error
}

// SystemInspector reads facts about the machine.
type SystemInspector interface {
	EffectiveUID() int
	FreeDiskBytes(path string) (uint64, error)
	FileDescriptorLimit() (uint64, error)
	KernelVersion() (string, error)
}
