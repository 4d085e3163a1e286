package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

// Config is the resolved run configuration. It is built by merging
// defaults, the optional CUE config file and command-line flags, in that
// order, and is treated as immutable once Validate has passed.
type Config struct {
	// DryRun logs mutating commands instead of executing them.
	DryRun bool

	// Force skips the confirmation pause.
	Force bool

	// Reset removes all phase markers and exits without upgrading.
	Reset bool

	// Verbose lowers the log level to debug.
	Verbose bool

	// ConffilePolicy decides how dpkg treats changed configuration
	// files: replace takes the package maintainer's version, keep
	// retains the local one.
	ConffilePolicy string `validate:"required,oneof=replace keep"`

	// SkipRebootCheck disables the pending-reboot preflight check.
	SkipRebootCheck bool

	// Services are systemd units that must be active after the upgrade.
	Services []string `validate:"dive,required"`

	// StateDir holds markers, snapshots, the journal and the metrics
	// snapshot.
	StateDir string `validate:"required"`

	// LogFile is the append-only orchestrator log.
	LogFile string `validate:"required"`

	// LockPath is the singleton lock file.
	LockPath string `validate:"required"`

	// PolicyDirs are extra policy files or directories for the gate.
	PolicyDirs []string `validate:"dive,required"`

	// HooksFile is an optional Starlark hooks script.
	HooksFile string

	// ReleaseMapFile overrides the embedded release map.
	ReleaseMapFile string

	// MetricsFile overrides the metrics snapshot path. Empty derives it
	// from StateDir.
	MetricsFile string

	// LockTimeout bounds the wait for the singleton lock. Zero fails
	// immediately when another instance holds it.
	LockTimeout time.Duration `validate:"min=0"`

	// ConfirmationPause is the interruptible wait before the first
	// mutating phase.
	ConfirmationPause time.Duration `validate:"min=0"`

	// HookTimeout bounds a single hook invocation.
	HookTimeout time.Duration `validate:"min=0"`

	// MinFreeMB is the required free disk space per checked path.
	MinFreeMB uint64

	// LogLevel is the minimum level written to the log sinks.
	LogLevel string `validate:"required,oneof=trace debug info warn error"`

	// Syslog mirrors log records to the local system log.
	Syslog bool

	// TraceCommands logs every executed command line.
	TraceCommands bool

	// TracingExporter selects the span exporter (otlp, stdout, none).
	TracingExporter string `validate:"required,oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector address.
	TracingEndpoint string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ConffilePolicy:    "replace",
		StateDir:          "/var/lib/aptshift",
		LogFile:           "/var/log/aptshift.log",
		LockPath:          "/run/aptshift.lock",
		LockTimeout:       0,
		ConfirmationPause: 10 * time.Second,
		HookTimeout:       30 * time.Second,
		MinFreeMB:         5120,
		LogLevel:          "info",
		TracingExporter:   "none",
	}
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.TracingExporter == "otlp" && c.TracingEndpoint == "" {
		return fmt.Errorf("invalid configuration: tracing_exporter otlp requires tracing_endpoint")
	}
	return nil
}

// MarkerDir is where phase completion markers live.
func (c Config) MarkerDir() string {
	return filepath.Join(c.StateDir, "markers")
}

// SnapshotDir is where pre-upgrade snapshots live.
func (c Config) SnapshotDir() string {
	return filepath.Join(c.StateDir, "snapshots")
}

// JournalPath is the run history database.
func (c Config) JournalPath() string {
	return filepath.Join(c.StateDir, "journal.db")
}

// MetricsPath is the Prometheus textfile snapshot location.
func (c Config) MetricsPath() string {
	if c.MetricsFile != "" {
		return c.MetricsFile
	}
	return filepath.Join(c.StateDir, "metrics.prom")
}

// MinFreeBytes converts the disk threshold to bytes.
func (c Config) MinFreeBytes() uint64 {
	return c.MinFreeMB << 20
}

// Snapshot returns the resolved configuration as log fields. The runner
// attaches it to failed commands under --verbose so a failure report
// carries the configuration it ran with. Nothing in the configuration is
// secret, so no field is withheld.
func (c Config) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"dry_run":            c.DryRun,
		"force":              c.Force,
		"conffile_policy":    c.ConffilePolicy,
		"skip_reboot_check":  c.SkipRebootCheck,
		"services":           c.Services,
		"state_dir":          c.StateDir,
		"log_file":           c.LogFile,
		"lock_path":          c.LockPath,
		"policy_dirs":        c.PolicyDirs,
		"hooks_file":         c.HooksFile,
		"release_map_file":   c.ReleaseMapFile,
		"lock_timeout":       c.LockTimeout.String(),
		"confirmation_pause": c.ConfirmationPause.String(),
		"hook_timeout":       c.HookTimeout.String(),
		"min_free_mb":        c.MinFreeMB,
		"log_level":          c.LogLevel,
		"syslog":             c.Syslog,
		"trace_commands":     c.TraceCommands,
		"tracing_exporter":   c.TracingExporter,
	}
}

// Telemetry maps the run configuration onto the telemetry stack.
func (c Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version

	tc.Logging.Level = c.LogLevel
	if c.Verbose && c.LogLevel != "trace" {
		tc.Logging.Level = "debug"
	}
	tc.Logging.EnableCaller = c.Verbose
	tc.Logging.FilePath = c.LogFile
	tc.Logging.Syslog = c.Syslog

	tc.Metrics.TextfilePath = c.MetricsPath()

	tc.Tracing.Exporter = c.TracingExporter
	tc.Tracing.Endpoint = c.TracingEndpoint
	tc.Tracing.Enabled = c.TracingExporter != "none"

	return tc
}
