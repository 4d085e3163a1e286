package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// configSchema is the closed CUE schema for the operator config file.
// Unknown fields are rejected so typos surface instead of being ignored.
const configSchema = `close({
	state_dir?:          string & !=""
	log_file?:           string & !=""
	lock_path?:          string & !=""
	log_level?:          "trace" | "debug" | "info" | "warn" | "error"
	syslog?:             bool
	trace_commands?:     bool
	conffile_policy?:    "replace" | "keep"
	skip_reboot_check?:  bool
	lock_timeout?:       string
	confirmation_pause?: string
	hook_timeout?:       string
	services?:           [...string]
	policy_dirs?:        [...string]
	hooks_file?:         string
	release_map_file?:   string
	min_free_mb?:        int & >=0
	metrics_file?:       string
	tracing_exporter?:   "otlp" | "stdout" | "none"
	tracing_endpoint?:   string
})`

// fileConfig is the document shape decoded from CUE. Durations are
// strings, booleans are pointers so absence is distinguishable from
// false during the merge.
type fileConfig struct {
	StateDir          string   `json:"state_dir"`
	LogFile           string   `json:"log_file"`
	LockPath          string   `json:"lock_path"`
	LogLevel          string   `json:"log_level"`
	Syslog            *bool    `json:"syslog"`
	TraceCommands     *bool    `json:"trace_commands"`
	ConffilePolicy    string   `json:"conffile_policy"`
	SkipRebootCheck   *bool    `json:"skip_reboot_check"`
	LockTimeout       string   `json:"lock_timeout"`
	ConfirmationPause string   `json:"confirmation_pause"`
	HookTimeout       string   `json:"hook_timeout"`
	Services          []string `json:"services"`
	PolicyDirs        []string `json:"policy_dirs"`
	HooksFile         string   `json:"hooks_file"`
	ReleaseMapFile    string   `json:"release_map_file"`
	MinFreeMB         *uint64  `json:"min_free_mb"`
	MetricsFile       string   `json:"metrics_file"`
	TracingExporter   string   `json:"tracing_exporter"`
	TracingEndpoint   string   `json:"tracing_endpoint"`
}

// Load returns the defaults merged with the config file at path. An
// empty path returns the defaults unchanged. Flags are applied by the
// caller afterwards, then Validate seals the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	fc, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyFile(fc); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// loadFile parses and schema-checks one CUE config file.
func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ctx := cuecontext.New()

	val := ctx.CompileString(string(data), cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %s", cueDetails(err))
	}

	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config file: %s", cueDetails(err))
	}

	var fc fileConfig
	if err := unified.Decode(&fc); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %s", cueDetails(err))
	}

	return &fc, nil
}

// applyFile overlays set file fields onto the defaults.
func (c *Config) applyFile(fc *fileConfig) error {
	if fc.StateDir != "" {
		c.StateDir = fc.StateDir
	}
	if fc.LogFile != "" {
		c.LogFile = fc.LogFile
	}
	if fc.LockPath != "" {
		c.LockPath = fc.LockPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.Syslog != nil {
		c.Syslog = *fc.Syslog
	}
	if fc.TraceCommands != nil {
		c.TraceCommands = *fc.TraceCommands
	}
	if fc.ConffilePolicy != "" {
		c.ConffilePolicy = fc.ConffilePolicy
	}
	if fc.SkipRebootCheck != nil {
		c.SkipRebootCheck = *fc.SkipRebootCheck
	}
	if fc.Services != nil {
		c.Services = fc.Services
	}
	if fc.PolicyDirs != nil {
		c.PolicyDirs = fc.PolicyDirs
	}
	if fc.HooksFile != "" {
		c.HooksFile = fc.HooksFile
	}
	if fc.ReleaseMapFile != "" {
		c.ReleaseMapFile = fc.ReleaseMapFile
	}
	if fc.MinFreeMB != nil {
		c.MinFreeMB = *fc.MinFreeMB
	}
	if fc.MetricsFile != "" {
		c.MetricsFile = fc.MetricsFile
	}
	if fc.TracingExporter != "" {
		c.TracingExporter = fc.TracingExporter
	}
	if fc.TracingEndpoint != "" {
		c.TracingEndpoint = fc.TracingEndpoint
	}

	var err error
	if c.LockTimeout, err = overlayDuration(c.LockTimeout, fc.LockTimeout); err != nil {
		return fmt.Errorf("invalid lock_timeout: %w", err)
	}
	if c.ConfirmationPause, err = overlayDuration(c.ConfirmationPause, fc.ConfirmationPause); err != nil {
		return fmt.Errorf("invalid confirmation_pause: %w", err)
	}
	if c.HookTimeout, err = overlayDuration(c.HookTimeout, fc.HookTimeout); err != nil {
		return fmt.Errorf("invalid hook_timeout: %w", err)
	}

	return nil
}

func overlayDuration(current time.Duration, raw string) (time.Duration, error) {
	if raw == "" {
		return current, nil
	}
	return time.ParseDuration(raw)
}

// cueDetails renders a CUE error list with file positions.
func cueDetails(err error) string {
	return strings.TrimSpace(cueerrors.Details(err, nil))
}
