package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aptshift.cue")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/aptshift.cue"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
state_dir:       "/srv/aptshift"
log_level:       "debug"
conffile_policy: "keep"
syslog:          true
services: ["ssh", "cron"]
policy_dirs: ["/etc/aptshift/policies"]
lock_timeout:       "90s"
confirmation_pause: "30s"
min_free_mb:        8192
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.StateDir != "/srv/aptshift" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.ConffilePolicy != "keep" {
		t.Errorf("ConffilePolicy = %q", cfg.ConffilePolicy)
	}
	if !cfg.Syslog {
		t.Error("Syslog not applied")
	}
	if len(cfg.Services) != 2 || cfg.Services[0] != "ssh" {
		t.Errorf("Services = %v", cfg.Services)
	}
	if len(cfg.PolicyDirs) != 1 {
		t.Errorf("PolicyDirs = %v", cfg.PolicyDirs)
	}
	if cfg.LockTimeout != 90*time.Second {
		t.Errorf("LockTimeout = %v", cfg.LockTimeout)
	}
	if cfg.ConfirmationPause != 30*time.Second {
		t.Errorf("ConfirmationPause = %v", cfg.ConfirmationPause)
	}
	if cfg.MinFreeMB != 8192 {
		t.Errorf("MinFreeMB = %d", cfg.MinFreeMB)
	}

	// Untouched fields keep their defaults.
	if cfg.LogFile != Default().LogFile {
		t.Errorf("LogFile = %q, want default", cfg.LogFile)
	}
	if cfg.HookTimeout != Default().HookTimeout {
		t.Errorf("HookTimeout = %v, want default", cfg.HookTimeout)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `servcies: ["ssh"]`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "servcies") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoadRejectsWrongType(t *testing.T) {
	path := writeConfig(t, `min_free_mb: "lots"`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for wrong type")
	}
}

func TestLoadRejectsBadEnum(t *testing.T) {
	path := writeConfig(t, `log_level: "loud"`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for out-of-range log_level")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `lock_timeout: "ninety seconds"`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unparseable duration")
	}
	if !strings.Contains(err.Error(), "lock_timeout") {
		t.Errorf("error %q does not name the field", err)
	}
}

func TestLoadRejectsSyntaxError(t *testing.T) {
	path := writeConfig(t, `state_dir: [unclosed`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for CUE syntax error")
	}
}

func TestLoadedConfigValidates(t *testing.T) {
	path := writeConfig(t, `
log_level: "trace"
tracing_exporter: "stdout"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}
