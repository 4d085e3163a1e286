package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

var testPhases = []string{"preflight", "snapshot", "switch-sources", "full-upgrade", "cleanup"}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func loadScript(t *testing.T, script string) *Hooks {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hooks.star")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := Load(testLogger(t), path, testPhases, 0)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return h
}

func testInput() map[string]interface{} {
	return map[string]interface{}{
		"run_id":         "run-1",
		"phase":          "preflight",
		"source_release": "bookworm",
		"target_release": "trixie",
		"dry_run":        false,
	}
}

func TestHookReceivesInput(t *testing.T) {
	// The hook fails with a value from the input dict, proving both
	// that it ran and that conversion worked.
	h := loadScript(t, `
def pre_preflight(info):
    fail("saw " + info["target_release"])
`)

	err := h.RunPre(context.Background(), "preflight", testInput())
	if err == nil {
		t.Fatal("expected hook failure")
	}
	if !strings.Contains(err.Error(), "saw trixie") {
		t.Errorf("error %q does not carry the hook message", err)
	}
}

func TestMissingHookIsNoop(t *testing.T) {
	h := loadScript(t, `
def pre_preflight(info):
    pass
`)

	if err := h.RunPost(context.Background(), "cleanup", testInput()); err != nil {
		t.Errorf("missing hook returned error: %v", err)
	}
}

func TestNilHooksRunNothing(t *testing.T) {
	var h *Hooks
	if err := h.RunPre(context.Background(), "preflight", testInput()); err != nil {
		t.Errorf("nil hooks returned error: %v", err)
	}
}

func TestHookSuccess(t *testing.T) {
	h := loadScript(t, `
def post_full_upgrade(info):
    if info["dry_run"]:
        fail("should not be a dry run")
`)

	if err := h.RunPost(context.Background(), "full-upgrade", testInput()); err != nil {
		t.Errorf("RunPost() error: %v", err)
	}
}

func TestHyphenatedPhaseName(t *testing.T) {
	h := loadScript(t, `
def pre_switch_sources(info):
    fail("switch hook ran")
`)

	err := h.RunPre(context.Background(), "switch-sources", testInput())
	if err == nil || !strings.Contains(err.Error(), "switch hook ran") {
		t.Errorf("hyphenated phase hook did not run: %v", err)
	}
}

func TestBooleanInputValue(t *testing.T) {
	h := loadScript(t, `
def pre_preflight(info):
    if type(info["dry_run"]) != "bool":
        fail("dry_run is " + type(info["dry_run"]))
`)

	if err := h.RunPre(context.Background(), "preflight", testInput()); err != nil {
		t.Errorf("RunPre() error: %v", err)
	}
}

func TestHookTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.star")
	script := `
def pre_snapshot(info):
    x = 0
    for i in range(1000000000):
        x += i
`
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := Load(testLogger(t), path, []string{"snapshot"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	start := time.Now()
	err = h.RunPre(context.Background(), "snapshot", testInput())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error %q is not a timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not stop the script promptly")
	}
}

func TestHookInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.star")
	script := `
def pre_snapshot(info):
    x = 0
    for i in range(1000000000):
        x += i
`
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := Load(testLogger(t), path, []string{"snapshot"}, time.Hour)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err = h.RunPre(ctx, "snapshot", testInput())
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Errorf("error %v, want interruption", err)
	}
}

func TestLoadRejectsUnknownPhase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.star")
	if err := os.WriteFile(path, []byte("def pre_swich_sources(info):\n    pass\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(testLogger(t), path, testPhases, 0)
	if err == nil || !strings.Contains(err.Error(), "does not match any phase") {
		t.Errorf("Load() error = %v, want unknown phase", err)
	}
}

func TestLoadRejectsNonFunctionHook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.star")
	if err := os.WriteFile(path, []byte("pre_preflight = 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(testLogger(t), path, testPhases, 0)
	if err == nil || !strings.Contains(err.Error(), "not a function") {
		t.Errorf("Load() error = %v, want not a function", err)
	}
}

func TestLoadIgnoresHelpers(t *testing.T) {
	h := loadScript(t, `
_internal = "hidden"

def helper(x):
    return x

def pre_cleanup(info):
    pass
`)

	if len(h.funcs) != 1 {
		t.Errorf("funcs = %v, want only pre_cleanup", h.funcs)
	}
}

func TestLoadSyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.star")
	if err := os.WriteFile(path, []byte("def broken(:\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(testLogger(t), path, testPhases, 0); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(testLogger(t), "/nonexistent/hooks.star", testPhases, 0); err == nil {
		t.Fatal("expected error for missing file")
	}
}
