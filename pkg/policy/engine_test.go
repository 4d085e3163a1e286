package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(testLogger(t))
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return eng
}

func gateInput(force bool, holds, thirdParty []string) map[string]interface{} {
	return map[string]interface{}{
		"source_release":    "bookworm",
		"target_release":    "trixie",
		"dry_run":           false,
		"force":             force,
		"holds":             holds,
		"third_party_files": thirdParty,
	}
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("no built-in policies loaded")
	}

	for _, expected := range []string{"essential-holds", "release-path", "forced-third-party"} {
		found := false
		for _, p := range policies {
			if p.Name == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("built-in policy %s not found", expected)
		}
	}
}

func TestEssentialHolds(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name     string
		holds    []string
		wantDeny bool
	}{
		{name: "no holds", holds: []string{}, wantDeny: false},
		{name: "harmless hold", holds: []string{"vim"}, wantDeny: false},
		{name: "apt on hold", holds: []string{"apt"}, wantDeny: true},
		{name: "keyring among others", holds: []string{"vim", "debian-archive-keyring"}, wantDeny: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			denials, err := eng.Evaluate(context.Background(), gateInput(false, tt.holds, []string{}))
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if got := len(denials) > 0; got != tt.wantDeny {
				t.Errorf("denied = %v, want %v, denials: %v", got, tt.wantDeny, denials)
			}
		})
	}
}

func TestIdenticalReleasesDenied(t *testing.T) {
	eng := newTestEngine(t)

	input := gateInput(false, []string{}, []string{})
	input["target_release"] = "bookworm"

	denials, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(denials) != 1 {
		t.Fatalf("denials = %v, want exactly one", denials)
	}
	if !strings.Contains(denials[0], "release-path") {
		t.Errorf("denial %q does not name the policy", denials[0])
	}
}

func TestWarningSeverityDoesNotBlock(t *testing.T) {
	eng := newTestEngine(t)

	// forced-third-party fires here, but only at warning severity.
	denials, err := eng.Evaluate(context.Background(), gateInput(true, []string{}, []string{"/etc/apt/sources.list.d/example.list"}))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("warning severity produced denials: %v", denials)
	}
}

func TestOperatorPolicyDenies(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	rego := `# refuse forced upgrades outright
package aptshift.policies.noforce

import rego.v1

deny contains violation if {
	input.force
	violation := {
		"message": "forced upgrades are not allowed on this host",
		"severity": "error",
	}
}`
	if err := os.WriteFile(filepath.Join(dir, "no-force.rego"), []byte(rego), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPaths(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPaths() error: %v", err)
	}

	denials, err := eng.Evaluate(context.Background(), gateInput(true, []string{}, []string{}))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(denials) != 1 || !strings.Contains(denials[0], "no-force") {
		t.Errorf("denials = %v, want one from no-force", denials)
	}

	// The same input without force passes.
	denials, err = eng.Evaluate(context.Background(), gateInput(false, []string{}, []string{}))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("unexpected denials: %v", denials)
	}
}

func TestOperatorPolicyReplacesBuiltin(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	rego := `package aptshift.policies.holds

import rego.v1

deny contains violation if {
	some pkg in input.holds
	violation := {
		"message": sprintf("no holds allowed at all, found %s", [pkg]),
		"severity": "error",
	}
}`
	if err := os.WriteFile(filepath.Join(dir, "essential-holds.rego"), []byte(rego), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPaths(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPaths() error: %v", err)
	}

	// vim is harmless under the built-in but denied by the replacement.
	denials, err := eng.Evaluate(context.Background(), gateInput(false, []string{"vim"}, []string{}))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(denials) != 1 || !strings.Contains(denials[0], "no holds allowed") {
		t.Errorf("denials = %v, want replacement message", denials)
	}
}

func TestLoadPathsRejectsBadRego(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("this is not rego"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPaths(context.Background(), []string{dir}); err == nil {
		t.Fatal("expected error for unparseable policy")
	}
}

func TestDisabledPolicyNotEvaluated(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	doc := `{
  "name": "always-deny",
  "enabled": false,
  "severity": "error",
  "rego": "package aptshift.policies.always\n\nimport rego.v1\n\ndeny contains \"denied\" if { true }"
}`
	if err := os.WriteFile(filepath.Join(dir, "always-deny.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPaths(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPaths() error: %v", err)
	}

	denials, err := eng.Evaluate(context.Background(), gateInput(false, []string{}, []string{}))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if len(denials) != 0 {
		t.Errorf("disabled policy produced denials: %v", denials)
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "simple package",
			source: "package aptshift.policies.window\n\ndeny := []",
			want:   "aptshift.policies.window",
		},
		{
			name:   "leading comments",
			source: "# a policy\n\npackage custom.gate\n",
			want:   "custom.gate",
		},
		{
			name:   "no package line",
			source: "deny := []",
			want:   "aptshift.policies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPackageName(tt.source); got != tt.want {
				t.Errorf("extractPackageName() = %q, want %q", got, tt.want)
			}
		})
	}
}
