package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aptshift/aptshift/pkg/config"
	"github.com/aptshift/aptshift/pkg/journal"
	"github.com/aptshift/aptshift/pkg/preflight"
	"github.com/aptshift/aptshift/pkg/release"
	"github.com/aptshift/aptshift/pkg/rollback"
	"github.com/aptshift/aptshift/pkg/sources"
	"github.com/aptshift/aptshift/pkg/state"
	"github.com/aptshift/aptshift/pkg/sysops"
	"github.com/aptshift/aptshift/pkg/telemetry"
)

// fakePkg records every operation so tests can assert what a run mutated.
type fakePkg struct {
	mu    sync.Mutex
	calls []string

	failOn map[string]error
}

func (f *fakePkg) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if err, ok := f.failOn[op]; ok {
		return err
	}
	return nil
}

func (f *fakePkg) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakePkg) count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakePkg) Update(context.Context) error           { return f.record("update") }
func (f *fakePkg) Upgrade(context.Context) error          { return f.record("upgrade") }
func (f *fakePkg) MinimalUpgrade(context.Context) error   { return f.record("minimal-upgrade") }
func (f *fakePkg) DistUpgrade(context.Context) error      { return f.record("dist-upgrade") }
func (f *fakePkg) Autoremove(context.Context) error       { return f.record("autoremove") }
func (f *fakePkg) Clean(context.Context) error            { return f.record("clean") }
func (f *fakePkg) FixBroken(context.Context) error        { return f.record("fix-broken") }
func (f *fakePkg) ConfigurePending(context.Context) error { return f.record("configure-pending") }
func (f *fakePkg) ModernizeSources(context.Context) error { return f.record("modernize-sources") }
func (f *fakePkg) UpgradePackage(_ context.Context, name string) error {
	return f.record("upgrade-package:" + name)
}
func (f *fakePkg) Audit(context.Context) (string, error) { return "", f.record("audit") }
func (f *fakePkg) Selections(context.Context) (string, error) {
	return "apt\t\tinstall\n", f.record("selections")
}
func (f *fakePkg) ManualList(context.Context) (string, error) {
	return "vim\n", f.record("manual-list")
}
func (f *fakePkg) InstalledVersions(context.Context) (string, error) {
	return "apt 2.6.1\n", f.record("installed-versions")
}
func (f *fakePkg) Holds(context.Context) ([]string, error) { return nil, f.record("holds") }

type fakeSvc struct {
	inactive map[string]bool
}

func (f *fakeSvc) IsActive(_ context.Context, unit string) (bool, string, error) {
	if f.inactive[unit] {
		return false, "inactive", nil
	}
	return true, "active", nil
}

type fakeInspector struct{}

func (fakeInspector) EffectiveUID() int                     { return 0 }
func (fakeInspector) FreeDiskBytes(string) (uint64, error)  { return 50 << 30, nil }
func (fakeInspector) FileDescriptorLimit() (uint64, error)  { return 65536, nil }
func (fakeInspector) KernelVersion() (string, error)        { return "6.12.0-test", nil }

type fakeRunner struct{}

func (fakeRunner) Query(context.Context, string, ...string) (*sysops.Result, error) {
	return &sysops.Result{}, nil
}
func (fakeRunner) Mutate(context.Context, string, ...string) (*sysops.Result, error) {
	return &sysops.Result{}, nil
}
func (fakeRunner) MutateEnv(context.Context, []string, string, ...string) (*sysops.Result, error) {
	return &sysops.Result{}, nil
}
func (fakeRunner) LookPath(name string) (string, error) {
	if name == "needrestart" {
		return "", fmt.Errorf("needrestart not found")
	}
	return "/usr/bin/" + name, nil
}

type fakeResolver struct{}

func (fakeResolver) LookupHost(context.Context, string) ([]string, error) {
	return []string{"198.51.100.10"}, nil
}

type fakeReach struct{}

func (fakeReach) CheckHTTPS(context.Context, string) error { return nil }

type fixture struct {
	deps     Deps
	pkgs     *fakePkg
	current  *fakePkg
	aptDir   string
	stateDir string
}

func testMap() *release.Map {
	return &release.Map{
		Version: 1,
		Upgrade: release.UpgradePath{
			Source: release.Release{Codename: "bookworm", Version: "12"},
			Target: release.Release{Codename: "trixie", Version: "13"},
		},
		Distribution: release.Distribution{ID: "debian", Origins: []string{"debian.org"}},
		Network:      release.Network{RequiredHosts: []string{"deb.debian.org"}},
		Suites:       release.Suites{Suffixes: []string{"-security", "-updates", "-backports"}},
	}
}

func testTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Console = false
	cfg.Metrics.Enabled = false
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tel.Shutdown(context.Background()) })
	return tel
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newFixture builds an orchestrator whose every phase succeeds against a
// temp apt tree and fake collaborators.
func newFixture(t *testing.T, dryRun bool) *fixture {
	t.Helper()

	tel := testTelemetry(t)
	dir := t.TempDir()

	aptDir := filepath.Join(dir, "apt")
	partsDir := filepath.Join(aptDir, "sources.list.d")
	if err := os.MkdirAll(partsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	mainFile := filepath.Join(aptDir, "sources.list")
	writeFile(t, mainFile, "deb http://deb.debian.org/debian bookworm main contrib\ndeb http://deb.debian.org/debian bookworm-updates main\n")

	preOSRelease := filepath.Join(dir, "os-release.pre")
	writeFile(t, preOSRelease, "ID=debian\nVERSION_CODENAME=bookworm\nPRETTY_NAME=\"Debian 12\"\n")
	postOSRelease := filepath.Join(dir, "os-release.post")
	writeFile(t, postOSRelease, "ID=debian\nVERSION_CODENAME=trixie\nPRETTY_NAME=\"Debian 13\"\n")

	relmap := testMap()
	cfg := config.Default()
	cfg.DryRun = dryRun
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.LogFile = filepath.Join(dir, "aptshift.log")
	cfg.LockPath = filepath.Join(dir, "aptshift.lock")
	cfg.Services = []string{"ssh"}
	cfg.ConfirmationPause = time.Millisecond

	pkgs := &fakePkg{failOn: map[string]error{}}
	current := &fakePkg{failOn: map[string]error{}}
	runner := fakeRunner{}
	rewriter := sources.NewRewriter(tel.Logger, relmap, sources.Locations{MainFile: mainFile, PartsDir: partsDir}, dryRun)

	pfCfg := preflight.DefaultConfig()
	pfCfg.OSReleasePath = preOSRelease
	pfCfg.DiskPaths = []string{"/"}
	pfCfg.RebootRequiredPath = filepath.Join(dir, "reboot-required")
	pfCfg.PauseDuration = time.Millisecond
	pfCfg.DryRun = dryRun
	checker := preflight.NewChecker(tel.Logger, nil, relmap, pkgs, runner,
		fakeResolver{}, fakeReach{}, fakeInspector{}, rewriter, nil, pfCfg)

	var markers state.MarkerStore = state.NewMemMarkerStore()
	var snapshots *state.SnapshotStore
	if !dryRun {
		var err error
		markers, err = state.NewDirMarkerStore(filepath.Join(cfg.StateDir, "markers"))
		if err != nil {
			t.Fatal(err)
		}
		snapshots, err = state.NewSnapshotStore(filepath.Join(cfg.StateDir, "snapshots"))
		if err != nil {
			t.Fatal(err)
		}
	}

	return &fixture{
		deps: Deps{
			Config:          cfg,
			Telemetry:       tel,
			ReleaseMap:      relmap,
			Markers:         markers,
			Snapshots:       snapshots,
			Registry:        rollback.New(tel.Logger),
			Packages:        pkgs,
			CurrentPackages: current,
			Services:        &fakeSvc{},
			Inspector:       fakeInspector{},
			Runner:          runner,
			Rewriter:        rewriter,
			Preflight:       checker,
			OSReleasePath:   postOSRelease,
			Version:         "test",
		},
		pkgs:     pkgs,
		current:  current,
		aptDir:   aptDir,
		stateDir: cfg.StateDir,
	}
}

func (fx *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(fx.deps)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestExecuteRunsAllPhases(t *testing.T) {
	fx := newFixture(t, false)

	if err := fx.orchestrator(t).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	for _, phase := range Phases() {
		done, err := fx.deps.Markers.IsCompleted(phase)
		if err != nil {
			t.Fatal(err)
		}
		if !done {
			t.Errorf("phase %s has no completion marker", phase)
		}
	}

	// In-release update uses the keep-conffiles manager, the rest the
	// operator-policy one.
	for _, op := range []string{"update", "upgrade", "dist-upgrade"} {
		if fx.current.count(op) != 1 {
			t.Errorf("current-release %s ran %d times, want 1", op, fx.current.count(op))
		}
	}
	for _, op := range []string{"minimal-upgrade", "dist-upgrade", "autoremove", "clean"} {
		if fx.pkgs.count(op) != 1 {
			t.Errorf("%s ran %d times, want 1", op, fx.pkgs.count(op))
		}
	}

	for _, name := range []string{
		"package-selections.pre", "manual-packages.pre", "package-versions.pre",
		"package-selections.post", "package-versions.post",
	} {
		if !fx.deps.Snapshots.Exists(name) {
			t.Errorf("snapshot %s was not written", name)
		}
	}

	data, err := os.ReadFile(filepath.Join(fx.aptDir, "sources.list"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "bookworm") {
		t.Errorf("sources.list still references bookworm:\n%s", data)
	}
	if !strings.Contains(string(data), "trixie-updates") {
		t.Errorf("suite suffix was not carried over:\n%s", data)
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	fx := newFixture(t, false)
	o := fx.orchestrator(t)

	if err := o.Execute(context.Background()); err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	firstCalls := len(fx.pkgs.Calls()) + len(fx.current.Calls())

	second, err := New(fx.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Execute(context.Background()); err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}

	if got := len(fx.pkgs.Calls()) + len(fx.current.Calls()); got != firstCalls {
		t.Errorf("second run performed %d extra operations", got-firstCalls)
	}
}

func TestExecuteResumesAfterCompletedPhases(t *testing.T) {
	fx := newFixture(t, false)
	for _, phase := range []string{PhasePreflight, PhaseSnapshot, PhaseUpdateCurrent} {
		if err := fx.deps.Markers.MarkComplete(phase); err != nil {
			t.Fatal(err)
		}
	}

	if err := fx.orchestrator(t).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if n := len(fx.current.Calls()); n != 0 {
		t.Errorf("completed update-current-release phase re-ran: %v", fx.current.Calls())
	}
	if fx.pkgs.count("selections") != 1 {
		// Only the post-upgrade capture, not the snapshot phase.
		t.Errorf("snapshot phase re-ran: selections captured %d times", fx.pkgs.count("selections"))
	}
	if fx.pkgs.count("minimal-upgrade") != 1 {
		t.Errorf("minimal-upgrade did not run")
	}
}

func TestExecuteStopsAtFailingPhase(t *testing.T) {
	fx := newFixture(t, false)
	fx.pkgs.failOn["minimal-upgrade"] = errors.New("held broken packages")

	err := fx.orchestrator(t).Execute(context.Background())
	if err == nil {
		t.Fatal("Execute() succeeded, want failure")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error %v is not classified", err)
	}
	if e.Phase != PhaseMinimalUpgrade {
		t.Errorf("failing phase = %q, want %s", e.Phase, PhaseMinimalUpgrade)
	}
	if e.Code != ExitGeneral {
		t.Errorf("exit code = %d, want %d", e.Code, ExitGeneral)
	}

	if done, _ := fx.deps.Markers.IsCompleted(PhaseMinimalUpgrade); done {
		t.Error("failed phase was marked complete")
	}
	if done, _ := fx.deps.Markers.IsCompleted(PhaseSwitchSources); !done {
		t.Error("phase preceding the failure lost its marker")
	}
	if fx.pkgs.count("dist-upgrade") != 0 {
		t.Error("full-upgrade ran after an earlier phase failed")
	}
}

func TestExecuteAlreadyUpgraded(t *testing.T) {
	fx := newFixture(t, false)
	// The machine already runs the target release.
	writeFile(t, filepath.Join(filepath.Dir(fx.aptDir), "os-release.pre"),
		"ID=debian\nVERSION_CODENAME=trixie\n")

	err := fx.orchestrator(t).Execute(context.Background())
	if !IsNoop(err) {
		t.Fatalf("error %v is not the already-upgraded noop", err)
	}
	if code := ExitCodeFor(err); code != ExitAlreadyUpgraded {
		t.Errorf("exit code = %d, want %d", code, ExitAlreadyUpgraded)
	}
	if NeedsRollback(err) {
		t.Error("already-upgraded exit must not trigger rollback")
	}
	if n := len(fx.pkgs.Calls()) + len(fx.current.Calls()); n != 0 {
		t.Errorf("operations ran despite the already-upgraded short-circuit: %v", fx.pkgs.Calls())
	}
}

func TestExecuteDryRunTouchesNothing(t *testing.T) {
	fx := newFixture(t, true)

	if err := fx.orchestrator(t).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	// Markers are in-memory and never persisted.
	if _, err := os.Stat(filepath.Join(fx.stateDir, "markers")); !os.IsNotExist(err) {
		t.Error("dry-run created the marker directory")
	}
	if _, err := os.Stat(filepath.Join(fx.stateDir, "snapshots")); !os.IsNotExist(err) {
		t.Error("dry-run created the snapshot directory")
	}

	data, err := os.ReadFile(filepath.Join(fx.aptDir, "sources.list"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "bookworm") {
		t.Errorf("dry-run rewrote sources.list:\n%s", data)
	}

	if markers, _ := fx.deps.Markers.List(); len(markers) != 0 {
		t.Errorf("dry-run recorded %d markers", len(markers))
	}
}

func TestExecuteCancelledBetweenPhases(t *testing.T) {
	fx := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.orchestrator(t).Execute(ctx)
	if err == nil {
		t.Fatal("Execute() succeeded with a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v does not wrap context.Canceled", err)
	}
	if n := len(fx.pkgs.Calls()) + len(fx.current.Calls()); n != 0 {
		t.Errorf("%d operations ran after cancellation", n)
	}
}

func TestThirdPartySourceSurvivesSwitch(t *testing.T) {
	fx := newFixture(t, false)
	third := filepath.Join(fx.aptDir, "sources.list.d", "vendor.list")
	content := "deb https://apt.vendor.example/debian bookworm main\n"
	writeFile(t, third, content)

	if err := fx.orchestrator(t).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	data, err := os.ReadFile(third)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Errorf("third-party source was rewritten:\n%s", data)
	}
}

func TestModernizeSourcesRetriesAfterAptUpgrade(t *testing.T) {
	fx := newFixture(t, false)
	fx.pkgs.failOn["modernize-sources"] = errors.New("modernize-sources is not a command")

	// Modernization failure is advisory; the run must still succeed.
	if err := fx.orchestrator(t).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if fx.pkgs.count("upgrade-package:apt") != 1 {
		t.Errorf("apt was not upgraded before the modernize retry")
	}
	if fx.pkgs.count("modernize-sources") != 2 {
		t.Errorf("modernize-sources ran %d times, want 2", fx.pkgs.count("modernize-sources"))
	}
}

func TestExecuteRecordsJournalEvents(t *testing.T) {
	fx := newFixture(t, false)
	jrnl, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer jrnl.Close()
	fx.deps.Journal = jrnl

	// Advisory failure in cleanup, so the stream carries a warning too.
	fx.pkgs.failOn["modernize-sources"] = errors.New("unsupported")
	fx.pkgs.failOn["upgrade-package:apt"] = errors.New("held back")

	orch := fx.orchestrator(t)
	if err := orch.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	events, err := jrnl.ListEvents(context.Background(), orch.RunID(), 1000, 0)
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}

	var started, completed, warnings int
	for _, e := range events {
		if e.Phase == nil {
			t.Errorf("event %q carries no phase", e.Message)
			continue
		}
		switch {
		case e.Level == journal.EventLevelInfo && e.Message == "phase started":
			started++
		case e.Level == journal.EventLevelInfo && strings.HasPrefix(e.Message, "phase completed"):
			completed++
		case e.Level == journal.EventLevelWarning:
			warnings++
		}
	}
	if want := len(Phases()); started != want {
		t.Errorf("recorded %d phase-started events, want %d", started, want)
	}
	if want := len(Phases()); completed != want {
		t.Errorf("recorded %d phase-completed events, want %d", completed, want)
	}
	if warnings == 0 {
		t.Error("advisory failure produced no warning event")
	}
}

func TestExecuteRecordsSkipEvents(t *testing.T) {
	fx := newFixture(t, false)
	jrnl, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer jrnl.Close()
	fx.deps.Journal = jrnl

	first := fx.orchestrator(t)
	if err := first.Execute(context.Background()); err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}

	second := fx.orchestrator(t)
	if err := second.Execute(context.Background()); err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}

	events, err := jrnl.ListEvents(context.Background(), second.RunID(), 1000, 0)
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	skipped := 0
	for _, e := range events {
		if strings.HasPrefix(e.Message, "phase skipped") {
			skipped++
		}
	}
	if want := len(Phases()); skipped != want {
		t.Errorf("recorded %d phase-skipped events, want %d", skipped, want)
	}
}
