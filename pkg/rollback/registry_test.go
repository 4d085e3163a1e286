package rollback

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "fatal"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func TestDrainRunsInReverseOrder(t *testing.T) {
	r := New(testLogger(t))

	var order []string
	r.Register("first", func() error {
		order = append(order, "first")
		return nil
	})
	r.Register("second", func() error {
		order = append(order, "second")
		return nil
	})
	r.Register("third", func() error {
		order = append(order, "third")
		return nil
	})

	if failed := r.Drain(); failed != 0 {
		t.Errorf("expected 0 failures, got %d", failed)
	}

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("expected %d actions, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestDrainToleratesFailures(t *testing.T) {
	r := New(testLogger(t))

	ran := make(map[string]bool)
	r.Register("survivor", func() error {
		ran["survivor"] = true
		return nil
	})
	r.Register("failing", func() error {
		ran["failing"] = true
		return errors.New("boom")
	})

	failed := r.Drain()
	if failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}
	if !ran["failing"] || !ran["survivor"] {
		t.Error("a failing action prevented later actions from running")
	}
}

func TestDrainRunsExactlyOnce(t *testing.T) {
	r := New(testLogger(t))

	count := 0
	r.Register("counted", func() error {
		count++
		return nil
	})

	r.Drain()
	r.Drain()

	if count != 1 {
		t.Errorf("expected action to run once, ran %d times", count)
	}
	if !r.Drained() {
		t.Error("Drained() is false after Drain")
	}
}

func TestRemoveCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "created.list")
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	gone := filepath.Join(dir, "never-written.list")

	r := New(testLogger(t))
	r.RegisterCreatedFile(existing)
	r.RegisterCreatedFile(gone)

	if failed := r.RemoveCreatedFiles(); failed != 0 {
		t.Errorf("expected 0 failures, got %d", failed)
	}

	if _, err := os.Stat(existing); !os.IsNotExist(err) {
		t.Error("created file still exists after rollback")
	}
}

func TestRestoreBackups(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "sources.list")
	backup := filepath.Join(dir, "sources.list.bak.1234")

	if err := os.WriteFile(original, []byte("rewritten"), 0644); err != nil {
		t.Fatalf("failed to write original: %v", err)
	}
	if err := os.WriteFile(backup, []byte("pristine"), 0644); err != nil {
		t.Fatalf("failed to write backup: %v", err)
	}

	r := New(testLogger(t))
	r.RegisterModifiedFile(original, backup)

	if failed := r.RestoreBackups(); failed != 0 {
		t.Errorf("expected 0 failures, got %d", failed)
	}

	got, err := os.ReadFile(original)
	if err != nil {
		t.Fatalf("failed to read restored file: %v", err)
	}
	if string(got) != "pristine" {
		t.Errorf("expected restored content, got %q", got)
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Error("backup still present after restore")
	}
}

func TestRestoreBackupsToleratesMissingBackup(t *testing.T) {
	r := New(testLogger(t))
	r.RegisterModifiedFile("/nonexistent/original", "/nonexistent/backup")

	if failed := r.RestoreBackups(); failed != 0 {
		t.Errorf("missing backup should not count as a failure, got %d", failed)
	}
}

func TestDiscardBackups(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "debian.sources")
	backup := filepath.Join(dir, "debian.sources.bak.abcd")

	if err := os.WriteFile(original, []byte("rewritten"), 0644); err != nil {
		t.Fatalf("failed to write original: %v", err)
	}
	if err := os.WriteFile(backup, []byte("pristine"), 0644); err != nil {
		t.Fatalf("failed to write backup: %v", err)
	}

	r := New(testLogger(t))
	r.RegisterModifiedFile(original, backup)

	if failed := r.DiscardBackups(); failed != 0 {
		t.Errorf("expected 0 failures, got %d", failed)
	}

	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Error("backup still present after discard")
	}
	got, err := os.ReadFile(original)
	if err != nil || string(got) != "rewritten" {
		t.Errorf("original must keep its new content on success, got %q, err %v", got, err)
	}
}
