// Package rollback keeps the ordered ledger of reversible work a run has
// done: named cleanup actions, files the run created, and backups of files
// it modified. The finalizer drains the ledger exactly once on every exit
// path.
package rollback

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

// Action is one registered cleanup operation.
type Action struct {
	Name string
	Fn   func() error
}

// Backup maps a modified file to its backup copy.
type Backup struct {
	Original   string
	BackupPath string
}

// Registry collects reversible actions and file mutations during a run.
// Actions drain in reverse registration order; a failing action never
// prevents the remaining actions from running.
type Registry struct {
	mu      sync.Mutex
	actions []Action
	created []string
	backups []Backup
	drained atomic.Bool

	logger *telemetry.Logger
}

// New creates an empty registry.
func New(logger *telemetry.Logger) *Registry {
	return &Registry{
		logger: logger.NewComponentLogger("rollback"),
	}
}

// Register appends a named cleanup action.
func (r *Registry) Register(name string, fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, Action{Name: name, Fn: fn})
	r.logger.WithField("action", name).Debug("cleanup action registered")
}

// RegisterCreatedFile records a file this run newly created. On abnormal
// termination the file is removed.
func (r *Registry) RegisterCreatedFile(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, path)
	r.logger.WithField("path", path).Debug("created file registered")
}

// RegisterModifiedFile records a file this run modified together with its
// backup copy. On abnormal termination the original is restored from the
// backup; on success the backup is discarded.
func (r *Registry) RegisterModifiedFile(path, backupPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backups = append(r.backups, Backup{Original: path, BackupPath: backupPath})
	r.logger.WithFields(map[string]interface{}{
		"path":   path,
		"backup": backupPath,
	}).Debug("modified file registered")
}

// CreatedFiles returns the recorded created-file paths.
func (r *Registry) CreatedFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.created))
	copy(out, r.created)
	return out
}

// Backups returns the recorded original-to-backup pairs.
func (r *Registry) Backups() []Backup {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Backup, len(r.backups))
	copy(out, r.backups)
	return out
}

// Drain executes every registered action in reverse registration order
// exactly once, tolerating and logging individual failures. It returns the
// number of actions that failed. Subsequent calls are no-ops.
func (r *Registry) Drain() int {
	if !r.drained.CompareAndSwap(false, true) {
		return 0
	}

	r.mu.Lock()
	actions := make([]Action, len(r.actions))
	copy(actions, r.actions)
	r.mu.Unlock()

	failed := 0
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if err := a.Fn(); err != nil {
			failed++
			r.logger.WithError(err).WithField("action", a.Name).Warn("cleanup action failed")
			continue
		}
		r.logger.WithField("action", a.Name).Debug("cleanup action completed")
	}
	return failed
}

// Drained reports whether Drain already ran.
func (r *Registry) Drained() bool {
	return r.drained.Load()
}

// RemoveCreatedFiles deletes every created file that still exists. Used on
// the abnormal termination path. Individual failures are logged, not
// propagated; the count of failures is returned.
func (r *Registry) RemoveCreatedFiles() int {
	failed := 0
	for _, path := range r.CreatedFiles() {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			failed++
			r.logger.WithError(err).WithField("path", path).Warn("failed to remove created file")
			continue
		}
		r.logger.WithField("path", path).Debug("created file removed")
	}
	return failed
}

// RestoreBackups puts every modified file back from its backup copy. Used
// on the abnormal termination path. The rename consumes the backup, so a
// restored file needs no separate discard. Individual failures are logged,
// not propagated; the count of failures is returned.
func (r *Registry) RestoreBackups() int {
	failed := 0
	backups := r.Backups()
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		if _, err := os.Stat(b.BackupPath); os.IsNotExist(err) {
			r.logger.WithField("backup", b.BackupPath).Debug("backup already consumed")
			continue
		}
		if err := os.Rename(b.BackupPath, b.Original); err != nil {
			failed++
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"path":   b.Original,
				"backup": b.BackupPath,
			}).Warn("failed to restore file from backup")
			continue
		}
		r.logger.WithField("path", b.Original).Debug("file restored from backup")
	}
	return failed
}

// DiscardBackups removes every backup copy. Used on the success path once
// the originals are known good.
func (r *Registry) DiscardBackups() int {
	failed := 0
	for _, b := range r.Backups() {
		err := os.Remove(b.BackupPath)
		if err != nil && !os.IsNotExist(err) {
			failed++
			r.logger.WithError(err).WithField("backup", b.BackupPath).Warn("failed to discard backup")
			continue
		}
		r.logger.WithField("backup", b.BackupPath).Debug("backup discarded")
	}
	return failed
}

// Summary describes the ledger for diagnostics.
func (r *Registry) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("%d cleanup actions, %d created files, %d backups",
		len(r.actions), len(r.created), len(r.backups))
}
