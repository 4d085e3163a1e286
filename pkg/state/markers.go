// Package state persists the durable run state: one completion marker per
// phase and the pre/post-upgrade snapshots, all under the state directory.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MarkerStore records which phases have completed. Presence of a marker for
// a phase means its externally visible effects are already applied and must
// not be reapplied.
type MarkerStore interface {
	// IsCompleted reports whether the named phase has a completion marker.
	IsCompleted(phase string) (bool, error)

	// MarkComplete durably records that the named phase completed now.
	MarkComplete(phase string) error

	// CompletedAt returns the completion time of the named phase, or
	// ok=false when no marker exists.
	CompletedAt(phase string) (t time.Time, ok bool, err error)

	// List returns all recorded markers ordered by phase name.
	List() ([]Marker, error)

	// Reset removes every marker.
	Reset() error
}

// Marker is one phase completion record.
type Marker struct {
	Phase       string
	CompletedAt time.Time
}

// DirMarkerStore persists markers as one file per phase under a directory.
// The file content is the RFC3339 completion timestamp. Files are written
// via a temp file and rename so a crash never leaves a partial marker.
type DirMarkerStore struct {
	dir string
}

// NewDirMarkerStore creates a marker store rooted at dir, creating the
// directory if needed.
func NewDirMarkerStore(dir string) (*DirMarkerStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create marker directory: %w", err)
	}
	return &DirMarkerStore{dir: dir}, nil
}

// IsCompleted reports whether the named phase has a completion marker.
func (s *DirMarkerStore) IsCompleted(phase string) (bool, error) {
	_, err := os.Stat(s.path(phase))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat marker for %s: %w", phase, err)
}

// MarkComplete durably records that the named phase completed now.
func (s *DirMarkerStore) MarkComplete(phase string) error {
	content := time.Now().UTC().Format(time.RFC3339) + "\n"

	tmp, err := os.CreateTemp(s.dir, "."+phase+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create marker temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close marker temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(phase)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to place marker for %s: %w", phase, err)
	}
	return nil
}

// CompletedAt returns the completion time recorded in the phase marker.
func (s *DirMarkerStore) CompletedAt(phase string) (time.Time, bool, error) {
	data, err := os.ReadFile(s.path(phase))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read marker for %s: %w", phase, err)
	}

	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		// A marker with unreadable content still proves completion.
		return time.Time{}, true, nil
	}
	return t, true, nil
}

// List returns all recorded markers ordered by phase name.
func (s *DirMarkerStore) List() ([]Marker, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read marker directory: %w", err)
	}

	var markers []Marker
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		t, ok, err := s.CompletedAt(entry.Name())
		if err != nil || !ok {
			continue
		}
		markers = append(markers, Marker{Phase: entry.Name(), CompletedAt: t})
	}

	sort.Slice(markers, func(i, j int) bool {
		return markers[i].Phase < markers[j].Phase
	})
	return markers, nil
}

// Reset removes every marker.
func (s *DirMarkerStore) Reset() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read marker directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove marker %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *DirMarkerStore) path(phase string) string {
	return filepath.Join(s.dir, phase)
}

// MemMarkerStore is an in-memory MarkerStore for tests.
type MemMarkerStore struct {
	mu      sync.Mutex
	markers map[string]time.Time
}

// NewMemMarkerStore creates an empty in-memory marker store.
func NewMemMarkerStore() *MemMarkerStore {
	return &MemMarkerStore{markers: make(map[string]time.Time)}
}

// IsCompleted reports whether the named phase has a completion marker.
func (s *MemMarkerStore) IsCompleted(phase string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[phase]
	return ok, nil
}

// MarkComplete records that the named phase completed now.
func (s *MemMarkerStore) MarkComplete(phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[phase] = time.Now().UTC()
	return nil
}

// CompletedAt returns the completion time of the named phase.
func (s *MemMarkerStore) CompletedAt(phase string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.markers[phase]
	return t, ok, nil
}

// List returns all recorded markers ordered by phase name.
func (s *MemMarkerStore) List() ([]Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markers := make([]Marker, 0, len(s.markers))
	for phase, t := range s.markers {
		markers = append(markers, Marker{Phase: phase, CompletedAt: t})
	}
	sort.Slice(markers, func(i, j int) bool {
		return markers[i].Phase < markers[j].Phase
	})
	return markers, nil
}

// Reset removes every marker.
func (s *MemMarkerStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = make(map[string]time.Time)
	return nil
}
