package sysops

import (
	"context"
	"strings"
)

// SystemdManager implements ServiceManager with systemctl.
type SystemdManager struct {
	runner Runner
}

// NewSystemdManager creates a systemd-backed service manager.
func NewSystemdManager(runner Runner) *SystemdManager {
	return &SystemdManager{runner: runner}
}

// IsActive reports whether a unit is active. systemctl is-active exits
// non-zero for anything but "active", so the exit status is ignored and the
// printed state is what counts.
func (s *SystemdManager) IsActive(ctx context.Context, unit string) (bool, string, error) {
	res, err := s.runner.Query(ctx, "systemctl", "is-active", unit)
	if res == nil {
		return false, "", err
	}
	state := strings.TrimSpace(res.Stdout)
	if state == "" {
		state = "unknown"
	}
	return state == "active", state, nil
}
