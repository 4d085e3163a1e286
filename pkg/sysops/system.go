package sysops

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Inspector implements SystemInspector with direct syscalls.
type Inspector struct{}

// NewInspector creates an inspector for the local machine.
func NewInspector() *Inspector {
	return &Inspector{}
}

// EffectiveUID returns the effective user ID of this process.
func (i *Inspector) EffectiveUID() int {
	return os.Geteuid()
}

// FreeDiskBytes returns the bytes available to unprivileged users on the
// filesystem holding path.
func (i *Inspector) FreeDiskBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// FileDescriptorLimit returns the soft limit on open file descriptors.
func (i *Inspector) FileDescriptorLimit() (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, fmt.Errorf("failed to read file descriptor limit: %w", err)
	}
	return lim.Cur, nil
}

// KernelVersion returns the running kernel release string.
func (i *Inspector) KernelVersion() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("failed to read kernel version: %w", err)
	}
	return unixString(uts.Release[:]), nil
}

func unixString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
