// Package lockfile enforces single-instance execution with an exclusive,
// timeout-bounded advisory lock on a well-known path. The same probe is
// reused by the finalizer to check whether anyone still holds the package
// manager's own lock files before clearing them.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when the lock could not be acquired within the
// bounded wait. Another instance may be running or stuck.
var ErrTimeout = errors.New("lock acquisition timed out")

// retryDelay is the poll interval while waiting for the lock.
const retryDelay = 250 * time.Millisecond

// Handle is an exclusively held advisory lock.
type Handle struct {
	mu       sync.Mutex
	fl       *flock.Flock
	path     string
	acquired bool
}

// Acquire takes an exclusive advisory lock on path, blocking up to timeout.
// On success the holder's PID is recorded in the lock file. The lock file's
// parent directory is created if absent. A zero timeout means a single
// non-blocking attempt.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)

	var (
		locked bool
		err    error
	)
	if timeout <= 0 {
		locked, err = fl.TryLock()
	} else {
		lockCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		locked, err = fl.TryLockContext(lockCtx, retryDelay)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	if !locked {
		pid, _ := HolderPID(path)
		if pid > 0 {
			return nil, fmt.Errorf("%w: %s is held by pid %d", ErrTimeout, path, pid)
		}
		return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
	}

	// Record holder identity. The flock is on the inode, so writing
	// through a second descriptor does not disturb it.
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(pid), 0644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("failed to record lock holder: %w", err)
	}

	return &Handle{fl: fl, path: path, acquired: true}, nil
}

// Release drops the lock. It is idempotent and safe to call even if
// acquisition never succeeded.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.acquired {
		return nil
	}
	h.acquired = false

	if err := h.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", h.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.path
}

// HolderPID reads the PID recorded in the lock file. ok is false when the
// file is absent or does not carry a PID.
func HolderPID(path string) (pid int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// ProbeHeld reports whether some process currently holds an exclusive lock
// on path. A missing file counts as unheld. The probe itself never blocks.
//
// Both advisory lock namespaces are checked: fcntl record locks, which is
// what dpkg and apt place on their lock files, and flock, which Acquire
// uses. The two do not see each other on Linux, so probing only one would
// report a lock file held by a running dpkg as free.
func ProbeHeld(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	held, _, err := probeRecordLock(path)
	if err != nil {
		return false, fmt.Errorf("failed to probe record lock on %s: %w", path, err)
	}
	if held {
		return true, nil
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to probe lock on %s: %w", path, err)
	}
	if !locked {
		return true, nil
	}
	if err := fl.Unlock(); err != nil {
		return false, fmt.Errorf("failed to release probe lock on %s: %w", path, err)
	}
	return false, nil
}

// probeRecordLock queries the fcntl lock namespace for a conflicting
// exclusive record lock covering the whole file. The open-file-description
// query is preferred because the classic F_GETLK never reports this
// process's own locks; older kernels without OFD locks fall back to it.
// pid is the holder when the kernel knows it, 0 otherwise.
func probeRecordLock(path string) (held bool, pid int, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	defer f.Close()

	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart}
	if err := unix.FcntlFlock(f.Fd(), unix.F_OFD_GETLK, &lk); err != nil {
		lk = unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart}
		if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lk); err != nil {
			return false, 0, err
		}
	}
	if lk.Type == unix.F_UNLCK {
		return false, 0, nil
	}
	if lk.Pid > 0 {
		pid = int(lk.Pid)
	}
	return true, pid, nil
}
