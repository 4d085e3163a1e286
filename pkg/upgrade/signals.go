package upgrade

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

// gracefulSignals request an orderly shutdown.
var gracefulSignals = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGTERM,
}

// faultSignals indicate the process itself is broken. Handling them is
// best-effort: the run still routes through the finalizer so rollback
// gets a chance before the process dies.
var faultSignals = []os.Signal{
	syscall.SIGILL,
	syscall.SIGTRAP,
	syscall.SIGABRT,
	syscall.SIGBUS,
	syscall.SIGFPE,
	syscall.SIGSEGV,
	syscall.SIGSYS,
}

// Dispatcher converts termination signals into one latched SignalState
// and a context cancellation. The first signal wins; everything after it
// is drained and ignored so signal handling is never re-entrant.
type Dispatcher struct {
	logger *telemetry.Logger
	ch     chan os.Signal

	mu      sync.Mutex
	latched os.Signal
}

// NewDispatcher creates an uninstalled dispatcher.
func NewDispatcher(logger *telemetry.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.NewComponentLogger("signals"),
		ch:     make(chan os.Signal, 4),
	}
}

// Install registers the handlers and starts routing. The first signal
// latches and cancels the run context; the caller observes the
// cancellation and feeds SignalError into the finalizer.
func (d *Dispatcher) Install(cancel context.CancelFunc) {
	signal.Notify(d.ch, gracefulSignals...)
	signal.Notify(d.ch, faultSignals...)

	go func() {
		for sig := range d.ch {
			if !d.latch(sig) {
				d.logger.Debugf("ignoring %s, already shutting down", signalName(sig))
				continue
			}
			if isFault(sig) {
				d.logger.Errorf("fatal fault signal %s received, attempting cleanup", signalName(sig))
			} else {
				d.logger.Warnf("received %s, shutting down", signalName(sig))
			}
			cancel()
		}
	}()
}

// Stop deregisters the handlers. Pending signals stay latched.
func (d *Dispatcher) Stop() {
	signal.Stop(d.ch)
}

// latch records the first signal. It reports false when one was already
// latched.
func (d *Dispatcher) latch(sig os.Signal) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latched != nil {
		return false
	}
	d.latched = sig
	return true
}

// Latched returns the first received signal, if any.
func (d *Dispatcher) Latched() (os.Signal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latched, d.latched != nil
}

// SignalError returns the classified error for the latched signal, or nil
// when no signal was received.
func (d *Dispatcher) SignalError() error {
	sig, ok := d.Latched()
	if !ok {
		return nil
	}
	return NewSignalError(signalName(sig), signalNumber(sig))
}

// MaskGraceful ignores the graceful termination signals for the rest of
// the process lifetime. The finalizer calls this so cleanup itself cannot
// be interrupted.
func MaskGraceful() {
	signal.Ignore(gracefulSignals...)
}

func isFault(sig os.Signal) bool {
	for _, f := range faultSignals {
		if sig == f {
			return true
		}
	}
	return false
}

func signalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 0
}

func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}
