package sysops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

// tailLimit bounds how much command output is kept for error reporting.
const tailLimit = 8192

// Result captures the outcome of a single command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	DryRun   bool
}

// RunnerOptions control how the runner executes commands.
type RunnerOptions struct {
	// DryRun suppresses Mutate calls, logging what would run instead.
	DryRun bool
	// TraceCommands logs every command line before executing it.
	TraceCommands bool
	// Verbose attaches ConfigSnapshot to failed commands.
	Verbose bool
	// ConfigSnapshot is the resolved run configuration as log fields.
	ConfigSnapshot map[string]interface{}
}

// ExecRunner runs commands on the host. Every child is started in its own
// process group and tracked until it exits, so an interrupted run can
// terminate stragglers before rolling back.
type ExecRunner struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	opts    RunnerOptions

	mu       sync.Mutex
	children map[int]*exec.Cmd
}

// NewExecRunner creates a runner. The metrics handle may be nil.
func NewExecRunner(logger *telemetry.Logger, metrics *telemetry.Metrics, opts RunnerOptions) *ExecRunner {
	return &ExecRunner{
		logger:   logger.NewComponentLogger("runner"),
		metrics:  metrics,
		opts:     opts,
		children: make(map[int]*exec.Cmd),
	}
}

// Query runs a read-only command and captures its stdout. Queries execute
// even in dry-run mode.
func (r *ExecRunner) Query(ctx context.Context, name string, args ...string) (*Result, error) {
	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: tailLimit}

	res, err := r.run(ctx, nil, &stdout, stderr, name, args...)
	if res != nil {
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
	}
	return res, err
}

// Mutate runs a state-changing command, streaming its output to the log.
func (r *ExecRunner) Mutate(ctx context.Context, name string, args ...string) (*Result, error) {
	return r.MutateEnv(ctx, nil, name, args...)
}

// MutateEnv runs a state-changing command with extra environment variables
// appended to the inherited environment.
func (r *ExecRunner) MutateEnv(ctx context.Context, extraEnv []string, name string, args ...string) (*Result, error) {
	if r.opts.DryRun {
		r.logger.Infof("dry-run: would run %s", displayCommand(name, args))
		return &Result{DryRun: true}, nil
	}

	stdout := newLineWriter(r.logger.WithField("command", name).Debug)
	stderr := newLineWriter(r.logger.WithField("command", name).Debug)

	res, err := r.run(ctx, extraEnv, stdout, stderr, name, args...)
	stdout.flush()
	stderr.flush()
	if res != nil {
		res.Stdout = stdout.tail.String()
		res.Stderr = stderr.tail.String()
	}
	return res, err
}

// LookPath reports where a command resolves on PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// outputSink receives command output and can replay what it kept.
type outputSink interface {
	io.Writer
	String() string
}

func (r *ExecRunner) run(ctx context.Context, extraEnv []string, stdout, stderr outputSink, name string, args ...string) (*Result, error) {
	display := displayCommand(name, args)
	if r.opts.TraceCommands {
		r.logger.Infof("+ %s", display)
	} else {
		r.logger.Debugf("running %s", display)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 10 * time.Second
	cmd.Cancel = func() error {
		// Signal the whole process group so helpers spawned by the
		// command get a chance to exit cleanly.
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.recordCommand(name, "error")
		return nil, fmt.Errorf("failed to start %s: %w", display, err)
	}
	untrack := r.track(cmd)
	err := cmd.Wait()
	untrack()

	result := &Result{Duration: time.Since(start)}

	if err != nil {
		r.recordCommand(name, "failure")
		if r.opts.Verbose && r.opts.ConfigSnapshot != nil {
			r.logger.WithField("config", r.opts.ConfigSnapshot).Debugf("configuration in effect when %s failed", name)
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("%s interrupted: %w", display, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				return result, fmt.Errorf("%s exited with code %d", display, result.ExitCode)
			}
			return result, fmt.Errorf("%s exited with code %d: %s", display, result.ExitCode, detail)
		}
		return nil, fmt.Errorf("failed to execute %s: %w", display, err)
	}

	r.recordCommand(name, "success")
	return result, nil
}

func (r *ExecRunner) recordCommand(name, status string) {
	if r.metrics != nil {
		r.metrics.RecordCommand(name, status)
	}
}

func (r *ExecRunner) track(cmd *exec.Cmd) func() {
	pid := cmd.Process.Pid
	r.mu.Lock()
	r.children[pid] = cmd
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.children, pid)
		r.mu.Unlock()
	}
}

// TerminateStragglers signals every still-running child process group with
// SIGTERM, waits up to grace for them to exit, then SIGKILLs what remains.
// It returns how many children were still running when called.
func (r *ExecRunner) TerminateStragglers(grace time.Duration) int {
	r.mu.Lock()
	pids := make([]int, 0, len(r.children))
	for pid := range r.children {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	if len(pids) == 0 {
		return 0
	}

	for _, pid := range pids {
		r.logger.Warnf("terminating child process group %d", pid)
		_ = unix.Kill(-pid, unix.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		remaining := len(r.children)
		r.mu.Unlock()
		if remaining == 0 {
			return len(pids)
		}
		time.Sleep(50 * time.Millisecond)
	}

	r.mu.Lock()
	for pid := range r.children {
		r.logger.Warnf("killing unresponsive child process group %d", pid)
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
	r.mu.Unlock()
	return len(pids)
}

func displayCommand(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// lineWriter forwards complete output lines to a log function and keeps a
// bounded tail for error reporting.
type lineWriter struct {
	log  func(string)
	tail *tailBuffer
	buf  []byte
}

func newLineWriter(log func(string)) *lineWriter {
	return &lineWriter{log: log, tail: &tailBuffer{limit: tailLimit}}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.tail.write(p)
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		if line != "" {
			w.log(line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.log(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}

func (w *lineWriter) String() string {
	return w.tail.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	data  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.write(p)
	return len(p), nil
}

func (b *tailBuffer) write(p []byte) {
	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
}

func (b *tailBuffer) String() string {
	return string(b.data)
}
