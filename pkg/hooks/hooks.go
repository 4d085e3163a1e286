// Package hooks runs operator-supplied Starlark functions around upgrade
// phases.
//
// A hooks file defines functions named pre_<phase> or post_<phase>, with
// hyphens in phase names written as underscores:
//
//	def pre_switch_sources(info):
//	    if info["dry_run"]:
//	        return
//	    print("about to retarget sources on " + info["target_release"])
//
//	def post_full_upgrade(info):
//	    if some_invariant_broken():
//	        fail("refusing to continue")
//
// Every hook receives one dict argument with the run id, phase name,
// source and target release, and the dry-run flag. Hooks abort the
// upgrade by calling fail(); return values are ignored. Scripts cannot
// touch the system, so hooks run in dry-run mode too.
package hooks

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

// DefaultTimeout bounds a single hook invocation.
const DefaultTimeout = 30 * time.Second

// Hooks holds the callable hook functions from one script. A nil *Hooks
// runs nothing, so callers without a hooks file skip the checks.
type Hooks struct {
	logger  *telemetry.Logger
	path    string
	timeout time.Duration
	funcs   map[string]starlark.Callable
}

// Load parses a hooks script and resolves its hook functions. phases
// lists the valid phase names; a pre_ or post_ global that does not
// match one of them fails the load so typos surface before the upgrade
// starts.
func Load(logger *telemetry.Logger, path string, phases []string, timeout time.Duration) (*Hooks, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks file: %w", err)
	}

	h := &Hooks{
		logger:  logger.NewComponentLogger("hooks"),
		path:    path,
		timeout: timeout,
		funcs:   make(map[string]starlark.Callable),
	}

	thread := &starlark.Thread{
		Name:  "hooks-load",
		Print: func(_ *starlark.Thread, msg string) { h.logger.Info(msg) },
	}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, path, data, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load hooks file: %w", err)
	}

	valid := make(map[string]bool, 2*len(phases))
	for _, phase := range phases {
		valid[hookName("pre", phase)] = true
		valid[hookName("post", phase)] = true
	}

	var names []string
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if !strings.HasPrefix(name, "pre_") && !strings.HasPrefix(name, "post_") {
			continue
		}
		if !valid[name] {
			return nil, fmt.Errorf("hook %s does not match any phase", name)
		}
		fn, ok := val.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("hook %s is not a function", name)
		}
		h.funcs[name] = fn
		names = append(names, name)
	}

	sort.Strings(names)
	h.logger.WithField("path", path).Infof("loaded %d hooks: %s", len(names), strings.Join(names, ", "))

	return h, nil
}

// RunPre runs the pre hook for a phase, if one is defined.
func (h *Hooks) RunPre(ctx context.Context, phase string, input map[string]interface{}) error {
	return h.run(ctx, hookName("pre", phase), input)
}

// RunPost runs the post hook for a phase, if one is defined.
func (h *Hooks) RunPost(ctx context.Context, phase string, input map[string]interface{}) error {
	return h.run(ctx, hookName("post", phase), input)
}

func (h *Hooks) run(ctx context.Context, name string, input map[string]interface{}) error {
	if h == nil {
		return nil
	}
	fn, ok := h.funcs[name]
	if !ok {
		return nil
	}

	arg, err := toStarlarkValue(input)
	if err != nil {
		return fmt.Errorf("failed to convert hook input: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	log := h.logger.WithField("hook", name)
	thread := &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, msg string) { log.Info(msg) },
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
		done <- err
	}()

	select {
	case <-evalCtx.Done():
		// Cancel stops the script at its next safepoint, so the
		// goroutine terminates promptly.
		thread.Cancel("hook cancelled")
		<-done
		if evalCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("hook %s timed out after %v", name, h.timeout)
		}
		return fmt.Errorf("hook %s interrupted: %w", name, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("hook %s failed: %w", name, err)
		}
		log.Debugf("hook completed in %v", time.Since(start))
		return nil
	}
}

// hookName maps a phase to its hook function name.
func hookName(prefix, phase string) string {
	return prefix + "_" + strings.ReplaceAll(phase, "-", "_")
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
