package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/aptshift/aptshift/pkg/telemetry"
)

// Engine compiles and evaluates upgrade gate policies. Every enabled
// policy's deny rule runs against the preflight input document; blocking
// results abort the upgrade, warning results are logged.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
}

// compiledPolicy holds a policy together with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.NewComponentLogger("policy"),
	}

	builtins := builtinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debugf("loaded %d built-in policies", len(builtins))

	return e, nil
}

// LoadPaths loads operator policies from files or directories and adds
// them to the engine. An operator policy with the same name as a
// built-in replaces it.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	policies, err := loader.LoadPaths(ctx, paths)
	if err != nil {
		return err
	}

	for i := range policies {
		if err := e.compileAndStore(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Infof("loaded %d operator policies", len(policies))
	return nil
}

// Evaluate runs every enabled policy against the input document and
// returns the blocking denial messages. Warning and info results are
// logged but not returned. An evaluation error fails closed.
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	var denials []string
	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, result := range results {
			for _, expr := range result.Expressions {
				denySet, ok := expr.Value.([]interface{})
				if !ok {
					continue
				}
				for _, d := range denySet {
					msg, severity := denyResult(cp.policy, d)
					if severity.blocking() {
						denials = append(denials, fmt.Sprintf("%s: %s", cp.policy.Name, msg))
					} else {
						e.logger.WithField("policy", cp.policy.Name).Warnf("policy warning: %s", msg)
					}
				}
			}
		}
	}

	return denials, nil
}

// ListPolicies returns the loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// compileAndStore parses the policy and prepares its deny query.
// Callers hold e.mu.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query := fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))
	prepared, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    prepared,
		compiled: time.Now(),
	}

	e.logger.WithField("policy", policy.Name).Debug("policy compiled")
	return nil
}

// denyResult extracts the message and severity from a single deny entry.
// Entries are either plain strings or objects with message and an
// optional severity override.
func denyResult(policy *Policy, result interface{}) (string, Severity) {
	severity := policy.Severity

	switch v := result.(type) {
	case string:
		return v, severity
	case map[string]interface{}:
		msg, _ := v["message"].(string)
		if msg == "" {
			msg = fmt.Sprintf("%v", v)
		}
		if s, ok := v["severity"].(string); ok && s != "" {
			severity = Severity(s)
		}
		return msg, severity
	default:
		return fmt.Sprintf("%v", result), severity
	}
}

// extractPackageName returns the package declared in the Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "aptshift.policies"
}
