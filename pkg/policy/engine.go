package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/openfroyo/stackforge/pkg/engine"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"github.com/openfroyo/stackforge/pkg/telemetry"
	"github.com/rs/zerolog"
)

// instancesPath is where every instance's kind is stored, keyed by path,
// so policies can look at the rest of the deployment via
// data.forge.instances.
var instancesPath = storage.MustParsePath("/forge/instances")

// Engine evaluates Rego policies against resolved instances. It implements
// engine.PolicyChecker.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"forge": map[string]interface{}{"instances": map[string]interface{}{}},
		}),
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Check evaluates every enabled policy against every instance in registry.
// Warnings are logged and published; blocking violations fail with
// PolicyViolation at the path of the first one.
func (e *Engine) Check(ctx context.Context, registry *engine.Registry) error {
	result, err := e.Evaluate(ctx, registry)
	if err != nil {
		return err
	}

	events := telemetry.EventsFromContext(ctx)
	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("path", w.Path).
			Msg(w.Message)
		_ = events.PublishPolicyWarning(w.Path, w.Policy, w.Message)
	}

	if result.Allowed {
		return nil
	}

	messages := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		messages[i] = fmt.Sprintf("%s: %s (%s)", v.Policy, v.Message, v.Path)
	}
	first := result.Violations[0]
	return errdefs.Newf(errdefs.KindPolicyViolation, "%d policy violation(s): %s",
		len(result.Violations), strings.Join(messages, "; ")).
		WithPath(first.Path).
		WithDetail("violations", result.Violations)
}

// Evaluate evaluates every enabled policy against every instance in registry.
func (e *Engine) Evaluate(ctx context.Context, registry *engine.Registry) (*Result, error) {
	start := time.Now()

	// The shared store is rewritten per evaluation.
	e.mu.Lock()
	defer e.mu.Unlock()

	inputs, kinds, err := buildInputs(registry)
	if err != nil {
		return nil, err
	}
	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, instancesPath, kinds); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "failed to store instance index", err)
	}

	result := &Result{Allowed: true, Instances: len(inputs)}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		for _, input := range inputs {
			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindPolicyViolation,
					fmt.Sprintf("policy %s failed to evaluate", name), err).WithPath(input.Path)
			}
			for _, v := range violations {
				if v.Severity.Blocking() {
					result.Allowed = false
					result.Violations = append(result.Violations, v)
				} else {
					result.Warnings = append(result.Warnings, v)
				}
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Int("instances", result.Instances).
		Int("policies", len(result.EvaluatedPolicies)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// buildInputs converts every instance to its policy input, in registry
// order, and returns the path to kind index.
func buildInputs(registry *engine.Registry) ([]*Input, map[string]interface{}, error) {
	paths := registry.Paths()
	inputs := make([]*Input, 0, len(paths))
	kinds := make(map[string]interface{}, len(paths))

	for _, path := range paths {
		c, err := registry.Lookup(path)
		if err != nil {
			return nil, nil, err
		}

		data, err := json.Marshal(c)
		if err != nil {
			return nil, nil, errdefs.Wrap(errdefs.KindInternal, "failed to encode instance", err).WithPath(path)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, nil, errdefs.Wrap(errdefs.KindInternal, "failed to decode instance", err).WithPath(path)
		}

		inputs = append(inputs, &Input{Path: path, Kind: string(c.Kind()), Instance: doc})
		kinds[path] = string(c.Kind())
	}

	return inputs, kinds, nil
}

// evaluatePolicy evaluates one policy against one instance.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(module *ast.Module) string {
	return strings.TrimPrefix(module.Package.Path.String(), "data.")
}

// createViolation creates a Violation from one deny entry.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Path:     input.Path,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy parses policy and prepares its deny query.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(module))),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads .rego and .json policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return errdefs.Wrap(errdefs.KindFetchError, "failed to load policies", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies, replacing any with the same name.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return errdefs.Wrap(errdefs.KindSchemaInvalid,
				fmt.Sprintf("failed to compile policy %s", policies[i].Name), err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies replaces every loaded policy with the built-ins plus
// policies. It is the reload callback for Loader.Watch.
func (e *Engine) ReloadPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	err := e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.AddPolicies(ctx, policies)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
