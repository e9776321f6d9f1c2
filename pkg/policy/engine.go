package policy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/polisai/polis-shield/pkg/domain"
)

// Result pairs a policy with its outcome.
type Result struct {
	Policy  Policy
	Outcome Outcome
}

// Engine holds policies in registration order and evaluates them against config.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
	index    map[string]int
	logger   *slog.Logger
}

// NewEngine returns an empty engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{index: make(map[string]int), logger: logger}
}

// Register adds p. A policy with the same id replaces the earlier one in place.
func (e *Engine) Register(p Policy) error {
	if p == nil {
		return fmt.Errorf("policy: nil policy")
	}
	id := strings.TrimSpace(p.ID())
	if id == "" {
		return fmt.Errorf("policy: id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if i, ok := e.index[id]; ok {
		e.policies[i] = p
		return nil
	}
	e.index[id] = len(e.policies)
	e.policies = append(e.policies, p)
	return nil
}

// RegisterAll registers each policy in order, stopping at the first error.
func (e *Engine) RegisterAll(policies ...Policy) error {
	for _, p := range policies {
		if err := e.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Policies returns a snapshot of the registered policies.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

// Lookup returns the policy registered under id.
func (e *Engine) Lookup(id string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.index[strings.TrimSpace(id)]
	if !ok {
		return nil, false
	}
	return e.policies[i], true
}

// InScope reports whether p applies under the framework filter. Untagged
// policies always apply; tagged ones apply when the filter is empty or shares
// a framework with them.
func InScope(p Policy, frameworks []domain.Framework) bool {
	tags := p.Frameworks()
	if len(tags) == 0 || len(frameworks) == 0 {
		return true
	}
	for _, tag := range tags {
		if slices.Contains(frameworks, tag) {
			return true
		}
	}
	return false
}

// Evaluate runs every in-scope policy and returns all outcomes in registration
// order. The first evaluation error aborts the run as a PolicyFailure.
func (e *Engine) Evaluate(ctx context.Context, config map[string]any, frameworks []domain.Framework) ([]Result, error) {
	if config == nil {
		config = map[string]any{}
	}
	policies := e.Policies()
	results := make([]Result, 0, len(policies))
	for _, p := range policies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !InScope(p, frameworks) {
			continue
		}
		outcome, err := p.Evaluate(ctx, config)
		if err != nil {
			e.logger.Warn("policy evaluation failed", "policy_id", p.ID(), "error", err)
			return nil, domain.PolicyFailure(p.ID(), err)
		}
		results = append(results, Result{Policy: p, Outcome: outcome})
	}
	return results, nil
}

// Scan returns a finding for every in-scope policy whose predicate fails. The
// slice is never nil.
func (e *Engine) Scan(ctx context.Context, config map[string]any, frameworks []domain.Framework) ([]domain.Finding, error) {
	results, err := e.Evaluate(ctx, config, frameworks)
	if err != nil {
		return nil, err
	}
	findings := make([]domain.Finding, 0, len(results))
	for _, r := range results {
		if r.Outcome.Passed {
			continue
		}
		findings = append(findings, domain.Finding{
			PolicyID:    r.Policy.ID(),
			Title:       r.Policy.Title(),
			Severity:    r.Policy.Severity(),
			Evidence:    append([]string(nil), r.Outcome.Evidence...),
			Remediation: r.Policy.Remediation(),
		})
	}
	e.logger.Debug("policy scan complete",
		"evaluated", len(results),
		"findings", len(findings),
	)
	return findings, nil
}

// LoadEngine builds an engine from definitions, optionally preceded by the
// built-in policies. A definition reusing a built-in id replaces it.
func LoadEngine(ctx context.Context, defs []Definition, includeBuiltins bool, logger *slog.Logger) (*Engine, error) {
	engine := NewEngine(logger)
	all := defs
	if includeBuiltins {
		all = append(BuiltinDefinitions(), defs...)
	}
	for _, def := range all {
		p, err := def.Build(ctx)
		if err != nil {
			return nil, err
		}
		if err := engine.Register(p); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

var (
	globalEngine     *Engine
	globalEngineOnce sync.Once
)

// GlobalEngine returns a shared engine holding only the built-in policies.
func GlobalEngine() *Engine {
	globalEngineOnce.Do(func() {
		engine, err := LoadEngine(context.Background(), nil, true, nil)
		if err != nil {
			panic(fmt.Sprintf("policy: built-in policies failed to load: %v", err))
		}
		globalEngine = engine
	})
	return globalEngine
}
