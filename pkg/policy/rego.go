package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// RegoPolicy evaluates a Rego rule against {"config": <config>}. The rule must
// produce a boolean; undefined counts as false.
type RegoPolicy struct {
	Meta
	query    string
	source   string
	prepared rego.PreparedEvalQuery
	cache    *decisionCache
}

// RegoOptions selects the Rego source of a policy. Exactly one of Condition or
// Module must be set.
type RegoOptions struct {
	// Condition is one or more Rego expressions over input.config, one per line,
	// all of which must hold.
	Condition string
	// Module is a full Rego v1 module.
	Module string
	// Query defaults to "<module package>.pass".
	Query string
	// CacheMaxEntries bounds the outcome cache. Zero selects the default size;
	// negative disables caching.
	CacheMaxEntries int
}

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// NewRegoPolicy compiles the policy's Rego and prepares its query.
func NewRegoPolicy(ctx context.Context, meta Meta, opts RegoOptions) (*RegoPolicy, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}

	condition := strings.TrimSpace(opts.Condition)
	moduleSrc := strings.TrimSpace(opts.Module)
	query := strings.TrimSpace(opts.Query)
	source := condition

	switch {
	case condition != "" && moduleSrc != "":
		return nil, fmt.Errorf("policy %s: condition and module are mutually exclusive", meta.PolicyID)
	case condition != "":
		pkg := "polis.shield.policies." + nonIdent.ReplaceAllString(meta.PolicyID, "_")
		moduleSrc = conditionModule(pkg, condition)
		query = "data." + pkg + ".pass"
	case moduleSrc != "":
		source = moduleSrc
	default:
		return nil, fmt.Errorf("policy %s: rego needs a condition or a module", meta.PolicyID)
	}

	module, err := ast.ParseModuleWithOpts(meta.PolicyID+".rego", moduleSrc, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("policy %s: parse rego: %w", meta.PolicyID, err)
	}
	if query == "" {
		query = module.Package.Path.String() + ".pass"
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy %s: compile rego: %w", meta.PolicyID, err)
	}

	var cache *decisionCache
	switch {
	case opts.CacheMaxEntries == 0:
		cache = newDecisionCache(defaultCacheCapacity)
	case opts.CacheMaxEntries > 0:
		cache = newDecisionCache(opts.CacheMaxEntries)
	}

	return &RegoPolicy{
		Meta:     meta,
		query:    query,
		source:   source,
		prepared: prepared,
		cache:    cache,
	}, nil
}

func conditionModule(pkg, condition string) string {
	var sb strings.Builder
	sb.WriteString("package " + pkg + "\n\n")
	sb.WriteString("default pass := false\n\n")
	sb.WriteString("pass if {\n")
	for _, line := range strings.Split(condition, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sb.WriteString("\t" + line + "\n")
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// Query returns the Rego query evaluated for this policy.
func (p *RegoPolicy) Query() string { return p.query }

// Evaluate implements Policy.
func (p *RegoPolicy) Evaluate(ctx context.Context, config map[string]any) (Outcome, error) {
	if config == nil {
		config = map[string]any{}
	}

	key, cacheable := "", false
	if p.cache != nil {
		key, cacheable = configKey(config)
		if cacheable {
			if cached, ok := p.cache.Get(key); ok {
				return cached, nil
			}
		}
	}

	results, err := p.prepared.Eval(ctx, rego.EvalInput(map[string]any{"config": config}))
	if err != nil {
		return Outcome{}, fmt.Errorf("opa eval: %w", err)
	}

	passed := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		value, ok := results[0].Expressions[0].Value.(bool)
		if !ok {
			return Outcome{}, fmt.Errorf("opa eval: %s must be boolean, got %T", p.query, results[0].Expressions[0].Value)
		}
		passed = value
	}

	out := Outcome{Passed: passed}
	if !passed {
		out.Evidence = []string{"rego condition not satisfied: " + firstLine(p.source)}
	}
	if cacheable {
		p.cache.Add(key, out)
	}
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i]) + " ..."
	}
	return s
}
