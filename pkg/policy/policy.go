package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polisai/polis-shield/pkg/domain"
)

// Policy is a declarative rule evaluated against structured config.
type Policy interface {
	ID() string
	Title() string
	Severity() domain.Severity
	Frameworks() []domain.Framework
	Remediation() string
	// Evaluate reports whether config satisfies the policy. Evidence explains a
	// failed outcome.
	Evaluate(ctx context.Context, config map[string]any) (Outcome, error)
}

// Outcome is the result of evaluating one policy.
type Outcome struct {
	Passed   bool
	Evidence []string
}

// Meta carries the descriptive fields shared by every policy kind.
type Meta struct {
	PolicyID        string
	PolicyTitle     string
	PolicySeverity  domain.Severity
	FrameworkTags   []domain.Framework
	RemediationText string
}

func (m Meta) ID() string                { return m.PolicyID }
func (m Meta) Title() string             { return m.PolicyTitle }
func (m Meta) Severity() domain.Severity { return m.PolicySeverity }
func (m Meta) Remediation() string       { return m.RemediationText }

func (m Meta) Frameworks() []domain.Framework {
	return append([]domain.Framework(nil), m.FrameworkTags...)
}

func (m Meta) validate() error {
	if strings.TrimSpace(m.PolicyID) == "" {
		return fmt.Errorf("policy: id is required")
	}
	if !m.PolicySeverity.Valid() {
		return fmt.Errorf("policy %s: invalid severity %q", m.PolicyID, m.PolicySeverity)
	}
	return nil
}

// RequirePolicy passes when every configured path is truthy in the config.
type RequirePolicy struct {
	Meta
	Paths []string
}

// NewRequirePolicy builds a RequirePolicy.
func NewRequirePolicy(meta Meta, paths ...string) (*RequirePolicy, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("policy %s: require needs at least one path", meta.PolicyID)
	}
	return &RequirePolicy{Meta: meta, Paths: append([]string(nil), paths...)}, nil
}

// Evaluate implements Policy.
func (p *RequirePolicy) Evaluate(_ context.Context, config map[string]any) (Outcome, error) {
	out := Outcome{Passed: true}
	for _, path := range p.Paths {
		value, ok := Lookup(config, path)
		switch {
		case !ok:
			out.Passed = false
			out.Evidence = append(out.Evidence, fmt.Sprintf("config.%s is missing", path))
		case !Truthy(value):
			out.Passed = false
			out.Evidence = append(out.Evidence, fmt.Sprintf("config.%s is %v", path, value))
		}
	}
	return out, nil
}

// FuncPolicy adapts a Go predicate.
type FuncPolicy struct {
	Meta
	Predicate func(config map[string]any) bool
}

// Evaluate implements Policy.
func (p *FuncPolicy) Evaluate(_ context.Context, config map[string]any) (Outcome, error) {
	if p.Predicate == nil {
		return Outcome{}, fmt.Errorf("policy %s has no predicate", p.PolicyID)
	}
	if p.Predicate(config) {
		return Outcome{Passed: true}, nil
	}
	return Outcome{Evidence: []string{"predicate returned false"}}, nil
}

// Lookup resolves a dot-separated path through nested maps.
func Lookup(config map[string]any, path string) (any, bool) {
	var current any = config
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Truthy applies loose truthiness: false, nil, zero numbers and empty strings
// are false; everything else, including empty maps and lists, is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case int32:
		return t != 0
	case uint64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}
