package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-shield/pkg/domain"
)

// Definition is the declarative form of a policy as it appears in config files.
// Exactly one of Require, Condition or Module selects the predicate.
type Definition struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Severity    string   `yaml:"severity" json:"severity"`
	Frameworks  []string `yaml:"frameworks,omitempty" json:"frameworks,omitempty"`
	Remediation string   `yaml:"remediation,omitempty" json:"remediation,omitempty"`

	// Require lists dotted config paths that must all be truthy.
	Require []string `yaml:"require,omitempty" json:"require,omitempty"`
	// Condition holds Rego expressions over input.config.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	// Module and Query hold a complete Rego module and the boolean query to run.
	Module string `yaml:"module,omitempty" json:"module,omitempty"`
	Query  string `yaml:"query,omitempty" json:"query,omitempty"`
}

// Meta converts the descriptive fields, validating severity and frameworks.
func (d Definition) Meta() (Meta, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return Meta{}, fmt.Errorf("policy: id is required")
	}
	sev, ok := domain.ParseSeverity(d.Severity)
	if !ok {
		return Meta{}, fmt.Errorf("policy %s: invalid severity %q", id, d.Severity)
	}
	frameworks, err := domain.NormalizeFrameworks(d.Frameworks)
	if err != nil {
		return Meta{}, fmt.Errorf("policy %s: %w", id, err)
	}
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = id
	}
	return Meta{
		PolicyID:        id,
		PolicyTitle:     title,
		PolicySeverity:  sev,
		FrameworkTags:   frameworks,
		RemediationText: strings.TrimSpace(d.Remediation),
	}, nil
}

// Build compiles the definition into a Policy.
func (d Definition) Build(ctx context.Context) (Policy, error) {
	meta, err := d.Meta()
	if err != nil {
		return nil, err
	}

	kinds := 0
	for _, set := range []bool{len(d.Require) > 0, strings.TrimSpace(d.Condition) != "", strings.TrimSpace(d.Module) != ""} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, fmt.Errorf("policy %s: exactly one of require, condition or module must be set", meta.PolicyID)
	}

	if len(d.Require) > 0 {
		return NewRequirePolicy(meta, d.Require...)
	}
	return NewRegoPolicy(ctx, meta, RegoOptions{
		Condition: d.Condition,
		Module:    d.Module,
		Query:     d.Query,
	})
}
