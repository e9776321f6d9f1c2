package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-shield/pkg/domain"
)

func findingIDs(findings []domain.Finding) []string {
	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		ids = append(ids, f.PolicyID)
	}
	return ids
}

func TestBuiltinPolicies(t *testing.T) {
	engine := GlobalEngine()

	tests := []struct {
		name       string
		config     map[string]any
		frameworks []domain.Framework
		want       []string
	}{
		{"compliant", map[string]any{"encryption": true, "auditLogs": true}, nil, []string{}},
		{"nothing configured", map[string]any{}, nil, []string{"gdpr-encryption", "hipaa-audit-logs"}},
		{"nil config", nil, nil, []string{"gdpr-encryption", "hipaa-audit-logs"}},
		{"encryption disabled", map[string]any{"encryption": false, "auditLogs": "enabled"}, nil, []string{"gdpr-encryption"}},
		{"gdpr scope", map[string]any{}, []domain.Framework{domain.FrameworkGDPR}, []string{"gdpr-encryption"}},
		{"hipaa scope", map[string]any{}, []domain.Framework{domain.FrameworkHIPAA}, []string{"hipaa-audit-logs"}},
		{"unrelated scope", map[string]any{}, []domain.Framework{domain.FrameworkSOC2}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings, err := engine.Scan(context.Background(), tt.config, tt.frameworks)
			require.NoError(t, err)
			assert.Equal(t, tt.want, findingIDs(findings))
		})
	}
}

func TestFindingCarriesPolicyMetadata(t *testing.T) {
	findings, err := GlobalEngine().Scan(context.Background(), map[string]any{"encryption": true}, nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "hipaa-audit-logs", f.PolicyID)
	assert.Equal(t, "HIPAA Audit Logging", f.Title)
	assert.Equal(t, domain.SeverityCritical, f.Severity)
	assert.Equal(t, []string{"config.auditLogs is missing"}, f.Evidence)
	assert.NotEmpty(t, f.Remediation)
}

func TestUntaggedPoliciesAlwaysApply(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.RegisterAll(
		&FuncPolicy{Meta: Meta{PolicyID: "always", PolicySeverity: domain.SeverityLow}, Predicate: func(map[string]any) bool { return false }},
		&FuncPolicy{Meta: Meta{PolicyID: "soc2", PolicySeverity: domain.SeverityLow, FrameworkTags: []domain.Framework{domain.FrameworkSOC2}}, Predicate: func(map[string]any) bool { return false }},
	))

	findings, err := engine.Scan(context.Background(), nil, []domain.Framework{domain.FrameworkGDPR})
	require.NoError(t, err)
	assert.Equal(t, []string{"always"}, findingIDs(findings))
}

func TestRegisterReplacesInPlace(t *testing.T) {
	engine := NewEngine(nil)
	fail := func(map[string]any) bool { return false }
	pass := func(map[string]any) bool { return true }
	require.NoError(t, engine.RegisterAll(
		&FuncPolicy{Meta: Meta{PolicyID: "a", PolicySeverity: domain.SeverityLow}, Predicate: fail},
		&FuncPolicy{Meta: Meta{PolicyID: "b", PolicySeverity: domain.SeverityLow}, Predicate: fail},
	))
	require.NoError(t, engine.Register(&FuncPolicy{Meta: Meta{PolicyID: "a", PolicySeverity: domain.SeverityLow}, Predicate: pass}))

	findings, err := engine.Scan(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, findingIDs(findings))
	assert.Len(t, engine.Policies(), 2)

	_, ok := engine.Lookup("a")
	assert.True(t, ok)
	assert.Error(t, engine.Register(&FuncPolicy{}))
}

type erroringPolicy struct{ Meta }

func (erroringPolicy) Evaluate(context.Context, map[string]any) (Outcome, error) {
	return Outcome{}, errors.New("backend offline")
}

func TestEvaluationErrorIsPolicyFailure(t *testing.T) {
	engine := NewEngine(nil)
	require.NoError(t, engine.Register(erroringPolicy{Meta{PolicyID: "flaky", PolicySeverity: domain.SeverityMedium}}))

	findings, err := engine.Scan(context.Background(), map[string]any{}, nil)
	assert.Nil(t, findings)
	assert.ErrorIs(t, err, domain.ErrPolicyFailure)
	assert.Equal(t, domain.KindPolicyFailure, domain.KindOf(err))
}

func TestLoadEngineOverridesBuiltin(t *testing.T) {
	engine, err := LoadEngine(context.Background(), []Definition{
		{ID: "gdpr-encryption", Title: "Encryption", Severity: "low", Require: []string{"security.encryption"}},
		{ID: "mfa", Severity: "medium", Frameworks: []string{"soc2"}, Require: []string{"auth.mfa"}},
	}, true, nil)
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, p := range engine.Policies() {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"gdpr-encryption", "hipaa-audit-logs", "mfa"}, ids)

	findings, err := engine.Scan(context.Background(), map[string]any{
		"security":  map[string]any{"encryption": "aes-256"},
		"auditLogs": true,
	}, nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "mfa", findings[0].PolicyID)
	assert.Equal(t, "mfa", findings[0].Title)
	assert.Equal(t, domain.SeverityMedium, findings[0].Severity)
}

func TestDefinitionValidation(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"missing id", Definition{Severity: "low", Require: []string{"x"}}},
		{"bad severity", Definition{ID: "x", Severity: "urgent", Require: []string{"x"}}},
		{"unknown framework", Definition{ID: "x", Severity: "low", Frameworks: []string{"iso9001"}, Require: []string{"x"}}},
		{"no predicate", Definition{ID: "x", Severity: "low"}},
		{"two predicates", Definition{ID: "x", Severity: "low", Require: []string{"x"}, Condition: "input.config.x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.def.Build(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestLookupAndTruthy(t *testing.T) {
	config := map[string]any{"a": map[string]any{"b": map[string]any{"c": 0.0}}, "s": ""}

	v, ok := Lookup(config, "a.b.c")
	require.True(t, ok)
	assert.False(t, Truthy(v))

	_, ok = Lookup(config, "a.x.c")
	assert.False(t, ok)
	_, ok = Lookup(config, "s.deeper")
	assert.False(t, ok)

	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(map[string]any{}))
	assert.True(t, Truthy([]any{}))
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0))
}
