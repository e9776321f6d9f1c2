package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/polis-shield/pkg/domain"
)

const defaultConfidence = 0.95

// Rule declares a detection rule. A rule matches when its pattern matches the
// content or when the lower-cased content contains any of its phrases.
type Rule struct {
	Name        string          `yaml:"name"`
	Pattern     string          `yaml:"pattern"`
	Phrases     []string        `yaml:"phrases"`
	FlagType    string          `yaml:"flag"`
	Severity    domain.Severity `yaml:"severity"`
	Confidence  float64         `yaml:"confidence"`
	Description string          `yaml:"description"`
}

type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	phrases     []string
	flagType    string
	severity    domain.Severity
	confidence  float64
	description string
}

func (r compiledRule) matches(content, lower string) bool {
	for _, phrase := range r.phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return r.expr != nil && r.expr.MatchString(content)
}

func (r compiledRule) flag(detector string) domain.Flag {
	return domain.Flag{
		Type:        r.flagType,
		Severity:    r.severity,
		Confidence:  r.confidence,
		Description: r.description,
		Detector:    detector,
	}
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("detect: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		phrases := normalizeTerms(rule.Phrases)
		if pattern == "" && len(phrases) == 0 {
			return nil, fmt.Errorf("detect: rule %s needs a pattern or phrases", name)
		}
		flagType := strings.TrimSpace(rule.FlagType)
		if flagType == "" {
			return nil, fmt.Errorf("detect: rule %s has no flag type", name)
		}
		severity := rule.Severity
		if severity == "" {
			severity = domain.SeverityMedium
		}
		if !severity.Valid() {
			return nil, fmt.Errorf("detect: invalid severity %q for rule %s", severity, name)
		}
		confidence := rule.Confidence
		if confidence == 0 {
			confidence = defaultConfidence
		}
		if confidence < 0 || confidence > 1 {
			return nil, fmt.Errorf("detect: confidence %v for rule %s outside [0,1]", confidence, name)
		}

		cr := compiledRule{
			name:        name,
			phrases:     phrases,
			flagType:    flagType,
			severity:    severity,
			confidence:  confidence,
			description: rule.Description,
		}
		if pattern != "" {
			expr, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("detect: invalid pattern for rule %s: %w", name, err)
			}
			cr.expr = expr
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

// RuleDetector evaluates content against an ordered rule set. It raises at most
// one flag per flag type; the first matching rule supplies it.
type RuleDetector struct {
	name  string
	types []domain.CheckType
	rules []compiledRule
}

// NewRuleDetector compiles rules into a detector serving types.
func NewRuleDetector(name string, types []domain.CheckType, rules []Rule) (*RuleDetector, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("detect: detector name is required")
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("detect: detector %s declares no check types", name)
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &RuleDetector{
		name:  name,
		types: append([]domain.CheckType(nil), types...),
		rules: compiled,
	}, nil
}

// Name implements Detector.
func (d *RuleDetector) Name() string { return d.name }

// CheckTypes implements Detector.
func (d *RuleDetector) CheckTypes() []domain.CheckType {
	return append([]domain.CheckType(nil), d.types...)
}

// Detect implements Detector.
func (d *RuleDetector) Detect(ctx context.Context, content string, _ map[string]any) ([]domain.Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.evaluate(content, strings.ToLower(content), nil), nil
}

// evaluate applies the compiled rules followed by extra, skipping flag types
// that already fired.
func (d *RuleDetector) evaluate(content, lower string, extra []compiledRule) []domain.Flag {
	var flags []domain.Flag
	seen := make(map[string]struct{})
	for _, set := range [][]compiledRule{d.rules, extra} {
		for _, rule := range set {
			if _, done := seen[rule.flagType]; done {
				continue
			}
			if rule.matches(content, lower) {
				seen[rule.flagType] = struct{}{}
				flags = append(flags, rule.flag(d.name))
			}
		}
	}
	return flags
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			out = append(out, term)
		}
	}
	return out
}
