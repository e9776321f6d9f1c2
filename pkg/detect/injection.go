package detect

import (
	"context"
	"strings"

	"github.com/polisai/polis-shield/pkg/domain"
)

// FlagPromptInjection is raised when content tries to override instructions.
const FlagPromptInjection = "PROMPT_INJECTION_DETECTED"

const injectionDescription = "Potential prompt injection detected"

// InjectionRules are the built-in prompt injection rules.
var InjectionRules = []Rule{
	{
		Name:        "injection.ignore-previous",
		Phrases:     []string{"ignore previous instructions"},
		FlagType:    FlagPromptInjection,
		Severity:    domain.SeverityHigh,
		Description: injectionDescription,
	},
	{
		Name:        "injection.system-prompt",
		Phrases:     []string{"system prompt"},
		FlagType:    FlagPromptInjection,
		Severity:    domain.SeverityHigh,
		Description: injectionDescription,
	},
	{
		Name:        "injection.disregard-instructions",
		Pattern:     `(?i)\b(?:disregard|forget)\s+(?:all\s+|any\s+)?(?:previous|prior|above)\s+(?:instructions|rules|directions)\b`,
		FlagType:    FlagPromptInjection,
		Severity:    domain.SeverityHigh,
		Description: injectionDescription,
	},
	{
		Name:        "injection.jailbreak-persona",
		Pattern:     `(?i)\b(?:you\s+are\s+now\s+dan|do\s+anything\s+now|enable\s+developer\s+mode)\b`,
		FlagType:    FlagPromptInjection,
		Severity:    domain.SeverityHigh,
		Confidence:  0.9,
		Description: "Jailbreak persona request detected",
	},
}

// InjectionDetector flags attempts to override the model's instructions.
// Requests may add phrases through the "injectionPhrases" config key.
type InjectionDetector struct {
	*RuleDetector
}

// NewInjectionDetector builds the injection detector with optional extra phrases.
func NewInjectionDetector(extraPhrases ...string) (*InjectionDetector, error) {
	rules := append([]Rule(nil), InjectionRules...)
	if phrases := normalizeTerms(extraPhrases); len(phrases) > 0 {
		rules = append(rules, Rule{
			Name:        "injection.configured-phrases",
			Phrases:     phrases,
			FlagType:    FlagPromptInjection,
			Severity:    domain.SeverityHigh,
			Description: injectionDescription,
		})
	}
	rd, err := NewRuleDetector("injection", []domain.CheckType{domain.CheckInjection}, rules)
	if err != nil {
		return nil, err
	}
	return &InjectionDetector{RuleDetector: rd}, nil
}

// Detect implements Detector.
func (d *InjectionDetector) Detect(ctx context.Context, content string, config map[string]any) ([]domain.Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var extra []compiledRule
	if phrases := normalizeTerms(stringList(config, ConfigInjectionPhrases)); len(phrases) > 0 {
		extra = append(extra, compiledRule{
			name:        "injection.request-phrases",
			phrases:     phrases,
			flagType:    FlagPromptInjection,
			severity:    domain.SeverityHigh,
			confidence:  defaultConfidence,
			description: injectionDescription,
		})
	}
	return d.evaluate(content, strings.ToLower(content), extra), nil
}
