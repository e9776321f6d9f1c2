package detect

import "github.com/polisai/polis-shield/pkg/domain"

// PII flag types.
const (
	FlagPIIEmail      = "PII_DETECTED_EMAIL"
	FlagPIISSN        = "PII_DETECTED_SSN"
	FlagPIICreditCard = "PII_DETECTED_CREDIT_CARD"
)

// PIIRules are the built-in personal data rules.
var PIIRules = []Rule{
	{
		Name:        "pii.email",
		Pattern:     `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
		FlagType:    FlagPIIEmail,
		Severity:    domain.SeverityMedium,
		Description: "Email address detected",
	},
	{
		Name:        "pii.ssn",
		Pattern:     `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`,
		FlagType:    FlagPIISSN,
		Severity:    domain.SeverityHigh,
		Description: "US social security number detected",
	},
	{
		Name:        "pci.card-number",
		Pattern:     `\b(?:\d{4}[-\s]?){3}\d{4}\b`,
		FlagType:    FlagPIICreditCard,
		Severity:    domain.SeverityHigh,
		Confidence:  0.85,
		Description: "Payment card number detected",
	},
}

// NewPIIDetector builds the personal data detector.
func NewPIIDetector() (*RuleDetector, error) {
	return NewRuleDetector("pii", []domain.CheckType{domain.CheckPII}, PIIRules)
}
