package policy

import "github.com/polisai/polis-shield/pkg/domain"

// BuiltinDefinitions returns the policies every engine starts with.
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			ID:          "gdpr-encryption",
			Title:       "GDPR Encryption Requirement",
			Severity:    string(domain.SeverityHigh),
			Frameworks:  []string{string(domain.FrameworkGDPR)},
			Remediation: "Enable encryption at rest and in transit for personal data.",
			Require:     []string{"encryption"},
		},
		{
			ID:          "hipaa-audit-logs",
			Title:       "HIPAA Audit Logging",
			Severity:    string(domain.SeverityCritical),
			Frameworks:  []string{string(domain.FrameworkHIPAA)},
			Remediation: "Enable audit logging for every access to protected health information.",
			Require:     []string{"auditLogs"},
		},
	}
}
