package domain

import "strings"

// Framework names a compliance regime a policy can be tagged with.
type Framework string

const (
	FrameworkGDPR    Framework = "GDPR"
	FrameworkHIPAA   Framework = "HIPAA"
	FrameworkSOC2    Framework = "SOC2"
	FrameworkEUAIAct Framework = "EU_AI_ACT"
	FrameworkCCPA    Framework = "CCPA"
	FrameworkPCIDSS  Framework = "PCI_DSS"
)

var knownFrameworks = map[Framework]struct{}{
	FrameworkGDPR:    {},
	FrameworkHIPAA:   {},
	FrameworkSOC2:    {},
	FrameworkEUAIAct: {},
	FrameworkCCPA:    {},
	FrameworkPCIDSS:  {},
}

// ParseFramework normalises s ("eu-ai-act" → EU_AI_ACT) and reports whether the
// result is a known framework.
func ParseFramework(s string) (Framework, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	fw := Framework(norm)
	_, ok := knownFrameworks[fw]
	return fw, ok
}

// NormalizeFrameworks parses and de-duplicates names, preserving order. Any
// unknown name is an InvalidRequest.
func NormalizeFrameworks(names []string) ([]Framework, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]Framework, 0, len(names))
	seen := make(map[Framework]struct{}, len(names))
	for _, name := range names {
		fw, ok := ParseFramework(name)
		if !ok {
			return nil, InvalidRequest("unknown framework %q", name)
		}
		if _, dup := seen[fw]; dup {
			continue
		}
		seen[fw] = struct{}{}
		out = append(out, fw)
	}
	return out, nil
}
