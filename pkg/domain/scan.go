package domain

import (
	"strings"
	"time"
)

// CheckType selects which detectors run for a request.
type CheckType string

const (
	CheckInjection CheckType = "injection"
	CheckPII       CheckType = "pii"
	CheckToxicity  CheckType = "toxicity"
	// CheckJudge is served only when a model-backed detector is configured.
	CheckJudge CheckType = "judge"
)

// DefaultCheckType is applied when a request names no check types.
const DefaultCheckType = CheckInjection

// ParseCheckType normalises user input. It does not check registration; that is
// the registry's job.
func ParseCheckType(s string) CheckType {
	return CheckType(strings.ToLower(strings.TrimSpace(s)))
}

// Severity represents the impact level of a flag or finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity normalises s, returning false when it names no known level.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

// Flag is a unit of evidence raised by exactly one detector.
type Flag struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description"`
	Detector    string   `json:"detector"`
}

// Finding records a policy whose predicate did not hold for the supplied config.
type Finding struct {
	PolicyID    string   `json:"policyId"`
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	Evidence    []string `json:"evidence,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
}

// Clone returns a copy that shares no slices with f.
func (f Finding) Clone() Finding {
	f.Evidence = append([]string(nil), f.Evidence...)
	return f
}

// ScanRequest is the immutable input of a scan.
type ScanRequest struct {
	Content    string         `json:"content"`
	CheckTypes []CheckType    `json:"checkTypes"`
	Config     map[string]any `json:"config,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	// Frameworks, when set, also runs the policy engine over Config scoped to
	// these compliance frameworks.
	Frameworks []string `json:"frameworks,omitempty"`
}

// Normalize lower-cases and de-duplicates check types, applying the default when
// none are given. The receiver is left untouched.
func (r ScanRequest) Normalize() ScanRequest {
	out := r.Clone()
	seen := make(map[CheckType]struct{}, len(r.CheckTypes))
	types := make([]CheckType, 0, len(r.CheckTypes))
	for _, ct := range r.CheckTypes {
		ct = ParseCheckType(string(ct))
		if ct == "" {
			continue
		}
		if _, dup := seen[ct]; dup {
			continue
		}
		seen[ct] = struct{}{}
		types = append(types, ct)
	}
	if len(types) == 0 {
		types = []CheckType{DefaultCheckType}
	}
	out.CheckTypes = types
	return out
}

// Validate performs the request checks that do not need a registry.
func (r ScanRequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return InvalidRequest("content must not be empty")
	}
	if _, err := NormalizeFrameworks(r.Frameworks); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy of the request.
func (r ScanRequest) Clone() ScanRequest {
	r.CheckTypes = append([]CheckType(nil), r.CheckTypes...)
	r.Frameworks = append([]string(nil), r.Frameworks...)
	r.Config = CloneMap(r.Config)
	r.Metadata = CloneMap(r.Metadata)
	return r
}

// ScanResult is the aggregated verdict of a scan. A new result replaces an old
// one; results are never edited in place.
type ScanResult struct {
	IsSafe     bool      `json:"isSafe"`
	Flags      []Flag    `json:"flags"`
	Findings   []Finding `json:"findings"`
	Confidence float64   `json:"confidence"`
	Score      int       `json:"score"`
	ComputedAt time.Time `json:"computedAt"`
}

// FlagTypes returns the flag tags in order. The slice is never nil.
func (r ScanResult) FlagTypes() []string {
	tags := make([]string, 0, len(r.Flags))
	for _, f := range r.Flags {
		tags = append(tags, f.Type)
	}
	return tags
}

// Clone returns a deep copy of the result.
func (r ScanResult) Clone() ScanResult {
	r.Flags = append([]Flag(nil), r.Flags...)
	if r.Findings != nil {
		findings := make([]Finding, len(r.Findings))
		for i, f := range r.Findings {
			findings[i] = f.Clone()
		}
		r.Findings = findings
	}
	return r
}

// CloneMap deep-copies JSON-like maps. Values other than maps and slices are
// copied by assignment.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}
