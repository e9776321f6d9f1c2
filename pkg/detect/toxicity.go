package detect

import (
	"context"
	"strings"

	"github.com/polisai/polis-shield/pkg/domain"
)

// FlagToxicity is raised when content contains a deny-listed term.
const FlagToxicity = "TOXICITY_DETECTED"

// DefaultDenyList is used when no deny-list is configured.
var DefaultDenyList = []string{"hate", "kill", "stupid"}

// ToxicityDetector flags content containing any deny-listed term. Matching is a
// case-insensitive substring test. The "denyList" request config key replaces
// the configured list for that request.
type ToxicityDetector struct {
	terms []string
}

// NewToxicityDetector builds the detector; an empty list selects DefaultDenyList.
func NewToxicityDetector(denyList []string) *ToxicityDetector {
	terms := normalizeTerms(denyList)
	if len(terms) == 0 {
		terms = normalizeTerms(DefaultDenyList)
	}
	return &ToxicityDetector{terms: terms}
}

// Name implements Detector.
func (d *ToxicityDetector) Name() string { return "toxicity" }

// CheckTypes implements Detector.
func (d *ToxicityDetector) CheckTypes() []domain.CheckType {
	return []domain.CheckType{domain.CheckToxicity}
}

// Terms returns the configured deny-list.
func (d *ToxicityDetector) Terms() []string {
	return append([]string(nil), d.terms...)
}

// Detect implements Detector.
func (d *ToxicityDetector) Detect(ctx context.Context, content string, config map[string]any) ([]domain.Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := d.terms
	if override := normalizeTerms(stringList(config, ConfigDenyList)); len(override) > 0 {
		terms = override
	}
	lower := strings.ToLower(content)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return []domain.Flag{{
				Type:        FlagToxicity,
				Severity:    domain.SeverityMedium,
				Confidence:  defaultConfidence,
				Description: "Toxic language detected",
				Detector:    d.Name(),
			}}, nil
		}
	}
	return nil, nil
}
