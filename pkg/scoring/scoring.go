// Package scoring folds detector flags and policy findings into a single
// verdict.
package scoring

import (
	"time"

	"github.com/polisai/polis-shield/pkg/domain"
)

const (
	// MaxScore is the score of a scan with nothing to report.
	MaxScore = 100
	// SafeConfidence is reported when nothing was flagged.
	SafeConfidence = 0.9
	// FindingsOnlyConfidence is reported when only policy findings exist.
	FindingsOnlyConfidence = 1.0
)

// Weight is the score penalty for one flag or finding of the given severity.
func Weight(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 40
	case domain.SeverityHigh:
		return 25
	case domain.SeverityMedium:
		return 15
	case domain.SeverityLow:
		return 5
	default:
		return 0
	}
}

// Score subtracts the weight of every flag and finding from MaxScore,
// floored at zero.
func Score(flags []domain.Flag, findings []domain.Finding) int {
	penalty := 0
	for _, f := range flags {
		penalty += Weight(f.Severity)
	}
	for _, f := range findings {
		penalty += Weight(f.Severity)
	}
	return max(MaxScore-penalty, 0)
}

// Confidence is the highest flag confidence, SafeConfidence when there is
// nothing to report, and FindingsOnlyConfidence when only findings exist.
func Confidence(flags []domain.Flag, findings []domain.Finding) float64 {
	if len(flags) == 0 {
		if len(findings) == 0 {
			return SafeConfidence
		}
		return FindingsOnlyConfidence
	}
	highest := 0.0
	for _, f := range flags {
		if f.Confidence > highest {
			highest = f.Confidence
		}
	}
	return highest
}

// Aggregate builds the result of a scan. Inputs are copied.
func Aggregate(flags []domain.Flag, findings []domain.Finding, now time.Time) domain.ScanResult {
	result := domain.ScanResult{
		IsSafe:     len(flags) == 0 && len(findings) == 0,
		Flags:      append(make([]domain.Flag, 0, len(flags)), flags...),
		Findings:   make([]domain.Finding, 0, len(findings)),
		Confidence: Confidence(flags, findings),
		Score:      Score(flags, findings),
		ComputedAt: now.UTC(),
	}
	for _, f := range findings {
		result.Findings = append(result.Findings, f.Clone())
	}
	return result
}
