package redteam

import (
	"context"
	"slices"

	"github.com/polisai/polis-shield/pkg/domain"
)

// Scanner is the part of the scanning pipeline the runner needs.
type Scanner interface {
	Scan(ctx context.Context, req domain.ScanRequest) (domain.ScanResult, error)
}

// PromptResult is the outcome of one scenario prompt.
type PromptResult struct {
	Prompt   string   `json:"prompt"`
	Detected bool     `json:"detected"`
	Flags    []string `json:"flags"`
	Error    string   `json:"error,omitempty"`
}

// ScenarioReport summarises one scenario.
type ScenarioReport struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Detected int            `json:"detected"`
	Total    int            `json:"total"`
	Prompts  []PromptResult `json:"prompts"`
}

// Report summarises a run.
type Report struct {
	Scenarios []ScenarioReport `json:"scenarios"`
	Detected  int              `json:"detected"`
	Total     int              `json:"total"`
	// Coverage is Detected/Total, or 0 for an empty run.
	Coverage float64 `json:"coverage"`
}

// Run scans every prompt of every scenario. A prompt counts as detected when the
// result carries any of the scenario's expected flags. Scan errors count as
// misses and are reported per prompt; Run itself only fails when ctx ends.
func Run(ctx context.Context, sc Scanner, scenarios []Scenario) (Report, error) {
	report := Report{Scenarios: make([]ScenarioReport, 0, len(scenarios))}
	for _, s := range scenarios {
		sr := ScenarioReport{ID: s.ID, Name: s.Name, Total: len(s.Prompts)}
		for _, prompt := range s.Prompts {
			if err := ctx.Err(); err != nil {
				return Report{}, err
			}
			pr := PromptResult{Prompt: prompt, Flags: []string{}}
			result, err := sc.Scan(ctx, domain.ScanRequest{Content: prompt, CheckTypes: s.CheckTypes})
			if err != nil {
				pr.Error = err.Error()
			} else {
				pr.Flags = result.FlagTypes()
				pr.Detected = slices.ContainsFunc(pr.Flags, func(f string) bool {
					return slices.Contains(s.ExpectFlags, f)
				})
			}
			if pr.Detected {
				sr.Detected++
			}
			sr.Prompts = append(sr.Prompts, pr)
		}
		report.Detected += sr.Detected
		report.Total += sr.Total
		report.Scenarios = append(report.Scenarios, sr)
	}
	if report.Total > 0 {
		report.Coverage = float64(report.Detected) / float64(report.Total)
	}
	return report, nil
}
