package redteam

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-shield/pkg/domain"
	"github.com/polisai/polis-shield/pkg/scanner"
)

func TestBuiltinCatalog(t *testing.T) {
	c := Builtin()

	all := c.List(Filter{})
	require.NotEmpty(t, all)
	assert.Equal(t, "prompt-injection-basic", all[0].ID)
	assert.Equal(t, "dan-jailbreak", all[1].ID)

	jailbreaks := c.List(Filter{Category: CategoryJailbreak})
	require.Len(t, jailbreaks, 1)
	assert.Equal(t, DifficultyMedium, jailbreaks[0].Difficulty)

	assert.Empty(t, c.List(Filter{Difficulty: DifficultyExpert}))

	s, ok := c.Get("dan-jailbreak")
	require.True(t, ok)
	assert.Equal(t, "DAN Jailbreak", s.Name)
	s.Prompts[0] = "mutated"
	again, _ := c.Get("dan-jailbreak")
	assert.NotEqual(t, "mutated", again.Prompts[0])

	_, ok = c.Get("nope")
	assert.False(t, ok)
}

func TestParseCatalogValidation(t *testing.T) {
	tests := map[string]string{
		"missing id":  "- name: x\n  prompts: [a]\n  expectFlags: [X]\n",
		"duplicate":   "- id: a\n  prompts: [a]\n  expectFlags: [X]\n- id: a\n  prompts: [b]\n  expectFlags: [X]\n",
		"no prompts":  "- id: a\n  expectFlags: [X]\n",
		"no expected": "- id: a\n  prompts: [a]\n",
		"not yaml":    "{{{",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestBuiltinDetectorsCoverCatalog(t *testing.T) {
	report, err := Run(context.Background(), scanner.New(nil, nil, nil), Builtin().List(Filter{}))
	require.NoError(t, err)

	for _, s := range report.Scenarios {
		for _, p := range s.Prompts {
			assert.Truef(t, p.Detected, "%s: prompt %q not detected (flags %v, error %q)", s.ID, p.Prompt, p.Flags, p.Error)
		}
	}
	assert.Equal(t, report.Total, report.Detected)
	assert.Equal(t, 1.0, report.Coverage)
}

type stubScanner struct {
	flags map[string][]domain.Flag
}

func (s stubScanner) Scan(_ context.Context, req domain.ScanRequest) (domain.ScanResult, error) {
	if req.Content == "explode" {
		return domain.ScanResult{}, errors.New("scanner offline")
	}
	return domain.ScanResult{Flags: s.flags[req.Content]}, nil
}

func TestRunCountsMissesAndErrors(t *testing.T) {
	sc := stubScanner{flags: map[string][]domain.Flag{
		"caught": {{Type: "X"}},
		"other":  {{Type: "Y"}},
	}}
	report, err := Run(context.Background(), sc, []Scenario{{
		ID:          "s",
		ExpectFlags: []string{"X"},
		Prompts:     []string{"caught", "other", "clean", "explode"},
	}})
	require.NoError(t, err)

	require.Len(t, report.Scenarios, 1)
	sr := report.Scenarios[0]
	assert.Equal(t, 1, sr.Detected)
	assert.Equal(t, 4, sr.Total)
	assert.Equal(t, "scanner offline", sr.Prompts[3].Error)
	assert.Equal(t, []string{"Y"}, sr.Prompts[1].Flags)
	assert.Equal(t, 0.25, report.Coverage)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, stubScanner{}, Builtin().List(Filter{}))
	assert.ErrorIs(t, err, context.Canceled)
}
