// Package redteam holds a catalogue of attack scenarios and measures how many
// of their prompts the configured detectors catch.
package redteam

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-shield/pkg/domain"
)

// Category groups scenarios by attack family.
type Category string

const (
	CategoryInjection         Category = "injection"
	CategoryJailbreak         Category = "jailbreak"
	CategoryDataExtraction    Category = "data_extraction"
	CategoryModelManipulation Category = "model_manipulation"
	CategoryPromptLeaking     Category = "prompt_leaking"
)

// Difficulty rates how hard a scenario is to detect.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// Scenario is one attack with the prompts that exercise it.
type Scenario struct {
	ID          string             `yaml:"id" json:"id"`
	Name        string             `yaml:"name" json:"name"`
	Category    Category           `yaml:"category" json:"category"`
	Difficulty  Difficulty         `yaml:"difficulty" json:"difficulty"`
	Description string             `yaml:"description" json:"description"`
	Techniques  []string           `yaml:"techniques" json:"techniques"`
	CheckTypes  []domain.CheckType `yaml:"checkTypes" json:"checkTypes"`
	// ExpectFlags lists flag types of which any one counts as a detection.
	ExpectFlags []string `yaml:"expectFlags" json:"expectFlags"`
	Prompts     []string `yaml:"prompts" json:"prompts"`
}

//go:embed scenarios.yaml
var builtinScenarios []byte

// Catalog is an ordered, read-only set of scenarios.
type Catalog struct {
	scenarios []Scenario
}

// ParseCatalog decodes a YAML list of scenarios.
func ParseCatalog(data []byte) (*Catalog, error) {
	var scenarios []Scenario
	if err := yaml.Unmarshal(data, &scenarios); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	seen := make(map[string]struct{}, len(scenarios))
	for i, s := range scenarios {
		if strings.TrimSpace(s.ID) == "" {
			return nil, fmt.Errorf("scenario %d: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("scenario %s: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}
		if len(s.Prompts) == 0 {
			return nil, fmt.Errorf("scenario %s: at least one prompt is required", s.ID)
		}
		if len(s.ExpectFlags) == 0 {
			return nil, fmt.Errorf("scenario %s: expectFlags is required", s.ID)
		}
	}
	return &Catalog{scenarios: scenarios}, nil
}

// Builtin returns the catalogue shipped with the service.
func Builtin() *Catalog {
	c, err := ParseCatalog(builtinScenarios)
	if err != nil {
		panic(fmt.Sprintf("redteam: builtin scenarios: %v", err))
	}
	return c
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Category   Category
	Difficulty Difficulty
}

// List returns scenarios matching f in catalogue order.
func (c *Catalog) List(f Filter) []Scenario {
	out := make([]Scenario, 0, len(c.scenarios))
	for _, s := range c.scenarios {
		if f.Category != "" && !strings.EqualFold(string(s.Category), string(f.Category)) {
			continue
		}
		if f.Difficulty != "" && !strings.EqualFold(string(s.Difficulty), string(f.Difficulty)) {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// Get finds a scenario by id.
func (c *Catalog) Get(id string) (Scenario, bool) {
	i := slices.IndexFunc(c.scenarios, func(s Scenario) bool { return s.ID == id })
	if i < 0 {
		return Scenario{}, false
	}
	return c.scenarios[i].clone(), true
}

func (s Scenario) clone() Scenario {
	s.Techniques = slices.Clone(s.Techniques)
	s.CheckTypes = slices.Clone(s.CheckTypes)
	s.ExpectFlags = slices.Clone(s.ExpectFlags)
	s.Prompts = slices.Clone(s.Prompts)
	return s
}
