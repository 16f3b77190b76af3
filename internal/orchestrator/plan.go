package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// Plan is an objective decomposed into tier-2 assignments.
type Plan struct {
	ID                string  `json:"id,omitempty" toml:"id" yaml:"id"`
	Objective         string  `json:"objective" toml:"objective" yaml:"objective"`
	TargetProject     string  `json:"target_project,omitempty" toml:"target_project" yaml:"target_project"`
	GlobalTokenBudget int64   `json:"global_token_budget" toml:"global_token_budget" yaml:"global_token_budget"`
	RiskFactor        float64 `json:"risk_factor,omitempty" toml:"risk_factor" yaml:"risk_factor"`
	// OverheadPercent and ReservePercent override the configured split when set.
	OverheadPercent *float64     `json:"overhead_percent,omitempty" toml:"overhead_percent" yaml:"overhead_percent"`
	ReservePercent  *float64     `json:"reserve_percent,omitempty" toml:"reserve_percent" yaml:"reserve_percent"`
	Assignments     []Assignment `json:"assignments" toml:"assignments" yaml:"assignments"`
}

// Assignment is one domain leader's share of the objective.
type Assignment struct {
	ID        string `json:"id,omitempty" toml:"id" yaml:"id"`
	Domain    string `json:"domain" toml:"domain" yaml:"domain"`
	Objective string `json:"objective" toml:"objective" yaml:"objective"`
	// Complexity is a relative size estimate; zero or less counts as 1.
	Complexity float64 `json:"complexity,omitempty" toml:"complexity" yaml:"complexity"`
	RiskFactor float64 `json:"risk_factor,omitempty" toml:"risk_factor" yaml:"risk_factor"`
}

// Weight is the assignment's share of the distributed budget before
// normalisation: complexity scaled up by risk.
func (a Assignment) Weight() float64 {
	c := a.Complexity
	if c <= 0 {
		c = 1
	}
	return c * (1 + a.RiskFactor)
}

// LoadPlan reads a plan file. The format follows the extension: .toml,
// .yaml/.yml, anything else is JSON.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}

// ParsePlan decodes and validates a plan in the given format.
func ParsePlan(data []byte, format string) (*Plan, error) {
	var p Plan
	var err error
	switch format {
	case "toml":
		_, err = toml.Decode(string(data), &p)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &p)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&p)
	}
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrPlanInvalid.Code, "decode plan", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan for problems and reports all of them at once.
func (p *Plan) Validate() error {
	var problems []string
	if strings.TrimSpace(p.Objective) == "" {
		problems = append(problems, "objective is required")
	}
	if p.GlobalTokenBudget <= 0 {
		problems = append(problems, "global_token_budget must be positive")
	}
	if p.RiskFactor < 0 || p.RiskFactor > 1 {
		problems = append(problems, "risk_factor must be within [0,1]")
	}
	if len(p.Assignments) == 0 {
		problems = append(problems, "at least one assignment is required")
	}
	seen := make(map[string]bool)
	for i, a := range p.Assignments {
		if strings.TrimSpace(a.Objective) == "" {
			problems = append(problems, fmt.Sprintf("assignments[%d].objective is required", i))
		}
		if a.RiskFactor < 0 || a.RiskFactor > 1 {
			problems = append(problems, fmt.Sprintf("assignments[%d].risk_factor must be within [0,1]", i))
		}
		if a.ID != "" {
			if seen[a.ID] || a.ID == p.ID {
				problems = append(problems, fmt.Sprintf("assignments[%d].id %q is duplicated", i, a.ID))
			}
			seen[a.ID] = true
		}
	}
	if len(problems) > 0 {
		return domain.NewEngineError(domain.ErrPlanInvalid.Code, strings.Join(problems, "; "))
	}
	return nil
}
