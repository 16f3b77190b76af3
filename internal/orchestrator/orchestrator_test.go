package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/taskstore"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	rec := audit.NewRecorder(db, zerolog.Nop())
	return New(db, taskstore.NewService(db, rec, zerolog.Nop()), rec, 10, 10, zerolog.Nop())
}

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

const tomlPlan = `
id = "obj-root"
objective = "ship the billing service"
target_project = "/srv/billing"
global_token_budget = 10000

[[assignments]]
id = "api"
domain = "backend"
objective = "billing api"
complexity = 3

[[assignments]]
id = "ui"
domain = "frontend"
objective = "billing screens"
complexity = 1
`

const yamlPlan = `
objective: ship the billing service
global_token_budget: 10000
overhead_percent: 0
reserve_percent: 0
assignments:
  - domain: backend
    objective: billing api
  - domain: frontend
    objective: billing screens
`

const jsonPlan = `{
  "objective": "ship the billing service",
  "global_token_budget": 999,
  "assignments": [
    {"domain": "a", "objective": "a"},
    {"domain": "b", "objective": "b"},
    {"domain": "c", "objective": "c"}
  ]
}`

func TestLoadPlan_Formats(t *testing.T) {
	tests := []struct {
		name        string
		file        string
		content     string
		assignments int
	}{
		{"toml", "plan.toml", tomlPlan, 2},
		{"yaml", "plan.yaml", yamlPlan, 2},
		{"yml", "plan.yml", yamlPlan, 2},
		{"json", "plan.json", jsonPlan, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := LoadPlan(writePlan(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("LoadPlan: %v", err)
			}
			if p.Objective != "ship the billing service" {
				t.Errorf("Objective = %q", p.Objective)
			}
			if len(p.Assignments) != tt.assignments {
				t.Errorf("assignments = %d, want %d", len(p.Assignments), tt.assignments)
			}
		})
	}
}

func TestParsePlan_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", `{"objective": `},
		{"unknown field", `{"objective": "x", "global_token_budget": 1, "assignments": [{"objective": "a"}], "bogus": 1}`},
		{"no budget", `{"objective": "x", "assignments": [{"objective": "a"}]}`},
		{"no assignments", `{"objective": "x", "global_token_budget": 10}`},
		{"bad risk", `{"objective": "x", "global_token_budget": 10, "assignments": [{"objective": "a", "risk_factor": 2}]}`},
		{"duplicate ids", `{"objective": "x", "global_token_budget": 10, "assignments": [{"id": "a", "objective": "a"}, {"id": "a", "objective": "b"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.content), "json")
			if !errors.Is(err, domain.ErrPlanInvalid) {
				t.Errorf("err = %v, want ErrPlanInvalid", err)
			}
		})
	}
}

func TestApply_SplitsBudget(t *testing.T) {
	o := newTestOrchestrator(t)
	p, err := ParsePlan([]byte(tomlPlan), "toml")
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}

	out, err := o.Apply(context.Background(), p, "operator")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Root.ID != "obj-root" || out.Root.Tier != domain.TierOrchestrator {
		t.Errorf("root = %+v", out.Root)
	}
	if out.Root.TokenBudget != 1000 {
		t.Errorf("root budget = %d, want overhead 1000", out.Root.TokenBudget)
	}
	if out.Objective.ReserveBudget != 1000 || out.Objective.DistributedBudget != 8000 {
		t.Errorf("objective = %+v", out.Objective)
	}
	if len(out.Assignments) != 2 {
		t.Fatalf("assignments = %d", len(out.Assignments))
	}
	if out.Assignments[0].TokenBudget != 6000 || out.Assignments[1].TokenBudget != 2000 {
		t.Errorf("shares = %d/%d, want 6000/2000", out.Assignments[0].TokenBudget, out.Assignments[1].TokenBudget)
	}
	for _, a := range out.Assignments {
		if a.ParentID != "obj-root" || a.Tier != domain.TierDomainLeader || a.TargetProject != "/srv/billing" {
			t.Errorf("assignment = %+v", a)
		}
	}

	stored, err := o.Objective(context.Background(), "obj-root")
	if err != nil {
		t.Fatalf("Objective: %v", err)
	}
	if stored.GlobalTokenBudget != stored.OverheadBudget+stored.DistributedBudget+stored.ReserveBudget {
		t.Errorf("split does not add up: %+v", stored)
	}

	entries, err := o.Audit.Since(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Action != audit.ActionObjectiveOrchestrated || last.TaskID != "obj-root" {
		t.Errorf("last audit = %+v", last)
	}
}

func TestApply_RoundingSumsExactly(t *testing.T) {
	o := newTestOrchestrator(t)
	p, err := ParsePlan([]byte(jsonPlan), "json")
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	out, err := o.Apply(context.Background(), p, "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	var sum int64
	for _, a := range out.Assignments {
		sum += a.TokenBudget
	}
	if sum != out.Objective.DistributedBudget {
		t.Errorf("shares sum to %d, want %d", sum, out.Objective.DistributedBudget)
	}
}

func TestApply_DuplicateRootRollsBack(t *testing.T) {
	o := newTestOrchestrator(t)
	p, err := ParsePlan([]byte(tomlPlan), "toml")
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if _, err := o.Apply(context.Background(), p, ""); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	p.Assignments[0].ID = "api-2"
	p.Assignments[1].ID = "ui-2"
	_, err = o.Apply(context.Background(), p, "")
	if !errors.Is(err, domain.ErrDuplicateTask) {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}
	if _, err := o.Tasks.Get(context.Background(), "api-2"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("assignment from failed apply exists: %v", err)
	}
}
