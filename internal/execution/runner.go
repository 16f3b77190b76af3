// Package execution runs tasks through the external agent runner and
// persists what the runs produce.
package execution

import (
	"context"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// Request is what the agent runner receives for one task run.
type Request struct {
	TaskID        string      `json:"task_id"`
	ParentID      string      `json:"parent_id,omitempty"`
	Tier          domain.Tier `json:"tier"`
	Domain        string      `json:"domain"`
	Objective     string      `json:"objective"`
	TargetProject string      `json:"target_project"`
	TopK          int         `json:"top_k"`
	Attempt       int         `json:"attempt"`
}

// Runner executes one task and returns its intent summary.
type Runner interface {
	Execute(ctx context.Context, req Request) (*domain.IntentSummary, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (*domain.IntentSummary, error)

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, req Request) (*domain.IntentSummary, error) {
	return f(ctx, req)
}
