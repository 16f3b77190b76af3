package budget

import (
	"context"
	"database/sql"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
)

// UsageInput reports tokens consumed by a task.
type UsageInput struct {
	TaskID string `json:"task_id"`
	Tokens int64  `json:"tokens"`
	Source string `json:"source,omitempty"`
	// RecordOnly adds usage without pausing an exhausted task. Restart
	// re-execution uses it so restarts stay budget-neutral.
	RecordOnly bool `json:"record_only,omitempty"`
}

// UsageResult is the task's budget position after a usage report.
type UsageResult struct {
	TaskID      string `json:"task_id"`
	TokenBudget int64  `json:"token_budget"`
	TokenUsage  int64  `json:"token_usage"`
	Exhausted   bool   `json:"exhausted"`
	Paused      bool   `json:"paused"`
}

// ReportUsage atomically adds usage to a task. When usage reaches the budget
// of an executing task, the task is paused for budget.
func (a *Arbiter) ReportUsage(ctx context.Context, in UsageInput) (*UsageResult, error) {
	var out *UsageResult
	err := store.WithTx(ctx, a.DB, func(tx *sql.Tx) error {
		res, err := a.ReportUsageTx(ctx, tx, in)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReportUsageTx is ReportUsage inside a caller-owned transaction.
func (a *Arbiter) ReportUsageTx(ctx context.Context, tx *sql.Tx, in UsageInput) (*UsageResult, error) {
	if err := validateTokens(in.Tokens); err != nil {
		return nil, err
	}
	now := a.clock().Unix()

	budget, usage, err := a.Tasks.AddUsage(ctx, tx, in.TaskID, in.Tokens, now)
	if err != nil {
		return nil, err
	}
	if err := a.Usage.Create(ctx, tx, domain.UsageRecord{
		TaskID:    in.TaskID,
		Tokens:    in.Tokens,
		Source:    in.Source,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	if _, err := a.Audit.RecordTx(ctx, tx, audit.Entry{
		Action:   audit.ActionUsageRecorded,
		TaskID:   in.TaskID,
		TargetID: in.TaskID,
		Details: map[string]any{
			"tokens":       in.Tokens,
			"source":       in.Source,
			"token_budget": budget,
			"token_usage":  usage,
		},
	}); err != nil {
		return nil, err
	}

	res := &UsageResult{TaskID: in.TaskID, TokenBudget: budget, TokenUsage: usage}
	if budget <= 0 || usage < budget {
		return res, nil
	}
	res.Exhausted = true

	if !in.RecordOnly {
		task, err := a.Tasks.GetByID(ctx, tx, in.TaskID)
		if err != nil {
			return nil, err
		}
		if task.Status == domain.TaskExecuting {
			err := a.Tasks.CompareAndSetStatus(ctx, tx, task.ID, domain.TaskExecuting, store.StatusUpdate{
				To:              domain.TaskPaused,
				Reason:          "token budget exhausted",
				PausedForBudget: true,
				UpdatedAt:       now,
			})
			if err != nil {
				return nil, err
			}
			res.Paused = true
		}
	}

	if _, err := a.Audit.RecordTx(ctx, tx, audit.Entry{
		Action:   audit.ActionBudgetExhausted,
		TaskID:   in.TaskID,
		TargetID: in.TaskID,
		Details: map[string]any{
			"token_budget": budget,
			"token_usage":  usage,
			"paused":       res.Paused,
		},
	}); err != nil {
		return nil, err
	}
	if res.Paused {
		a.Logger.Warn().Str("task_id", in.TaskID).Int64("usage", usage).Int64("budget", budget).Msg("task paused for budget")
	}
	return res, nil
}

// History lists the usage records of a task.
func (a *Arbiter) History(ctx context.Context, taskID string) ([]domain.UsageRecord, error) {
	return a.Usage.ListByTask(ctx, a.DB, taskID)
}
