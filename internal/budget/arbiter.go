// Package budget arbitrates per-task token budgets: usage accounting,
// auto-increase policy and the pending increase request queue.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
)

// Policy holds the auto-increase thresholds.
type Policy struct {
	HeadroomPercent    float64
	AutoMaxPercent     float64
	MinIncrement       int64
	EstimatedStageCost int64
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		HeadroomPercent: 20,
		AutoMaxPercent:  50,
		MinIncrement:    1000,
	}
}

// HeadroomThreshold is max(HeadroomPercent% of budget, stageCost).
func (p Policy) HeadroomThreshold(budget, stageCost int64) float64 {
	pct := p.HeadroomPercent * float64(budget) / 100
	return max(pct, float64(stageCost))
}

// AutoEligible reports whether an increment on t may be approved without a
// human: headroom must be below the threshold and the increment within the
// auto-max cap.
func (p Policy) AutoEligible(t domain.Task, increment, stageCost int64) bool {
	if float64(t.Headroom()) >= p.HeadroomThreshold(t.TokenBudget, stageCost) {
		return false
	}
	return float64(increment) <= p.AutoMaxPercent*float64(t.TokenBudget)/100
}

// Arbiter is the Budget Arbitration Engine.
type Arbiter struct {
	DB       *sql.DB
	Tasks    *store.TaskRepo
	Requests *store.BudgetRequestRepo
	Usage    *store.UsageRepo
	Audit    *audit.Recorder
	Logger   zerolog.Logger

	mu     sync.RWMutex
	policy Policy
	now    func() time.Time
}

// NewArbiter creates an Arbiter with the given policy.
func NewArbiter(db *sql.DB, rec *audit.Recorder, policy Policy, logger zerolog.Logger) *Arbiter {
	return &Arbiter{
		DB:       db,
		Tasks:    &store.TaskRepo{},
		Requests: &store.BudgetRequestRepo{},
		Usage:    &store.UsageRepo{},
		Audit:    rec,
		Logger:   logger,
		policy:   policy,
		now:      time.Now,
	}
}

// Policy returns the active policy.
func (a *Arbiter) Policy() Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// SetPolicy swaps the active policy. Safe to call while requests are served.
func (a *Arbiter) SetPolicy(p Policy) {
	a.mu.Lock()
	a.policy = p
	a.mu.Unlock()
	a.Logger.Info().
		Float64("headroom_percent", p.HeadroomPercent).
		Float64("auto_max_percent", p.AutoMaxPercent).
		Int64("min_increment", p.MinIncrement).
		Msg("budget policy updated")
}

// IncreaseInput is the input to RequestIncrease.
type IncreaseInput struct {
	TaskID      string `json:"task_id"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
	Increment   int64  `json:"requested_increment"`
	AutoApprove bool   `json:"auto_approve"`
	// StageCost overrides the policy's estimated stage cost when positive.
	StageCost int64 `json:"estimated_stage_cost,omitempty"`
}

// RequestIncrease records a budget increase request. Eligible requests with
// AutoApprove set are approved and applied immediately; everything else stays
// pending until Resolve.
func (a *Arbiter) RequestIncrease(ctx context.Context, in IncreaseInput) (*domain.BudgetRequest, error) {
	if in.Increment <= 0 {
		return nil, domain.ErrInvalidIncrement
	}
	if in.TaskID == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "task_id is required")
	}
	policy := a.Policy()
	stageCost := policy.EstimatedStageCost
	if in.StageCost > 0 {
		stageCost = in.StageCost
	}

	var out *domain.BudgetRequest
	err := store.WithTx(ctx, a.DB, func(tx *sql.Tx) error {
		task, err := a.Tasks.GetByID(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		now := a.clock().Unix()
		req := domain.BudgetRequest{
			ID:                 "breq-" + uuid.New().String(),
			TaskID:             task.ID,
			RequestedBy:        in.RequestedBy,
			Reason:             in.Reason,
			RequestedIncrement: in.Increment,
			CurrentBudget:      task.TokenBudget,
			CurrentUsage:       task.TokenUsage,
			Status:             domain.BudgetRequestPending,
			CreatedAt:          now,
		}

		eligible := policy.AutoEligible(*task, in.Increment, stageCost)
		if !in.AutoApprove || !eligible {
			if err := a.Requests.Create(ctx, tx, req); err != nil {
				return err
			}
			if err := a.recordRequested(ctx, tx, req, eligible); err != nil {
				return err
			}
			out = &req
			return nil
		}

		granted := max(in.Increment, policy.MinIncrement)
		req.Status = domain.BudgetRequestApproved
		req.ApprovedIncrement = &granted
		req.ResolutionNote = "auto-approved"
		req.ResolvedAt = now
		if err := a.Requests.Create(ctx, tx, req); err != nil {
			return err
		}
		if err := a.recordRequested(ctx, tx, req, eligible); err != nil {
			return err
		}
		newBudget, usage, err := a.Tasks.AddBudget(ctx, tx, task.ID, granted, now)
		if err != nil {
			return err
		}
		resumed, err := a.resumeIfBudgetPaused(ctx, tx, task, in.RequestedBy, now)
		if err != nil {
			return err
		}
		if _, err := a.Audit.RecordTx(ctx, tx, audit.Entry{
			Actor:    in.RequestedBy,
			Action:   audit.ActionBudgetAutoIncrease,
			TaskID:   task.ID,
			TargetID: req.ID,
			Details: map[string]any{
				"requested_increment": in.Increment,
				"applied_increment":   granted,
				"token_budget":        newBudget,
				"token_usage":         usage,
				"resumed":             resumed,
			},
		}); err != nil {
			return err
		}
		out = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.Logger.Info().
		Str("task_id", out.TaskID).
		Str("request_id", out.ID).
		Str("status", string(out.Status)).
		Int64("increment", out.RequestedIncrement).
		Msg("budget increase requested")
	return out, nil
}

func (a *Arbiter) recordRequested(ctx context.Context, q store.DBTX, req domain.BudgetRequest, eligible bool) error {
	_, err := a.Audit.RecordTx(ctx, q, audit.Entry{
		Actor:    req.RequestedBy,
		Action:   audit.ActionBudgetIncreaseRequest,
		TaskID:   req.TaskID,
		TargetID: req.ID,
		Details: map[string]any{
			"requested_increment": req.RequestedIncrement,
			"current_budget":      req.CurrentBudget,
			"current_usage":       req.CurrentUsage,
			"auto_eligible":       eligible,
			"status":              req.Status,
			"reason":              req.Reason,
		},
	})
	return err
}

// Decision is the human verdict on a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ResolveInput is the input to Resolve.
type ResolveInput struct {
	RequestID         string   `json:"request_id"`
	Decision          Decision `json:"decision"`
	ApprovedIncrement *int64   `json:"approved_increment,omitempty"`
	ResumeTask        bool     `json:"resume_task"`
	Note              string   `json:"note,omitempty"`
	Actor             string   `json:"actor,omitempty"`
}

// Resolve approves or rejects a pending request. Resolving a request twice
// returns ErrBudgetRequestResolved and never applies the increment again.
func (a *Arbiter) Resolve(ctx context.Context, in ResolveInput) (*domain.BudgetRequest, error) {
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return nil, domain.ErrInvalidDecision
	}
	if in.ApprovedIncrement != nil && *in.ApprovedIncrement <= 0 {
		return nil, domain.ErrInvalidIncrement
	}

	var out *domain.BudgetRequest
	err := store.WithTx(ctx, a.DB, func(tx *sql.Tx) error {
		req, err := a.Requests.GetByID(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != domain.BudgetRequestPending {
			return domain.ErrBudgetRequestResolved
		}
		now := a.clock().Unix()

		details := map[string]any{"decision": in.Decision, "note": in.Note}
		if in.Decision == DecisionReject {
			if err := a.Requests.Resolve(ctx, tx, req.ID, domain.BudgetRequestRejected, nil, in.Note, now); err != nil {
				return err
			}
		} else {
			inc := req.RequestedIncrement
			if in.ApprovedIncrement != nil {
				inc = *in.ApprovedIncrement
			}
			if err := a.Requests.Resolve(ctx, tx, req.ID, domain.BudgetRequestApproved, &inc, in.Note, now); err != nil {
				return err
			}
			newBudget, _, err := a.Tasks.AddBudget(ctx, tx, req.TaskID, inc, now)
			if err != nil {
				return err
			}
			details["approved_increment"] = inc
			details["token_budget"] = newBudget

			if in.ResumeTask {
				task, err := a.Tasks.GetByID(ctx, tx, req.TaskID)
				if err != nil {
					return err
				}
				resumed, err := a.resume(ctx, tx, task, in.Actor, now)
				if err != nil {
					return err
				}
				details["resumed"] = resumed
			}
		}

		if _, err := a.Audit.RecordTx(ctx, tx, audit.Entry{
			Actor:    in.Actor,
			Action:   audit.ActionBudgetRequestResolved,
			TaskID:   req.TaskID,
			TargetID: req.ID,
			Details:  details,
		}); err != nil {
			return err
		}

		out, err = a.Requests.GetByID(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns a task's budget requests, optionally filtered by status.
func (a *Arbiter) List(ctx context.Context, taskID string, status domain.BudgetRequestStatus) ([]domain.BudgetRequest, error) {
	if _, err := a.Tasks.GetByID(ctx, a.DB, taskID); err != nil {
		return nil, err
	}
	return a.Requests.ListByTask(ctx, a.DB, taskID, status)
}

func (a *Arbiter) resumeIfBudgetPaused(ctx context.Context, tx *sql.Tx, task *domain.Task, actor string, now int64) (bool, error) {
	if !task.PausedForBudget {
		return false, nil
	}
	return a.resume(ctx, tx, task, actor, now)
}

// resume moves a paused task back to executing. Non-paused tasks are left alone.
func (a *Arbiter) resume(ctx context.Context, tx *sql.Tx, task *domain.Task, actor string, now int64) (bool, error) {
	if task.Status != domain.TaskPaused {
		return false, nil
	}
	err := a.Tasks.CompareAndSetStatus(ctx, tx, task.ID, domain.TaskPaused, store.StatusUpdate{
		To:        domain.TaskExecuting,
		Reason:    "budget increased",
		UpdatedAt: now,
	})
	if err != nil {
		return false, err
	}
	if _, err := a.Audit.RecordTx(ctx, tx, audit.Entry{
		Actor:    actor,
		Action:   audit.ActionTaskStatusChanged,
		TaskID:   task.ID,
		TargetID: task.ID,
		Details: map[string]any{
			"from":   domain.TaskPaused,
			"to":     domain.TaskExecuting,
			"reason": "budget increased",
		},
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Arbiter) clock() time.Time {
	if a.now == nil {
		return time.Now()
	}
	return a.now()
}

func validateTokens(tokens int64) error {
	if tokens < 0 {
		return domain.NewEngineError(domain.ErrInvalidInput.Code, fmt.Sprintf("tokens must not be negative (got %d)", tokens))
	}
	return nil
}
