// Package control is the Control Scope Engine: it resolves an operator action
// over a scope of a task tree into compare-and-set status changes and, for
// restart, re-executes the affected domain leaders and re-validates their
// proposals.
package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/conflict"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/execution"
	"github.com/Rogers-F/tierforge/internal/pipeline"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/taskstore"
	"github.com/Rogers-F/tierforge/internal/workflow"
)

// Engine is the Control Scope Engine.
type Engine struct {
	DB         *sql.DB
	Tasks      *taskstore.Service
	Dispatcher *execution.Dispatcher
	Executor   *execution.Executor
	Resolver   *conflict.Resolver
	Pipeline   *pipeline.Pipeline
	Audit      *audit.Recorder
	Logger     zerolog.Logger

	// ApplyOnRestart runs re-validated mutations with tier-1 approval.
	ApplyOnRestart bool
	// MaxParallel bounds concurrent re-executions; zero means unbounded.
	MaxParallel int
}

// NewEngine wires the engine. Dispatcher, executor, resolver and pipeline
// may be nil, in which case stop does not cancel runs and restart only
// resets status.
func NewEngine(db *sql.DB, tasks *taskstore.Service, d *execution.Dispatcher, exec *execution.Executor,
	res *conflict.Resolver, p *pipeline.Pipeline, rec *audit.Recorder, logger zerolog.Logger) *Engine {
	return &Engine{
		DB:             db,
		Tasks:          tasks,
		Dispatcher:     d,
		Executor:       exec,
		Resolver:       res,
		Pipeline:       p,
		Audit:          rec,
		Logger:         logger,
		ApplyOnRestart: true,
	}
}

// ScopeInput is the input to ControlScope.
type ScopeInput struct {
	RootID string
	Action workflow.Action
	Scope  Scope
	Reason string
	Actor  string
}

// TaskInput is the input to ControlTask.
type TaskInput struct {
	TaskID             string          `json:"task_id"`
	Action             workflow.Action `json:"action"`
	IncludeDescendants bool            `json:"include_descendants"`
	Reason             string          `json:"reason,omitempty"`
	Actor              string          `json:"actor,omitempty"`
}

// Result describes the outcome of one control action.
type Result struct {
	RootID   string          `json:"root_id"`
	Action   workflow.Action `json:"action"`
	Scope    string          `json:"scope"`
	Affected []domain.Task   `json:"affected"`
	// Skipped lists targets whose status did not allow the action or changed
	// concurrently.
	Skipped []string        `json:"skipped"`
	Restart *RestartSummary `json:"restart,omitempty"`
}

// ControlScope applies action to every task the scope selects within the
// tree rooted at RootID. Tasks for which the action is not legal are skipped.
func (e *Engine) ControlScope(ctx context.Context, in ScopeInput) (*Result, error) {
	if _, err := workflow.ParseAction(string(in.Action)); err != nil {
		return nil, err
	}
	tree, err := e.Tasks.Subtree(ctx, in.RootID)
	if err != nil {
		return nil, err
	}
	targets, err := resolve(tree, in.Scope)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, tree, targets, in.Action, in.Scope.String(), in.Reason, in.Actor)
}

// ControlTask applies action to one task and, optionally, its descendants.
func (e *Engine) ControlTask(ctx context.Context, in TaskInput) (*Result, error) {
	if _, err := workflow.ParseAction(string(in.Action)); err != nil {
		return nil, err
	}
	tree, err := e.Tasks.Subtree(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	targets := []string{in.TaskID}
	label := "task"
	if in.IncludeDescendants {
		targets = tree.Order
		label = "task+descendants"
	}
	return e.apply(ctx, tree, targets, in.Action, label, in.Reason, in.Actor)
}

func (e *Engine) apply(ctx context.Context, tree *taskstore.Tree, targets []string, action workflow.Action, scope, reason, actor string) (*Result, error) {
	res := &Result{
		RootID:   tree.RootID,
		Action:   action,
		Scope:    scope,
		Affected: []domain.Task{},
		Skipped:  []string{},
	}

	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		for _, id := range targets {
			current, err := e.Tasks.Tasks.GetByID(ctx, tx, id)
			if err != nil {
				return err
			}
			if !workflow.CanApply(action, current.Status) {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			err = e.transition(ctx, tx, current, action, reason, now)
			if errors.Is(err, domain.ErrOptimisticLock) {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			if err != nil {
				return err
			}
			updated, err := e.Tasks.Tasks.GetByID(ctx, tx, id)
			if err != nil {
				return err
			}
			res.Affected = append(res.Affected, *updated)

			if _, err := e.Audit.RecordTx(ctx, tx, audit.Entry{
				Actor:    actor,
				Action:   audit.ActionTaskStatusChanged,
				TaskID:   id,
				TargetID: id,
				Details: map[string]any{
					"from":   current.Status,
					"to":     updated.Status,
					"action": action,
					"scope":  scope,
					"reason": reason,
				},
			}); err != nil {
				return err
			}
		}

		_, err := e.Audit.RecordTx(ctx, tx, audit.Entry{
			Actor:    actor,
			Action:   audit.ActionControlScopeApplied,
			TaskID:   tree.RootID,
			TargetID: tree.RootID,
			Details: map[string]any{
				"action":   action,
				"scope":    scope,
				"reason":   reason,
				"affected": affectedIDs(res.Affected),
				"skipped":  len(res.Skipped),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	// A paused task may still have a run in flight.
	if action == workflow.ActionStop && e.Dispatcher != nil {
		for _, t := range res.Affected {
			e.Dispatcher.Cancel(t.ID)
		}
	}

	e.Logger.Info().
		Str("root_id", tree.RootID).
		Str("action", string(action)).
		Str("scope", scope).
		Int("affected", len(res.Affected)).
		Int("skipped", len(res.Skipped)).
		Msg("control action applied")

	// Without a runner, restarted tasks stay pending for an external agent.
	// A restart that changed nothing starts nothing.
	if action == workflow.ActionRestart && len(res.Affected) > 0 && e.Executor != nil && e.Executor.Dispatcher.Ready() {
		summary, err := e.reexecute(ctx, tree, targets, actor)
		if err != nil {
			return nil, err
		}
		res.Restart = summary
	}
	return res, nil
}

func (e *Engine) transition(ctx context.Context, tx *sql.Tx, t *domain.Task, action workflow.Action, reason string, now int64) error {
	repo := e.Tasks.Tasks
	switch action {
	case workflow.ActionRestart:
		return repo.Restart(ctx, tx, t.ID, t.Status, reason, now)
	case workflow.ActionStop:
		msg := reason
		if msg == "" {
			msg = "stopped by operator"
		}
		return repo.CompareAndSetStatus(ctx, tx, t.ID, t.Status, store.StatusUpdate{
			To:           domain.TaskFailed,
			Reason:       reason,
			ErrorMessage: msg,
			UpdatedAt:    now,
		})
	case workflow.ActionPause, workflow.ActionResume:
		return repo.CompareAndSetStatus(ctx, tx, t.ID, t.Status, store.StatusUpdate{
			To:           workflow.TargetStatus(action),
			Reason:       reason,
			ErrorMessage: t.ErrorMessage,
			UpdatedAt:    now,
		})
	}
	return domain.NewEngineError(domain.ErrInvalidAction.Code, fmt.Sprintf("unknown control action %q", action))
}

func affectedIDs(tasks []domain.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
