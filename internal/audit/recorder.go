// Package audit is the append-only activity sink shared by every engine.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
)

// Event names. Observers poll the log for these.
const (
	ActionObjectiveOrchestrated = "objective_orchestrated"
	ActionTaskCreated           = "task_created"
	ActionTaskStatusChanged     = "task_status_changed"
	ActionControlScopeApplied   = "task_control_scope_applied"
	ActionRestartReexecuted     = "task_restart_reexecuted"
	ActionExecutionStarted      = "task_execution_started"
	ActionExecutionCompleted    = "task_execution_completed"
	ActionExecutionFailed       = "task_execution_failed"
	ActionUsageRecorded         = "token_usage_recorded"
	ActionBudgetExhausted       = "task_budget_exhausted"
	ActionBudgetIncreaseRequest = "token_budget_increase_requested"
	ActionBudgetAutoIncrease    = "token_budget_auto_increase_applied"
	ActionBudgetRequestResolved = "task_budget_request_resolved"
	ActionMutationProposed      = "mutation_proposed"
	ActionPipelineStarted       = "mutation_pipeline_started"
	ActionMutationValidated     = "mutation_validated"
	ActionMutationApplied       = "mutation_applied"
	ActionMutationRejected      = "mutation_rejected"
	ActionMutationStatusChanged = "mutation_status_changed"
	ActionMutationRevision      = "mutation_revision_requested"
	ActionConflictDetected      = "conflict_detected"
	ActionConflictResolved      = "conflict_resolved"
	ActionSecurityViolation     = "security_violation"
)

// Recorder appends audit entries and mirrors them to the structured log.
type Recorder struct {
	DB     *sql.DB
	Repo   *store.AuditRepo
	Logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder bound to db.
func NewRecorder(db *sql.DB, logger zerolog.Logger) *Recorder {
	return &Recorder{
		DB:     db,
		Repo:   &store.AuditRepo{},
		Logger: logger,
		now:    time.Now,
	}
}

// Entry is the input to Record.
type Entry struct {
	Actor    string
	Action   string
	TaskID   string
	TargetID string
	Details  any
}

// Record appends an entry outside any transaction.
func (r *Recorder) Record(ctx context.Context, e Entry) (int64, error) {
	return r.RecordTx(ctx, r.DB, e)
}

// RecordTx appends an entry using q, which may be an open transaction.
func (r *Recorder) RecordTx(ctx context.Context, q store.DBTX, e Entry) (int64, error) {
	details, err := encodeDetails(e.Details)
	if err != nil {
		return 0, err
	}
	actor := e.Actor
	if actor == "" {
		actor = "system"
	}
	id, err := r.Repo.Append(ctx, q, domain.AuditLogEntry{
		CreatedAt: r.clock().Unix(),
		Actor:     actor,
		Action:    e.Action,
		TaskID:    e.TaskID,
		TargetID:  e.TargetID,
		Details:   details,
	})
	if err != nil {
		return 0, err
	}
	r.Logger.Debug().
		Int64("audit_id", id).
		Str("action", e.Action).
		Str("actor", actor).
		Str("task_id", e.TaskID).
		Str("target_id", e.TargetID).
		Msg("audit")
	return id, nil
}

// Since lists the global log after sinceID.
func (r *Recorder) Since(ctx context.Context, sinceID int64, limit int) ([]domain.AuditLogEntry, error) {
	return r.Repo.ListSince(ctx, r.DB, sinceID, limit)
}

// ForTasks lists entries attached to any of taskIDs after sinceID.
func (r *Recorder) ForTasks(ctx context.Context, taskIDs []string, sinceID int64, limit int) ([]domain.AuditLogEntry, error) {
	return r.Repo.ListByTasks(ctx, r.DB, taskIDs, sinceID, limit)
}

func (r *Recorder) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func encodeDetails(v any) (string, error) {
	switch d := v.(type) {
	case nil:
		return "{}", nil
	case string:
		return d, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode audit details: %w", err)
	}
	return string(b), nil
}
