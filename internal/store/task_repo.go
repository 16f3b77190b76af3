package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Rogers-F/tierforge/internal/domain"
)

const taskColumns = `task_id, parent_id, tier, domain, objective, target_project, status, status_reason,
error_message, token_budget, token_usage, risk_factor, compliance_score, retry_count,
result_checksum, paused_for_budget, state_version, created_at, updated_at`

// TaskRepo handles persistence for Task records.
type TaskRepo struct{}

// StatusUpdate describes the fields written by a compare-and-set status change.
type StatusUpdate struct {
	To              domain.TaskStatus
	Reason          string
	ErrorMessage    string
	PausedForBudget bool
	UpdatedAt       int64
}

// Create inserts a new task.
func (r *TaskRepo) Create(ctx context.Context, q DBTX, t domain.Task) error {
	const query = `INSERT INTO tasks (` + taskColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		t.ID,
		t.ParentID,
		int(t.Tier),
		t.Domain,
		t.Objective,
		t.TargetProject,
		string(t.Status),
		t.StatusReason,
		t.ErrorMessage,
		t.TokenBudget,
		t.TokenUsage,
		t.RiskFactor,
		t.ComplianceScore,
		t.RetryCount,
		t.ResultChecksum,
		boolToInt(t.PausedForBudget),
		t.StateVersion,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTask
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepo) GetByID(ctx context.Context, q DBTX, taskID string) (*domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListChildren returns the direct children of a task ordered by creation.
func (r *TaskRepo) ListChildren(ctx context.Context, q DBTX, parentID string) ([]domain.Task, error) {
	return r.list(ctx, q, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at ASC, task_id ASC`, parentID)
}

// ListRoots returns all tasks without a parent.
func (r *TaskRepo) ListRoots(ctx context.Context, q DBTX) ([]domain.Task, error) {
	return r.list(ctx, q, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = '' ORDER BY created_at ASC, task_id ASC`)
}

func (r *TaskRepo) list(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CompareAndSetStatus moves a task from an expected status to a new one.
// It returns ErrOptimisticLock when the task is no longer in the expected status.
func (r *TaskRepo) CompareAndSetStatus(ctx context.Context, q DBTX, taskID string, from domain.TaskStatus, upd StatusUpdate) error {
	const query = `UPDATE tasks SET
		status = ?,
		status_reason = ?,
		error_message = ?,
		paused_for_budget = ?,
		state_version = state_version + 1,
		updated_at = ?
	WHERE task_id = ? AND status = ?`

	res, err := q.ExecContext(ctx, query,
		string(upd.To),
		upd.Reason,
		upd.ErrorMessage,
		boolToInt(upd.PausedForBudget),
		upd.UpdatedAt,
		taskID,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return expectOneRow(res)
}

// Restart resets a task to pending, clearing its result fields and
// incrementing the retry counter. Token usage is left untouched.
func (r *TaskRepo) Restart(ctx context.Context, q DBTX, taskID string, from domain.TaskStatus, reason string, now int64) error {
	const query = `UPDATE tasks SET
		status = 'pending',
		status_reason = ?,
		error_message = '',
		compliance_score = 0,
		result_checksum = '',
		paused_for_budget = 0,
		retry_count = retry_count + 1,
		state_version = state_version + 1,
		updated_at = ?
	WHERE task_id = ? AND status = ?`

	res, err := q.ExecContext(ctx, query, reason, now, taskID, string(from))
	if err != nil {
		return fmt.Errorf("restart task: %w", err)
	}
	return expectOneRow(res)
}

// SetResult stores the compliance score and result checksum of an execution.
func (r *TaskRepo) SetResult(ctx context.Context, q DBTX, taskID string, compliance float64, checksum string, now int64) error {
	const query = `UPDATE tasks SET compliance_score = ?, result_checksum = ?, updated_at = ? WHERE task_id = ?`
	res, err := q.ExecContext(ctx, query, compliance, checksum, now, taskID)
	if err != nil {
		return fmt.Errorf("set task result: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return domain.ErrTaskNotFound
	}
	return nil
}

// AddUsage atomically increments token usage and returns the resulting
// budget and usage.
func (r *TaskRepo) AddUsage(ctx context.Context, q DBTX, taskID string, delta, now int64) (budget, usage int64, err error) {
	const query = `UPDATE tasks SET token_usage = token_usage + ?, updated_at = ?
	WHERE task_id = ? RETURNING token_budget, token_usage`
	err = q.QueryRowContext(ctx, query, delta, now, taskID).Scan(&budget, &usage)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, domain.ErrTaskNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("add usage: %w", err)
	}
	return budget, usage, nil
}

// AddBudget atomically increments the token budget and returns the resulting
// budget and usage.
func (r *TaskRepo) AddBudget(ctx context.Context, q DBTX, taskID string, delta, now int64) (budget, usage int64, err error) {
	const query = `UPDATE tasks SET token_budget = token_budget + ?, updated_at = ?
	WHERE task_id = ? RETURNING token_budget, token_usage`
	err = q.QueryRowContext(ctx, query, delta, now, taskID).Scan(&budget, &usage)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, domain.ErrTaskNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("add budget: %w", err)
	}
	return budget, usage, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var tier, paused int
	var status string
	err := row.Scan(&t.ID, &t.ParentID, &tier, &t.Domain, &t.Objective, &t.TargetProject,
		&status, &t.StatusReason, &t.ErrorMessage, &t.TokenBudget, &t.TokenUsage,
		&t.RiskFactor, &t.ComplianceScore, &t.RetryCount, &t.ResultChecksum, &paused,
		&t.StateVersion, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Tier = domain.Tier(tier)
	t.Status = domain.TaskStatus(status)
	t.PausedForBudget = paused != 0
	return &t, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}
