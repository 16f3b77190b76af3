package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Rogers-F/tierforge/internal/domain"
)

const budgetRequestColumns = `request_id, task_id, requested_by, reason, requested_increment, current_budget,
current_usage, status, approved_increment, resolution_note, created_at, resolved_at`

// BudgetRequestRepo handles persistence for BudgetRequest records.
type BudgetRequestRepo struct{}

// Create inserts a budget request in whatever status it carries.
func (r *BudgetRequestRepo) Create(ctx context.Context, q DBTX, req domain.BudgetRequest) error {
	const query = `INSERT INTO budget_requests (` + budgetRequestColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var approved sql.NullInt64
	if req.ApprovedIncrement != nil {
		approved = sql.NullInt64{Int64: *req.ApprovedIncrement, Valid: true}
	}
	_, err := q.ExecContext(ctx, query,
		req.ID,
		req.TaskID,
		req.RequestedBy,
		req.Reason,
		req.RequestedIncrement,
		req.CurrentBudget,
		req.CurrentUsage,
		string(req.Status),
		approved,
		req.ResolutionNote,
		req.CreatedAt,
		req.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create budget request: %w", err)
	}
	return nil
}

// GetByID retrieves a budget request.
func (r *BudgetRequestRepo) GetByID(ctx context.Context, q DBTX, requestID string) (*domain.BudgetRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+budgetRequestColumns+` FROM budget_requests WHERE request_id = ?`, requestID)
	req, err := scanBudgetRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBudgetRequestNotFound
		}
		return nil, fmt.Errorf("get budget request: %w", err)
	}
	return req, nil
}

// ListByTask returns the requests for a task, newest first. An empty status
// returns every request.
func (r *BudgetRequestRepo) ListByTask(ctx context.Context, q DBTX, taskID string, status domain.BudgetRequestStatus) ([]domain.BudgetRequest, error) {
	query := `SELECT ` + budgetRequestColumns + ` FROM budget_requests WHERE task_id = ?`
	args := []any{taskID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, request_id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list budget requests: %w", err)
	}
	defer rows.Close()

	var out []domain.BudgetRequest
	for rows.Next() {
		req, err := scanBudgetRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// Resolve moves a pending request to approved or rejected. It returns
// ErrBudgetRequestResolved if the request has already left the pending state.
func (r *BudgetRequestRepo) Resolve(ctx context.Context, q DBTX, requestID string, status domain.BudgetRequestStatus, approved *int64, note string, resolvedAt int64) error {
	const query = `UPDATE budget_requests SET
		status = ?,
		approved_increment = ?,
		resolution_note = ?,
		resolved_at = ?
	WHERE request_id = ? AND status = 'pending'`

	var inc sql.NullInt64
	if approved != nil {
		inc = sql.NullInt64{Int64: *approved, Valid: true}
	}
	res, err := q.ExecContext(ctx, query, string(status), inc, note, resolvedAt, requestID)
	if err != nil {
		return fmt.Errorf("resolve budget request: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return domain.ErrBudgetRequestResolved
	}
	return nil
}

func scanBudgetRequest(row rowScanner) (*domain.BudgetRequest, error) {
	var req domain.BudgetRequest
	var status string
	var approved sql.NullInt64
	err := row.Scan(&req.ID, &req.TaskID, &req.RequestedBy, &req.Reason, &req.RequestedIncrement,
		&req.CurrentBudget, &req.CurrentUsage, &status, &approved, &req.ResolutionNote,
		&req.CreatedAt, &req.ResolvedAt)
	if err != nil {
		return nil, err
	}
	req.Status = domain.BudgetRequestStatus(status)
	if approved.Valid {
		v := approved.Int64
		req.ApprovedIncrement = &v
	}
	return &req, nil
}
