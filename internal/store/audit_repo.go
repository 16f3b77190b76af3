package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// AuditRepo handles persistence for the append-only audit log.
type AuditRepo struct{}

// Append inserts an entry and returns its assigned id.
func (r *AuditRepo) Append(ctx context.Context, q DBTX, e domain.AuditLogEntry) (int64, error) {
	const query = `INSERT INTO audit_log (created_at, actor, action, task_id, target_id, details)
VALUES (?, ?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, query,
		e.CreatedAt,
		e.Actor,
		e.Action,
		e.TaskID,
		e.TargetID,
		e.Details,
	)
	if err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit entry id: %w", err)
	}
	return id, nil
}

// ListSince returns entries with id greater than sinceID in ascending id order.
// A non-positive limit returns every matching entry.
func (r *AuditRepo) ListSince(ctx context.Context, q DBTX, sinceID int64, limit int) ([]domain.AuditLogEntry, error) {
	query := `SELECT id, created_at, actor, action, task_id, target_id, details
FROM audit_log WHERE id > ? ORDER BY id ASC`
	args := []any{sinceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.query(ctx, q, query, args...)
}

// ListByTasks returns entries attached to any of the given tasks, with id
// greater than sinceID, in ascending id order.
func (r *AuditRepo) ListByTasks(ctx context.Context, q DBTX, taskIDs []string, sinceID int64, limit int) ([]domain.AuditLogEntry, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(taskIDs)), ",")
	query := `SELECT id, created_at, actor, action, task_id, target_id, details
FROM audit_log WHERE id > ? AND task_id IN (` + placeholders + `) ORDER BY id ASC`
	args := make([]any, 0, len(taskIDs)+2)
	args = append(args, sinceID)
	for _, id := range taskIDs {
		args = append(args, id)
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.query(ctx, q, query, args...)
}

func (r *AuditRepo) query(ctx context.Context, q DBTX, query string, args ...any) ([]domain.AuditLogEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Actor, &e.Action, &e.TaskID, &e.TargetID, &e.Details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
