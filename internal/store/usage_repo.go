package store

import (
	"context"
	"fmt"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// UsageRepo handles persistence for token usage increments.
type UsageRepo struct{}

// Create inserts a usage record for a task.
func (r *UsageRepo) Create(ctx context.Context, q DBTX, rec domain.UsageRecord) error {
	const query = `INSERT INTO usage_records (task_id, tokens, source, created_at) VALUES (?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query, rec.TaskID, rec.Tokens, rec.Source, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create usage record: %w", err)
	}
	return nil
}

// ListByTask returns all usage records for a task, ordered by creation time.
func (r *UsageRepo) ListByTask(ctx context.Context, q DBTX, taskID string) ([]domain.UsageRecord, error) {
	const query = `SELECT id, task_id, tokens, source, created_at
FROM usage_records
WHERE task_id = ?
ORDER BY created_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var u domain.UsageRecord
		if err := rows.Scan(&u.ID, &u.TaskID, &u.Tokens, &u.Source, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, u)
	}
	return records, rows.Err()
}
