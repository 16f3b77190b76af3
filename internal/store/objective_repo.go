package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// ObjectiveRepo handles persistence for objective budget splits.
type ObjectiveRepo struct{}

// Create inserts an objective record.
func (r *ObjectiveRepo) Create(ctx context.Context, q DBTX, o domain.Objective) error {
	const query = `INSERT INTO objectives (objective_id, root_task_id, description, global_token_budget,
overhead_budget, distributed_budget, reserve_budget, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query, o.ID, o.RootTaskID, o.Description, o.GlobalTokenBudget,
		o.OverheadBudget, o.DistributedBudget, o.ReserveBudget, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("create objective: %w", err)
	}
	return nil
}

// GetByRootTask returns the objective owning a tier-1 root task.
func (r *ObjectiveRepo) GetByRootTask(ctx context.Context, q DBTX, rootTaskID string) (*domain.Objective, error) {
	const query = `SELECT objective_id, root_task_id, description, global_token_budget, overhead_budget,
distributed_budget, reserve_budget, created_at FROM objectives WHERE root_task_id = ?`
	var o domain.Objective
	err := q.QueryRowContext(ctx, query, rootTaskID).Scan(&o.ID, &o.RootTaskID, &o.Description,
		&o.GlobalTokenBudget, &o.OverheadBudget, &o.DistributedBudget, &o.ReserveBudget, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrObjectiveNotFound
		}
		return nil, fmt.Errorf("get objective: %w", err)
	}
	return &o, nil
}
