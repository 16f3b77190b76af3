package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Rogers-F/tierforge/internal/domain"
)

const mutationColumns = `mutation_id, task_id, agent_uid, file_path, diff_content, intent_description,
intent_hash, confidence, status, test_result, test_exit_code, rejection_reason, rejected_at_step,
proposed_at, applied_at`

// MutationRepo handles persistence for Mutation records.
type MutationRepo struct{}

// Create inserts a new mutation.
func (r *MutationRepo) Create(ctx context.Context, q DBTX, m domain.Mutation) error {
	const query = `INSERT INTO mutations (` + mutationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		m.ID,
		m.TaskID,
		m.AgentUID,
		m.FilePath,
		m.DiffContent,
		m.IntentDescription,
		m.IntentHash,
		m.Confidence,
		string(m.Status),
		nullString(m.TestResult),
		nullInt(m.TestExitCode),
		nullString(m.RejectionReason),
		nullString(m.RejectedAtStep),
		m.ProposedAt,
		nullInt64(m.AppliedAt),
	)
	if err != nil {
		return fmt.Errorf("create mutation: %w", err)
	}
	return nil
}

// GetByID retrieves a mutation.
func (r *MutationRepo) GetByID(ctx context.Context, q DBTX, mutationID string) (*domain.Mutation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE mutation_id = ?`, mutationID)
	m, err := scanMutation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMutationNotFound
		}
		return nil, fmt.Errorf("get mutation: %w", err)
	}
	return m, nil
}

// ListByTask returns all mutations of a task ordered by proposal time.
func (r *MutationRepo) ListByTask(ctx context.Context, q DBTX, taskID string) ([]domain.Mutation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+mutationColumns+` FROM mutations
WHERE task_id = ? ORDER BY proposed_at ASC, mutation_id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var out []domain.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateState writes the mutable fields of a mutation. Rows already in an
// absorbing status are never touched; ErrMutationTerminal is returned instead.
func (r *MutationRepo) UpdateState(ctx context.Context, q DBTX, m domain.Mutation) error {
	const query = `UPDATE mutations SET
		status = ?,
		diff_content = ?,
		test_result = ?,
		test_exit_code = ?,
		rejection_reason = ?,
		rejected_at_step = ?,
		applied_at = ?
	WHERE mutation_id = ? AND status NOT IN ('applied', 'rejected')`

	res, err := q.ExecContext(ctx, query,
		string(m.Status),
		m.DiffContent,
		nullString(m.TestResult),
		nullInt(m.TestExitCode),
		nullString(m.RejectionReason),
		nullString(m.RejectedAtStep),
		nullInt64(m.AppliedAt),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return domain.ErrMutationTerminal
	}
	return nil
}

func scanMutation(row rowScanner) (*domain.Mutation, error) {
	var m domain.Mutation
	var status string
	var testResult, rejection, rejectedAt sql.NullString
	var exitCode, appliedAt sql.NullInt64
	err := row.Scan(&m.ID, &m.TaskID, &m.AgentUID, &m.FilePath, &m.DiffContent, &m.IntentDescription,
		&m.IntentHash, &m.Confidence, &status, &testResult, &exitCode, &rejection, &rejectedAt,
		&m.ProposedAt, &appliedAt)
	if err != nil {
		return nil, err
	}
	m.Status = domain.MutationStatus(status)
	if testResult.Valid {
		m.TestResult = &testResult.String
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		m.TestExitCode = &v
	}
	if rejection.Valid {
		m.RejectionReason = &rejection.String
	}
	if rejectedAt.Valid {
		m.RejectedAtStep = &rejectedAt.String
	}
	if appliedAt.Valid {
		v := appliedAt.Int64
		m.AppliedAt = &v
	}
	return &m, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}
