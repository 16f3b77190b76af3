package pipeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/workflow"
)

// ManualStep is recorded as rejectedAtStep when an operator rejects directly.
const ManualStep = "manual"

// SetStatus moves a mutation to a new status outside a pipeline run. Only
// forward transitions are accepted; applied and rejected are absorbing.
// Applied is refused here: only Run writes files, so only Run may mark a
// mutation applied.
func (p *Pipeline) SetStatus(ctx context.Context, mutationID string, to domain.MutationStatus, reason, actor string) (*domain.Mutation, error) {
	if !p.locks.tryLock(mutationID) {
		return nil, domain.ErrMutationBusy
	}
	defer p.locks.unlock(mutationID)

	var out *domain.Mutation
	err := store.WithTx(ctx, p.DB, func(tx *sql.Tx) error {
		m, err := p.setStatusTx(ctx, tx, mutationID, to, reason, actor)
		out = m
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) setStatusTx(ctx context.Context, tx *sql.Tx, mutationID string, to domain.MutationStatus, reason, actor string) (*domain.Mutation, error) {
	m, err := p.Mutations.GetByID(ctx, tx, mutationID)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, domain.NewEngineError(domain.ErrMutationTerminal.Code,
			fmt.Sprintf("mutation %s is already %s", m.ID, m.Status))
	}
	if to == domain.MutationApplied {
		return nil, domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("mutation %s can only be applied by a pipeline run", m.ID))
	}
	if !workflow.IsValidMutationTransition(m.Status, to) {
		return nil, domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal mutation transition %s -> %s", m.Status, to))
	}

	from := m.Status
	m.Status = to
	if to == domain.MutationRejected {
		step := ManualStep
		m.RejectionReason = &reason
		m.RejectedAtStep = &step
	}
	if err := p.Mutations.UpdateState(ctx, tx, *m); err != nil {
		return nil, err
	}
	if _, err := p.Audit.RecordTx(ctx, tx, audit.Entry{
		Actor:    actor,
		Action:   audit.ActionMutationStatusChanged,
		TaskID:   m.TaskID,
		TargetID: m.ID,
		Details:  map[string]any{"from": from, "to": to, "reason": reason},
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// RejectMany rejects every listed mutation with a shared reason in one
// transaction. Already-terminal mutations fail the whole call.
func (p *Pipeline) RejectMany(ctx context.Context, mutationIDs []string, reason, actor string) ([]domain.Mutation, error) {
	var locked []string
	defer func() {
		for _, id := range locked {
			p.locks.unlock(id)
		}
	}()
	for _, id := range mutationIDs {
		if !p.locks.tryLock(id) {
			return nil, domain.ErrMutationBusy
		}
		locked = append(locked, id)
	}

	var out []domain.Mutation
	err := store.WithTx(ctx, p.DB, func(tx *sql.Tx) error {
		for _, id := range mutationIDs {
			m, err := p.setStatusTx(ctx, tx, id, domain.MutationRejected, reason, actor)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the mutations of a task.
func (p *Pipeline) List(ctx context.Context, taskID string) ([]domain.Mutation, error) {
	if _, err := p.Tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return p.Mutations.ListByTask(ctx, p.DB, taskID)
}

// Get returns a mutation by id.
func (p *Pipeline) Get(ctx context.Context, mutationID string) (*domain.Mutation, error) {
	return p.Mutations.GetByID(ctx, p.DB, mutationID)
}
