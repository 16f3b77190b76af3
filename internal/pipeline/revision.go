package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/execution"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/taskstore"
)

// RevisionResult is the outcome of RequestRevision.
type RevisionResult struct {
	Original        *domain.Mutation   `json:"original_mutation"`
	RevisedTask     *domain.Task       `json:"revised_task"`
	RevisedMutation *domain.Mutation   `json:"revised_mutation,omitempty"`
	Execution       *execution.Outcome `json:"execution,omitempty"`
}

// RequestRevision spawns a tier-3 task carrying the original intent and the
// reviewer note. When an agent runner is available the task is executed and
// its proposal for the same file becomes the revised mutation; otherwise the
// task stays pending with a proposed mutation seeded from the original diff.
// The original mutation is never modified.
func (p *Pipeline) RequestRevision(ctx context.Context, mutationID, note, actor string) (*RevisionResult, error) {
	if strings.TrimSpace(note) == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "revision note is required")
	}
	original, err := p.Mutations.GetByID(ctx, p.DB, mutationID)
	if err != nil {
		return nil, err
	}
	owner, err := p.Tasks.Get(ctx, original.TaskID)
	if err != nil {
		return nil, err
	}

	parentID := owner.ID
	if owner.Tier == domain.TierSpecialist && owner.ParentID != "" {
		parentID = owner.ParentID
	}
	objective := fmt.Sprintf("Revise %s: %s\nReviewer note: %s", original.FilePath, original.IntentDescription, note)
	runnable := p.Executor != nil && p.Executor.Dispatcher.Ready()

	res := &RevisionResult{Original: original}
	err = store.WithTx(ctx, p.DB, func(tx *sql.Tx) error {
		task, err := p.Tasks.CreateTx(ctx, tx, taskstore.CreateInput{
			ParentID:      parentID,
			Tier:          domain.TierSpecialist,
			Domain:        owner.Domain,
			Objective:     objective,
			TargetProject: owner.TargetProject,
			TokenBudget:   owner.TokenBudget,
			RiskFactor:    owner.RiskFactor,
			Actor:         actor,
		})
		if err != nil {
			return err
		}
		res.RevisedTask = task

		if !runnable {
			intent := original.IntentDescription + "\nRevision: " + note
			m := domain.Mutation{
				ID:                "mut-" + uuid.New().String(),
				TaskID:            task.ID,
				AgentUID:          original.AgentUID,
				FilePath:          original.FilePath,
				DiffContent:       original.DiffContent,
				IntentDescription: intent,
				IntentHash:        execution.IntentHash(intent),
				Confidence:        original.Confidence,
				Status:            domain.MutationProposed,
				ProposedAt:        time.Now().Unix(),
			}
			if err := p.Mutations.Create(ctx, tx, m); err != nil {
				return err
			}
			res.RevisedMutation = &m
		}
		return p.recordRevision(ctx, tx, res, note, actor)
	})
	if err != nil {
		return nil, err
	}

	if runnable {
		out, err := p.Executor.Execute(ctx, res.RevisedTask.ID, actor)
		if err != nil {
			return nil, err
		}
		res.Execution = out
		res.RevisedTask = out.Task
		res.RevisedMutation = pickRevision(out.Mutations, original.FilePath)
	}
	return res, nil
}

func (p *Pipeline) recordRevision(ctx context.Context, q store.DBTX, res *RevisionResult, note, actor string) error {
	details := map[string]any{
		"revised_task_id": res.RevisedTask.ID,
		"note":            note,
	}
	if res.RevisedMutation != nil {
		details["revised_mutation_id"] = res.RevisedMutation.ID
	}
	_, err := p.Audit.RecordTx(ctx, q, audit.Entry{
		Actor:    actor,
		Action:   audit.ActionMutationRevision,
		TaskID:   res.Original.TaskID,
		TargetID: res.Original.ID,
		Details:  details,
	})
	return err
}

func pickRevision(ms []domain.Mutation, filePath string) *domain.Mutation {
	for i := range ms {
		if ms[i].FilePath == filePath {
			return &ms[i]
		}
	}
	if len(ms) > 0 {
		return &ms[0]
	}
	return nil
}
