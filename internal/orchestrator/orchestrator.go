// Package orchestrator turns an objective plan into a task tree: a tier-1
// root funded by the overhead budget and one tier-2 task per assignment.
package orchestrator

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/budget"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/taskstore"
)

// Orchestrator materialises plans.
type Orchestrator struct {
	DB         *sql.DB
	Tasks      *taskstore.Service
	Objectives *store.ObjectiveRepo
	Audit      *audit.Recorder
	Logger     zerolog.Logger

	OverheadPercent float64
	ReservePercent  float64
}

// New creates an Orchestrator with the default split percentages.
func New(db *sql.DB, tasks *taskstore.Service, rec *audit.Recorder, overheadPct, reservePct float64, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		DB:              db,
		Tasks:           tasks,
		Objectives:      &store.ObjectiveRepo{},
		Audit:           rec,
		Logger:          logger,
		OverheadPercent: overheadPct,
		ReservePercent:  reservePct,
	}
}

// Applied is the result of Apply.
type Applied struct {
	Objective   domain.Objective  `json:"objective"`
	Root        *domain.Task      `json:"root"`
	Assignments []domain.Task     `json:"assignments"`
	Allocation  budget.Allocation `json:"allocation"`
}

// Apply splits the plan's global budget and creates the root, the tier-2
// assignments and the objective record in one transaction.
func (o *Orchestrator) Apply(ctx context.Context, p *Plan, actor string) (*Applied, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	overhead, reserve := o.OverheadPercent, o.ReservePercent
	if p.OverheadPercent != nil {
		overhead = *p.OverheadPercent
	}
	if p.ReservePercent != nil {
		reserve = *p.ReservePercent
	}
	weights := make([]float64, len(p.Assignments))
	for i, a := range p.Assignments {
		weights[i] = a.Weight()
	}
	alloc, err := budget.Split(p.GlobalTokenBudget, overhead, reserve, weights)
	if err != nil {
		return nil, err
	}

	out := &Applied{Allocation: alloc, Assignments: []domain.Task{}}
	err = store.WithTx(ctx, o.DB, func(tx *sql.Tx) error {
		root, err := o.Tasks.CreateTx(ctx, tx, taskstore.CreateInput{
			ID:            p.ID,
			Tier:          domain.TierOrchestrator,
			Domain:        "orchestrator",
			Objective:     p.Objective,
			TargetProject: p.TargetProject,
			TokenBudget:   alloc.Overhead,
			RiskFactor:    p.RiskFactor,
			Actor:         actor,
		})
		if err != nil {
			return err
		}
		out.Root = root

		for i, a := range p.Assignments {
			t, err := o.Tasks.CreateTx(ctx, tx, taskstore.CreateInput{
				ID:          a.ID,
				ParentID:    root.ID,
				Tier:        domain.TierDomainLeader,
				Domain:      a.Domain,
				Objective:   a.Objective,
				TokenBudget: alloc.Shares[i],
				RiskFactor:  a.RiskFactor,
				Actor:       actor,
			})
			if err != nil {
				return err
			}
			out.Assignments = append(out.Assignments, *t)
		}

		out.Objective = domain.Objective{
			ID:                "obj-" + uuid.New().String(),
			RootTaskID:        root.ID,
			Description:       p.Objective,
			GlobalTokenBudget: alloc.Global,
			OverheadBudget:    alloc.Overhead,
			DistributedBudget: alloc.Distributed,
			ReserveBudget:     alloc.Reserve,
			CreatedAt:         time.Now().Unix(),
		}
		if err := o.Objectives.Create(ctx, tx, out.Objective); err != nil {
			return err
		}
		_, err = o.Audit.RecordTx(ctx, tx, audit.Entry{
			Actor:    actor,
			Action:   audit.ActionObjectiveOrchestrated,
			TaskID:   root.ID,
			TargetID: out.Objective.ID,
			Details:  alloc,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	o.Logger.Info().
		Str("root_id", out.Root.ID).
		Int64("global", alloc.Global).
		Int("assignments", len(out.Assignments)).
		Msg("objective orchestrated")
	return out, nil
}

// Objective returns the budget split recorded for a root task.
func (o *Orchestrator) Objective(ctx context.Context, rootTaskID string) (*domain.Objective, error) {
	return o.Objectives.GetByRootTask(ctx, o.DB, rootTaskID)
}
