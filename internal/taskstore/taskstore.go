// Package taskstore owns the task graph: creation, lookup, traversal and
// execution-driven status changes.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/workflow"
)

// Service is the Task Store.
type Service struct {
	DB     *sql.DB
	Tasks  *store.TaskRepo
	Audit  *audit.Recorder
	Logger zerolog.Logger
}

// NewService creates a Task Store bound to db.
func NewService(db *sql.DB, rec *audit.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		DB:     db,
		Tasks:  &store.TaskRepo{},
		Audit:  rec,
		Logger: logger,
	}
}

// CreateInput describes a new task.
type CreateInput struct {
	ID            string      `json:"id,omitempty"`
	ParentID      string      `json:"parent_id,omitempty"`
	Tier          domain.Tier `json:"tier"`
	Domain        string      `json:"domain"`
	Objective     string      `json:"objective"`
	TargetProject string      `json:"target_project,omitempty"`
	TokenBudget   int64       `json:"token_budget"`
	RiskFactor    float64     `json:"risk_factor"`
	Actor         string      `json:"actor,omitempty"`
}

// Create validates and inserts a pending task.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Task, error) {
	var created *domain.Task
	err := store.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		t, err := s.CreateTx(ctx, tx, in)
		created = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateTx is Create inside a caller-owned transaction.
func (s *Service) CreateTx(ctx context.Context, tx *sql.Tx, in CreateInput) (*domain.Task, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	targetProject := in.TargetProject
	if in.ParentID != "" {
		parent, err := s.Tasks.GetByID(ctx, tx, in.ParentID)
		if err != nil {
			return nil, err
		}
		if in.Tier < parent.Tier {
			return nil, domain.NewEngineError(domain.ErrTierViolation.Code,
				fmt.Sprintf("tier %d task cannot be a child of tier %d task %s", in.Tier, parent.Tier, parent.ID))
		}
		if targetProject == "" {
			targetProject = parent.TargetProject
		}
	}

	id := in.ID
	if id == "" {
		id = "task-" + uuid.New().String()
	}
	now := time.Now().Unix()
	t := domain.Task{
		ID:            id,
		ParentID:      in.ParentID,
		Tier:          in.Tier,
		Domain:        in.Domain,
		Objective:     in.Objective,
		TargetProject: targetProject,
		Status:        domain.TaskPending,
		TokenBudget:   in.TokenBudget,
		RiskFactor:    in.RiskFactor,
		StateVersion:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Tasks.Create(ctx, tx, t); err != nil {
		return nil, err
	}

	if _, err := s.Audit.RecordTx(ctx, tx, audit.Entry{
		Actor:    in.Actor,
		Action:   audit.ActionTaskCreated,
		TaskID:   t.ID,
		TargetID: t.ID,
		Details: map[string]any{
			"parent_id":    t.ParentID,
			"tier":         t.Tier,
			"domain":       t.Domain,
			"token_budget": t.TokenBudget,
		},
	}); err != nil {
		return nil, err
	}
	return &t, nil
}

func validateCreate(in CreateInput) error {
	var problems []string
	if !in.Tier.Valid() {
		problems = append(problems, fmt.Sprintf("tier must be 1, 2 or 3 (got %d)", in.Tier))
	}
	if in.ParentID == "" && in.Tier != domain.TierOrchestrator {
		problems = append(problems, "only tier-1 tasks may omit parent_id")
	}
	if strings.TrimSpace(in.Objective) == "" {
		problems = append(problems, "objective is required")
	}
	if in.TokenBudget < 0 {
		problems = append(problems, "token_budget must not be negative")
	}
	if in.RiskFactor < 0 || in.RiskFactor > 1 {
		problems = append(problems, "risk_factor must be within [0,1]")
	}
	if len(problems) > 0 {
		return domain.NewEngineError(domain.ErrInvalidInput.Code, strings.Join(problems, "; "))
	}
	return nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.Tasks.GetByID(ctx, s.DB, taskID)
}

// Children returns the direct children of a task.
func (s *Service) Children(ctx context.Context, taskID string) ([]domain.Task, error) {
	if _, err := s.Tasks.GetByID(ctx, s.DB, taskID); err != nil {
		return nil, err
	}
	return s.Tasks.ListChildren(ctx, s.DB, taskID)
}

// Roots returns every tier-1 root task.
func (s *Service) Roots(ctx context.Context) ([]domain.Task, error) {
	return s.Tasks.ListRoots(ctx, s.DB)
}

// UpdateStatus applies an execution-driven status change. Transitions outside
// the execution table are programmer errors and return ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, to domain.TaskStatus, errorMessage, actor string) (*domain.Task, error) {
	var updated *domain.Task
	err := store.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		t, err := s.UpdateStatusTx(ctx, tx, taskID, to, errorMessage, actor)
		updated = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateStatusTx is UpdateStatus inside a caller-owned transaction.
func (s *Service) UpdateStatusTx(ctx context.Context, tx *sql.Tx, taskID string, to domain.TaskStatus, errorMessage, actor string) (*domain.Task, error) {
	current, err := s.Tasks.GetByID(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if !workflow.IsValidExecutionTransition(current.Status, to) {
		return nil, domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal task transition %s -> %s", current.Status, to))
	}

	upd := store.StatusUpdate{
		To:        to,
		UpdatedAt: time.Now().Unix(),
	}
	if to == domain.TaskFailed {
		upd.ErrorMessage = errorMessage
		upd.Reason = errorMessage
	}
	if err := s.Tasks.CompareAndSetStatus(ctx, tx, taskID, current.Status, upd); err != nil {
		return nil, err
	}
	if _, err := s.Audit.RecordTx(ctx, tx, audit.Entry{
		Actor:    actor,
		Action:   audit.ActionTaskStatusChanged,
		TaskID:   taskID,
		TargetID: taskID,
		Details: map[string]any{
			"from":          current.Status,
			"to":            to,
			"error_message": upd.ErrorMessage,
		},
	}); err != nil {
		return nil, err
	}

	return s.Tasks.GetByID(ctx, tx, taskID)
}
