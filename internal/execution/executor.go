package execution

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/budget"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
	"github.com/Rogers-F/tierforge/internal/taskstore"
)

// Executor drives one task through a run: pending -> executing, dispatch,
// then persist proposals, usage and the final status.
type Executor struct {
	DB         *sql.DB
	Tasks      *taskstore.Service
	Mutations  *store.MutationRepo
	Budget     *budget.Arbiter
	Dispatcher *Dispatcher
	Audit      *audit.Recorder
	Logger     zerolog.Logger
	TopK       int
}

// NewExecutor wires an Executor.
func NewExecutor(db *sql.DB, tasks *taskstore.Service, arb *budget.Arbiter, d *Dispatcher, rec *audit.Recorder, topK int, logger zerolog.Logger) *Executor {
	return &Executor{
		DB:         db,
		Tasks:      tasks,
		Mutations:  &store.MutationRepo{},
		Budget:     arb,
		Dispatcher: d,
		Audit:      rec,
		Logger:     logger,
		TopK:       topK,
	}
}

// Outcome is the result of one Execute call. Runner failures are reported
// here rather than as an error.
type Outcome struct {
	Task      *domain.Task            `json:"task"`
	Summary   *domain.IntentSummary   `json:"summary,omitempty"`
	Mutations []domain.Mutation       `json:"mutations"`
	Conflicts []domain.ConflictReport `json:"conflicts,omitempty"`
	Usage     *budget.UsageResult     `json:"usage,omitempty"`
	Failed    bool                    `json:"failed"`
	Error     string                  `json:"error,omitempty"`
}

// Execute runs a pending task to completion or failure. The returned error
// covers only problems the task cannot record itself: unknown task, illegal
// starting status, store failures or a missing runner.
func (e *Executor) Execute(ctx context.Context, taskID, actor string) (*Outcome, error) {
	if !e.Dispatcher.Ready() {
		return nil, domain.ErrRunnerNotReady
	}

	var task *domain.Task
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		t, err := e.Tasks.UpdateStatusTx(ctx, tx, taskID, domain.TaskExecuting, "", actor)
		if err != nil {
			return err
		}
		task = t
		_, err = e.Audit.RecordTx(ctx, tx, audit.Entry{
			Actor:    actor,
			Action:   audit.ActionExecutionStarted,
			TaskID:   t.ID,
			TargetID: t.ID,
			Details:  map[string]any{"attempt": t.RetryCount + 1, "top_k": e.TopK},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	handle, err := e.Dispatcher.Submit(ctx, Request{
		TaskID:        task.ID,
		ParentID:      task.ParentID,
		Tier:          task.Tier,
		Domain:        task.Domain,
		Objective:     task.Objective,
		TargetProject: task.TargetProject,
		TopK:          e.TopK,
		Attempt:       task.RetryCount + 1,
	})
	var summary *domain.IntentSummary
	if err == nil {
		summary, err = handle.Wait(ctx)
	}
	if err == nil {
		err = ValidateSummary(summary)
	}
	if err != nil {
		return e.fail(context.WithoutCancel(ctx), task.ID, actor, err)
	}
	return e.complete(context.WithoutCancel(ctx), task.ID, actor, summary)
}

func (e *Executor) fail(ctx context.Context, taskID, actor string, cause error) (*Outcome, error) {
	msg := cause.Error()
	out := &Outcome{Failed: true, Error: msg}
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		current, err := e.Tasks.Tasks.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current.Status == domain.TaskExecuting {
			if current, err = e.Tasks.UpdateStatusTx(ctx, tx, taskID, domain.TaskFailed, msg, actor); err != nil {
				return err
			}
		}
		out.Task = current
		_, err = e.Audit.RecordTx(ctx, tx, audit.Entry{
			Actor:    actor,
			Action:   audit.ActionExecutionFailed,
			TaskID:   taskID,
			TargetID: taskID,
			Details: map[string]any{
				"error":     msg,
				"cancelled": errors.Is(cause, domain.ErrExecutionCancelled),
				"status":    current.Status,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Warn().Str("task_id", taskID).Str("error", msg).Msg("task execution failed")
	return out, nil
}

func (e *Executor) complete(ctx context.Context, taskID, actor string, summary *domain.IntentSummary) (*Outcome, error) {
	if summary == nil {
		summary = &domain.IntentSummary{}
	}
	out := &Outcome{Summary: summary, Conflicts: summary.Conflicts, Mutations: []domain.Mutation{}}

	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		current, err := e.Tasks.Tasks.GetByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		// A task stopped mid-run keeps its usage but not its proposals.
		stopped := current.Status != domain.TaskExecuting && current.Status != domain.TaskPaused
		proposals := summary.Proposals
		if stopped {
			proposals = nil
		}
		for i := range proposals {
			p := &proposals[i]
			m := domain.Mutation{
				ID:                "mut-" + uuid.New().String(),
				TaskID:            taskID,
				AgentUID:          p.AgentUID,
				FilePath:          p.FilePath,
				DiffContent:       p.DiffContent,
				IntentDescription: p.IntentDescription,
				IntentHash:        IntentHash(p.IntentDescription),
				Confidence:        clamp(p.Confidence, 0, 1),
				Status:            domain.MutationProposed,
				ProposedAt:        now,
			}
			if err := e.Mutations.Create(ctx, tx, m); err != nil {
				return err
			}
			p.MutationID = m.ID
			out.Mutations = append(out.Mutations, m)
			if _, err := e.Audit.RecordTx(ctx, tx, audit.Entry{
				Actor:    p.AgentUID,
				Action:   audit.ActionMutationProposed,
				TaskID:   taskID,
				TargetID: m.ID,
				Details: map[string]any{
					"file_path":  m.FilePath,
					"confidence": m.Confidence,
					"intent":     m.IntentDescription,
				},
			}); err != nil {
				return err
			}
		}

		compliance := clamp(summary.ComplianceScore, 0, 100)
		if !stopped {
			if err := e.Tasks.Tasks.SetResult(ctx, tx, taskID, compliance, ResultChecksum(summary.Proposals), now); err != nil {
				return err
			}
		}

		usage, err := e.Budget.ReportUsageTx(ctx, tx, budget.UsageInput{
			TaskID:     taskID,
			Tokens:     max(summary.TokensSpent, 0),
			Source:     "execution",
			RecordOnly: true,
		})
		if err != nil {
			return err
		}
		out.Usage = usage

		if stopped {
			out.Conflicts = nil
		}
		for _, c := range out.Conflicts {
			if _, err := e.Audit.RecordTx(ctx, tx, audit.Entry{
				Action:   audit.ActionConflictDetected,
				TaskID:   taskID,
				TargetID: c.FilePath,
				Details:  c,
			}); err != nil {
				return err
			}
		}

		if current.Status == domain.TaskExecuting {
			current, err = e.Tasks.UpdateStatusTx(ctx, tx, taskID, domain.TaskCompleted, "", actor)
		} else {
			current, err = e.Tasks.Tasks.GetByID(ctx, tx, taskID)
		}
		if err != nil {
			return err
		}
		out.Task = current

		_, err = e.Audit.RecordTx(ctx, tx, audit.Entry{
			Actor:    actor,
			Action:   audit.ActionExecutionCompleted,
			TaskID:   taskID,
			TargetID: taskID,
			Details: map[string]any{
				"proposals":        len(summary.Proposals),
				"compliance_score": compliance,
				"tokens_spent":     summary.TokensSpent,
				"status":           current.Status,
				"discarded":        stopped,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Info().
		Str("task_id", taskID).
		Int("proposals", len(out.Mutations)).
		Str("status", string(out.Task.Status)).
		Msg("task execution completed")
	return out, nil
}

// IntentHash fingerprints an intent description.
func IntentHash(intent string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(intent)))
	return hex.EncodeToString(sum[:])
}

// ResultChecksum fingerprints a run's proposals independent of their order.
func ResultChecksum(proposals []domain.DiffProposal) string {
	if len(proposals) == 0 {
		return ""
	}
	parts := make([]string, 0, len(proposals))
	for _, p := range proposals {
		parts = append(parts, fmt.Sprintf("%s\x00%s\x00%s", p.AgentUID, p.FilePath, p.DiffContent))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x01")))
	return hex.EncodeToString(sum[:])
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
