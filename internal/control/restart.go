package control

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/conflict"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/pipeline"
	"github.com/Rogers-F/tierforge/internal/taskstore"
)

// RestartSummary aggregates the re-execution that follows a restart. Partial
// failure is reported here and never as an error.
type RestartSummary struct {
	Tier2Tasks               int    `json:"tier2_tasks"`
	SuccessfulTier2Tasks     int    `json:"successful_tier2_tasks"`
	FailedExecutions         int    `json:"failed_executions"`
	TasksWithoutCandidates   int    `json:"tasks_without_candidates"`
	CandidateMutations       int    `json:"candidate_mutations"`
	AppliedMutations         int    `json:"applied_mutations"`
	ValidatedMutations       int    `json:"validated_mutations"`
	RejectedMutations        int    `json:"rejected_mutations"`
	ConflictsRequiringReview int    `json:"conflicts_requiring_review"`
	FirstError               string `json:"first_error,omitempty"`
}

// taskRun is the outcome of re-executing one domain leader.
type taskRun struct {
	failed     bool
	err        string
	candidates int
	applied    int
	validated  int
	rejected   int
	conflicts  int
}

// reexecute runs every tier-2 task in scope that is pending once the restart
// has committed, whether it was just restarted or never started, then pushes
// its proposals through conflict detection and the pipeline. Runs are
// independent; the summary is folded in task order so FirstError is
// deterministic.
func (e *Engine) reexecute(ctx context.Context, tree *taskstore.Tree, targets []string, actor string) (*RestartSummary, error) {
	rootID := tree.RootID
	var leaders []string
	for _, id := range targets {
		if t := tree.Task(id); t == nil || t.Tier != domain.TierDomainLeader {
			continue
		}
		current, err := e.Tasks.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.TaskPending {
			leaders = append(leaders, id)
		}
	}
	summary := &RestartSummary{Tier2Tasks: len(leaders)}
	if len(leaders) == 0 {
		return summary, nil
	}

	runs := make([]taskRun, len(leaders))
	g, gctx := errgroup.WithContext(ctx)
	if e.MaxParallel > 0 {
		g.SetLimit(e.MaxParallel)
	}
	for i, id := range leaders {
		g.Go(func() error {
			runs[i] = e.runLeader(gctx, id, actor)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range runs {
		if r.failed {
			summary.FailedExecutions++
		} else {
			summary.SuccessfulTier2Tasks++
			if r.candidates == 0 {
				summary.TasksWithoutCandidates++
			}
		}
		summary.CandidateMutations += r.candidates
		summary.AppliedMutations += r.applied
		summary.ValidatedMutations += r.validated
		summary.RejectedMutations += r.rejected
		summary.ConflictsRequiringReview += r.conflicts
		if summary.FirstError == "" && r.err != "" {
			summary.FirstError = r.err
		}
	}

	if _, err := e.Audit.Record(context.WithoutCancel(ctx), audit.Entry{
		Actor:    actor,
		Action:   audit.ActionRestartReexecuted,
		TaskID:   rootID,
		TargetID: rootID,
		Details:  summary,
	}); err != nil {
		return nil, err
	}
	e.Logger.Info().
		Str("root_id", rootID).
		Int("tier2_tasks", summary.Tier2Tasks).
		Int("failed", summary.FailedExecutions).
		Int("applied", summary.AppliedMutations).
		Msg("restart re-execution finished")
	return summary, nil
}

func (e *Engine) runLeader(ctx context.Context, taskID, actor string) taskRun {
	var r taskRun
	out, err := e.Executor.Execute(ctx, taskID, actor)
	if err != nil {
		r.failed, r.err = true, err.Error()
		return r
	}
	if out.Failed {
		r.failed, r.err = true, out.Error
		return r
	}
	r.candidates = len(out.Mutations)
	if r.candidates == 0 || e.Pipeline == nil {
		return r
	}

	blocked := map[string]bool{}
	// Older open proposals on the same files count, so even one new
	// candidate is checked.
	if e.Resolver != nil {
		reports, err := e.Resolver.DetectForTask(ctx, taskID)
		if err != nil {
			r.err = err.Error()
			return r
		}
		blocked = conflict.Blocked(reports)
		for _, rep := range reports {
			if rep.RequiresHumanReview {
				r.conflicts++
			}
		}
	}

	for _, m := range out.Mutations {
		if blocked[m.ID] {
			continue
		}
		run, err := e.Pipeline.Run(ctx, pipeline.RunInput{
			MutationID:    m.ID,
			Tier1Approved: e.ApplyOnRestart,
			Actor:         actor,
		})
		if err != nil {
			if r.err == "" {
				r.err = err.Error()
			}
			continue
		}
		switch run.Mutation.Status {
		case domain.MutationApplied:
			r.applied++
		case domain.MutationValidated, domain.MutationValidatedNoTests:
			r.validated++
		case domain.MutationRejected:
			r.rejected++
			if r.err == "" && run.Mutation.RejectionReason != nil {
				r.err = *run.Mutation.RejectionReason
			}
		}
	}
	return r
}
