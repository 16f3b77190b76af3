package conflict

import (
	"context"
	"fmt"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/pipeline"
)

// Decision is the human resolution of a conflict.
type Decision string

const (
	DecisionAccept      Decision = "accept"
	DecisionRejectBoth  Decision = "reject_both"
	DecisionManualMerge Decision = "manual_merge"
)

// ResolveInput names the two competing mutations and the decision.
type ResolveInput struct {
	MutationA string   `json:"mutation_a"`
	MutationB string   `json:"mutation_b"`
	Decision  Decision `json:"decision"`
	// Selected is the accepted (or to-be-edited) mutation; must be A or B.
	Selected      string  `json:"selected,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	TargetProject string  `json:"target_project,omitempty"`
	CICommand     *string `json:"ci_command,omitempty"`
	Actor         string  `json:"actor,omitempty"`
}

// Resolution reports what a decision changed.
type Resolution struct {
	Decision Decision          `json:"decision"`
	Selected *domain.Mutation  `json:"selected,omitempty"`
	Rejected []domain.Mutation `json:"rejected,omitempty"`
	Pipeline *pipeline.Result  `json:"pipeline,omitempty"`
}

// Resolve applies a decision. Accept runs the selected mutation through the
// pipeline with tier-1 approval and, once it applies, rejects the competitor.
// RejectBoth rejects both with the shared reason. ManualMerge changes nothing
// and returns the selected mutation for editing.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	if in.MutationA == "" || in.MutationB == "" || in.MutationA == in.MutationB {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "two distinct mutations are required")
	}
	a, err := r.Mutations.GetByID(ctx, r.DB, in.MutationA)
	if err != nil {
		return nil, err
	}
	b, err := r.Mutations.GetByID(ctx, r.DB, in.MutationB)
	if err != nil {
		return nil, err
	}
	if a.TaskID != b.TaskID {
		return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "mutations belong to different tasks")
	}

	var selected, other *domain.Mutation
	switch in.Decision {
	case DecisionAccept, DecisionManualMerge:
		switch in.Selected {
		case a.ID:
			selected, other = a, b
		case b.ID:
			selected, other = b, a
		default:
			return nil, domain.NewEngineError(domain.ErrInvalidInput.Code, "selected must be one of the two mutations")
		}
	case DecisionRejectBoth:
	default:
		return nil, domain.NewEngineError(domain.ErrInvalidDecision.Code,
			fmt.Sprintf("unknown conflict decision %q", in.Decision))
	}

	res := &Resolution{Decision: in.Decision}
	switch in.Decision {
	case DecisionAccept:
		run, err := r.Pipeline.Run(ctx, pipeline.RunInput{
			MutationID:    selected.ID,
			TargetProject: in.TargetProject,
			Tier1Approved: true,
			CICommand:     in.CICommand,
			Actor:         in.Actor,
		})
		if err != nil {
			return nil, err
		}
		res.Pipeline = run
		res.Selected = run.Mutation
		if run.Mutation.Status == domain.MutationApplied && !other.Status.Terminal() {
			rejected, err := r.Pipeline.RejectMany(ctx, []string{other.ID}, "superseded by "+selected.ID, in.Actor)
			if err != nil {
				return nil, err
			}
			res.Rejected = rejected
		}
	case DecisionRejectBoth:
		reason := in.Reason
		if reason == "" {
			reason = "conflict rejected"
		}
		rejected, err := r.Pipeline.RejectMany(ctx, []string{a.ID, b.ID}, reason, in.Actor)
		if err != nil {
			return nil, err
		}
		res.Rejected = rejected
	case DecisionManualMerge:
		res.Selected = selected
	}

	details := map[string]any{
		"decision":   in.Decision,
		"mutation_a": a.ID,
		"mutation_b": b.ID,
		"selected":   in.Selected,
		"reason":     in.Reason,
	}
	if res.Selected != nil {
		details["selected_status"] = res.Selected.Status
	}
	if _, err := r.Audit.Record(ctx, audit.Entry{
		Actor:    in.Actor,
		Action:   audit.ActionConflictResolved,
		TaskID:   a.TaskID,
		TargetID: a.FilePath,
		Details:  details,
	}); err != nil {
		return nil, err
	}
	r.Logger.Info().Str("task_id", a.TaskID).Str("decision", string(in.Decision)).Msg("conflict resolved")
	return res, nil
}
