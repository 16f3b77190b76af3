// Package conflict detects competing proposals for the same file within a
// task and gates them behind a human decision. It never merges diffs.
package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/pipeline"
	"github.com/Rogers-F/tierforge/internal/store"
)

// DefaultThreshold is the distance above which a conflict needs review.
const DefaultThreshold = 0.5

// Resolver is the Conflict Resolver.
type Resolver struct {
	DB        *sql.DB
	Mutations *store.MutationRepo
	Pipeline  *pipeline.Pipeline
	Distance  DistanceService
	Audit     *audit.Recorder
	Logger    zerolog.Logger

	mu        sync.RWMutex
	threshold float64
}

// NewResolver creates a Resolver. A nil distance uses LineDistance.
func NewResolver(db *sql.DB, p *pipeline.Pipeline, dist DistanceService, rec *audit.Recorder, threshold float64, logger zerolog.Logger) *Resolver {
	if dist == nil {
		dist = LineDistance{}
	}
	return &Resolver{
		DB:        db,
		Mutations: &store.MutationRepo{},
		Pipeline:  p,
		Distance:  dist,
		Audit:     rec,
		Logger:    logger,
		threshold: threshold,
	}
}

// Threshold returns the active review threshold.
func (r *Resolver) Threshold() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threshold
}

// SetThreshold changes the review threshold for later detections.
func (r *Resolver) SetThreshold(t float64) {
	r.mu.Lock()
	r.threshold = t
	r.mu.Unlock()
}

// Detect compares every pair of proposals that target the same file. Each
// pair yields a report; RequiresHumanReview is set when its distance exceeds
// the threshold. Fewer than two proposals is ErrNoProposals.
func (r *Resolver) Detect(ctx context.Context, taskID string, proposals []domain.DiffProposal) ([]domain.ConflictReport, error) {
	if len(proposals) < 2 {
		return nil, domain.ErrNoProposals
	}
	threshold := r.Threshold()

	byFile := make(map[string][]int)
	var files []string
	for i, p := range proposals {
		key := normalize(p.FilePath)
		if _, seen := byFile[key]; !seen {
			files = append(files, key)
		}
		byFile[key] = append(byFile[key], i)
	}

	reports := []domain.ConflictReport{}
	for _, file := range files {
		idx := byFile[file]
		for i := 0; i < len(idx); i++ {
			for j := i + 1; j < len(idx); j++ {
				a, b := proposals[idx[i]], proposals[idx[j]]
				d, err := r.Distance.Distance(ctx, a, b)
				if err != nil {
					return nil, fmt.Errorf("distance %s vs %s: %w", a.AgentUID, b.AgentUID, err)
				}
				d = max(d, 0)
				reports = append(reports, domain.ConflictReport{
					TaskID:              taskID,
					FilePath:            file,
					AgentA:              a.AgentUID,
					AgentB:              b.AgentUID,
					MutationA:           a.MutationID,
					MutationB:           b.MutationID,
					SemanticDistance:    d,
					Description:         fmt.Sprintf("%s and %s both change %s (distance %.2f)", a.AgentUID, b.AgentUID, file, d),
					RequiresHumanReview: d > threshold,
				})
			}
		}
	}
	return reports, nil
}

// DetectForTask runs Detect over the task's non-terminal mutations and
// records an audit entry for every report that needs review.
func (r *Resolver) DetectForTask(ctx context.Context, taskID string) ([]domain.ConflictReport, error) {
	ms, err := r.Mutations.ListByTask(ctx, r.DB, taskID)
	if err != nil {
		return nil, err
	}
	var proposals []domain.DiffProposal
	for _, m := range ms {
		if m.Status.Terminal() {
			continue
		}
		proposals = append(proposals, domain.DiffProposal{
			AgentUID:          m.AgentUID,
			FilePath:          m.FilePath,
			DiffContent:       m.DiffContent,
			IntentDescription: m.IntentDescription,
			Confidence:        m.Confidence,
			MutationID:        m.ID,
		})
	}
	if len(proposals) < 2 {
		return []domain.ConflictReport{}, nil
	}
	reports, err := r.Detect(ctx, taskID, proposals)
	if err != nil {
		return nil, err
	}
	for _, rep := range reports {
		if !rep.RequiresHumanReview {
			continue
		}
		if _, err := r.Audit.Record(ctx, audit.Entry{
			Action:   audit.ActionConflictDetected,
			TaskID:   taskID,
			TargetID: rep.FilePath,
			Details:  rep,
		}); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

// Blocked returns the ids of mutations that appear in a report needing review.
func Blocked(reports []domain.ConflictReport) map[string]bool {
	out := make(map[string]bool)
	for _, rep := range reports {
		if !rep.RequiresHumanReview {
			continue
		}
		if rep.MutationA != "" {
			out[rep.MutationA] = true
		}
		if rep.MutationB != "" {
			out[rep.MutationB] = true
		}
	}
	return out
}

func normalize(p string) string {
	return path.Clean("/" + filepath.ToSlash(p))[1:]
}
