package conflict

import (
	"context"
	"strings"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// DistanceService scores how far apart two proposals are. Zero means
// equivalent; larger means more divergent.
type DistanceService interface {
	Distance(ctx context.Context, a, b domain.DiffProposal) (float64, error)
}

// DistanceFunc adapts a function to DistanceService.
type DistanceFunc func(ctx context.Context, a, b domain.DiffProposal) (float64, error)

// Distance calls f.
func (f DistanceFunc) Distance(ctx context.Context, a, b domain.DiffProposal) (float64, error) {
	return f(ctx, a, b)
}

// LineDistance is the default DistanceService: Jaccard distance over the
// changed lines of each proposal. For unified diffs only +/- lines count;
// for full bodies every non-blank line does.
type LineDistance struct{}

// Distance returns 1 - |A∩B| / |A∪B|, in [0,1].
func (LineDistance) Distance(_ context.Context, a, b domain.DiffProposal) (float64, error) {
	sa, sb := changedLines(a.DiffContent), changedLines(b.DiffContent)
	if len(sa) == 0 && len(sb) == 0 {
		return 0, nil
	}
	inter := 0
	for l := range sa {
		if sb[l] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return 1 - float64(inter)/float64(union), nil
}

func changedLines(content string) map[string]bool {
	lines := strings.Split(content, "\n")
	isDiff := false
	for _, l := range lines {
		if strings.HasPrefix(l, "@@ ") || strings.HasPrefix(l, "diff --git ") {
			isDiff = true
			break
		}
	}
	out := make(map[string]bool)
	for _, l := range lines {
		if isDiff {
			if strings.HasPrefix(l, "+++") || strings.HasPrefix(l, "---") {
				continue
			}
			if !strings.HasPrefix(l, "+") && !strings.HasPrefix(l, "-") {
				continue
			}
		}
		if t := strings.TrimSpace(l); t != "" {
			out[t] = true
		}
	}
	return out
}
