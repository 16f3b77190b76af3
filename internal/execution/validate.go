package execution

import (
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// ValidateSummary checks a runner's summary before anything is persisted and
// returns an ErrExecutionInvalid listing every violation found.
func ValidateSummary(s *domain.IntentSummary) error {
	if s == nil {
		return nil
	}
	var violations []string

	if math.IsNaN(s.ComplianceScore) {
		violations = append(violations, "compliance_score is NaN")
	}
	if s.TokensSpent < 0 {
		violations = append(violations, fmt.Sprintf("tokens_spent %d is negative", s.TokensSpent))
	}

	seen := make(map[string]int, len(s.Proposals))
	for i, p := range s.Proposals {
		if strings.TrimSpace(p.AgentUID) == "" {
			violations = append(violations, fmt.Sprintf("proposals[%d] agent_uid must be non-empty", i))
		}
		file := strings.ReplaceAll(strings.TrimSpace(p.FilePath), `\`, "/")
		switch clean := path.Clean(file); {
		case file == "":
			violations = append(violations, fmt.Sprintf("proposals[%d] file_path must be non-empty", i))
		case path.IsAbs(file) || clean == ".." || strings.HasPrefix(clean, "../"):
			violations = append(violations, fmt.Sprintf("proposals[%d] file_path %q must be relative to the project", i, p.FilePath))
		}
		if math.IsNaN(p.Confidence) {
			violations = append(violations, fmt.Sprintf("proposals[%d] confidence is NaN", i))
		}
		key := p.AgentUID + "\x00" + path.Clean(file)
		if j, dup := seen[key]; dup && file != "" {
			violations = append(violations, fmt.Sprintf("proposals[%d] repeats agent %q on %s (see proposals[%d])", i, p.AgentUID, p.FilePath, j))
		} else {
			seen[key] = i
		}
	}

	if len(violations) > 0 {
		return domain.NewEngineError(domain.ErrExecutionInvalid.Code, strings.Join(violations, "; "))
	}
	return nil
}
