package control

import (
	"fmt"
	"strings"

	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/taskstore"
)

// Scope selects the part of a task tree a control action targets. The set of
// implementations is closed: TreeScope, TierScope and AgentScope.
type Scope interface {
	String() string
	scope()
}

// TreeScope targets the root and every descendant.
type TreeScope struct{}

// TierScope targets every task in the tree at one tier.
type TierScope struct {
	Tier domain.Tier
}

// AgentScope targets one task of the tree and its own descendants.
type AgentScope struct {
	TaskID string
}

func (TreeScope) scope()  {}
func (TierScope) scope()  {}
func (AgentScope) scope() {}

func (TreeScope) String() string    { return "tree" }
func (s TierScope) String() string  { return fmt.Sprintf("tier:%d", s.Tier) }
func (s AgentScope) String() string { return "agent:" + s.TaskID }

// ParseScope builds a Scope from its wire form: kind is tree, tier or agent.
func ParseScope(kind string, tier int, agentID string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "tree":
		return TreeScope{}, nil
	case "tier":
		t := domain.Tier(tier)
		if !t.Valid() {
			return nil, domain.NewEngineError(domain.ErrInvalidScope.Code, fmt.Sprintf("tier scope needs tier 1, 2 or 3 (got %d)", tier))
		}
		return TierScope{Tier: t}, nil
	case "agent":
		if strings.TrimSpace(agentID) == "" {
			return nil, domain.NewEngineError(domain.ErrInvalidScope.Code, "agent scope needs a task id")
		}
		return AgentScope{TaskID: agentID}, nil
	}
	return nil, domain.NewEngineError(domain.ErrInvalidScope.Code, fmt.Sprintf("unknown scope %q", kind))
}

// resolve lists the ids of the snapshot that a scope covers, breadth-first.
func resolve(tree *taskstore.Tree, s Scope) ([]string, error) {
	switch s := s.(type) {
	case TreeScope:
		return tree.Order, nil
	case TierScope:
		if !s.Tier.Valid() {
			return nil, domain.NewEngineError(domain.ErrInvalidScope.Code, fmt.Sprintf("invalid tier %d", s.Tier))
		}
		return tree.ByTier(s.Tier), nil
	case AgentScope:
		if !tree.Contains(s.TaskID) {
			return nil, domain.NewEngineError(domain.ErrScopeOutsideTree.Code,
				fmt.Sprintf("task %s is not part of tree %s", s.TaskID, tree.RootID))
		}
		return tree.Descendants(s.TaskID), nil
	case nil:
		return nil, domain.NewEngineError(domain.ErrInvalidScope.Code, "scope is required")
	default:
		return nil, domain.NewEngineError(domain.ErrInvalidScope.Code, fmt.Sprintf("unsupported scope %T", s))
	}
}
