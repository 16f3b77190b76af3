package taskstore

import (
	"context"
	"database/sql"

	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/store"
)

// Tree is a point-in-time snapshot of a task subtree. Tasks live in a flat
// map keyed by id; edges are parent→children id lists.
type Tree struct {
	RootID   string
	Tasks    map[string]*domain.Task
	Children map[string][]string
	// Order lists every task in breadth-first order starting at the root.
	Order []string
}

// Subtree snapshots rootID and all of its descendants inside a single read
// transaction. Tasks created after the snapshot are not part of the tree.
func (s *Service) Subtree(ctx context.Context, rootID string) (*Tree, error) {
	var tree *Tree
	err := store.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		t, err := loadTree(ctx, tx, s.Tasks, rootID)
		tree = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func loadTree(ctx context.Context, q store.DBTX, repo *store.TaskRepo, rootID string) (*Tree, error) {
	root, err := repo.GetByID(ctx, q, rootID)
	if err != nil {
		return nil, err
	}

	tree := &Tree{
		RootID:   rootID,
		Tasks:    map[string]*domain.Task{rootID: root},
		Children: make(map[string][]string),
	}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		tree.Order = append(tree.Order, id)

		children, err := repo.ListChildren(ctx, q, id)
		if err != nil {
			return nil, err
		}
		for i := range children {
			c := children[i]
			if _, seen := tree.Tasks[c.ID]; seen {
				continue
			}
			tree.Tasks[c.ID] = &c
			tree.Children[id] = append(tree.Children[id], c.ID)
			queue = append(queue, c.ID)
		}
	}
	return tree, nil
}

// Contains reports whether id is part of the snapshot.
func (t *Tree) Contains(id string) bool {
	_, ok := t.Tasks[id]
	return ok
}

// Descendants returns id followed by every descendant in breadth-first order.
func (t *Tree) Descendants(id string) []string {
	if !t.Contains(id) {
		return nil
	}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		queue = append(queue, t.Children[cur]...)
	}
	return out
}

// ByTier returns every task in the snapshot at the given tier, in
// breadth-first order.
func (t *Tree) ByTier(tier domain.Tier) []string {
	var out []string
	for _, id := range t.Order {
		if t.Tasks[id].Tier == tier {
			out = append(out, id)
		}
	}
	return out
}

// Task returns the snapshot copy of a task.
func (t *Tree) Task(id string) *domain.Task {
	return t.Tasks[id]
}
