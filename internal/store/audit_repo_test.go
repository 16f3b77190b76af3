package store

import (
	"context"
	"testing"

	"github.com/Rogers-F/tierforge/internal/domain"
)

func TestAuditRepo_AppendAndListSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}

	var ids []int64
	for i, action := range []string{"task_created", "task_status_changed", "mutation_applied"} {
		id, err := repo.Append(ctx, db, domain.AuditLogEntry{
			CreatedAt: int64(i), Actor: "system", Action: action, TaskID: "t1", Details: "{}",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Fatalf("ids not strictly increasing: %v", ids)
	}

	got, err := repo.ListSince(ctx, db, ids[0], 0)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after first id, got %d", len(got))
	}
	if got[0].Action != "task_status_changed" {
		t.Errorf("first action = %q, want task_status_changed", got[0].Action)
	}

	limited, err := repo.ListSince(ctx, db, 0, 1)
	if err != nil {
		t.Fatalf("ListSince limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 entry with limit, got %d", len(limited))
	}
}

func TestAuditRepo_ListByTasks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}

	for _, task := range []string{"t1", "t2", "t3", "t1"} {
		if _, err := repo.Append(ctx, db, domain.AuditLogEntry{Action: "x", TaskID: task, Details: "{}"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := repo.ListByTasks(ctx, db, []string{"t1", "t2"}, 0, 0)
	if err != nil {
		t.Fatalf("ListByTasks: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 entries, got %d", len(got))
	}

	none, err := repo.ListByTasks(ctx, db, nil, 0, 0)
	if err != nil {
		t.Fatalf("ListByTasks empty: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no entries, got %d", len(none))
	}
}
