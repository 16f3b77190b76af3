package store

import (
	"context"
	"errors"
	"testing"

	"github.com/Rogers-F/tierforge/internal/domain"
)

func TestBudgetRequestRepo_CreateResolve(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &BudgetRequestRepo{}

	req := domain.BudgetRequest{
		ID:                 "br-1",
		TaskID:             "t1",
		RequestedBy:        "agent-7",
		Reason:             "needs more context",
		RequestedIncrement: 400,
		CurrentBudget:      1000,
		CurrentUsage:       900,
		Status:             domain.BudgetRequestPending,
		CreatedAt:          100,
	}
	if err := repo.Create(ctx, db, req); err != nil {
		t.Fatalf("Create: %v", err)
	}

	inc := int64(300)
	if err := repo.Resolve(ctx, db, "br-1", domain.BudgetRequestApproved, &inc, "ok", 200); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, err := repo.GetByID(ctx, db, "br-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.BudgetRequestApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}
	if got.ApprovedIncrement == nil || *got.ApprovedIncrement != 300 {
		t.Errorf("ApprovedIncrement = %v, want 300", got.ApprovedIncrement)
	}
	if got.ResolvedAt != 200 {
		t.Errorf("ResolvedAt = %d, want 200", got.ResolvedAt)
	}

	// A second resolution must not overwrite the first.
	err = repo.Resolve(ctx, db, "br-1", domain.BudgetRequestRejected, nil, "late", 300)
	if !errors.Is(err, domain.ErrBudgetRequestResolved) {
		t.Errorf("expected ErrBudgetRequestResolved, got %v", err)
	}
}

func TestBudgetRequestRepo_ListByTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &BudgetRequestRepo{}

	for i, st := range []domain.BudgetRequestStatus{domain.BudgetRequestPending, domain.BudgetRequestRejected, domain.BudgetRequestPending} {
		req := domain.BudgetRequest{
			ID: string(rune('a' + i)), TaskID: "t1", RequestedIncrement: 10,
			Status: st, CreatedAt: int64(i),
		}
		if err := repo.Create(ctx, db, req); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := repo.ListByTask(ctx, db, "t1", "")
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(all))
	}
	if all[0].ID != "c" {
		t.Errorf("expected newest first, got %q", all[0].ID)
	}

	pending, err := repo.ListByTask(ctx, db, "t1", domain.BudgetRequestPending)
	if err != nil {
		t.Fatalf("ListByTask pending: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}
}

func TestBudgetRequestRepo_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := (&BudgetRequestRepo{}).GetByID(context.Background(), db, "nope")
	if !errors.Is(err, domain.ErrBudgetRequestNotFound) {
		t.Errorf("expected ErrBudgetRequestNotFound, got %v", err)
	}
}
