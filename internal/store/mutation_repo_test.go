package store

import (
	"context"
	"errors"
	"testing"

	"github.com/Rogers-F/tierforge/internal/domain"
)

func TestMutationRepo_CreateAndUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &MutationRepo{}

	m := domain.Mutation{
		ID:                "mut-1",
		TaskID:            "t1",
		AgentUID:          "agent-a",
		FilePath:          "main.go",
		DiffContent:       "package main\n",
		IntentDescription: "add main",
		Confidence:        0.9,
		Status:            domain.MutationProposed,
		ProposedAt:        10,
	}
	if err := repo.Create(ctx, db, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, db, "mut-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.TestResult != nil || got.AppliedAt != nil || got.RejectedAtStep != nil {
		t.Errorf("nullable fields should be nil: %+v", got)
	}

	exit := 0
	out := "ok"
	applied := int64(20)
	got.Status = domain.MutationApplied
	got.TestExitCode = &exit
	got.TestResult = &out
	got.AppliedAt = &applied
	if err := repo.UpdateState(ctx, db, *got); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	reloaded, _ := repo.GetByID(ctx, db, "mut-1")
	if reloaded.Status != domain.MutationApplied {
		t.Errorf("Status = %q, want applied", reloaded.Status)
	}
	if reloaded.TestExitCode == nil || *reloaded.TestExitCode != 0 {
		t.Errorf("TestExitCode = %v, want 0", reloaded.TestExitCode)
	}

	// Applied is absorbing.
	reloaded.Status = domain.MutationRejected
	if err := repo.UpdateState(ctx, db, *reloaded); !errors.Is(err, domain.ErrMutationTerminal) {
		t.Errorf("expected ErrMutationTerminal, got %v", err)
	}
}

func TestMutationRepo_ListByTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &MutationRepo{}

	for i, id := range []string{"m1", "m2"} {
		m := domain.Mutation{ID: id, TaskID: "t1", FilePath: "a.go", Status: domain.MutationProposed, ProposedAt: int64(i)}
		if err := repo.Create(ctx, db, m); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := repo.Create(ctx, db, domain.Mutation{ID: "m3", TaskID: "t2", FilePath: "b.go", Status: domain.MutationProposed}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.ListByTask(ctx, db, "t1")
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 mutations, got %d", len(got))
	}
}
