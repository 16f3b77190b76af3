package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/store"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRecorder(db, zerolog.Nop())
}

func TestRecord_EncodesDetails(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	id, err := rec.Record(ctx, Entry{
		Action:   ActionTaskStatusChanged,
		TaskID:   "t1",
		TargetID: "t1",
		Details:  map[string]string{"from": "pending", "to": "paused"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	entries, err := rec.Since(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Actor != "system" {
		t.Errorf("Actor = %q, want default system", entries[0].Actor)
	}
	if entries[0].Details != `{"from":"pending","to":"paused"}` {
		t.Errorf("Details = %s", entries[0].Details)
	}
}

func TestForTasks_ResumePolling(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	first, _ := rec.Record(ctx, Entry{Action: ActionTaskCreated, TaskID: "t1"})
	rec.Record(ctx, Entry{Action: ActionTaskCreated, TaskID: "t2"})
	rec.Record(ctx, Entry{Action: ActionTaskStatusChanged, TaskID: "t1", Details: "raw"})

	got, err := rec.ForTasks(ctx, []string{"t1"}, first, 0)
	if err != nil {
		t.Fatalf("ForTasks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after cursor, got %d", len(got))
	}
	if got[0].Details != "raw" {
		t.Errorf("string details should pass through, got %q", got[0].Details)
	}
}
