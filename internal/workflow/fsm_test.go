package workflow

import (
	"errors"
	"testing"

	"github.com/Rogers-F/tierforge/internal/domain"
)

func TestCanApply_Table(t *testing.T) {
	tests := []struct {
		action Action
		status domain.TaskStatus
		want   bool
	}{
		{ActionPause, domain.TaskPending, true},
		{ActionPause, domain.TaskExecuting, true},
		{ActionPause, domain.TaskPaused, false},
		{ActionPause, domain.TaskCompleted, false},
		{ActionPause, domain.TaskFailed, false},
		{ActionResume, domain.TaskPaused, true},
		{ActionResume, domain.TaskPending, false},
		{ActionStop, domain.TaskPending, true},
		{ActionStop, domain.TaskExecuting, true},
		{ActionStop, domain.TaskPaused, true},
		{ActionStop, domain.TaskCompleted, false},
		{ActionRestart, domain.TaskFailed, true},
		{ActionRestart, domain.TaskCompleted, true},
		{ActionRestart, domain.TaskPaused, true},
		{ActionRestart, domain.TaskExecuting, false},
		{ActionRestart, domain.TaskPending, false},
	}

	for _, tt := range tests {
		if got := CanApply(tt.action, tt.status); got != tt.want {
			t.Errorf("CanApply(%s, %s) = %v, want %v", tt.action, tt.status, got, tt.want)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	want := map[Action]domain.TaskStatus{
		ActionPause:   domain.TaskPaused,
		ActionResume:  domain.TaskExecuting,
		ActionStop:    domain.TaskFailed,
		ActionRestart: domain.TaskPending,
	}
	for a, st := range want {
		if got := TargetStatus(a); got != st {
			t.Errorf("TargetStatus(%s) = %s, want %s", a, got, st)
		}
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction(" Pause "); err != nil || a != ActionPause {
		t.Errorf("ParseAction(Pause) = %q, %v", a, err)
	}
	_, err := ParseAction("explode")
	if !errors.Is(err, domain.ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}

func TestIsValidExecutionTransition(t *testing.T) {
	if !IsValidExecutionTransition(domain.TaskPending, domain.TaskExecuting) {
		t.Error("pending -> executing should be valid")
	}
	if !IsValidExecutionTransition(domain.TaskExecuting, domain.TaskCompleted) {
		t.Error("executing -> completed should be valid")
	}
	if IsValidExecutionTransition(domain.TaskCompleted, domain.TaskExecuting) {
		t.Error("completed -> executing should be invalid")
	}
	if IsValidExecutionTransition(domain.TaskPaused, domain.TaskCompleted) {
		t.Error("paused -> completed should be invalid")
	}
}

func TestIsValidMutationTransition_AbsorbingStates(t *testing.T) {
	all := []domain.MutationStatus{
		domain.MutationProposed, domain.MutationValidated, domain.MutationValidatedNoTests,
		domain.MutationApplied, domain.MutationRejected,
	}
	for _, from := range []domain.MutationStatus{domain.MutationApplied, domain.MutationRejected} {
		for _, to := range all {
			if IsValidMutationTransition(from, to) {
				t.Errorf("%s -> %s must be invalid", from, to)
			}
		}
	}
}

func TestIsValidMutationTransition_Forward(t *testing.T) {
	tests := []struct {
		from, to domain.MutationStatus
		want     bool
	}{
		{domain.MutationProposed, domain.MutationValidated, true},
		{domain.MutationProposed, domain.MutationValidatedNoTests, true},
		{domain.MutationProposed, domain.MutationApplied, true},
		{domain.MutationProposed, domain.MutationRejected, true},
		{domain.MutationProposed, domain.MutationProposed, false},
		{domain.MutationValidated, domain.MutationProposed, false},
		{domain.MutationValidated, domain.MutationValidatedNoTests, true},
		{domain.MutationValidatedNoTests, domain.MutationApplied, true},
		{domain.MutationValidated, domain.MutationRejected, true},
	}
	for _, tt := range tests {
		if got := IsValidMutationTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
