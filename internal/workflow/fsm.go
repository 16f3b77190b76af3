// Package workflow holds the status transition tables for tasks and mutations.
package workflow

import (
	"fmt"
	"strings"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// Action is an operator control action applied to tasks.
type Action string

const (
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// ParseAction validates a raw action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPause, ActionResume, ActionStop, ActionRestart:
		return a, nil
	}
	return "", domain.NewEngineError(domain.ErrInvalidAction.Code, fmt.Sprintf("unknown control action %q", s))
}

// controlSources defines, per action, the statuses the action may be applied to.
var controlSources = map[Action]map[domain.TaskStatus]bool{
	ActionPause:   {domain.TaskPending: true, domain.TaskExecuting: true},
	ActionResume:  {domain.TaskPaused: true},
	ActionStop:    {domain.TaskPending: true, domain.TaskExecuting: true, domain.TaskPaused: true},
	ActionRestart: {domain.TaskFailed: true, domain.TaskCompleted: true, domain.TaskPaused: true},
}

// controlTargets is the status each action lands on.
var controlTargets = map[Action]domain.TaskStatus{
	ActionPause:   domain.TaskPaused,
	ActionResume:  domain.TaskExecuting,
	ActionStop:    domain.TaskFailed,
	ActionRestart: domain.TaskPending,
}

// CanApply reports whether action is legal for a task currently in status.
func CanApply(action Action, status domain.TaskStatus) bool {
	return controlSources[action][status]
}

// TargetStatus returns the status a legal action produces.
func TargetStatus(action Action) domain.TaskStatus {
	return controlTargets[action]
}

// executionTransitions are the status changes produced by running a task,
// outside of operator control actions.
var executionTransitions = map[domain.TaskStatus]map[domain.TaskStatus]bool{
	domain.TaskPending:   {domain.TaskExecuting: true, domain.TaskFailed: true},
	domain.TaskExecuting: {domain.TaskCompleted: true, domain.TaskFailed: true, domain.TaskPaused: true},
}

// IsValidExecutionTransition checks if an execution-driven status change is legal.
func IsValidExecutionTransition(from, to domain.TaskStatus) bool {
	targets, ok := executionTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// mutationRank orders the forward mutation states. rejected is handled separately.
var mutationRank = map[domain.MutationStatus]int{
	domain.MutationProposed:         0,
	domain.MutationValidated:        1,
	domain.MutationValidatedNoTests: 1,
	domain.MutationApplied:          2,
}

// IsValidMutationTransition enforces forward-only movement with applied and
// rejected absorbing. A validated mutation may be re-validated.
func IsValidMutationTransition(from, to domain.MutationStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == domain.MutationRejected {
		return true
	}
	rf, okFrom := mutationRank[from]
	rt, okTo := mutationRank[to]
	if !okFrom || !okTo {
		return false
	}
	if rt > rf {
		return true
	}
	return rt == rf && rt == 1
}
