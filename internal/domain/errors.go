package domain

import (
	"errors"
	"fmt"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so errors built with
// NewEngineError compare equal to the sentinel they were derived from.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- State machine errors (-32010 to -32039) ----

var (
	ErrInvalidTransition = &EngineError{Code: -32010, Message: "invalid status transition"}
	ErrTaskNotFound      = &EngineError{Code: -32012, Message: "task not found"}
	ErrOptimisticLock    = &EngineError{Code: -32015, Message: "optimistic lock conflict: state was modified concurrently"}
	ErrDuplicateTask     = &EngineError{Code: -32019, Message: "task already exists"}
	ErrTierViolation     = &EngineError{Code: -32020, Message: "child tier must not be lower than parent tier"}
	ErrScopeOutsideTree  = &EngineError{Code: -32021, Message: "scope target is not part of the task tree"}
	ErrObjectiveNotFound = &EngineError{Code: -32022, Message: "objective not found"}
)

// ---- Execution errors (-32070 to -32099) ----

var (
	ErrExecutionFailed    = &EngineError{Code: -32070, Message: "task execution failed"}
	ErrExecutionCancelled = &EngineError{Code: -32071, Message: "task execution cancelled"}
	ErrExecutionInvalid   = &EngineError{Code: -32072, Message: "execution returned invalid response"}
	ErrRunnerNotReady     = &EngineError{Code: -32073, Message: "execution runner is not configured"}
	ErrExecutionBusy      = &EngineError{Code: -32074, Message: "task already has an execution in flight"}
)

// ---- Security errors (-32100 to -32129) ----

var (
	ErrPathEscape    = &EngineError{Code: -32100, Message: "path escapes project root"}
	ErrPathAbsolute  = &EngineError{Code: -32101, Message: "absolute paths are not allowed"}
	ErrPathNullByte  = &EngineError{Code: -32102, Message: "path contains a null byte"}
	ErrSymlinkEscape = &EngineError{Code: -32103, Message: "symlink resolves outside project root"}
	ErrPathForbidden = &EngineError{Code: -32104, Message: "path matches a forbidden pattern"}
)

const (
	securityCodeLow  = -32129
	securityCodeHigh = -32100
)

// IsSecurityViolation reports whether err belongs to the security class.
func IsSecurityViolation(err error) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Code >= securityCodeLow && ee.Code <= securityCodeHigh
}

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreQuery    = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite    = &EngineError{Code: -32132, Message: "store write failed"}
	ErrConfigInvalid = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrPlanInvalid   = &EngineError{Code: -32137, Message: "invalid objective plan"}
)

// ---- Validation errors (-32200 to -32229) ----

var (
	ErrInvalidInput          = &EngineError{Code: -32200, Message: "invalid input"}
	ErrInvalidIncrement      = &EngineError{Code: -32201, Message: "budget increment must be positive"}
	ErrBudgetRequestNotFound = &EngineError{Code: -32202, Message: "budget request not found"}
	ErrBudgetRequestResolved = &EngineError{Code: -32203, Message: "budget request already resolved"}
	ErrInvalidAction         = &EngineError{Code: -32204, Message: "unknown control action"}
	ErrInvalidScope          = &EngineError{Code: -32205, Message: "invalid control scope"}
	ErrInvalidDecision       = &EngineError{Code: -32206, Message: "decision must be approve or reject"}
)

// ---- Mutation / Pipeline errors (-32230 to -32259) ----

var (
	ErrMutationNotFound = &EngineError{Code: -32230, Message: "mutation not found"}
	ErrMutationTerminal = &EngineError{Code: -32231, Message: "mutation is in a terminal state"}
	ErrMutationBusy     = &EngineError{Code: -32232, Message: "mutation pipeline already running"}
	ErrConflictPending  = &EngineError{Code: -32233, Message: "competing proposals require human review"}
	ErrNoProposals      = &EngineError{Code: -32234, Message: "at least two proposals are required"}
)
