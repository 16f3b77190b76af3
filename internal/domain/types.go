// Package domain defines the core types for the tierforge control plane.
package domain

import "fmt"

// Tier is the depth class of a task.
type Tier int

const (
	TierOrchestrator Tier = 1
	TierDomainLeader Tier = 2
	TierSpecialist   Tier = 3
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= TierOrchestrator && t <= TierSpecialist
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskPaused    TaskStatus = "paused"
)

// Terminal reports whether the status is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseTaskStatus validates a raw status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskPending, TaskExecuting, TaskCompleted, TaskFailed, TaskPaused:
		return st, nil
	}
	return "", NewEngineError(ErrInvalidInput.Code, fmt.Sprintf("unknown task status %q", s))
}

// Task is a node in an objective's task tree.
type Task struct {
	ID              string     `json:"id"`
	ParentID        string     `json:"parent_id,omitempty"`
	Tier            Tier       `json:"tier"`
	Domain          string     `json:"domain"`
	Objective       string     `json:"objective"`
	TargetProject   string     `json:"target_project,omitempty"`
	Status          TaskStatus `json:"status"`
	StatusReason    string     `json:"status_reason,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	TokenBudget     int64      `json:"token_budget"`
	TokenUsage      int64      `json:"token_usage"`
	RiskFactor      float64    `json:"risk_factor"`
	ComplianceScore float64    `json:"compliance_score"`
	RetryCount      int        `json:"retry_count"`
	ResultChecksum  string     `json:"result_checksum,omitempty"`
	PausedForBudget bool       `json:"paused_for_budget"`
	StateVersion    int64      `json:"state_version"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
}

// Headroom is the remaining budget before exhaustion.
func (t Task) Headroom() int64 {
	return t.TokenBudget - t.TokenUsage
}

// BudgetRequestStatus is the resolution state of a budget request.
type BudgetRequestStatus string

const (
	BudgetRequestPending  BudgetRequestStatus = "pending"
	BudgetRequestApproved BudgetRequestStatus = "approved"
	BudgetRequestRejected BudgetRequestStatus = "rejected"
)

// BudgetRequest asks for more tokens on a single task.
type BudgetRequest struct {
	ID                 string              `json:"id"`
	TaskID             string              `json:"task_id"`
	RequestedBy        string              `json:"requested_by"`
	Reason             string              `json:"reason"`
	RequestedIncrement int64               `json:"requested_increment"`
	CurrentBudget      int64               `json:"current_budget"`
	CurrentUsage       int64               `json:"current_usage"`
	Status             BudgetRequestStatus `json:"status"`
	ApprovedIncrement  *int64              `json:"approved_increment,omitempty"`
	ResolutionNote     string              `json:"resolution_note,omitempty"`
	CreatedAt          int64               `json:"created_at"`
	ResolvedAt         int64               `json:"resolved_at,omitempty"`
}

// MutationStatus is the pipeline state of a mutation.
type MutationStatus string

const (
	MutationProposed         MutationStatus = "proposed"
	MutationValidated        MutationStatus = "validated"
	MutationValidatedNoTests MutationStatus = "validated_no_tests"
	MutationApplied          MutationStatus = "applied"
	MutationRejected         MutationStatus = "rejected"
)

// Terminal reports whether the status is absorbing.
func (s MutationStatus) Terminal() bool {
	return s == MutationApplied || s == MutationRejected
}

// ParseMutationStatus validates a raw status string.
func ParseMutationStatus(s string) (MutationStatus, error) {
	switch st := MutationStatus(s); st {
	case MutationProposed, MutationValidated, MutationValidatedNoTests, MutationApplied, MutationRejected:
		return st, nil
	}
	return "", NewEngineError(ErrInvalidInput.Code, fmt.Sprintf("unknown mutation status %q", s))
}

// Mutation is a proposed file-level change awaiting validation and apply.
type Mutation struct {
	ID                string         `json:"id"`
	TaskID            string         `json:"task_id"`
	AgentUID          string         `json:"agent_uid"`
	FilePath          string         `json:"file_path"`
	DiffContent       string         `json:"diff_content"`
	IntentDescription string         `json:"intent_description"`
	IntentHash        string         `json:"intent_hash"`
	Confidence        float64        `json:"confidence"`
	Status            MutationStatus `json:"status"`
	TestResult        *string        `json:"test_result,omitempty"`
	TestExitCode      *int           `json:"test_exit_code,omitempty"`
	RejectionReason   *string        `json:"rejection_reason,omitempty"`
	RejectedAtStep    *string        `json:"rejected_at_step,omitempty"`
	ProposedAt        int64          `json:"proposed_at"`
	AppliedAt         *int64         `json:"applied_at,omitempty"`
}

// DiffProposal is a single file change produced by an execution.
type DiffProposal struct {
	AgentUID          string  `json:"agent_uid"`
	FilePath          string  `json:"file_path"`
	DiffContent       string  `json:"diff_content"`
	IntentDescription string  `json:"intent_description"`
	Confidence        float64 `json:"confidence"`
	MutationID        string  `json:"mutation_id,omitempty"`
}

// ConflictReport describes two divergent proposals over overlapping scope.
type ConflictReport struct {
	TaskID              string  `json:"task_id"`
	FilePath            string  `json:"file_path"`
	AgentA              string  `json:"agent_a"`
	AgentB              string  `json:"agent_b"`
	MutationA           string  `json:"mutation_a,omitempty"`
	MutationB           string  `json:"mutation_b,omitempty"`
	SemanticDistance    float64 `json:"semantic_distance"`
	Description         string  `json:"description"`
	RequiresHumanReview bool    `json:"requires_human_review"`
}

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// PipelineStepResult is one entry in a pipeline run trace.
type PipelineStepResult struct {
	Step    string     `json:"step"`
	Status  StepStatus `json:"status"`
	Details string     `json:"details"`
}

// AuditLogEntry is one append-only activity record.
type AuditLogEntry struct {
	ID        int64  `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	TaskID    string `json:"task_id,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Details   string `json:"details"`
}

// IntentSummary is what an execution run returns.
type IntentSummary struct {
	Proposals       []DiffProposal   `json:"proposals"`
	ComplianceScore float64          `json:"compliance_score"`
	TokensSpent     int64            `json:"tokens_spent"`
	Conflicts       []ConflictReport `json:"conflicts,omitempty"`
}

// UsageRecord logs one token usage increment.
type UsageRecord struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	Tokens    int64  `json:"tokens"`
	Source    string `json:"source"`
	CreatedAt int64  `json:"created_at"`
}

// Objective records the one-time budget split made at orchestration time.
type Objective struct {
	ID                string `json:"id"`
	RootTaskID        string `json:"root_task_id"`
	Description       string `json:"description"`
	GlobalTokenBudget int64  `json:"global_token_budget"`
	OverheadBudget    int64  `json:"overhead_budget"`
	DistributedBudget int64  `json:"distributed_budget"`
	ReserveBudget     int64  `json:"reserve_budget"`
	CreatedAt         int64  `json:"created_at"`
}
