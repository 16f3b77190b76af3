// Package ipc provides the HTTP API for the tierforge control plane.
package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/audit"
	"github.com/Rogers-F/tierforge/internal/budget"
	"github.com/Rogers-F/tierforge/internal/conflict"
	"github.com/Rogers-F/tierforge/internal/control"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/execution"
	"github.com/Rogers-F/tierforge/internal/orchestrator"
	"github.com/Rogers-F/tierforge/internal/pipeline"
	"github.com/Rogers-F/tierforge/internal/sandbox"
	"github.com/Rogers-F/tierforge/internal/taskstore"
	"github.com/Rogers-F/tierforge/internal/workflow"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Tasks        *taskstore.Service
	Orchestrator *orchestrator.Orchestrator
	Control      *control.Engine
	Executor     *execution.Executor
	Budget       *budget.Arbiter
	Pipeline     *pipeline.Pipeline
	Conflicts    *conflict.Resolver
	Audit        *audit.Recorder
	Content      *sandbox.Reader
	// Workspace is the content root used when no task is named.
	Workspace string
	Logger    zerolog.Logger
	// PollInterval is how often the audit stream checks for new entries.
	PollInterval time.Duration
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusRequest is the body for POST /api/v1/tasks/{taskID}/status.
type StatusRequest struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Actor        string `json:"actor,omitempty"`
}

// ControlRequest is the body for POST /api/v1/tasks/{taskID}/control.
type ControlRequest struct {
	Action             string `json:"action"`
	IncludeDescendants bool   `json:"include_descendants"`
	Reason             string `json:"reason,omitempty"`
	Actor              string `json:"actor,omitempty"`
}

// ScopeControlRequest is the body for POST /api/v1/tasks/{taskID}/scope-control.
type ScopeControlRequest struct {
	Action      string `json:"action"`
	Scope       string `json:"scope"`
	Tier        int    `json:"tier,omitempty"`
	AgentTaskID string `json:"agent_task_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// ActorRequest is the optional body of action endpoints without parameters.
type ActorRequest struct {
	Actor string `json:"actor,omitempty"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"runner_ready": h.Executor != nil && h.Executor.Dispatcher.Ready(),
	})
}

// CreateObjective handles POST /api/v1/objectives. The body is a plan in
// JSON, or in TOML/YAML when ?format= says so.
func (h *Handler) CreateObjective(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	plan, err := orchestrator.ParsePlan(data, format)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.Orchestrator.Apply(r.Context(), plan, r.URL.Query().Get("actor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskstore.CreateInput
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Tasks.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/{taskID}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Tasks.Get(r.Context(), r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListChildren handles GET /api/v1/tasks/{taskID}/children.
func (h *Handler) ListChildren(w http.ResponseWriter, r *http.Request) {
	children, err := h.Tasks.Children(r.Context(), r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if children == nil {
		children = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, children)
}

// UpdateStatus handles POST /api/v1/tasks/{taskID}/status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := domain.ParseTaskStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.Tasks.UpdateStatus(r.Context(), r.PathValue("taskID"), to, req.ErrorMessage, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ControlTask handles POST /api/v1/tasks/{taskID}/control.
func (h *Handler) ControlTask(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := workflow.ParseAction(req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Control.ControlTask(r.Context(), control.TaskInput{
		TaskID:             r.PathValue("taskID"),
		Action:             action,
		IncludeDescendants: req.IncludeDescendants,
		Reason:             req.Reason,
		Actor:              req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ScopeControl handles POST /api/v1/tasks/{taskID}/scope-control.
func (h *Handler) ScopeControl(w http.ResponseWriter, r *http.Request) {
	var req ScopeControlRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := workflow.ParseAction(req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	scope, err := control.ParseScope(req.Scope, req.Tier, req.AgentTaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Control.ControlScope(r.Context(), control.ScopeInput{
		RootID: r.PathValue("taskID"),
		Action: action,
		Scope:  scope,
		Reason: req.Reason,
		Actor:  req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExecuteTask handles POST /api/v1/tasks/{taskID}/execute. It blocks until
// the run finishes; runner failures are reported in the outcome.
func (h *Handler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	out, err := h.Executor.Execute(r.Context(), r.PathValue("taskID"), req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ListActivity handles GET /api/v1/tasks/{taskID}/activity?since_id=N&limit=N.
// Entries of every task in the subtree are included.
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	tree, err := h.Tasks.Subtree(r.Context(), r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	sinceID, limit := queryInt64(r, "since_id"), int(queryInt64(r, "limit"))
	entries, err := h.Audit.ForTasks(r.Context(), tree.Order, sinceID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListAudit handles GET /api/v1/audit?since_id=N&limit=N.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Audit.Since(r.Context(), queryInt64(r, "since_id"), int(queryInt64(r, "limit")))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetContent handles GET /api/v1/content?path=P&task_id=T. The root is the
// task's target project when task_id is given, else the workspace.
func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	root := h.Workspace
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		task, err := h.Tasks.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		root = task.TargetProject
	}
	if root == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "no content root configured"})
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	res, err := h.Content.Read(r.Context(), root, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return false
	}
	return true
}

func queryInt64(r *http.Request, key string) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, httpStatus(engErr), APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func httpStatus(e *domain.EngineError) int {
	switch e.Code {
	case domain.ErrTaskNotFound.Code, domain.ErrMutationNotFound.Code,
		domain.ErrBudgetRequestNotFound.Code, domain.ErrObjectiveNotFound.Code:
		return http.StatusNotFound
	case domain.ErrDuplicateTask.Code, domain.ErrOptimisticLock.Code, domain.ErrInvalidTransition.Code,
		domain.ErrBudgetRequestResolved.Code, domain.ErrMutationTerminal.Code, domain.ErrMutationBusy.Code,
		domain.ErrConflictPending.Code, domain.ErrExecutionBusy.Code:
		return http.StatusConflict
	case domain.ErrTierViolation.Code, domain.ErrScopeOutsideTree.Code, domain.ErrPlanInvalid.Code,
		domain.ErrNoProposals.Code, domain.ErrConfigInvalid.Code:
		return http.StatusBadRequest
	case domain.ErrRunnerNotReady.Code:
		return http.StatusServiceUnavailable
	}
	switch {
	case domain.IsSecurityViolation(e):
		return http.StatusForbidden
	case e.Code <= domain.ErrInvalidInput.Code && e.Code >= domain.ErrInvalidInput.Code-29:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
