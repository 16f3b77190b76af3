package ipc

import (
	"net/http"

	"github.com/Rogers-F/tierforge/internal/budget"
	"github.com/Rogers-F/tierforge/internal/domain"
)

// UsageRequest is the body for POST /api/v1/tasks/{taskID}/usage.
type UsageRequest struct {
	Tokens int64  `json:"tokens"`
	Source string `json:"source,omitempty"`
}

// BudgetIncreaseRequest is the body for POST /api/v1/tasks/{taskID}/budget-requests.
type BudgetIncreaseRequest struct {
	RequestedBy        string `json:"requested_by"`
	Reason             string `json:"reason"`
	RequestedIncrement int64  `json:"requested_increment"`
	AutoApprove        bool   `json:"auto_approve"`
	EstimatedStageCost int64  `json:"estimated_stage_cost,omitempty"`
}

// ResolveBudgetRequest is the body for POST /api/v1/budget-requests/{requestID}/resolve.
type ResolveBudgetRequest struct {
	Decision          string `json:"decision"`
	ApprovedIncrement *int64 `json:"approved_increment,omitempty"`
	ResumeTask        bool   `json:"resume_task"`
	Note              string `json:"note,omitempty"`
	Actor             string `json:"actor,omitempty"`
}

// ReportUsage handles POST /api/v1/tasks/{taskID}/usage.
func (h *Handler) ReportUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Budget.ReportUsage(r.Context(), budget.UsageInput{
		TaskID: r.PathValue("taskID"),
		Tokens: req.Tokens,
		Source: req.Source,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RequestBudgetIncrease handles POST /api/v1/tasks/{taskID}/budget-requests.
func (h *Handler) RequestBudgetIncrease(w http.ResponseWriter, r *http.Request) {
	var req BudgetIncreaseRequest
	if !decode(w, r, &req) {
		return
	}
	br, err := h.Budget.RequestIncrease(r.Context(), budget.IncreaseInput{
		TaskID:      r.PathValue("taskID"),
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
		Increment:   req.RequestedIncrement,
		AutoApprove: req.AutoApprove,
		StageCost:   req.EstimatedStageCost,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, br)
}

// ListBudgetRequests handles GET /api/v1/tasks/{taskID}/budget-requests?status=S.
func (h *Handler) ListBudgetRequests(w http.ResponseWriter, r *http.Request) {
	status := domain.BudgetRequestStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.BudgetRequestPending, domain.BudgetRequestApproved, domain.BudgetRequestRejected:
	default:
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrInvalidInput.Code, Message: "unknown budget request status"})
		return
	}
	reqs, err := h.Budget.List(r.Context(), r.PathValue("taskID"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []domain.BudgetRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// ResolveBudget handles POST /api/v1/budget-requests/{requestID}/resolve.
func (h *Handler) ResolveBudget(w http.ResponseWriter, r *http.Request) {
	var req ResolveBudgetRequest
	if !decode(w, r, &req) {
		return
	}
	br, err := h.Budget.Resolve(r.Context(), budget.ResolveInput{
		RequestID:         r.PathValue("requestID"),
		Decision:          budget.Decision(req.Decision),
		ApprovedIncrement: req.ApprovedIncrement,
		ResumeTask:        req.ResumeTask,
		Note:              req.Note,
		Actor:             req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, br)
}
