package ipc

import (
	"net/http"

	"github.com/Rogers-F/tierforge/internal/conflict"
	"github.com/Rogers-F/tierforge/internal/domain"
	"github.com/Rogers-F/tierforge/internal/pipeline"
)

// PipelineRequest is the body for POST /api/v1/mutations/{mutationID}/pipeline.
type PipelineRequest struct {
	TargetProject string  `json:"target_project,omitempty"`
	Tier1Approved bool    `json:"tier1_approved"`
	CICommand     *string `json:"ci_command,omitempty"`
	Actor         string  `json:"actor,omitempty"`
}

// MutationStatusRequest is the body for POST /api/v1/mutations/{mutationID}/status.
type MutationStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// RevisionRequest is the body for POST /api/v1/mutations/{mutationID}/revision.
type RevisionRequest struct {
	Note  string `json:"note"`
	Actor string `json:"actor,omitempty"`
}

// ListMutations handles GET /api/v1/tasks/{taskID}/mutations.
func (h *Handler) ListMutations(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	if _, err := h.Tasks.Get(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	ms, err := h.Pipeline.List(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if ms == nil {
		ms = []domain.Mutation{}
	}
	writeJSON(w, http.StatusOK, ms)
}

// RunPipeline handles POST /api/v1/mutations/{mutationID}/pipeline.
func (h *Handler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	var req PipelineRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := h.Pipeline.Run(r.Context(), pipeline.RunInput{
		MutationID:    r.PathValue("mutationID"),
		TargetProject: req.TargetProject,
		Tier1Approved: req.Tier1Approved,
		CICommand:     req.CICommand,
		Actor:         req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetMutationStatus handles POST /api/v1/mutations/{mutationID}/status.
func (h *Handler) SetMutationStatus(w http.ResponseWriter, r *http.Request) {
	var req MutationStatusRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := domain.ParseMutationStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := h.Pipeline.SetStatus(r.Context(), r.PathValue("mutationID"), to, req.Reason, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// RequestRevision handles POST /api/v1/mutations/{mutationID}/revision.
func (h *Handler) RequestRevision(w http.ResponseWriter, r *http.Request) {
	var req RevisionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Pipeline.RequestRevision(r.Context(), r.PathValue("mutationID"), req.Note, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListConflicts handles GET /api/v1/tasks/{taskID}/conflicts.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	if _, err := h.Tasks.Get(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	reports, err := h.Conflicts.DetectForTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// ResolveConflict handles POST /api/v1/conflicts/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req conflict.ResolveInput
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Conflicts.Resolve(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
