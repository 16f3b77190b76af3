package ipc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Rogers-F/tierforge/internal/domain"
)

const defaultPollInterval = 2 * time.Second

// StreamAudit handles GET /api/v1/audit/stream?since_id=N (SSE). It replays
// entries after since_id, then polls for new ones until the client leaves.
func (h *Handler) StreamAudit(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	lastID := queryInt64(r, "since_id")
	send := func() bool {
		entries, err := h.Audit.Since(ctx, lastID, 0)
		if err != nil {
			if ctx.Err() == nil {
				writeSSEError(w, flusher, err)
			}
			return false
		}
		for _, e := range entries {
			writeSSEEntry(w, flusher, e)
			lastID = e.ID
		}
		return true
	}
	if !send() {
		return
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func writeSSEEntry(w http.ResponseWriter, f http.Flusher, e domain.AuditLogEntry) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Action, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
