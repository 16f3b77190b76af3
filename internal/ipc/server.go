package ipc

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rogers-F/tierforge/internal/observability"
)

// Server wraps an HTTP server with control-plane routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string, logger zerolog.Logger) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Routes(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: srv}
}

// Routes builds the full handler chain: CORS, request logging, then the mux.
func Routes(h *Handler, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Objectives and tasks.
	mux.HandleFunc("POST /api/v1/objectives", h.CreateObjective)
	mux.HandleFunc("POST /api/v1/tasks", h.CreateTask)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}", h.GetTask)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/children", h.ListChildren)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/status", h.UpdateStatus)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/execute", h.ExecuteTask)

	// Control.
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/control", h.ControlTask)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/scope-control", h.ScopeControl)

	// Budget.
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/usage", h.ReportUsage)
	mux.HandleFunc("POST /api/v1/tasks/{taskID}/budget-requests", h.RequestBudgetIncrease)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/budget-requests", h.ListBudgetRequests)
	mux.HandleFunc("POST /api/v1/budget-requests/{requestID}/resolve", h.ResolveBudget)

	// Mutations and conflicts.
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/mutations", h.ListMutations)
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/v1/conflicts/resolve", h.ResolveConflict)
	mux.HandleFunc("POST /api/v1/mutations/{mutationID}/pipeline", h.RunPipeline)
	mux.HandleFunc("POST /api/v1/mutations/{mutationID}/status", h.SetMutationStatus)
	mux.HandleFunc("POST /api/v1/mutations/{mutationID}/revision", h.RequestRevision)

	// Audit and content.
	mux.HandleFunc("GET /api/v1/tasks/{taskID}/activity", h.ListActivity)
	mux.HandleFunc("GET /api/v1/audit", h.ListAudit)
	mux.HandleFunc("GET /api/v1/audit/stream", h.StreamAudit)
	mux.HandleFunc("GET /api/v1/content", h.GetContent)

	return corsMiddleware(observability.RequestLogger(logger, mux))
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local desktop app access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
