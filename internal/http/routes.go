package httpx

import (
	"log/slog"
	"net/http"

	"github.com/optforge/optforge/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Runs   *service.RunService
	Logger *slog.Logger // Logger for HTTP errors (optional)
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	runHandlers := &RunHandlers{Svc: services.Runs}

	registerRunRoutes(mux, runHandlers)
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	return mux
}

func registerRunRoutes(mux *http.ServeMux, h *RunHandlers) {
	mux.HandleFunc("POST /api/runs", h.SubmitRun)
	mux.HandleFunc("GET /api/runs/reserve_next", h.ReserveNext)
	mux.HandleFunc("GET /api/runs/stats", h.Stats)
	mux.HandleFunc("GET /api/runs/{id}", h.GetRun)
	mux.HandleFunc("GET /api/runs/{id}/status", h.GetStatus)
	mux.HandleFunc("POST /api/runs/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/runs/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /api/runs/{id}/complete", h.Complete)
	mux.HandleFunc("POST /api/runs/{id}/fail", h.Fail)
}
