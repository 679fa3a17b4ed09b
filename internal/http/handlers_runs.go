// Package httpx provides HTTP handlers and utilities for the optforge solve API.
package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/optforge/optforge/internal/core"
	"github.com/optforge/optforge/internal/data"
	"github.com/optforge/optforge/internal/domain/model"
	apperrors "github.com/optforge/optforge/internal/errors"
	"github.com/optforge/optforge/internal/service"
)

// RunHandlers provides HTTP handlers for solve-run operations.
type RunHandlers struct {
	Svc *service.RunService
}

// SubmitRun handles HTTP requests to submit a new solve run.
func (h *RunHandlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRunRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	run, err := h.Svc.Submit(r.Context(), &req)
	if err != nil {
		switch {
		case apperrors.IsValidation(err):
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: err})
		case apperrors.IsConflict(err):
			WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "conflict", Err: err})
		default:
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "submit_failed", Err: err})
		}
		return
	}

	WriteJSON(w, http.StatusOK, run)
}

const (
	defaultLeaseSeconds = 30
)

// ReserveNext handles HTTP requests from workers to reserve the next pending run.
// A wait query parameter turns the request into a long poll: the handler holds
// the connection open until a run arrives or the wait window elapses.
func (h *RunHandlers) ReserveNext(w http.ResponseWriter, r *http.Request) {
	lease := parseIntQuery(r, "lease", defaultLeaseSeconds)
	wait := parseIntQuery(r, "wait", 0)

	// First attempt
	if run, err := h.tryReserveRun(r.Context(), lease); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "reserve_failed", Err: err})
		return
	} else if run != nil {
		WriteJSON(w, http.StatusOK, run)
		return
	}

	if wait <= 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.handleLongPoll(w, r, longPollParams{
		lease: lease,
		wait:  wait,
	})
}

func (h *RunHandlers) tryReserveRun(ctx context.Context, lease int) (*model.Run, error) {
	run, err := h.Svc.ReserveNext(ctx, time.Duration(lease)*time.Second)
	if err != nil && !errors.Is(err, model.ErrNoRunsAvailable) {
		return nil, err
	}
	return run, nil
}

type longPollParams struct {
	lease int
	wait  int
}

func (h *RunHandlers) handleLongPoll(w http.ResponseWriter, r *http.Request, params longPollParams) {
	dur := time.Duration(params.wait) * time.Second
	if dur <= 0 {
		dur = time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), dur)
	defer cancel()

	unsub, ch := h.Svc.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			w.WriteHeader(http.StatusNoContent)
			return
		case <-ch:
			if run, err := h.tryReserveRun(ctx, params.lease); err != nil {
				WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "reserve_failed", Err: err})
				return
			} else if run != nil {
				WriteJSON(w, http.StatusOK, run)
				return
			}
			// No run yet; keep waiting until ctx timeout to handle missed/duplicate signals.
		}
	}
}

// Heartbeat handles HTTP requests to extend a run lease.
func (h *RunHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")},
		)
		return
	}
	extend := parseIntQuery(r, "extend", defaultLeaseSeconds)

	success, err := h.Svc.Heartbeat(r.Context(), runID, time.Duration(extend)*time.Second)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "heartbeat_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": success})
}

// Complete handles HTTP requests to commit a succeeded solve with its solution fields.
func (h *RunHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")},
		)
		return
	}

	var body struct {
		ObjectiveValue  *float64            `json:"objective_value"`
		Gap             *float64            `json:"gap"`
		BestBound       *float64            `json:"best_bound"`
		ResultVariables map[string]*float64 `json:"result_variables"`
		SolverLogs      *string             `json:"solver_logs"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}

	success, err := h.Svc.Complete(r.Context(), runID, core.CompleteRunParams{
		ObjectiveValue:  body.ObjectiveValue,
		Gap:             body.Gap,
		BestBound:       body.BestBound,
		ResultVariables: body.ResultVariables,
		SolverLogs:      body.SolverLogs,
	})
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "complete_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": success})
}

// Fail handles HTTP requests to mark a run as failed with an error message.
func (h *RunHandlers) Fail(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")},
		)
		return
	}

	var body struct {
		Error      string `json:"error"`
		Retry      bool   `json:"retry"`
		RetryDelay int    `json:"retry_delay_seconds"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}

	success, err := h.Svc.Fail(r.Context(), runID, body.Error, core.FailRunParams{
		Retry:      body.Retry,
		RetryDelay: time.Duration(body.RetryDelay) * time.Second,
	})
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "fail_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": success})
}

// Cancel handles HTTP requests to cancel a run. The response reports which
// branch of the cancel state machine fired so callers can distinguish an
// immediate cancel from a requested one.
func (h *RunHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")},
		)
		return
	}

	outcome, err := h.Svc.Cancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, data.ErrRunNotFound) {
			WriteError(
				w,
				ErrorParams{Code: http.StatusNotFound, ErrCode: "run_not_found", Err: errors.New("run not found")},
			)
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "cancel_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{
		"canceled":         outcome.Canceled,
		"cancel_requested": outcome.Requested,
		"already_terminal": outcome.Terminal,
	})
}

// Stats handles HTTP requests to retrieve run counts per lifecycle state.
func (h *RunHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "stats_failed", Err: err})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetRun handles HTTP requests to retrieve a full run by id.
func (h *RunHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")},
		)
		return
	}

	run, err := h.Svc.GetByID(r.Context(), runID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// GetStatus handles HTTP requests to retrieve the compact status of a run.
func (h *RunHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteError(
			w,
			ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("run id is required")},
		)
		return
	}

	status, err := h.Svc.GetStatus(r.Context(), runID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (h *RunHandlers) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, data.ErrRunNotFound) {
		WriteError(
			w,
			ErrorParams{Code: http.StatusNotFound, ErrCode: "run_not_found", Err: errors.New("run not found")},
		)
		return
	}
	WriteError(
		w,
		ErrorParams{Code: http.StatusInternalServerError, ErrCode: "get_run_failed", Err: errors.New("failed to get run")},
	)
}
