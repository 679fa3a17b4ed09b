// Package model defines the core data types shared across the optforge solve platform.
package model

import (
	"encoding/json"
	"errors"
	"time"
)

// RunStatus represents the lifecycle state of a solve run.
type RunStatus string

const (
	// RunStatusPending indicates a run is queued and waiting for a worker.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates a worker holds the run's lease and is solving.
	RunStatusRunning RunStatus = "running"
	// RunStatusSucceeded indicates the solve produced a usable solution.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed indicates the solve finished without a usable solution.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the run was canceled before completing.
	RunStatusCanceled RunStatus = "canceled"
)

// ErrNoRunsAvailable is returned when no pending runs are ready for reservation.
var ErrNoRunsAvailable = errors.New("no runs available")

// Valid returns true if the RunStatus is one of the five lifecycle states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal returns true for states that admit no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// Run is one persisted solve attempt. Result fields stay unset until the
// dispatcher commits a terminal transition; a run that reached a terminal
// state is never mutated again (re-solving creates a new run).
type Run struct {
	ID              string              `json:"id"                         db:"id"`
	Status          RunStatus           `json:"status"                     db:"status"`
	Solver          string              `json:"solver,omitempty"           db:"solver"`
	Model           json.RawMessage     `json:"model"                      db:"model"`
	Parameters      json.RawMessage     `json:"parameters"                 db:"parameters"`
	ObjectiveValue  *float64            `json:"objective_value,omitempty"  db:"objective_value"`
	Gap             *float64            `json:"gap,omitempty"              db:"gap"`
	BestBound       *float64            `json:"best_bound,omitempty"       db:"best_bound"`
	ResultVariables map[string]*float64 `json:"result_variables,omitempty" db:"result_variables"`
	SolverLogs      *string             `json:"solver_logs,omitempty"      db:"solver_logs"`
	LastError       *string             `json:"last_error,omitempty"       db:"last_error"`
	CancelRequested bool                `json:"cancel_requested"           db:"cancel_requested"`
	RetryCount      int                 `json:"retry_count"                db:"retry_count"`
	MaxRetries      int                 `json:"max_retries"                db:"max_retries"`
	ScheduledAt     time.Time           `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"       db:"started_at"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"      db:"finished_at"`
	LeaseExpiresAt  *time.Time          `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt       time.Time           `json:"created_at"                 db:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"                 db:"updated_at"`
}

// SubmitRunRequest is the boundary payload for creating a run.
type SubmitRunRequest struct {
	Model      *ModelDescriptor `json:"model"`
	Solver     string           `json:"solver,omitempty"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	MaxRetries int              `json:"max_retries,omitempty"`
}

// Validate rejects submissions that could never produce a run. Anything the
// dispatcher can report as a failed run is deliberately allowed through.
func (r *SubmitRunRequest) Validate() error {
	if r == nil {
		return errors.New("submit run request is required")
	}
	if r.Model == nil {
		return errors.New("model is required")
	}
	if err := r.Model.Validate(); err != nil {
		return err
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// RunStats counts runs per lifecycle state.
type RunStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// RunStatusResponse is the compact status view returned to pollers.
type RunStatusResponse struct {
	Status         RunStatus  `json:"status"`
	Solver         string     `json:"solver,omitempty"`
	ObjectiveValue *float64   `json:"objective_value,omitempty"`
	Gap            *float64   `json:"gap,omitempty"`
	BestBound      *float64   `json:"best_bound,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
}
