// Package data implements the Postgres and Redis repositories behind the
// core interfaces.
package data

import (
	"database/sql"
	"errors"
	"log/slog"
)

var (
	// ErrRunNotFound is returned when a run is not found.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotCancelable is returned when a cancel request targets a run
	// that is already terminal.
	ErrRunNotCancelable = errors.New("run is already in a terminal state")
)

// RepoConfig holds configuration options for the run repository.
type RepoConfig struct {
	RetryDelaySeconds int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// RunRepo provides database operations for solve-run management.
type RunRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewRunRepo creates a new RunRepo instance with the given database connection and configuration.
func NewRunRepo(db *sql.DB, cfg RepoConfig) *RunRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &RunRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const runColumns = `
  id,
  status,
  solver,
  model,
  parameters,
  objective_value,
  gap,
  best_bound,
  result_variables,
  solver_logs,
  last_error,
  cancel_requested,
  retry_count,
  max_retries,
  scheduled_at,
  started_at,
  finished_at,
  lease_expires_at,
  created_at,
  updated_at
`
