// Package core provides the service-layer contracts for the optforge solve platform.
package core

import (
	"context"
	"time"

	"github.com/optforge/optforge/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// CompleteRunParams groups the solution fields committed on a successful solve.
type CompleteRunParams struct {
	ObjectiveValue  *float64
	Gap             *float64
	BestBound       *float64
	ResultVariables map[string]*float64
	SolverLogs      *string
}

// FailRunParams controls the fail transition. Retry re-queues the run after
// RetryDelay unless retry_count has reached max_retries; otherwise the
// failure commits immediately.
type FailRunParams struct {
	Retry      bool
	RetryDelay time.Duration
	SolverLogs *string
}

// CancelOutcome reports which branch of the cancel state machine fired.
type CancelOutcome struct {
	// Canceled: a pending run moved straight to canceled.
	Canceled bool
	// Requested: a running run had its cancel flag set; the worker holding
	// the lease observes the flag and commits the terminal transition.
	Requested bool
	// Terminal: the run was already in a terminal state, nothing changed.
	Terminal bool
}

// RunRepository defines the interface for solve-run data operations.
type RunRepository interface {
	Create(ctx context.Context, req *model.SubmitRunRequest) (*model.Run, error)
	GetByID(ctx context.Context, id string) (*model.Run, error)
	ReserveNext(ctx context.Context, leaseSeconds int) (*model.Run, error)
	WaitForNotification(ctx context.Context) error
	Heartbeat(ctx context.Context, runID string, leaseSeconds int) (bool, error)
	SetSolver(ctx context.Context, runID, solver string) error
	Complete(ctx context.Context, id string, params CompleteRunParams) (bool, error)
	Fail(ctx context.Context, id, errMsg string, params FailRunParams) (bool, error)
	Cancel(ctx context.Context, id string) (CancelOutcome, error)
	FinishCancel(ctx context.Context, id string) (bool, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (*model.RunStats, error)
}

// DeleteOldRunsParams groups parameters for DeleteOldRuns to keep param count ≤3.
type DeleteOldRunsParams struct {
	Status    model.RunStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for run cleanup operations.
type ReaperRepository interface {
	// FailStalePendingRuns marks pending runs older than maxAge as failed.
	// Processes up to batchSize runs per call to prevent long locks.
	// Returns the number of runs marked as failed.
	FailStalePendingRuns(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldRuns deletes runs in the given terminal status older than maxAge.
	// Processes up to batchSize runs per call to prevent long locks.
	// Returns the number of runs deleted.
	DeleteOldRuns(ctx context.Context, params DeleteOldRunsParams) (int64, error)
}
