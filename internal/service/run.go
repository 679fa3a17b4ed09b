package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/optforge/optforge/internal/core"
	"github.com/optforge/optforge/internal/data"
	"github.com/optforge/optforge/internal/domain/model"
	domainrun "github.com/optforge/optforge/internal/domain/run"
	"github.com/optforge/optforge/internal/observability/metrics"
	"github.com/optforge/optforge/internal/observability/statsd"
)

// RunServiceOptions groups dependencies for RunService.
type RunServiceOptions struct {
	Repo            core.RunRepository        // Required: run repository
	DefaultLease    time.Duration             // Required: default lease duration for reserved runs
	Logger          *slog.Logger              // Optional: structured logger
	Cache           *data.RunCache            // Optional: terminal run snapshot cache
	Metrics         statsd.Sink               // Optional: metrics sink (StatsD-compatible)
	LeasePolicy     *domainrun.LeasePolicy    // Optional: override default lease policy
	Notifier        domainrun.Notifier        // Optional: custom run availability notifier
	NotifierOptions domainrun.NotifierOptions // Optional: configure default notifier behaviour
}

// RunService provides business logic for solve-run operations including
// pub/sub notifications.
//
// This service manages:
// - Run submission and status retrieval
// - Run reservation and lease management
// - The run lifecycle state machine (complete, fail, cancel)
// - Pub/sub notification system for run availability
// - Goroutine management for background listeners
// - Graceful shutdown of all listeners.
type RunService struct {
	repo        core.RunRepository
	leasePolicy *domainrun.LeasePolicy
	notifier    domainrun.Notifier
	cache       *data.RunCache
	metrics     statsd.Sink
	logger      *slog.Logger
}

// NewRunService constructs a new RunService.
func NewRunService(opts RunServiceOptions) (*RunService, error) {
	if opts.Repo == nil {
		return nil, errors.New("RunRepository is required")
	}

	var leasePolicy *domainrun.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainrun.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainrun.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create run notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "run_service")
		logger.Debug("RunService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &RunService{
		repo:        opts.Repo,
		leasePolicy: leasePolicy,
		notifier:    notifier,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		logger:      logger,
	}, nil
}

// MustNewRunService constructs a new RunService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewRunService(opts RunServiceOptions) *RunService {
	svc, err := NewRunService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create RunService: %v", err))
	}
	return svc
}

// Submit creates a new pending run from the given request.
func (s *RunService) Submit(ctx context.Context, req *model.SubmitRunRequest) (*model.Run, error) {
	run, err := s.repo.Create(ctx, req)
	if err != nil {
		s.emitTransition("submit", req.Solver, metrics.ResultError, 0, err)
		return nil, fmt.Errorf("submit run: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(
			ctx,
			"run submitted",
			"id",
			run.ID,
			"solver",
			run.Solver,
			"status",
			run.Status,
		)
	}

	s.emitTransition("submit", run.Solver, metrics.ResultSuccess, 0, nil)

	return run, nil
}

// ReserveNext reserves the next available pending run for processing.
func (s *RunService) ReserveNext(ctx context.Context, lease time.Duration) (*model.Run, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested)
	}

	run, err := s.repo.ReserveNext(ctx, decision.Seconds)
	if err != nil {
		if errors.Is(err, model.ErrNoRunsAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve next run: %w", err)
	}

	if s.logger != nil && run != nil {
		s.logger.DebugContext(
			ctx,
			"run reserved",
			"id",
			run.ID,
			"solver",
			run.Solver,
			"lease_seconds",
			decision.Seconds,
		)
	}

	return run, nil
}

// Subscribe creates a subscription for run availability notifications.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *RunService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// WaitForNotification waits for a notification indicating new runs are available.
func (s *RunService) WaitForNotification(ctx context.Context) error {
	return s.repo.WaitForNotification(ctx)
}

// Heartbeat extends the lease on a run to indicate it's still being solved.
func (s *RunService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"run_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat run %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "run heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}

	return updated, nil
}

// SetSolver records the solver selected for a running run. The selection is
// only persisted while the run holds a lease, so a lost run re-resolves on
// its next attempt.
func (s *RunService) SetSolver(ctx context.Context, id, solver string) error {
	if err := s.repo.SetSolver(ctx, id, solver); err != nil {
		return fmt.Errorf("set solver for run %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "run solver recorded", "id", id, "solver", solver)
	}

	return nil
}

// Complete marks a run as succeeded with the given solution fields.
func (s *RunService) Complete(
	ctx context.Context,
	id string,
	params core.CompleteRunParams,
) (bool, error) {
	completed, err := s.repo.Complete(ctx, id, params)
	if err != nil {
		s.emitTransition("complete", "", metrics.ResultError, 0, err)
		return false, fmt.Errorf("complete run %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "run completed", "id", id)
	}

	if completed {
		run := s.cacheTerminalSnapshot(ctx, id)
		s.emitTransition("complete", solverOf(run), metrics.ResultSuccess, solveDuration(run), nil)
	} else {
		s.emitTransition("complete", "", metrics.ResultNoop, 0, nil)
	}

	return completed, nil
}

// Fail marks a run as failed with the given error message. When params.Retry
// is set and the run has attempts left, it is re-queued instead.
func (s *RunService) Fail(
	ctx context.Context,
	id, errMsg string,
	params core.FailRunParams,
) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}

	failed, err := s.repo.Fail(ctx, id, errMsg, params)
	if err != nil {
		s.emitTransition("fail", "", metrics.ResultError, 0, err)
		return false, fmt.Errorf("fail run %s: %w", id, err)
	}

	if s.logger != nil && failed {
		s.logger.DebugContext(ctx, "run failed", "id", id, "error", errMsg, "retry", params.Retry)
	}

	if failed {
		// Only terminal snapshots land in the cache; a re-queued run is
		// skipped by RunCache.Set.
		run := s.cacheTerminalSnapshot(ctx, id)
		s.emitTransition("fail", solverOf(run), metrics.ResultSuccess, 0, nil)
	} else {
		s.emitTransition("fail", "", metrics.ResultNoop, 0, nil)
	}

	return failed, nil
}

// Cancel requests cancellation of a run. Pending runs transition straight to
// canceled; running runs have their cancel flag set for the worker to honour;
// terminal runs are left untouched.
func (s *RunService) Cancel(ctx context.Context, id string) (core.CancelOutcome, error) {
	outcome, err := s.repo.Cancel(ctx, id)
	if err != nil {
		s.emitTransition("cancel", "", metrics.ResultError, 0, err)
		return core.CancelOutcome{}, fmt.Errorf("cancel run %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "run cancel processed",
			"id", id,
			"canceled", outcome.Canceled,
			"requested", outcome.Requested,
			"already_terminal", outcome.Terminal,
		)
	}

	switch {
	case outcome.Canceled:
		run := s.cacheTerminalSnapshot(ctx, id)
		s.emitTransition("cancel", solverOf(run), metrics.ResultSuccess, 0, nil)
	case outcome.Requested:
		s.emitTransition("cancel", "", metrics.ResultSuccess, 0, nil)
	default:
		s.emitTransition("cancel", "", metrics.ResultNoop, 0, nil)
	}

	return outcome, nil
}

// FinishCancel commits the terminal canceled status for a running run whose
// cancel flag the worker has observed.
func (s *RunService) FinishCancel(ctx context.Context, id string) (bool, error) {
	canceled, err := s.repo.FinishCancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("finish cancel for run %s: %w", id, err)
	}

	if s.logger != nil && canceled {
		s.logger.DebugContext(ctx, "run canceled", "id", id)
	}

	if canceled {
		run := s.cacheTerminalSnapshot(ctx, id)
		s.emitTransition("finish_cancel", solverOf(run), metrics.ResultSuccess, 0, nil)
	}

	return canceled, nil
}

// CancelRequested reports whether cancellation has been requested for a run.
// Workers poll this mid-solve to honour cancellation promptly.
func (s *RunService) CancelRequested(ctx context.Context, id string) (bool, error) {
	requested, err := s.repo.CancelRequested(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check cancel flag for run %s: %w", id, err)
	}
	return requested, nil
}

// Stats returns counts of runs in each lifecycle state.
func (s *RunService) Stats(ctx context.Context) (*model.RunStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get run stats: %w", err)
	}
	return stats, nil
}

// GetByID returns a run by its ID. Terminal runs are served from the snapshot
// cache when available.
func (s *RunService) GetByID(ctx context.Context, id string) (*model.Run, error) {
	if cached, err := s.cache.Get(ctx, id); err == nil && cached != nil {
		return cached, nil
	} else if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "run snapshot cache read failed", "id", id, "error", err)
	}

	run, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run by id %s: %w", id, err)
	}

	if run.Status.Terminal() {
		if err := s.cache.Set(ctx, run); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "run snapshot cache write failed", "id", id, "error", err)
		}
	}

	return run, nil
}

// GetStatus returns the status information for a specific run.
func (s *RunService) GetStatus(ctx context.Context, id string) (*model.RunStatusResponse, error) {
	run, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return &model.RunStatusResponse{
		Status:         run.Status,
		Solver:         run.Solver,
		ObjectiveValue: run.ObjectiveValue,
		Gap:            run.Gap,
		BestBound:      run.BestBound,
		FinishedAt:     run.FinishedAt,
		LastError:      run.LastError,
	}, nil
}

// StopAllListeners stops all active run notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *RunService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all run listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// cacheTerminalSnapshot refreshes the snapshot cache after a terminal
// transition. Cache failures are logged and swallowed; the database remains
// the source of truth. Returns the fetched run for metric tagging, which may
// be nil.
func (s *RunService) cacheTerminalSnapshot(ctx context.Context, id string) *model.Run {
	if s.cache == nil {
		return nil
	}

	run, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load run for snapshot cache", "id", id, "error", err)
		}
		return nil
	}

	if err := s.cache.Set(ctx, run); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "run snapshot cache write failed", "id", id, "error", err)
	}

	return run
}

func (s *RunService) emitTransition(
	transition, solver, result string,
	duration time.Duration,
	err error,
) {
	metrics.EmitRunLifecycle(s.metrics, metrics.RunMetric{
		Solver:     solver,
		Transition: transition,
		Result:     result,
		Duration:   duration,
		Err:        err,
	})
}

func solverOf(run *model.Run) string {
	if run == nil {
		return ""
	}
	return run.Solver
}

func solveDuration(run *model.Run) time.Duration {
	if run == nil || run.StartedAt == nil || run.FinishedAt == nil {
		return 0
	}
	d := run.FinishedAt.Sub(*run.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}
