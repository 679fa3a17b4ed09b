// Package solverunner pulls pending runs off the queue and executes them
// against the selected solver engine.
package solverunner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/optforge/optforge/internal/core"
	"github.com/optforge/optforge/internal/data"
	"github.com/optforge/optforge/internal/domain/model"
	"github.com/optforge/optforge/internal/observability/statsd"
	"github.com/optforge/optforge/internal/service"
	"github.com/optforge/optforge/internal/solver"
)

// RunnerOptions configures the solve runner adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Run processing settings
	Lease              time.Duration // per-run lease duration; defaults to 30s
	Concurrency        int           // number of worker goroutines; defaults to 1
	RetryDelay         time.Duration // delay before a retried run becomes eligible again; defaults to 30s
	CancelPollInterval time.Duration // how often to poll the cancel flag mid-solve; defaults to 2s

	// Optional dependency injections (useful for tests/decoupling)
	RunsRepo core.RunRepository
	Registry *solver.Registry
	Cache    *data.RunCache
	Metrics  statsd.Sink
}

// Runner reserves runs and executes them with heartbeating and cancel polling.
type Runner struct {
	runs       *service.RunService
	registry   *solver.Registry
	logger     *slog.Logger
	lease      time.Duration
	retryDelay time.Duration
	cancelPoll time.Duration
	workers    int
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// NewRunner wires repositories/services and constructs a solve runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.RunsRepo == nil {
		return nil, errors.New("either DB or RunsRepo must be provided")
	}

	logger := resolveLogger(opts.Logger)

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	cancelPoll := opts.CancelPollInterval
	if cancelPoll <= 0 {
		cancelPoll = 2 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	runsRepo := opts.RunsRepo
	if runsRepo == nil {
		runsRepo = data.NewRunRepo(opts.DB, data.RepoConfig{
			RetryDelaySeconds: int(retryDelay / time.Second),
			Logger:            logger,
		})
	}

	registry := opts.Registry
	if registry == nil {
		registry = solver.NewRegistry()
	}

	runSvc, err := service.NewRunService(service.RunServiceOptions{
		Repo:         runsRepo,
		DefaultLease: lease,
		Logger:       logger,
		Cache:        opts.Cache,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create run service: %w", err)
	}

	return &Runner{
		runs:       runSvc,
		registry:   registry,
		logger:     logger,
		lease:      lease,
		retryDelay: retryDelay,
		cancelPoll: cancelPoll,
		workers:    workers,
	}, nil
}

// Run starts worker goroutines and processes runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting solve runner", "workers", r.workers, "lease", r.lease)

	unsub, ch := r.runs.Subscribe()
	defer unsub()
	defer r.runs.StopAllListeners()

	g, ctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			return r.workerLoop(ctx, ch)
		})
	}
	return g.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		run, err := r.runs.ReserveNext(ctx, r.lease)
		switch {
		case err == nil:
			if run != nil {
				r.processRun(ctx, run)
			}
		case errors.Is(err, model.ErrNoRunsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

// processRun executes one reserved run end to end: decode, select an engine,
// solve under heartbeat/cancel supervision, and commit the outcome.
func (r *Runner) processRun(ctx context.Context, run *model.Run) {
	logger := r.logger.With("run_id", run.ID)

	var desc model.ModelDescriptor
	if err := json.Unmarshal(run.Model, &desc); err != nil {
		r.failRun(ctx, run.ID, fmt.Sprintf("decode model: %v", err), core.FailRunParams{})
		return
	}

	var params solver.Params
	if len(run.Parameters) > 0 {
		if err := json.Unmarshal(run.Parameters, &params); err != nil {
			r.failRun(ctx, run.ID, fmt.Sprintf("decode parameters: %v", err), core.FailRunParams{})
			return
		}
	}

	selection := r.registry.Select(run.Solver, desc.Type)
	adapter := selection.Adapter
	logger.DebugContext(ctx, "solver selected",
		"solver", adapter.Name(),
		"source", selection.Source,
	)

	if err := r.runs.SetSolver(ctx, run.ID, adapter.Name()); err != nil {
		logger.WarnContext(ctx, "failed to record selected solver", "error", err)
	}

	solveCtx, cancelSolve := context.WithCancel(ctx)
	defer cancelSolve()
	if params.TimeLimitSec > 0 {
		var cancelDeadline context.CancelFunc
		limit := time.Duration(params.TimeLimitSec * float64(time.Second))
		solveCtx, cancelDeadline = context.WithTimeoutCause(solveCtx, limit, errTimeLimit)
		defer cancelDeadline()
	}

	monitor := r.superviseSolve(ctx, solveCtx, cancelSolve, run.ID)
	result, solveErr := adapter.Solve(solveCtx, &desc, params)
	monitor.stop()

	r.commitOutcome(ctx, commitInput{
		run:      run,
		monitor:  monitor,
		solveCtx: solveCtx,
		result:   result,
		solveErr: solveErr,
	})
}

// errTimeLimit distinguishes the run's own time limit from other deadline
// sources when classifying the solve error.
var errTimeLimit = errors.New("time limit exceeded")

// solveMonitor heartbeats the run's lease and polls the cancel flag while the
// engine works, cancelling the solve context when either demands it.
type solveMonitor struct {
	cancelRequested atomic.Bool
	leaseLost       atomic.Bool
	stopCh          chan struct{}
	doneCh          chan struct{}
}

func (m *solveMonitor) stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (r *Runner) superviseSolve(
	ctx, solveCtx context.Context,
	cancelSolve context.CancelFunc,
	runID string,
) *solveMonitor {
	m := &solveMonitor{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	heartbeatEvery := r.lease / 3
	if heartbeatEvery < time.Second {
		heartbeatEvery = time.Second
	}

	go func() {
		defer close(m.doneCh)

		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()
		poll := time.NewTicker(r.cancelPoll)
		defer poll.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-solveCtx.Done():
				return
			case <-heartbeat.C:
				ok, err := r.runs.Heartbeat(ctx, runID, r.lease)
				if err != nil {
					r.logger.WarnContext(ctx, "run heartbeat failed", "run_id", runID, "error", err)
					continue
				}
				if !ok {
					// The lease expired and the run was requeued or finished
					// elsewhere. Stop solving; any result would be stale.
					m.leaseLost.Store(true)
					cancelSolve()
					return
				}
			case <-poll.C:
				requested, err := r.runs.CancelRequested(ctx, runID)
				if err != nil {
					r.logger.WarnContext(ctx, "cancel flag check failed", "run_id", runID, "error", err)
					continue
				}
				if requested {
					m.cancelRequested.Store(true)
					cancelSolve()
					return
				}
			}
		}
	}()

	return m
}

type commitInput struct {
	run      *model.Run
	monitor  *solveMonitor
	solveCtx context.Context
	result   *solver.Result
	solveErr error
}

// commitOutcome maps the solve result onto exactly one lifecycle transition.
// Cancellation and lease loss take precedence over whatever the engine
// returned.
func (r *Runner) commitOutcome(ctx context.Context, in commitInput) {
	logger := r.logger.With("run_id", in.run.ID)

	switch {
	case in.monitor.cancelRequested.Load():
		canceled, err := r.runs.FinishCancel(ctx, in.run.ID)
		if err != nil {
			logger.ErrorContext(ctx, "finish cancel error", "error", err)
		} else if canceled {
			logger.InfoContext(ctx, "run canceled mid-solve")
		}
		return

	case in.monitor.leaseLost.Load():
		// Another worker may already own this run; committing anything here
		// could clobber its transition.
		logger.WarnContext(ctx, "run lease lost mid-solve, abandoning result")
		return

	case in.solveErr != nil:
		r.commitSolveError(ctx, in)
		return

	case in.result == nil:
		r.failRun(ctx, in.run.ID, "solver returned no result", core.FailRunParams{
			Retry:      true,
			RetryDelay: r.retryDelay,
		})
		return
	}

	r.commitResult(ctx, in.run.ID, in.result)
}

func (r *Runner) commitSolveError(ctx context.Context, in commitInput) {
	logger := r.logger.With("run_id", in.run.ID)
	solveErr := in.solveErr

	var unavailable *solver.EngineUnavailableError
	var invalid *solver.InvalidModelError

	switch {
	case errors.As(solveErr, &unavailable), errors.As(solveErr, &invalid):
		r.failRun(ctx, in.run.ID, solveErr.Error(), core.FailRunParams{})

	case errors.Is(context.Cause(in.solveCtx), errTimeLimit):
		r.failRun(ctx, in.run.ID, errTimeLimit.Error(), core.FailRunParams{})

	case errors.Is(solveErr, context.Canceled):
		// Worker shutdown: leave the run leased. Lost-worker requeue returns
		// it to the queue once the lease expires.
		logger.InfoContext(ctx, "solve interrupted by shutdown, leaving run for requeue")

	default:
		r.failRun(ctx, in.run.ID, solveErr.Error(), core.FailRunParams{
			Retry:      true,
			RetryDelay: r.retryDelay,
		})
	}
}

func (r *Runner) commitResult(ctx context.Context, runID string, result *solver.Result) {
	logs := solverLogsPtr(result.Logs)

	switch {
	case result.Status.Usable():
		completed, err := r.runs.Complete(ctx, runID, core.CompleteRunParams{
			ObjectiveValue:  result.ObjectiveValue,
			Gap:             result.Gap,
			BestBound:       result.BestBound,
			ResultVariables: result.Variables,
			SolverLogs:      logs,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "complete run error", "run_id", runID, "error", err)
		} else if !completed {
			r.logger.WarnContext(ctx, "run no longer running, result discarded", "run_id", runID)
		}

	case result.Status == solver.StatusInfeasible:
		r.failRun(ctx, runID, "model is infeasible", core.FailRunParams{SolverLogs: logs})

	case result.Status == solver.StatusUnbounded:
		r.failRun(ctx, runID, "model is unbounded", core.FailRunParams{SolverLogs: logs})

	default:
		r.failRun(ctx, runID, fmt.Sprintf("solver finished with status %s", result.Status),
			core.FailRunParams{
				Retry:      true,
				RetryDelay: r.retryDelay,
				SolverLogs: logs,
			})
	}
}

func (r *Runner) failRun(ctx context.Context, id, msg string, params core.FailRunParams) {
	if _, err := r.runs.Fail(ctx, id, msg, params); err != nil {
		r.logger.ErrorContext(ctx, "fail run error", "run_id", id, "error", err)
	}
}

func solverLogsPtr(logs string) *string {
	if logs == "" {
		return nil
	}
	return &logs
}
