package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/optforge/optforge/config"
	"github.com/optforge/optforge/internal/adapters/reaper"
	"github.com/optforge/optforge/internal/adapters/solverunner"
	"github.com/optforge/optforge/internal/data"
	"github.com/optforge/optforge/internal/observability/statsd"
)

// SolveRunnerConfig holds dependencies for the solve runner worker.
type SolveRunnerConfig struct {
	DB     *sql.DB
	Logger *slog.Logger

	Lease              time.Duration
	Concurrency        int
	RetryDelay         time.Duration
	CancelPollInterval time.Duration

	Cache   *data.RunCache
	Metrics statsd.Sink
}

// RunSolveRunner runs the solve runner worker until the context is cancelled.
func RunSolveRunner(ctx context.Context, cfg SolveRunnerConfig) error {
	runner, err := solverunner.NewRunner(solverunner.RunnerOptions{
		DB:                 cfg.DB,
		Logger:             cfg.Logger,
		Lease:              cfg.Lease,
		Concurrency:        cfg.Concurrency,
		RetryDelay:         cfg.RetryDelay,
		CancelPollInterval: cfg.CancelPollInterval,
		Cache:              cfg.Cache,
		Metrics:            cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create solve runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperRunnerConfig holds dependencies for the run reaper.
type ReaperRunnerConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper runs the run reaper until the context is cancelled.
func RunReaper(ctx context.Context, cfg ReaperRunnerConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
