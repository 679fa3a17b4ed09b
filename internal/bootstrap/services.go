package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optforge/optforge/config"
	"github.com/optforge/optforge/internal/data"
	"github.com/optforge/optforge/internal/observability/statsd"
	"github.com/optforge/optforge/internal/service"
)

const shutdownWaitTimeout = 15 * time.Second

// ObservabilityContainer holds metrics dependencies shared across services.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceContainer holds all initialized application services.
type ServiceContainer struct {
	Runs     *service.RunService
	RunCache *data.RunCache

	Observability ObservabilityContainer
}

// ServiceDeps holds the external dependencies needed to build services.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// NewServices builds the service container from external dependencies.
func NewServices(deps ServiceDeps) (*ServiceContainer, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	if deps.DB == nil {
		return nil, errors.New("database connection is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	observability, err := buildObservability(deps)
	if err != nil {
		return nil, err
	}

	runRepo, runCache := buildRepositories(deps)

	runs, err := service.NewRunService(service.RunServiceOptions{
		Repo:         runRepo,
		DefaultLease: deps.Config.SolveRunner.RunLease,
		Logger:       deps.Logger,
		Cache:        runCache,
		Metrics:      observability.MetricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("create run service: %w", err)
	}

	return &ServiceContainer{
		Runs:          runs,
		RunCache:      runCache,
		Observability: observability,
	}, nil
}

func buildObservability(deps ServiceDeps) (ObservabilityContainer, error) {
	metricsCfg := deps.Config.Observability.Metrics

	sink, err := statsd.NewClient(statsd.Config{
		Enabled: metricsCfg.IsEnabled(),
		Address: metricsCfg.StatsdAddress,
		Prefix:  "optforge",
		Logger:  deps.Logger,
	})
	if err != nil {
		return ObservabilityContainer{}, fmt.Errorf("create statsd client: %w", err)
	}

	if sink.Enabled() {
		deps.Logger.Info("metrics emission enabled", "address", metricsCfg.StatsdAddress)
	}

	return ObservabilityContainer{
		MetricsSink:   sink,
		MetricsConfig: metricsCfg,
	}, nil
}

func buildRepositories(deps ServiceDeps) (*data.RunRepo, *data.RunCache) {
	runRepo := data.NewRunRepo(deps.DB, data.RepoConfig{
		RetryDelaySeconds: int(deps.Config.SolveRunner.RetryDelay / time.Second),
		Logger:            deps.Logger,
	})

	var runCache *data.RunCache
	if deps.RedisClient != nil {
		cacheRepo := data.NewRedisCacheRepo(deps.RedisClient)
		runCache = data.NewRunCache(cacheRepo, deps.Config.Cache.RunSnapshotTTL)
	}

	return runRepo, runCache
}

// backgroundService describes a long-running worker launched alongside the
// HTTP server.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(ctx context.Context) error
}

type backgroundServiceHandle struct {
	name string
	done chan struct{}
}

func buildBackgroundServices(deps ServiceDeps, services *ServiceContainer) []backgroundService {
	return []backgroundService{
		{
			mode: config.ServiceModeSolveRunner,
			name: "solve-runner",
			start: func(ctx context.Context) error {
				return RunSolveRunner(ctx, SolveRunnerConfig{
					DB:                 deps.DB,
					Logger:             deps.Logger,
					Lease:              deps.Config.SolveRunner.RunLease,
					Concurrency:        deps.Config.SolveRunner.Concurrency,
					RetryDelay:         deps.Config.SolveRunner.RetryDelay,
					CancelPollInterval: deps.Config.SolveRunner.CancelPollInterval,
					Cache:              services.RunCache,
					Metrics:            services.Observability.MetricsSink,
				})
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "reaper",
			start: func(ctx context.Context) error {
				return RunReaper(ctx, ReaperRunnerConfig{
					DB:      deps.DB,
					Logger:  deps.Logger,
					Config:  deps.Config.Reaper,
					Metrics: services.Observability.MetricsSink,
				})
			},
		},
	}
}

func launchBackground(
	ctx context.Context,
	svc backgroundService,
	logger *slog.Logger,
	errCh chan<- error,
) *backgroundServiceHandle {
	handle := &backgroundServiceHandle{
		name: svc.name,
		done: make(chan struct{}),
	}

	go func() {
		defer close(handle.done)

		logger.Info("starting background service", "service", svc.name)
		if err := svc.start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case errCh <- fmt.Errorf("%s: %w", svc.name, err):
			default:
				logger.Warn("dropping background service error", "service", svc.name, "error", err)
			}
		}
	}()

	return handle
}

func startBackgroundServices(
	ctx context.Context,
	deps ServiceDeps,
	services *ServiceContainer,
	enabled map[config.ServiceMode]bool,
	errCh chan<- error,
) []*backgroundServiceHandle {
	var handles []*backgroundServiceHandle
	for _, svc := range buildBackgroundServices(deps, services) {
		if enabled[svc.mode] {
			handles = append(handles, launchBackground(ctx, svc, deps.Logger, errCh))
		}
	}
	return handles
}

type runningServices struct {
	httpServer *http.Server
	background []*backgroundServiceHandle
}

func startServices(
	ctx context.Context,
	deps ServiceDeps,
	services *ServiceContainer,
	errCh chan<- error,
) (*runningServices, error) {
	enabled, err := deps.Config.GetEnabledServices()
	if err != nil {
		return nil, fmt.Errorf("resolve enabled services: %w", err)
	}

	running := &runningServices{}

	if enabled[config.ServiceModeHTTP] {
		server, startErr := StartHTTPServer(deps.Config, services, deps.Logger)
		if startErr != nil {
			return nil, fmt.Errorf("start http server: %w", startErr)
		}
		running.httpServer = server
	}

	running.background = startBackgroundServices(ctx, deps, services, enabled, errCh)

	return running, nil
}

// RunServicesWithShutdown starts all enabled services and blocks until a
// shutdown signal arrives or a background service fails, then stops
// everything gracefully.
func RunServicesWithShutdown(ctx context.Context, deps ServiceDeps, services *ServiceContainer) error {
	enabled, err := deps.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("resolve enabled services: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(enabled)+1)

	running, err := startServices(runCtx, deps, services, errCh)
	if err != nil {
		return err
	}

	runErr := waitForShutdown(runCtx, deps.Logger, errCh)

	cancel()
	stopErr := gracefulStop(deps, services, running)

	if services.Observability.MetricsSink != nil {
		if closeErr := services.Observability.MetricsSink.Close(); closeErr != nil {
			deps.Logger.Warn("close metrics sink", "error", closeErr)
		}
	}

	return errors.Join(runErr, stopErr)
}

func waitForShutdown(ctx context.Context, logger *slog.Logger, errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
		return nil
	case err := <-errCh:
		logger.Error("background service failed", "error", err)
		return err
	case <-ctx.Done():
		return nil
	}
}

func gracefulStop(deps ServiceDeps, services *ServiceContainer, running *runningServices) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
	defer cancel()

	var errs []error

	if running.httpServer != nil {
		if err := ShutdownHTTPServer(shutdownCtx, ShutdownConfig{
			Server: running.httpServer,
			Runs:   services.Runs,
			Logger: deps.Logger,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	for _, handle := range running.background {
		if err := waitForService(shutdownCtx, handle, deps.Logger); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func waitForService(ctx context.Context, handle *backgroundServiceHandle, logger *slog.Logger) error {
	select {
	case <-handle.done:
		logger.Info("background service stopped", "service", handle.name)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background service %s did not stop before timeout", handle.name)
	}
}
