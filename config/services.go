package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeSolveRunner runs the solve runner worker.
	ServiceModeSolveRunner ServiceMode = "solve-runner"
	// ServiceModeReaper runs the run reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeSolveRunner,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeSolveRunner, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, solve-runner, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SolveRunnerConfig contains solve runner service configuration.
type SolveRunnerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"SOLVE_RUNNER_CONCURRENCY" envDefault:"2"`

	// RunLease is the duration to lease a solve run.
	// Workers heartbeat to extend the lease while the solver makes progress.
	RunLease time.Duration `env:"SOLVE_RUNNER_RUN_LEASE" envDefault:"30s"`

	// RetryDelay is the delay before a failed run becomes eligible for re-reservation.
	RetryDelay time.Duration `env:"SOLVE_RUNNER_RETRY_DELAY" envDefault:"30s"`

	// CancelPollInterval is how often a worker checks the cancel flag mid-solve.
	CancelPollInterval time.Duration `env:"SOLVE_RUNNER_CANCEL_POLL_INTERVAL" envDefault:"2s"`
}

// Sanitize applies guardrails to solve runner configuration values.
func (s *SolveRunnerConfig) Sanitize() {
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.RunLease < 5*time.Second {
		s.RunLease = 5 * time.Second
	}
	if s.RetryDelay < time.Second {
		s.RetryDelay = time.Second
	}
	if s.CancelPollInterval < 500*time.Millisecond {
		s.CancelPollInterval = 500 * time.Millisecond
	}
}

// ReaperConfig contains run reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending runs before they are marked as failed.
	// Runs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"24h"`

	// SucceededMaxAge is the maximum age for succeeded runs before deletion.
	SucceededMaxAge time.Duration `env:"REAPER_SUCCEEDED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed runs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// CanceledMaxAge is the maximum age for canceled runs before deletion.
	CanceledMaxAge time.Duration `env:"REAPER_CANCELED_MAX_AGE" envDefault:"72h"` // 3 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.SucceededMaxAge < 1*time.Hour {
		r.SucceededMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}
	if r.CanceledMaxAge < 1*time.Hour {
		r.CanceledMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
