package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/optforge/optforge/config"
	httpx "github.com/optforge/optforge/internal/http"
	"github.com/optforge/optforge/internal/service"
)

const (
	httpReadTimeout     = 30 * time.Second
	httpWriteTimeout    = 30 * time.Second
	httpIdleTimeout     = 120 * time.Second
	httpShutdownTimeout = 10 * time.Second
)

// StartHTTPServer builds the router with middleware and starts the HTTP server.
// The returned server is already listening; use ShutdownHTTPServer to stop it.
func StartHTTPServer(cfg *config.AppConfig, services *ServiceContainer, logger *slog.Logger) (*http.Server, error) {
	handler := buildHTTPHandler(cfg, services, logger)
	return startServer(cfg.HTTP.Addr, handler, logger)
}

func buildHTTPHandler(cfg *config.AppConfig, services *ServiceContainer, logger *slog.Logger) http.Handler {
	router := httpx.NewRouter(httpx.RouterServices{
		Runs:   services.Runs,
		Logger: logger,
	})

	// Innermost first: compression wraps the router so logging observes
	// compressed response sizes, and recover catches panics from everything.
	handler := router
	if cfg.HTTP.CompressionEnabled {
		handler = httpx.Compression(httpx.CompressionConfig{
			Level:  cfg.HTTP.CompressionLevel,
			Logger: logger,
		})(handler)
	}
	handler = httpx.Logging(logger)(handler)
	handler = httpx.Recover(logger)(handler)

	return handler
}

func startServer(addr string, handler http.Handler, logger *slog.Logger) (*http.Server, error) {
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return server, nil
}

// ShutdownConfig holds dependencies for graceful HTTP shutdown.
type ShutdownConfig struct {
	Server *http.Server
	Runs   *service.RunService
	Logger *slog.Logger
}

// ShutdownHTTPServer gracefully shuts down the HTTP server. Long-poll
// listeners are released first so in-flight reserve requests return
// promptly instead of holding the server open.
func ShutdownHTTPServer(ctx context.Context, cfg ShutdownConfig) error {
	if cfg.Runs != nil {
		cfg.Runs.StopAllListeners()
	}

	if cfg.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("http server stopped")
	}

	return nil
}
