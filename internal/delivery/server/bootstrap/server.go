package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	serverHTTP "missionloop/internal/delivery/server/http"
	runtimeconfig "missionloop/internal/shared/config"
	"missionloop/internal/shared/logging"
)

const shutdownTimeout = 15 * time.Second

// RunServer builds the container and serves HTTP until ctx is cancelled or
// the process receives SIGINT/SIGTERM.
func RunServer(ctx context.Context, cfg runtimeconfig.RuntimeConfig, opts ...ContainerOption) error {
	logger := logging.NewComponentLogger("Main")
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := BuildContainer(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := container.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Container shutdown: %v", err)
		}
	}()

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	return Serve(ctx, listener, NewHandler(container), logger)
}

// NewHandler builds the router for container.
func NewHandler(container *Container) http.Handler {
	deps := serverHTTP.RouterDeps{
		Missions: container.Coordinator,
		Recorder: container.Metrics,
		Health:   container.Health,
		Degraded: container.Degraded.Names,
		Logger:   logging.NewComponentLogger("HTTP"),
	}
	if container.Config.MetricsEnabled {
		deps.Gatherer = container.Prometheus
	}
	return serverHTTP.NewRouter(deps, serverHTTP.RouterConfig{
		Environment:    container.Config.Environment,
		AllowedOrigins: container.Config.AllowedOrigins,
	})
}

// Serve runs handler on listener until ctx is done, then shuts the server
// down gracefully.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening on %s", listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
