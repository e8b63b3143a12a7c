// Package store selects and assembles the durable SessionStore from config.
package store

import (
	"context"
	"fmt"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/infra/store/cached"
	"missionloop/internal/infra/store/postgres"
	"missionloop/internal/infra/store/sqlite"
	"missionloop/internal/shared/config"
	"missionloop/internal/shared/logging"
)

// TaskLister is implemented by stores that can read back a run's tasks.
type TaskLister interface {
	ListTasks(ctx context.Context, runID string) ([]mission.PlannedTask, error)
}

// Open builds the configured backend and wraps it in the conversation cache.
func Open(ctx context.Context, cfg config.RuntimeConfig, logger logging.Logger) (*cached.Store, error) {
	logger = logging.OrNop(logger)

	var (
		backend ports.SessionStore
		err     error
	)
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite, "":
		backend, err = sqlite.Open(ctx, cfg.SQLitePath, sqlite.WithLogger(logger))
	case config.StoreDriverPostgres:
		backend, err = postgres.Open(ctx, cfg.PostgresURL, postgres.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	logger.Info("Session store ready (driver=%s)", cfg.StoreDriver)
	return cached.New(backend, 0), nil
}
