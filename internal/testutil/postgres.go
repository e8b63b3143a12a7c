// Package testutil holds helpers for tests that need external services.
// Every helper skips the calling test when its service is not configured.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/require"

	runtimeconfig "missionloop/internal/shared/config"
)

const (
	PostgresURLEnv = "MISSION_TEST_DATABASE_URL"
	RedisAddrEnv   = "MISSION_TEST_REDIS_ADDR"

	setupTimeout = 10 * time.Second
)

// PostgresPool returns a pool whose search_path is a schema created for this
// test alone. The schema is dropped when the test finishes.
func PostgresPool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dbURL := requireEnv(t, PostgresURLEnv)

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	admin, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err, "connect to %s", PostgresURLEnv)
	require.NoError(t, admin.Ping(ctx), "ping postgres")

	schema := "mission_" + strings.ToLower(ksuid.New().String())
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err, "create schema %s", schema)

	cfg, err := pgxpool.ParseConfig(dbURL)
	require.NoError(t, err)
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		dropCtx, dropCancel := context.WithTimeout(context.Background(), setupTimeout)
		defer dropCancel()
		_, _ = admin.Exec(dropCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
		admin.Close()
	})
	return pool
}

// RedisAddr returns the address of the test redis server.
func RedisAddr(t testing.TB) string {
	t.Helper()
	return requireEnv(t, RedisAddrEnv)
}

func requireEnv(t testing.TB, key string) string {
	t.Helper()
	raw, _ := runtimeconfig.DefaultEnvLookup(key)
	value := strings.TrimSpace(raw)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}
