package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	id "missionloop/internal/shared/utils/id"
)

func TestOrNopHandlesTypedNil(t *testing.T) {
	var rec *Recorder
	logger := OrNop(rec)
	require.NotPanics(t, func() { logger.Info("hello %s", "world") })
}

func TestFromContextPrefixesRunAndSession(t *testing.T) {
	rec := &Recorder{}
	ctx := id.WithRunID(id.WithSessionID(context.Background(), "session-1"), "run-7")

	FromContext(ctx, rec).Warn("tool %s slow", "deploy")
	FromContext(context.Background(), rec).Info("plain")

	require.Equal(t, []string{
		"WARN [run=run-7 session=session-1] tool deploy slow",
		"INFO plain",
	}, rec.Lines)
	require.Same(t, rec, FromContext(context.Background(), rec))
}

func TestZapComponentLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := FromZap(Build(Config{Level: "debug", Format: "json", Output: &buf}), "engine")

	logger.Info("calling provider with Authorization: Bearer abc.def.ghi and key sk-1234567890abcdef")

	out := buf.String()
	require.Contains(t, out, `"component":"engine"`)
	require.NotContains(t, out, "abc.def.ghi")
	require.NotContains(t, out, "sk-1234567890abcdef")
	require.True(t, strings.Contains(out, "[REDACTED]"))
}

func TestZapLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := FromZap(Build(Config{Level: "warn", Format: "console", Output: &buf}), "")

	logger.Info("quiet")
	logger.Error("loud")

	require.NotContains(t, buf.String(), "quiet")
	require.Contains(t, buf.String(), "loud")
}
