package http

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"missionloop/internal/app/coordinator"
	"missionloop/internal/domain/mission"
	"missionloop/internal/shared/logging"
)

// MissionService is the application surface the handlers call.
type MissionService interface {
	Submit(ctx context.Context, req coordinator.MissionRequest) (*mission.ExecutionResult, error)
	Stream(ctx context.Context, req coordinator.MissionRequest) (*coordinator.Stream, error)
	Cancel(runID string) bool
	Run(ctx context.Context, runID string) (*mission.RunRecord, error)
	Tasks(ctx context.Context, runID string) ([]mission.PlannedTask, error)
	Session(ctx context.Context, sessionID string) (*mission.Conversation, error)
	Sessions(ctx context.Context, limit int) ([]mission.ConversationSummary, error)
	Follow(ctx context.Context, runID string, afterSeq int64) (<-chan mission.Event, error)
	ActiveRuns() []string
}

// RequestRecorder receives per-request and per-stream measurements.
type RequestRecorder interface {
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
	StreamOpened()
	StreamClosed()
}

// HealthChecker reports dependency health for /healthz.
type HealthChecker func(ctx context.Context) error

// RouterDeps are the router's collaborators. Only Missions is required.
type RouterDeps struct {
	Missions MissionService
	Recorder RequestRecorder
	// Gatherer backs /metrics; nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	Health   HealthChecker
	// Degraded lists optional components that failed to start.
	Degraded func() []string
	Logger   logging.Logger
}

// RouterConfig tunes the transport.
type RouterConfig struct {
	Environment    string
	AllowedOrigins []string
	// Heartbeat is the SSE keep-alive interval. Zero uses the default.
	Heartbeat time.Duration
}

type nopRecorder struct{}

func (nopRecorder) RecordHTTPRequest(string, string, int, time.Duration) {}
func (nopRecorder) StreamOpened()                                        {}
func (nopRecorder) StreamClosed()                                        {}
