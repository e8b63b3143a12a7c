package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/react"
	"missionloop/internal/infra/eventbus"
)

var (
	_ react.Metrics    = (*Metrics)(nil)
	_ eventbus.Metrics = (*Metrics)(nil)
)

func TestMetricsRecordRunLifecycle(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))
	m.IterationObserved()
	m.ProviderCall(10*time.Millisecond, nil)
	m.ProviderCall(10*time.Millisecond, errors.New("down"))
	m.ApprovalRequested("deploy")
	m.RunFinished(mission.StatusCompleted, time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerCalls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.approvals.WithLabelValues("deploy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.iterations))
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := MustNewMetrics(registry)
	second := MustNewMetrics(registry)

	first.EventDropped("thinking")
	second.EventDropped("thinking")
	assert.Equal(t, 2.0, testutil.ToFloat64(first.eventsDropped.WithLabelValues("thinking")))

	first.RecordHTTPRequest("GET", "", 404, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(second.httpRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestSetupTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
