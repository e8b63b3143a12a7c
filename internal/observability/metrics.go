// Package observability wires Prometheus metrics and OpenTelemetry tracing
// for the mission service.
package observability

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"missionloop/internal/domain/mission"
)

const namespace = "missionloop"

// Metrics holds every service collector. It satisfies the loop, event bus and
// HTTP instrumentation hooks.
type Metrics struct {
	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	activeRuns     prometheus.Gauge
	iterations     prometheus.Counter
	providerCalls  *prometheus.CounterVec
	providerTime   prometheus.Histogram
	approvals      *prometheus.CounterVec
	eventsOut      *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	subscribers    prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	sseConnections prometheus.Gauge
}

// MustNewMetrics registers the collectors with registerer and panics on a
// conflicting registration. Collectors already registered are reused.
func MustNewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "run", Name: "started_total",
			Help: "Mission runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "run", Name: "finished_total",
			Help: "Mission runs finished, partitioned by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "run", Name: "duration_seconds",
			Help:    "Wall time of a run until it completed, failed or suspended.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "run", Name: "active",
			Help: "Runs currently executing.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "iterations_total",
			Help: "THINKING iterations across all runs.",
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "provider", Name: "calls_total",
			Help: "Decision provider calls, partitioned by outcome.",
		}, []string{"outcome"}),
		providerTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "provider", Name: "latency_seconds",
			Help:    "Decision provider call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "approvals_requested_total",
			Help: "Approval requests raised for gated tools.",
		}, []string{"tool"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Events published to the bus.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Events dropped for slow subscribers.",
		}, []string{"type"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "subscribers",
			Help: "Live event subscriptions.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests, partitioned by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		sseConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "stream_connections",
			Help: "Open SSE and websocket streams.",
		}),
	}

	m.runsStarted = register(registerer, m.runsStarted)
	m.runsFinished = register(registerer, m.runsFinished)
	m.runDuration = register(registerer, m.runDuration)
	m.activeRuns = register(registerer, m.activeRuns)
	m.iterations = register(registerer, m.iterations)
	m.providerCalls = register(registerer, m.providerCalls)
	m.providerTime = register(registerer, m.providerTime)
	m.approvals = register(registerer, m.approvals)
	m.eventsOut = register(registerer, m.eventsOut)
	m.eventsDropped = register(registerer, m.eventsDropped)
	m.subscribers = register(registerer, m.subscribers)
	m.httpRequests = register(registerer, m.httpRequests)
	m.httpLatency = register(registerer, m.httpLatency)
	m.sseConnections = register(registerer, m.sseConnections)
	return m
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// RunStarted counts a run entering the loop.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records the run outcome and wall time.
func (m *Metrics) RunFinished(status mission.Status, duration time.Duration) {
	m.activeRuns.Dec()
	m.runsFinished.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (m *Metrics) IterationObserved() { m.iterations.Inc() }

// ProviderCall records one decision provider attempt.
func (m *Metrics) ProviderCall(duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerCalls.WithLabelValues(outcome).Inc()
	m.providerTime.Observe(duration.Seconds())
}

func (m *Metrics) ApprovalRequested(tool string) { m.approvals.WithLabelValues(tool).Inc() }

func (m *Metrics) EventPublished(eventType string) { m.eventsOut.WithLabelValues(eventType).Inc() }

func (m *Metrics) EventDropped(eventType string) { m.eventsDropped.WithLabelValues(eventType).Inc() }

func (m *Metrics) SubscribersChanged(delta int) { m.subscribers.Add(float64(delta)) }

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StreamOpened and StreamClosed track long-lived SSE and websocket clients.
func (m *Metrics) StreamOpened() { m.sseConnections.Inc() }

func (m *Metrics) StreamClosed() { m.sseConnections.Dec() }
