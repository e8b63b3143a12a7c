package tools

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"missionloop/internal/domain/mission/ports"
)

// slidingWindowSize is the number of recent calls tracked per tool.
const slidingWindowSize = 100

// ToolSLA is a point-in-time snapshot of a tool's service level.
type ToolSLA struct {
	Tool        string        `json:"tool"`
	P50Latency  time.Duration `json:"p50_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	P99Latency  time.Duration `json:"p99_latency"`
	ErrorRate   float64       `json:"error_rate"`
	SuccessRate float64       `json:"success_rate"`
	CallCount   int64         `json:"call_count"`
}

// SLACollector records per-tool latency and outcome counters in Prometheus
// and keeps a sliding window for percentile and success-rate snapshots.
type SLACollector struct {
	latency     *prometheus.HistogramVec
	calls       *prometheus.CounterVec
	successRate *prometheus.GaugeVec

	mu      sync.RWMutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	outcomes  []bool
	latencies []time.Duration
	pos       int
	full      bool
	total     int64
}

func newSlidingWindow(size int) *slidingWindow {
	return &slidingWindow{
		outcomes:  make([]bool, size),
		latencies: make([]time.Duration, size),
	}
}

func (w *slidingWindow) record(success bool, d time.Duration) {
	w.outcomes[w.pos] = success
	w.latencies[w.pos] = d
	w.pos = (w.pos + 1) % len(w.outcomes)
	if !w.full && w.pos == 0 {
		w.full = true
	}
	w.total++
}

func (w *slidingWindow) count() int {
	if w.full {
		return len(w.outcomes)
	}
	return w.pos
}

func (w *slidingWindow) successRate() float64 {
	n := w.count()
	if n == 0 {
		return 0
	}
	successes := 0
	for i := 0; i < n; i++ {
		if w.outcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(n)
}

func (w *slidingWindow) percentile(p float64) time.Duration {
	n := w.count()
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p/100.0*float64(n))) - 1
	idx = max(0, min(idx, n-1))
	return sorted[idx]
}

// NewSLACollector registers the tool metrics with registerer, reusing
// collectors that are already registered. A nil registerer selects the
// Prometheus default.
func NewSLACollector(registerer prometheus.Registerer) *SLACollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "missionloop",
		Subsystem: "tool",
		Name:      "latency_seconds",
		Help:      "Tool invocation latency in seconds, partitioned by tool and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool", "status"})
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "missionloop",
		Subsystem: "tool",
		Name:      "calls_total",
		Help:      "Tool invocations, partitioned by tool and status.",
	}, []string{"tool", "status"})
	successRate := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "missionloop",
		Subsystem: "tool",
		Name:      "success_rate",
		Help:      "Sliding window success rate per tool (last 100 calls).",
	}, []string{"tool"})

	return &SLACollector{
		latency:     registerOrExisting(registerer, latency),
		calls:       registerOrExisting(registerer, calls),
		successRate: registerOrExisting(registerer, successRate),
		windows:     make(map[string]*slidingWindow),
	}
}

// Record stores one invocation outcome. Safe on a nil receiver.
func (c *SLACollector) Record(tool string, status ports.ToolStatus, duration time.Duration) {
	if c == nil {
		return
	}
	c.latency.WithLabelValues(tool, string(status)).Observe(duration.Seconds())
	c.calls.WithLabelValues(tool, string(status)).Inc()

	c.mu.Lock()
	w, ok := c.windows[tool]
	if !ok {
		w = newSlidingWindow(slidingWindowSize)
		c.windows[tool] = w
	}
	w.record(status == ports.ToolStatusOK, duration)
	rate := w.successRate()
	c.mu.Unlock()

	c.successRate.WithLabelValues(tool).Set(rate)
}

// SLA returns the current snapshot for tool.
func (c *SLACollector) SLA(tool string) ToolSLA {
	if c == nil {
		return ToolSLA{Tool: tool}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.windows[tool]
	if !ok {
		return ToolSLA{Tool: tool}
	}
	rate := w.successRate()
	return ToolSLA{
		Tool:        tool,
		P50Latency:  w.percentile(50),
		P95Latency:  w.percentile(95),
		P99Latency:  w.percentile(99),
		ErrorRate:   1 - rate,
		SuccessRate: rate,
		CallCount:   w.total,
	}
}

func registerOrExisting[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
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

// metricsInvoker times every invocation into an SLACollector.
type metricsInvoker struct {
	ports.ToolInvoker
	collector *SLACollector
	now       func() time.Time
}

// NewMetricsInvoker wraps inner so each call is recorded by collector. A nil
// collector returns inner unchanged.
func NewMetricsInvoker(inner ports.ToolInvoker, collector *SLACollector) ports.ToolInvoker {
	if inner == nil || collector == nil {
		return inner
	}
	return &metricsInvoker{ToolInvoker: inner, collector: collector, now: time.Now}
}

func (m *metricsInvoker) Invoke(ctx context.Context, name, operation string, params map[string]any) ports.ToolResult {
	start := m.now()
	result := m.ToolInvoker.Invoke(ctx, name, operation, params)
	m.collector.Record(name, result.Status, m.now().Sub(start))
	return result
}
