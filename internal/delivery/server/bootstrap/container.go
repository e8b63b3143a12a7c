// Package bootstrap assembles the mission service from configuration and
// runs it until shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"missionloop/internal/app/coordinator"
	"missionloop/internal/app/registry"
	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/infra/eventbus"
	"missionloop/internal/infra/eventbus/redissink"
	"missionloop/internal/infra/llm"
	"missionloop/internal/infra/store"
	"missionloop/internal/infra/store/cached"
	"missionloop/internal/infra/tools"
	"missionloop/internal/observability"
	runtimeconfig "missionloop/internal/shared/config"
	"missionloop/internal/shared/logging"
)

const toolCacheTTL = 5 * time.Minute

// Container holds the wired service.
type Container struct {
	Config      runtimeconfig.RuntimeConfig
	Coordinator *coordinator.Coordinator
	Store       *cached.Store
	Registry    *registry.Registry
	Bus         *eventbus.Bus
	Tools       *tools.Registry
	Metrics     *observability.Metrics
	Prometheus  *prometheus.Registry
	Degraded    *DegradedComponents

	redisSink *redissink.Sink
	redis     *redis.Client
	cleanups  []func(context.Context) error
	logger    logging.Logger
}

// ContainerOption customises BuildContainer.
type ContainerOption func(*containerOptions)

type containerOptions struct {
	provider     ports.DecisionProvider
	tools        []tools.Tool
	onTransition func(runID string, from, to mission.LoopState)
}

// WithProvider bypasses the configured decision provider.
func WithProvider(provider ports.DecisionProvider) ContainerOption {
	return func(o *containerOptions) { o.provider = provider }
}

// WithTools registers tools with the capability map.
func WithTools(list ...tools.Tool) ContainerOption {
	return func(o *containerOptions) { o.tools = append(o.tools, list...) }
}

// WithTransitionObserver observes every loop state change.
func WithTransitionObserver(fn func(runID string, from, to mission.LoopState)) ContainerOption {
	return func(o *containerOptions) { o.onTransition = fn }
}

// BuildContainer wires every component. Store, provider and tools are
// required; tracing and the redis fan-out degrade gracefully.
func BuildContainer(ctx context.Context, cfg runtimeconfig.RuntimeConfig, logger logging.Logger, opts ...ContainerOption) (*Container, error) {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Bootstrap")
	}
	var options containerOptions
	for _, opt := range opts {
		opt(&options)
	}

	c := &Container{
		Config:     cfg,
		Prometheus: prometheus.NewRegistry(),
		Degraded:   NewDegradedComponents(),
		logger:     logger,
	}
	c.Prometheus.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = observability.MustNewMetrics(c.Prometheus)

	var (
		provider ports.DecisionProvider
		invoker  ports.ToolInvoker
		sinks    []ports.EventSink
	)
	stages := []BootstrapStage{
		{
			Name: "store", Required: true,
			Init: func(ctx context.Context) error {
				st, err := store.Open(ctx, cfg, logging.NewComponentLogger("SessionStore"))
				if err != nil {
					return err
				}
				c.Store = st
				c.cleanups = append(c.cleanups, func(context.Context) error { return st.Close() })
				return nil
			},
		},
		{
			Name: "provider", Required: true,
			Init: func(ctx context.Context) error {
				if options.provider != nil {
					provider = options.provider
					return nil
				}
				built, err := llm.NewProvider(cfg, logging.NewComponentLogger("DecisionProvider"))
				if err != nil {
					return err
				}
				provider = built
				return nil
			},
		},
		{
			Name: "tools", Required: true,
			Init: func(ctx context.Context) error {
				c.Tools = tools.NewRegistry(tools.WithTimeout(cfg.ToolTimeout))
				for _, tool := range options.tools {
					if err := c.Tools.Register(tool); err != nil {
						return err
					}
				}
				invoker = tools.NewMetricsInvoker(c.Tools, tools.NewSLACollector(c.Prometheus))
				if cfg.ToolCacheSize > 0 {
					invoker = tools.NewCacheInvoker(invoker, cfg.ToolCacheSize, toolCacheTTL)
				}
				return nil
			},
		},
		{
			Name: "redis", Timeout: 5 * time.Second,
			Init: func(ctx context.Context) error {
				if strings.TrimSpace(cfg.RedisAddr) == "" {
					return nil
				}
				rdb, err := redissink.Dial(ctx, cfg.RedisAddr)
				if err != nil {
					return err
				}
				c.redis = rdb
				c.redisSink = redissink.New(rdb, redissink.Config{Prefix: cfg.RedisChannelPrefix}, logging.NewComponentLogger("RedisEventSink"))
				sinks = append(sinks, c.redisSink)
				c.cleanups = append(c.cleanups, func(context.Context) error {
					return errors.Join(c.redisSink.Close(), rdb.Close())
				})
				return nil
			},
		},
		{
			Name: "tracing", Timeout: 5 * time.Second,
			Init: func(ctx context.Context) error {
				shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
					OTLPEndpoint: cfg.OTLPEndpoint,
					ServiceName:  "missionloop",
				})
				if err != nil {
					return err
				}
				c.cleanups = append(c.cleanups, func(ctx context.Context) error { return shutdown(ctx) })
				return nil
			},
		},
	}
	if err := RunStages(ctx, stages, c.Degraded, logger); err != nil {
		_ = c.Shutdown(context.Background())
		return nil, err
	}

	c.Registry = registry.New(registry.WithRetention(cfg.RunRetentionSize, cfg.RunRetentionTTL))
	c.Bus = eventbus.New(
		eventbus.WithBufferSize(cfg.EventBufferSize),
		eventbus.WithMetrics(c.Metrics),
		eventbus.WithLogger(logging.NewComponentLogger("EventBus")),
	)
	coord, err := coordinator.New(coordinator.Config{
		Provider:     provider,
		Tools:        invoker,
		Store:        c.Store,
		Registry:     c.Registry,
		Bus:          c.Bus,
		Sinks:        sinks,
		Metrics:      c.Metrics,
		Runtime:      cfg,
		OnTransition: options.onTransition,
	})
	if err != nil {
		_ = c.Shutdown(context.Background())
		return nil, fmt.Errorf("build coordinator: %w", err)
	}
	c.Coordinator = coord

	if !c.Degraded.IsEmpty() {
		logger.Warn("[Bootstrap] Starting in degraded mode: %v", c.Degraded.Map())
	}
	return c, nil
}

// Health reports whether the store answers.
func (c *Container) Health(ctx context.Context) error {
	if c.Store == nil {
		return errors.New("session store not initialised")
	}
	if _, err := c.Store.ListConversations(ctx, 1); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	return nil
}

// Shutdown waits for background runs up to ctx's deadline, then releases
// resources in reverse order of acquisition.
func (c *Container) Shutdown(ctx context.Context) error {
	if c.Coordinator != nil {
		done := make(chan struct{})
		go func() {
			c.Coordinator.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("[Bootstrap] Shutdown deadline reached with runs still active: %v", c.Coordinator.ActiveRuns())
		}
	}

	var errs []error
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		if err := c.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.cleanups = nil
	return errors.Join(errs...)
}
