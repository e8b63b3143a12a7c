// Package http exposes missions over JSON, server-sent events and
// websockets.
package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"missionloop/internal/shared/logging"
)

const defaultHeartbeat = 15 * time.Second

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps RouterDeps, cfg RouterConfig) *gin.Engine {
	if !strings.EqualFold(strings.TrimSpace(cfg.Environment), "development") {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Router")
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestIDMiddleware())
	engine.Use(LoggingMiddleware(logger, recorder))
	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	handler := &missionHandler{
		missions:  deps.Missions,
		recorder:  recorder,
		logger:    logger,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	engine.GET("/healthz", handler.health(deps.Health, deps.Degraded))
	if deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := engine.Group("/api")
	{
		api.POST("/missions", handler.submit)
		api.POST("/missions/stream", handler.submitStream)

		runs := api.Group("/runs/:id")
		runs.GET("", handler.getRun)
		runs.POST("/cancel", handler.cancel)
		runs.GET("/tasks", handler.tasks)
		runs.GET("/events", handler.events)
		runs.GET("/ws", handler.streamWebsocket)

		api.GET("/sessions", handler.listSessions)
		api.GET("/sessions/:id", handler.getSession)
	}
	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID", requestIDHeader}
	cfg.ExposeHeaders = []string{requestIDHeader}
	cfg.AllowWebSockets = true
	cleaned := cleanOrigins(origins)
	if len(cleaned) == 0 || (len(cleaned) == 1 && cleaned[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = cleaned
	return cfg
}

func originChecker(origins []string) func(r *http.Request) bool {
	cleaned := cleanOrigins(origins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(cleaned) == 0 {
			return true
		}
		for _, allowed := range cleaned {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}
}

func cleanOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimRight(strings.TrimSpace(origin), "/"); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
