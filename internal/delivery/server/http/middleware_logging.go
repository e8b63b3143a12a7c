package http

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"missionloop/internal/shared/logging"
	id "missionloop/internal/shared/utils/id"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "request_id"
)

func resolveRequestID(c *gin.Context) string {
	for _, header := range []string{requestIDHeader, "X-Log-Id", "X-Correlation-Id"} {
		if value := strings.TrimSpace(c.GetHeader(header)); value != "" {
			return value
		}
	}
	return ""
}

// RequestIDMiddleware propagates or assigns a request id and echoes it back.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := resolveRequestID(c)
		if requestID == "" {
			requestID = id.NewRequestID()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// LoggingMiddleware logs each request and records its latency.
func LoggingMiddleware(logger logging.Logger, recorder RequestRecorder) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start)
		route := c.FullPath()
		status := c.Writer.Status()
		recorder.RecordHTTPRequest(c.Request.Method, route, status, duration)
		if route == "/healthz" || route == "/metrics" {
			return
		}
		logger.Info("[%s] %s %s -> %d (%s)", c.GetString(requestIDKey), c.Request.Method, c.Request.URL.Path, status, duration.Round(time.Millisecond))
	}
}
