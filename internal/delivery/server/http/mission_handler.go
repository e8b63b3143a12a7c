package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"missionloop/internal/app/coordinator"
	"missionloop/internal/domain/mission"
	"missionloop/internal/shared/logging"
)

const defaultSessionListLimit = 50

type missionHandler struct {
	missions  MissionService
	recorder  RequestRecorder
	logger    logging.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// missionResponse wraps a run result for JSON clients.
type missionResponse struct {
	Result *mission.ExecutionResult `json:"result"`
}

func (h *missionHandler) health(check HealthChecker, degraded func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok", "active_runs": len(h.missions.ActiveRuns())}
		if degraded != nil {
			if names := degraded(); len(names) > 0 {
				body["degraded_components"] = names
			}
		}
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				h.logger.Warn("Health check failed: %v", err)
				body["status"] = "degraded"
				body["error"] = "Session store unavailable"
				c.JSON(http.StatusServiceUnavailable, body)
				return
			}
		}
		c.JSON(http.StatusOK, body)
	}
}

func (h *missionHandler) bindRequest(c *gin.Context) (coordinator.MissionRequest, bool) {
	var req coordinator.MissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return req, false
	}
	if strings.TrimSpace(req.Mission) == "" && strings.TrimSpace(req.SessionID) == "" {
		h.badRequest(c, "mission or session_id is required")
		return req, false
	}
	return req, true
}

// submit runs the mission synchronously. The run is bound to the request:
// a caller that disconnects cancels it.
func (h *missionHandler) submit(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}
	result, err := h.missions.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, missionResponse{Result: result})
}

// submitStream starts the mission and streams its events as SSE, ending
// with a "result" event. The run outlives the connection.
func (h *missionHandler) submitStream(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}
	stream, err := h.missions.Stream(context.WithoutCancel(c.Request.Context()), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer stream.Detach()

	h.recorder.StreamOpened()
	defer h.recorder.StreamClosed()
	prepareSSE(c)
	c.Header("X-Run-Id", stream.RunID)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	events := stream.Events
	for {
		select {
		case event, open := <-events:
			if !open {
				result, err := stream.Wait()
				if err != nil {
					_, message := mapDomainError(err)
					writeSSE(c, "error", 0, gin.H{"error": message})
				} else {
					writeSSE(c, "result", 0, result)
				}
				return
			}
			if err := writeSSE(c, string(event.Type), event.Seq, event); err != nil {
				return
			}
		case <-ticker.C:
			writeHeartbeat(c)
		case <-c.Request.Context().Done():
			h.logger.Debug("Stream client for run %s went away", stream.RunID)
			return
		}
	}
}

func (h *missionHandler) getRun(c *gin.Context) {
	run, err := h.missions.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// cancel flags a live run. Finished runs answer 409, unknown ones 404.
func (h *missionHandler) cancel(c *gin.Context) {
	runID := c.Param("id")
	if h.missions.Cancel(runID) {
		c.JSON(http.StatusAccepted, gin.H{"ok": true, "run_id": runID, "cancelled": true})
		return
	}
	if _, err := h.missions.Run(c.Request.Context(), runID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusConflict, gin.H{"ok": false, "run_id": runID, "cancelled": false, "error": "run is not active"})
}

func (h *missionHandler) tasks(c *gin.Context) {
	runID := c.Param("id")
	tasks, err := h.missions.Tasks(c.Request.Context(), runID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []mission.PlannedTask{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "tasks": tasks})
}

func (h *missionHandler) getSession(c *gin.Context) {
	conv, err := h.missions.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *missionHandler) listSessions(c *gin.Context) {
	limit := defaultSessionListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.badRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	sessions, err := h.missions.Sessions(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []mission.ConversationSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}
