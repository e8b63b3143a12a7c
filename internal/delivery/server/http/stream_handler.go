package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	jsonx "missionloop/internal/shared/json"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

func prepareSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// writeSSE renders one frame. The event type is the frame name and seq, when
// set, the frame id so clients can resume with Last-Event-ID.
func writeSSE(c *gin.Context, name string, seq int64, payload any) error {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	event := sse.Event{Event: name, Data: string(data)}
	if seq > 0 {
		event.Id = strconv.FormatInt(seq, 10)
	}
	if err := event.Render(c.Writer); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func writeHeartbeat(c *gin.Context) {
	_, _ = c.Writer.WriteString(": ping\n\n")
	c.Writer.Flush()
}

// afterSeq reads the resume point from ?after_seq= or Last-Event-ID.
func afterSeq(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(c.Query("after_seq"))
	if raw == "" {
		raw = strings.TrimSpace(c.GetHeader("Last-Event-ID"))
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("after_seq must be a non-negative integer")
	}
	return seq, nil
}

// events replays the run's durable log and tails it while the run is live.
func (h *missionHandler) events(c *gin.Context) {
	after, err := afterSeq(c)
	if err != nil {
		h.badRequest(c, err.Error())
		return
	}
	events, err := h.missions.Follow(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.recorder.StreamOpened()
	defer h.recorder.StreamClosed()
	prepareSSE(c)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(c, string(event.Type), event.Seq, event); err != nil {
				return
			}
		case <-ticker.C:
			writeHeartbeat(c)
		case <-c.Request.Context().Done():
			return
		}
	}
}

// streamWebsocket serves the same stream as events, one JSON event per text frame.
func (h *missionHandler) streamWebsocket(c *gin.Context) {
	after, err := afterSeq(c)
	if err != nil {
		h.badRequest(c, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := h.missions.Follow(ctx, c.Param("id"), after)
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade for run %s failed: %v", c.Param("id"), err)
		return
	}
	defer conn.Close()
	h.recorder.StreamOpened()
	defer h.recorder.StreamClosed()

	// Reader: the client only sends control frames; any read error ends the stream.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case event, open := <-events:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			data, err := jsonx.Marshal(event)
			if err != nil {
				h.logger.Error("Encode event %s/%d: %v", event.RunID, event.Seq, err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
