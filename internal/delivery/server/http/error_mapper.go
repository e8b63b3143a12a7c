package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"missionloop/internal/app/coordinator"
	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/react"
	runtimeconfig "missionloop/internal/shared/config"
	apperrors "missionloop/internal/shared/errors"
)

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// mapDomainError translates an application error into a status code and a
// user-facing message. Unrecognized errors map to 500 with a formatted
// message so internals never reach the client verbatim.
func mapDomainError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, coordinator.ErrRunNotFound):
		return http.StatusNotFound, "Run not found"
	case errors.Is(err, mission.ErrNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, react.ErrMissionRequired),
		errors.Is(err, react.ErrAnswerRequired),
		errors.Is(err, react.ErrApprovalRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, runtimeconfig.ErrUnknownProfile):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, apperrors.FormatForUser(err)
	}
}

func (h *missionHandler) writeError(c *gin.Context, err error) {
	status, message := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("[%s] %s %s failed: %v", c.GetString(requestIDKey), c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: message, RequestID: c.GetString(requestIDKey)})
}

func (h *missionHandler) badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: message, RequestID: c.GetString(requestIDKey)})
}
