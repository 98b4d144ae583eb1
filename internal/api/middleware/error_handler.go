package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "relay-agent.dev/core/internal/pkg/errors"
	"relay-agent.dev/core/internal/pkg/logger"
)

// errorResponse is the serializable boundary envelope for C13's
// ErrorModel: {error, error_code, message, trace_id?, timestamp, details?}.
type errorResponse struct {
	Error     bool           `json:"error"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	TraceID   string         `json:"trace_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorHandler is a Gin middleware that centralizes error handling: it
// captures errors added via c.Error() and returns a consistent JSON
// boundary response, formatting C13's AppError per spec (caller message
// only, never the operator message or internal details).
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			logger.Warn("request error",
				zap.String("code", appErr.Code),
				zap.String("kind", string(appErr.Kind)),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
				zap.Error(appErr.Err),
			)
			c.JSON(appErr.HTTPStatus, errorResponse{
				Error:     true,
				ErrorCode: appErr.Code,
				Message:   appErr.Caller(),
				TraceID:   appErr.TraceID,
				Timestamp: time.Now().UTC(),
				Details:   appErr.Details,
			})
			return
		}

		logger.Error("unhandled request error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:     true,
			ErrorCode: "INTERNAL_ERROR",
			Message:   "An internal error occurred",
			Timestamp: time.Now().UTC(),
		})
	}
}
