// Package middleware provides HTTP middleware for the concurrency core's
// demo server.
package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relay-agent.dev/core/internal/callerctx"
)

const (
	// RequestIDHeader is the HTTP header for request tracing.
	RequestIDHeader = "X-Request-ID"
	// CallerIDHeader identifies the logical caller driving a request.
	CallerIDHeader = "X-Caller-ID"
	// SessionIDHeader groups requests belonging to one caller session.
	SessionIDHeader = "X-Session-ID"

	ctxKeyRequestID contextKey = "request_id"
)

type contextKey string

// RequestID injects a unique request ID into the context and response
// header, generating one with uuid v7 when the caller didn't supply one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Set(string(ctxKeyRequestID), rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), ctxKeyRequestID, rid),
		)
		c.Next()
	}
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// CallerContext builds a CallerContext (C1) from request headers and
// binds it onto the request's context for the remainder of the request
// lifecycle. It must run after RequestID, because the request ID is used
// as both the correlation ID and the request ID of the CallerContext.
// An anonymous caller ID is generated per-request when absent, since
// authentication is out of scope here; a deployment that adds auth
// would populate CallerIDHeader from the verified identity instead.
func CallerContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := c.GetHeader(CallerIDHeader)
		if callerID == "" {
			id, _ := uuid.NewV7()
			callerID = "anon-" + id.String()
		}
		sessionID := c.GetHeader(SessionIDHeader)
		if sessionID == "" {
			sessionID = callerID
		}
		correlationID := GetRequestID(c.Request.Context())

		callerCtx, err := callerctx.FromRequest(callerID, sessionID, correlationID, correlationID)
		if err != nil {
			c.AbortWithStatusJSON(400, errorResponse{
				Error:     true,
				ErrorCode: "INVALID_CALLER_CONTEXT",
				Message:   err.Error(),
				TraceID:   correlationID,
				Timestamp: time.Now().UTC(),
			})
			return
		}

		c.Request = c.Request.WithContext(callerctx.NewContext(c.Request.Context(), callerCtx))
		c.Next()
	}
}
