// Package errors provides the structured application error type shared by
// every component of the concurrency core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError independent of its HTTP mapping. Components
// that need to branch on error category (retry policies, circuit breakers)
// should match on Kind rather than Code.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuth           Kind = "auth"
	KindAuthz          Kind = "authz"
	KindNotFound       Kind = "not_found"
	KindTimeout        Kind = "timeout"
	KindServiceUnavail Kind = "service_unavailable"
	KindRateLimited    Kind = "rate_limited"
	KindCircuitOpen    Kind = "circuit_open"
	KindPoolClosed     Kind = "pool_closed"
	KindLifecycle      Kind = "lifecycle"
	KindInternal       Kind = "internal"
)

// Severity indicates how loudly an error should be surfaced in logs and
// alerting, independent of its HTTP status.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
)

// AppError is a structured application error carrying everything a caller,
// an operator, and a log aggregator each need: a machine code, an HTTP
// mapping, a caller-safe message distinct from the internal one, structured
// detail fields, a severity, and a trace id for correlation.
type AppError struct {
	// Code is a machine-readable error code (e.g. "RATE_LIMIT_EXCEEDED").
	Code string `json:"code"`

	// Kind classifies the error for programmatic branching (retries,
	// circuit breakers) independent of Code.
	Kind Kind `json:"kind"`

	// Message is the internal, operator-facing description. It may
	// contain detail unsafe to return to a caller.
	Message string `json:"-"`

	// CallerMessage is the message safe to return across a trust boundary.
	// Falls back to Message when unset.
	CallerMessage string `json:"message"`

	// Details carries structured, machine-readable context (e.g. the
	// breaker's open_until).
	Details map[string]any `json:"details,omitempty"`

	// Severity guides logging/alerting volume; it is not derived from
	// HTTPStatus since a 4xx can still be Critical (repeated auth
	// failures) and a 503 can be routine (Warning).
	Severity Severity `json:"-"`

	// TraceID correlates this error back to the CallerContext that
	// produced it, when one was available.
	TraceID string `json:"trace_id,omitempty"`

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int `json:"-"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Caller returns the message safe to return to a caller, falling back to
// the internal message when CallerMessage was never set.
func (e *AppError) Caller() string {
	if e.CallerMessage != "" {
		return e.CallerMessage
	}
	return e.Message
}

// WithDetails attaches structured detail fields and returns the receiver,
// so constructors can be chained: errors.RateLimited(...).WithDetails(...).
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithTraceID stamps the error with a correlation id, typically drawn from
// a CallerContext, and returns the receiver.
func (e *AppError) WithTraceID(traceID string) *AppError {
	e.TraceID = traceID
	return e
}

// New creates a new AppError of kind KindInternal with no wrapped cause.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Kind:       KindInternal,
		Message:    message,
		Severity:   SeverityError,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error into an AppError of kind KindInternal.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Kind:       KindInternal,
		Message:    message,
		Severity:   SeverityError,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// newKind is the shared constructor behind every Kind-specific helper below.
func newKind(kind Kind, code, message string, status int, severity Severity) *AppError {
	return &AppError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		Severity:   severity,
		HTTPStatus: status,
	}
}

// Common error constructors, kept from the teacher and extended with one
// constructor per Kind the concurrency core can produce.

// NotFound creates a 404 error.
func NotFound(code, message string) *AppError {
	return newKind(KindNotFound, code, message, http.StatusNotFound, SeverityWarning)
}

// BadRequest creates a 400 validation error.
func BadRequest(code, message string) *AppError {
	return newKind(KindValidation, code, message, http.StatusBadRequest, SeverityWarning)
}

// Unauthorized creates a 401 error.
func Unauthorized(code, message string) *AppError {
	return newKind(KindAuth, code, message, http.StatusUnauthorized, SeverityWarning)
}

// Forbidden creates a 403 error.
func Forbidden(code, message string) *AppError {
	return newKind(KindAuthz, code, message, http.StatusForbidden, SeverityWarning)
}

// Conflict creates a 409 error.
func Conflict(code, message string) *AppError {
	return newKind(KindValidation, code, message, http.StatusConflict, SeverityWarning)
}

// Internal creates a 500 error.
func Internal(code, message string) *AppError {
	return newKind(KindInternal, code, message, http.StatusInternalServerError, SeverityError)
}

// Timeout creates a 504 error for a bounded operation that did not complete
// in time (lock acquisition, resource pool wait, health probe).
func Timeout(code, message string) *AppError {
	return newKind(KindTimeout, code, message, http.StatusGatewayTimeout, SeverityWarning)
}

// ServiceUnavailable creates a 503 error, used when a dependency or resource
// cannot currently be served (pool exhausted, resilient factory disabled).
func ServiceUnavailable(code, message string) *AppError {
	return newKind(KindServiceUnavail, code, message, http.StatusServiceUnavailable, SeverityError)
}

// RateLimited creates a 429 error. It sets no Details; the RateLimiter in
// internal/concurrency waits for admission and never returns this error.
func RateLimited(code, message string) *AppError {
	return newKind(KindRateLimited, code, message, http.StatusTooManyRequests, SeverityWarning)
}

// CircuitOpen creates a 503 error raised when a circuit breaker rejects a
// call while OPEN. Details["open_until"] carries the recovery deadline.
func CircuitOpen(code, message string) *AppError {
	return newKind(KindCircuitOpen, code, message, http.StatusServiceUnavailable, SeverityWarning)
}

// PoolClosed creates a 503 error raised when a resource pool rejects an
// acquire after it has been closed.
func PoolClosed(code, message string) *AppError {
	return newKind(KindPoolClosed, code, message, http.StatusServiceUnavailable, SeverityWarning)
}

// Lifecycle creates a 500 error for startup/shutdown ordering violations
// (registration after shutdown has begun, submission to a task pool that
// is shutting down).
func Lifecycle(code, message string) *AppError {
	return newKind(KindLifecycle, code, message, http.StatusInternalServerError, SeverityCritical)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
