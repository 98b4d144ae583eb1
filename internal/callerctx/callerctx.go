// Package callerctx carries the ambient per-request identity through every
// operation in the concurrency core. It replaces a duck-typed,
// runtime-scoped "current context" global with an explicit value threaded
// through context.Context: no component reads global state, they take the
// context (or a derived caller id) at construction or at call time.
package callerctx

import (
	"context"

	"relay-agent.dev/core/internal/pkg/errors"
)

// reserved caller ids. "" covers the zero value; "None" and "registry"
// mirror the source system's reserved sentinels (I8).
var reservedCallerIDs = map[string]bool{
	"":         true,
	"None":     true,
	"registry": true,
}

// Context is the immutable per-request identity record (CallerContext, C1).
// Two concurrent requests for the same caller_id are distinct values;
// equality is by identity (pointer), never by CallerID.
type Context struct {
	callerID      string
	sessionID     string
	correlationID string
	requestID     string
	transportID   string
	attributes    map[string]string
}

// contextKey is an unexported type so no other package can collide with it
// when using context.WithValue.
type contextKey struct{}

// New validates I8 and constructs a Context. attrs may be nil.
func New(callerID, sessionID, correlationID string, attrs map[string]string) (*Context, error) {
	if reservedCallerIDs[callerID] {
		return nil, errors.BadRequest(errors.CodeInvalidCallerContext, "caller_id is empty or reserved").
			WithDetails(map[string]any{"caller_id": callerID})
	}
	return &Context{
		callerID:      callerID,
		sessionID:     sessionID,
		correlationID: correlationID,
		attributes:    cloneAttrs(attrs),
	}, nil
}

// FromRequest is the synchronous entry point: an inbound HTTP-style request
// carrying a caller, session, correlation, and request id.
func FromRequest(callerID, sessionID, correlationID, requestID string) (*Context, error) {
	c, err := New(callerID, sessionID, correlationID, nil)
	if err != nil {
		return nil, err
	}
	c.requestID = requestID
	return c, nil
}

// FromTransport is the streaming entry point: a persistent connection
// (e.g. a websocket) identified by transportID, starting a named operation.
func FromTransport(callerID, transportID, operationName string) (*Context, error) {
	c, err := New(callerID, "", "", map[string]string{"operation": operationName})
	if err != nil {
		return nil, err
	}
	c.transportID = transportID
	return c, nil
}

// CallerID returns the caller identity. Always non-empty and non-reserved.
func (c *Context) CallerID() string { return c.callerID }

// SessionID returns the session identity, possibly empty.
func (c *Context) SessionID() string { return c.sessionID }

// CorrelationID returns the correlation id used to join logs and events
// belonging to one logical operation.
func (c *Context) CorrelationID() string { return c.correlationID }

// RequestID returns the request id, possibly empty.
func (c *Context) RequestID() string { return c.requestID }

// TransportID returns the transport (e.g. websocket connection) identity,
// possibly empty.
func (c *Context) TransportID() string { return c.transportID }

// Attribute returns a custom attribute and whether it was set.
func (c *Context) Attribute(key string) (string, bool) {
	v, ok := c.attributes[key]
	return v, ok
}

// WithAttribute returns a new Context with key set to value, leaving the
// receiver untouched. Derivation never mutates the original.
func (c *Context) WithAttribute(key, value string) *Context {
	next := *c
	next.attributes = cloneAttrs(c.attributes)
	next.attributes[key] = value
	return &next
}

func cloneAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// NewContext binds callerCtx to ctx, scoped to the returned context and
// anything derived from it. It never leaks to unrelated concurrent work:
// callers that do not derive from the returned context see no binding.
func NewContext(ctx context.Context, callerCtx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, callerCtx)
}

// FromContext yields the ambient Context bound to ctx, or nil if no
// CallerContext was ever attached to this unit of work.
func FromContext(ctx context.Context) *Context {
	v, _ := ctx.Value(contextKey{}).(*Context)
	return v
}

// CorrelationIDOrEmpty is a convenience accessor for components (NamedLock,
// ErrorModel) that want the correlation id without nil-checking the context
// themselves.
func CorrelationIDOrEmpty(ctx context.Context) string {
	if c := FromContext(ctx); c != nil {
		return c.CorrelationID()
	}
	return ""
}

// CallerIDOrEmpty mirrors CorrelationIDOrEmpty for caller_id.
func CallerIDOrEmpty(ctx context.Context) string {
	if c := FromContext(ctx); c != nil {
		return c.CallerID()
	}
	return ""
}
