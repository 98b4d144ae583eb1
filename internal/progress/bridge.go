// Package progress implements ProgressBridge (C12): a per-request event
// sink abstraction. Workers depend only on this interface; the transport
// implementation (see internal/transport/wsbridge) is injected once at
// request start via Attach, never at worker construction.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay-agent.dev/core/internal/pkg/logger"
)

// EventKind is one of the bridge's canonical lifecycle or narration
// events.
type EventKind string

const (
	KindStarted       EventKind = "started"
	KindThinking      EventKind = "thinking"
	KindToolExecuting EventKind = "tool_executing"
	KindToolCompleted EventKind = "tool_completed"
	KindCompleted     EventKind = "completed"
	KindError         EventKind = "error"
)

// EventEnvelope is the serialized unit handed to a Sink.
type EventEnvelope struct {
	Kind          EventKind `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	CallerID      string    `json:"caller_id"`
	Payload       any       `json:"payload,omitempty"`
	EmittedAt     time.Time `json:"emitted_at"`
}

// Sink delivers one event to a concrete transport (websocket, SSE, log
// sink, ...). Implementations must not block the caller for long; the
// bridge treats Send errors as isolated failures, never fatal to the
// worker that emitted the event.
type Sink interface {
	Send(ctx context.Context, event EventEnvelope) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, event EventEnvelope) error

func (f SinkFunc) Send(ctx context.Context, event EventEnvelope) error { return f(ctx, event) }

// DropPolicy governs what happens to events emitted before Attach.
type DropPolicy int

const (
	// DropPolicyBuffer queues pre-attach events in a bounded buffer,
	// dropping the oldest entry once it is full.
	DropPolicyBuffer DropPolicy = iota
	// DropPolicyDiscard drops every pre-attach event, logging a single
	// warning for the first one.
	DropPolicyDiscard
)

const (
	defaultBufferSize = 32
	sinkSendTimeout   = 5 * time.Second
)

// HealthStatus is a point-in-time read of a Bridge's condition.
type HealthStatus struct {
	Attached      bool
	SinkReachable bool
	LastEmitAt    time.Time
}

// Bridge is C12: the single object a worker holds to report progress.
// It is safe for concurrent use.
type Bridge struct {
	mu            sync.Mutex
	sink          Sink
	correlationID string
	callerID      string
	attached      bool
	sinkReachable bool
	lastEmitAt    time.Time

	bufferSize int
	policy     DropPolicy
	buffer     []EventEnvelope
	warnedDrop bool

	emittedLifecycle map[EventKind]bool
	anomalies        []string
}

// NewBridge constructs an unattached Bridge. bufferSize <= 0 uses a
// built-in default.
func NewBridge(bufferSize int, policy DropPolicy) *Bridge {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bridge{
		bufferSize:       bufferSize,
		policy:           policy,
		emittedLifecycle: make(map[EventKind]bool),
	}
}

// Attach binds the transport sink for the rest of the request's
// lifetime. It is only ever called once per request, before any worker
// observes the bridge. callerID identifies the caller this request's
// events belong to, stamped onto every envelope so a multi-tenant sink
// can attribute events back to their caller. Any events buffered before
// Attach are flushed in order, with callerID and correlationID applied
// retroactively.
func (b *Bridge) Attach(sink Sink, callerID, correlationID string) {
	b.mu.Lock()
	b.sink = sink
	b.correlationID = correlationID
	b.callerID = callerID
	b.attached = true
	b.sinkReachable = sink != nil
	buffered := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	for i := range buffered {
		buffered[i].CallerID = callerID
		buffered[i].CorrelationID = correlationID
	}

	for _, ev := range buffered {
		b.deliver(sink, ev)
	}
}

// IsAttached reports whether Attach has been called.
func (b *Bridge) IsAttached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}

// Health reports the bridge's current condition.
func (b *Bridge) Health() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return HealthStatus{
		Attached:      b.attached,
		SinkReachable: b.sinkReachable,
		LastEmitAt:    b.lastEmitAt,
	}
}

// Anomalies returns every duplicate-lifecycle-emission warning recorded
// so far, for observability; it does not clear them.
func (b *Bridge) Anomalies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.anomalies))
	copy(out, b.anomalies)
	return out
}

// Emit sends kind/payload through the bridge. Before Attach, behavior
// follows the configured DropPolicy. started/completed emitted twice are
// recorded as anomalies but still delivered.
func (b *Bridge) Emit(kind EventKind, payload any) {
	b.mu.Lock()

	if isLifecycleKind(kind) {
		if b.emittedLifecycle[kind] {
			msg := fmt.Sprintf("duplicate emission of lifecycle event %q", kind)
			b.anomalies = append(b.anomalies, msg)
			logger.Warn("progress bridge anomaly",
				zap.String("correlation_id", b.correlationID),
				zap.String("kind", string(kind)),
			)
		}
		b.emittedLifecycle[kind] = true
	}

	event := EventEnvelope{
		Kind:          kind,
		CorrelationID: b.correlationID,
		CallerID:      b.callerID,
		Payload:       payload,
		EmittedAt:     time.Now(),
	}

	if !b.attached {
		b.bufferOrDrop(event)
		b.mu.Unlock()
		return
	}
	sink := b.sink
	b.mu.Unlock()

	b.deliver(sink, event)
}

// bufferOrDrop must be called with b.mu held.
func (b *Bridge) bufferOrDrop(event EventEnvelope) {
	if b.policy == DropPolicyDiscard {
		if !b.warnedDrop {
			b.warnedDrop = true
			logger.Warn("progress bridge emitting before attach; dropping",
				zap.String("kind", string(event.Kind)),
			)
		}
		return
	}

	b.buffer = append(b.buffer, event)
	if len(b.buffer) > b.bufferSize {
		b.buffer = b.buffer[1:] // drop-oldest on overflow
	}
}

func (b *Bridge) deliver(sink Sink, event EventEnvelope) {
	if sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkSendTimeout)
	defer cancel()
	err := sink.Send(ctx, event)

	b.mu.Lock()
	b.lastEmitAt = time.Now()
	b.sinkReachable = err == nil
	b.mu.Unlock()

	if err != nil {
		logger.Warn("progress bridge sink delivery failed",
			zap.Error(err),
			zap.String("correlation_id", event.CorrelationID),
		)
	}
}

func isLifecycleKind(kind EventKind) bool {
	return kind == KindStarted || kind == KindCompleted
}

// EmitStarted reports the beginning of an operation.
func (b *Bridge) EmitStarted() { b.Emit(KindStarted, nil) }

// EmitThinking reports an intermediate narration message.
func (b *Bridge) EmitThinking(message string) {
	b.Emit(KindThinking, map[string]any{"message": message})
}

// EmitToolExecuting reports the start of a tool invocation.
func (b *Bridge) EmitToolExecuting(name string, input any) {
	b.Emit(KindToolExecuting, map[string]any{"name": name, "input": input})
}

// EmitToolCompleted reports the outcome of a tool invocation.
func (b *Bridge) EmitToolCompleted(name string, result any) {
	b.Emit(KindToolCompleted, map[string]any{"name": name, "result": result})
}

// EmitCompleted reports the successful end of an operation.
func (b *Bridge) EmitCompleted(result any) { b.Emit(KindCompleted, result) }

// EmitError reports a terminal failure.
func (b *Bridge) EmitError(err error) {
	b.Emit(KindError, map[string]any{"error": err.Error()})
}
