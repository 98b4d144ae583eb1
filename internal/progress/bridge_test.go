package progress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"relay-agent.dev/core/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

type recordingSink struct {
	mu     sync.Mutex
	events []EventEnvelope
	fail   bool
}

func (s *recordingSink) Send(ctx context.Context, event EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unreachable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Events() []EventEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventEnvelope, len(s.events))
	copy(out, s.events)
	return out
}

func TestBridge_EmitBeforeAttachIsBuffered(t *testing.T) {
	b := NewBridge(4, DropPolicyBuffer)
	b.EmitStarted()
	b.EmitThinking("working")

	if b.IsAttached() {
		t.Fatal("bridge should not be attached yet")
	}

	sink := &recordingSink{}
	b.Attach(sink, "caller-1", "corr-1")

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2 buffered events flushed on attach", len(events))
	}
	if events[0].Kind != KindStarted || events[1].Kind != KindThinking {
		t.Errorf("events = %+v, want [started, thinking] in order", events)
	}
	for _, ev := range events {
		if ev.CorrelationID != "corr-1" {
			t.Errorf("event CorrelationID = %q, want corr-1", ev.CorrelationID)
		}
		if ev.CallerID != "caller-1" {
			t.Errorf("event CallerID = %q, want caller-1", ev.CallerID)
		}
	}
}

func TestBridge_BufferDropsOldestOnOverflow(t *testing.T) {
	b := NewBridge(2, DropPolicyBuffer)
	b.EmitThinking("one")
	b.EmitThinking("two")
	b.EmitThinking("three") // should drop "one"

	sink := &recordingSink{}
	b.Attach(sink, "caller-1", "corr-1")

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Payload.(map[string]any)["message"] != "two" {
		t.Errorf("events[0] message = %v, want two", events[0].Payload)
	}
}

func TestBridge_DiscardPolicyDropsPreAttachEvents(t *testing.T) {
	b := NewBridge(4, DropPolicyDiscard)
	b.EmitStarted()
	b.EmitThinking("lost")

	sink := &recordingSink{}
	b.Attach(sink, "caller-1", "corr-1")

	if len(sink.Events()) != 0 {
		t.Fatalf("DropPolicyDiscard should drop all pre-attach events, got %d", len(sink.Events()))
	}
}

func TestBridge_EmitAfterAttachDeliversImmediately(t *testing.T) {
	b := NewBridge(4, DropPolicyBuffer)
	sink := &recordingSink{}
	b.Attach(sink, "caller-2", "corr-2")

	b.EmitStarted()
	b.EmitCompleted("done")

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
}

func TestBridge_DuplicateLifecycleEmissionIsAnomaly(t *testing.T) {
	b := NewBridge(4, DropPolicyBuffer)
	sink := &recordingSink{}
	b.Attach(sink, "caller-3", "corr-3")

	b.EmitStarted()
	b.EmitStarted() // duplicate

	if got := len(b.Anomalies()); got != 1 {
		t.Fatalf("len(Anomalies()) = %d, want 1", got)
	}
	if got := len(sink.Events()); got != 2 {
		t.Fatalf("both emissions should still be delivered, got %d", got)
	}
}

func TestBridge_SinkErrorIsIsolated(t *testing.T) {
	b := NewBridge(4, DropPolicyBuffer)
	sink := &recordingSink{fail: true}
	b.Attach(sink, "caller-4", "corr-4")

	b.EmitStarted() // must not panic despite sink failure

	health := b.Health()
	if health.SinkReachable {
		t.Error("SinkReachable should be false after a failing Send")
	}
	if !health.Attached {
		t.Error("Attached should remain true even if the sink is unreachable")
	}
}

func TestBridge_HealthReflectsAttachment(t *testing.T) {
	b := NewBridge(4, DropPolicyBuffer)
	if b.Health().Attached {
		t.Fatal("a fresh bridge should not report attached")
	}
	b.Attach(&recordingSink{}, "caller-5", "corr-5")
	if !b.Health().Attached {
		t.Fatal("bridge should report attached after Attach")
	}
}
