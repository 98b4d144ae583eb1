package callerctx

import (
	"context"
	"testing"

	apperrors "relay-agent.dev/core/internal/pkg/errors"
)

func TestNew_RejectsReservedCallerIDs(t *testing.T) {
	tests := []struct {
		name     string
		callerID string
	}{
		{"empty", ""},
		{"none", "None"},
		{"registry", "registry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.callerID, "sess", "corr", nil)
			if err == nil {
				t.Fatalf("New(%q) should fail", tt.callerID)
			}
			appErr, ok := apperrors.IsAppError(err)
			if !ok {
				t.Fatalf("error should be an AppError, got %T", err)
			}
			if appErr.Kind != apperrors.KindValidation {
				t.Errorf("Kind = %v, want validation", appErr.Kind)
			}
		})
	}
}

func TestNew_Valid(t *testing.T) {
	c, err := New("u1", "sess1", "corr1", map[string]string{"plan": "pro"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.CallerID() != "u1" {
		t.Errorf("CallerID() = %q, want u1", c.CallerID())
	}
	if v, ok := c.Attribute("plan"); !ok || v != "pro" {
		t.Errorf("Attribute(plan) = %q, %v", v, ok)
	}
}

func TestTwoContextsForSameCaller_AreDistinct(t *testing.T) {
	a, _ := New("u1", "s1", "c1", nil)
	b, _ := New("u1", "s2", "c2", nil)
	if a == b {
		t.Fatal("distinct constructions must yield distinct identities")
	}
}

func TestWithAttribute_DoesNotMutateOriginal(t *testing.T) {
	base, _ := New("u1", "s1", "c1", map[string]string{"a": "1"})
	derived := base.WithAttribute("b", "2")

	if _, ok := base.Attribute("b"); ok {
		t.Fatal("WithAttribute must not mutate the receiver")
	}
	if v, ok := derived.Attribute("a"); !ok || v != "1" {
		t.Error("derived context should retain original attributes")
	}
	if v, ok := derived.Attribute("b"); !ok || v != "2" {
		t.Error("derived context should carry the new attribute")
	}
}

func TestFromRequest(t *testing.T) {
	c, err := FromRequest("u1", "s1", "corr1", "req1")
	if err != nil {
		t.Fatalf("FromRequest() error = %v", err)
	}
	if c.RequestID() != "req1" {
		t.Errorf("RequestID() = %q, want req1", c.RequestID())
	}
}

func TestFromTransport(t *testing.T) {
	c, err := FromTransport("u1", "ws-123", "stream_agent")
	if err != nil {
		t.Fatalf("FromTransport() error = %v", err)
	}
	if c.TransportID() != "ws-123" {
		t.Errorf("TransportID() = %q, want ws-123", c.TransportID())
	}
	if v, ok := c.Attribute("operation"); !ok || v != "stream_agent" {
		t.Errorf("operation attribute = %q, %v", v, ok)
	}
}

func TestContextPropagation_ScopedNotLeaked(t *testing.T) {
	callerCtx, _ := New("u1", "s1", "c1", nil)
	bound := NewContext(context.Background(), callerCtx)

	if got := FromContext(bound); got != callerCtx {
		t.Fatal("FromContext should return the bound CallerContext")
	}

	unrelated := context.Background()
	if got := FromContext(unrelated); got != nil {
		t.Fatal("an unrelated context must not observe the binding")
	}
}

func TestCallerIDOrEmpty(t *testing.T) {
	if got := CallerIDOrEmpty(context.Background()); got != "" {
		t.Errorf("CallerIDOrEmpty() on bare context = %q, want empty", got)
	}

	callerCtx, _ := New("u1", "s1", "c1", nil)
	bound := NewContext(context.Background(), callerCtx)
	if got := CallerIDOrEmpty(bound); got != "u1" {
		t.Errorf("CallerIDOrEmpty() = %q, want u1", got)
	}
}
