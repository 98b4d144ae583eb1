package modelcache

import (
	"context"
	"errors"
	"testing"

	"relay-agent.dev/core/internal/callerctx"
	"relay-agent.dev/core/internal/config"
)

func mustCallerCtx(t *testing.T, callerID string) *callerctx.Context {
	t.Helper()
	cc, err := callerctx.New(callerID, "session", "corr-1", nil)
	if err != nil {
		t.Fatalf("callerctx.New() error = %v", err)
	}
	return cc
}

func echoCall(prompt string) ModelCall {
	return func(ctx context.Context, p string) (string, error) {
		return prompt + ":" + p, nil
	}
}

// TestManager_S4_CacheCallerIsolation mirrors scenario S4: two managers
// bound to distinct callers never share a cache entry, even for the same
// logical key and prompt.
func TestManager_S4_CacheCallerIsolation(t *testing.T) {
	factory := NewResilientFactory("development", config.ModelCacheConfig{})

	callsA, callsB := 0, 0
	callA := func(ctx context.Context, prompt string) (string, error) {
		callsA++
		return "answer-for-u1", nil
	}
	callB := func(ctx context.Context, prompt string) (string, error) {
		callsB++
		return "answer-for-u2", nil
	}

	mgrA, err := factory.CreateManager(mustCallerCtx(t, "u1"), callA)
	if err != nil {
		t.Fatalf("CreateManager(A) error = %v", err)
	}
	mgrB, err := factory.CreateManager(mustCallerCtx(t, "u2"), callB)
	if err != nil {
		t.Fatalf("CreateManager(B) error = %v", err)
	}

	resultA, err := mgrA.Ask(context.Background(), "Q", "default", "Q", true)
	if err != nil {
		t.Fatalf("A.Ask() error = %v", err)
	}
	if resultA != "answer-for-u1" {
		t.Fatalf("A.Ask() = %q, want answer-for-u1", resultA)
	}

	resultB, err := mgrB.Ask(context.Background(), "Q", "default", "Q", true)
	if err != nil {
		t.Fatalf("B.Ask() error = %v", err)
	}
	if resultB != "answer-for-u2" {
		t.Fatalf("B.Ask() = %q, want answer-for-u2", resultB)
	}

	if callsA != 1 || callsB != 1 {
		t.Fatalf("each caller's model should be invoked exactly once fresh, got callsA=%d callsB=%d", callsA, callsB)
	}
	if !mgrA.Has("Q", "default") || !mgrB.Has("Q", "default") {
		t.Fatal("both managers should have cached their own entry")
	}

	keyA := CacheKey(mustCallerCtx(t, "u1").CallerID(), "Q", "default")
	keyB := CacheKey(mustCallerCtx(t, "u2").CallerID(), "Q", "default")
	if keyA == keyB {
		t.Fatal("cache keys for distinct callers must differ")
	}

	// B asking again with use_cache should hit its own cache, not A's,
	// and should not trigger another model call.
	second, err := mgrB.Ask(context.Background(), "Q", "default", "Q", true)
	if err != nil {
		t.Fatalf("B second Ask() error = %v", err)
	}
	if second != "answer-for-u2" {
		t.Fatalf("B second Ask() = %q, want answer-for-u2", second)
	}
	if callsB != 1 {
		t.Fatalf("B's second cached Ask should not re-invoke the model, callsB=%d", callsB)
	}
}

func TestManager_UseCacheFalseAlwaysCallsModel(t *testing.T) {
	factory := NewResilientFactory("development", config.ModelCacheConfig{})
	calls := 0
	call := func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "fresh", nil
	}
	mgr, err := factory.CreateManager(mustCallerCtx(t, "u1"), call)
	if err != nil {
		t.Fatalf("CreateManager() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := mgr.Ask(context.Background(), "Q", "default", "Q", false); err != nil {
			t.Fatalf("Ask() error = %v", err)
		}
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 when use_cache=false", calls)
	}
	if mgr.Has("Q", "default") {
		t.Error("no cache entry should exist when use_cache=false")
	}
}

func TestFactory_DegradesAfterRepeatedFailures(t *testing.T) {
	cfg := config.ModelCacheConfig{
		ConsecutiveFailureOpen:    2,
		ConsecutiveFailureDisable: 4,
	}
	factory := NewResilientFactory("production", cfg)
	wantErr := errors.New("upstream down")

	failing := func(ctx context.Context, prompt string) (string, error) {
		return "", wantErr
	}
	mgr, err := factory.CreateManager(mustCallerCtx(t, "u1"), failing)
	if err != nil {
		t.Fatalf("CreateManager() error = %v", err)
	}

	// First failure (mode FULL -> DEGRADED): call still fails outright.
	if _, err := mgr.Ask(context.Background(), "Q", "default", "Q", false); !errors.Is(err, wantErr) {
		t.Fatalf("first Ask() error = %v, want %v", err, wantErr)
	}
	if factory.Health().Mode != ModeDegraded {
		t.Fatalf("Mode after 1 failure = %v, want degraded", factory.Health().Mode)
	}

	// Second failure crosses failure_threshold=2: breaker opens, mode
	// becomes FALLBACK_ONLY, and degraded calls return a canned response
	// rather than propagating the error (production profile is not strict).
	result, err := mgr.Ask(context.Background(), "Q", "default", "Q", false)
	if err != nil {
		t.Fatalf("second Ask() error = %v, want canned fallback (no error)", err)
	}
	if result != degradedResponseText {
		t.Fatalf("second Ask() = %q, want degraded canned response", result)
	}

	health := factory.Health()
	if health.Mode != ModeFallbackOnly {
		t.Fatalf("Mode after 2 failures = %v, want fallback_only", health.Mode)
	}
	if !health.CircuitBreakerOpen {
		t.Fatal("circuit breaker should be open after crossing failure_threshold")
	}

	// Subsequent asks return the fallback-only canned text directly,
	// without invoking the (failing) model again.
	result, err = mgr.Ask(context.Background(), "Q", "default", "Q", false)
	if err != nil {
		t.Fatalf("third Ask() error = %v", err)
	}
	if result != fallbackResponseText {
		t.Fatalf("third Ask() = %q, want fallback_only canned response", result)
	}
}

// TestFactory_MaxConsecutiveFailuresDisablesBeforeBreakerOpens covers the
// DISABLED rung directly: with a failure_threshold higher than
// max_consecutive_failures, the disable check fires first.
func TestFactory_MaxConsecutiveFailuresDisablesBeforeBreakerOpens(t *testing.T) {
	cfg := config.ModelCacheConfig{ConsecutiveFailureOpen: 10, ConsecutiveFailureDisable: 2}
	factory := NewResilientFactory("production", cfg)
	failing := func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("down")
	}
	mgr, err := factory.CreateManager(mustCallerCtx(t, "u1"), failing)
	if err != nil {
		t.Fatalf("CreateManager() error = %v", err)
	}

	if _, err := mgr.Ask(context.Background(), "Q", "default", "Q", false); err == nil {
		t.Fatal("first failure should propagate in FULL mode")
	}
	if factory.Health().Mode != ModeDegraded {
		t.Fatalf("Mode after 1 failure = %v, want degraded", factory.Health().Mode)
	}

	if _, err := mgr.Ask(context.Background(), "Q", "default", "Q", false); err != nil {
		t.Fatalf("second failure under degraded mode should fall back, not error: %v", err)
	}
	if factory.Health().Mode != ModeDisabled {
		t.Fatalf("Mode after 2 failures = %v, want disabled", factory.Health().Mode)
	}

	if _, err := factory.CreateManager(mustCallerCtx(t, "u2"), failing); err == nil {
		t.Fatal("CreateManager() on a disabled factory should fail")
	}
}

func TestFactory_RecoveryResetsMode(t *testing.T) {
	cfg := config.ModelCacheConfig{ConsecutiveFailureOpen: 100, ConsecutiveFailureDisable: 100}
	factory := NewResilientFactory("development", cfg)

	succeed := true
	call := func(ctx context.Context, prompt string) (string, error) {
		if succeed {
			return "ok", nil
		}
		return "", errors.New("boom")
	}
	mgr, err := factory.CreateManager(mustCallerCtx(t, "u1"), call)
	if err != nil {
		t.Fatalf("CreateManager() error = %v", err)
	}

	succeed = false
	if _, err := mgr.Ask(context.Background(), "Q", "v", "Q", false); err == nil {
		t.Fatal("expected failure to propagate in FULL mode")
	}
	if factory.Health().Mode != ModeDegraded {
		t.Fatalf("Mode = %v, want degraded after one failure", factory.Health().Mode)
	}

	succeed = true
	if _, err := mgr.Ask(context.Background(), "Q", "v", "Q", false); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if factory.Health().Mode != ModeFull {
		t.Fatalf("Mode = %v, want full after a successful recovery call", factory.Health().Mode)
	}
	if factory.Health().ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after recovery", factory.Health().ConsecutiveFailures)
	}
}

func TestFactory_DisabledRejectsConstruction(t *testing.T) {
	cfg := config.ModelCacheConfig{ConsecutiveFailureOpen: 1, ConsecutiveFailureDisable: 1}
	factory := NewResilientFactory("production", cfg)

	failing := func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("down")
	}
	mgr, err := factory.CreateManager(mustCallerCtx(t, "u1"), failing)
	if err != nil {
		t.Fatalf("CreateManager() error = %v", err)
	}
	if _, err := mgr.Ask(context.Background(), "Q", "v", "Q", false); err == nil {
		t.Fatal("first Ask() still runs in FULL mode and should propagate the real failure")
	}
	if factory.Health().Mode != ModeDisabled {
		t.Fatalf("Mode = %v, want disabled", factory.Health().Mode)
	}

	if _, err := factory.CreateManager(mustCallerCtx(t, "u2"), failing); err == nil {
		t.Fatal("CreateManager() on a disabled factory should fail")
	}
}

func TestFactory_StrictProfileReturnsErrorInsteadOfCannedResponse(t *testing.T) {
	factory := NewResilientFactory("staging", config.ModelCacheConfig{ConsecutiveFailureOpen: 1})
	failing := func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("down")
	}
	mgr, err := factory.CreateManager(mustCallerCtx(t, "u1"), failing)
	if err != nil {
		t.Fatalf("CreateManager() error = %v", err)
	}
	// First failure propagates as a real error (still FULL mode) and
	// opens the breaker (failure_threshold=1), moving to FALLBACK_ONLY.
	if _, err := mgr.Ask(context.Background(), "Q", "v", "Q", false); err == nil {
		t.Fatal("expected the first failure to propagate")
	}
	if factory.Health().Mode != ModeFallbackOnly {
		t.Fatalf("Mode = %v, want fallback_only", factory.Health().Mode)
	}

	// Now in FALLBACK_ONLY under a strict profile: no canned response,
	// an error instead.
	if _, err := mgr.Ask(context.Background(), "Q", "v", "Q", false); err == nil {
		t.Fatal("a strict (staging) profile should surface an error instead of a canned response once fallback mode is reached")
	}
}

// TestNewResilientFactory_ConfigProfileOverridesEnvironment confirms an
// operator-set cfg.Profile selects the profile table entry even when it
// names a different environment than the process is actually running in.
func TestNewResilientFactory_ConfigProfileOverridesEnvironment(t *testing.T) {
	factory := NewResilientFactory("production", config.ModelCacheConfig{
		Profile:                "staging",
		ConsecutiveFailureOpen: 1,
	})

	failing := func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("down")
	}
	mgr, err := factory.CreateManager(mustCallerCtx(t, "u1"), failing)
	if err != nil {
		t.Fatalf("CreateManager() error = %v", err)
	}

	// A single failure opens the breaker: ConsecutiveFailureOpen=1
	// overrides the threshold of whichever profile is selected.
	if _, err := mgr.Ask(context.Background(), "Q", "v", "Q", false); err == nil {
		t.Fatal("expected the first failure to propagate")
	}
	if factory.Health().Mode != ModeFallbackOnly {
		t.Fatalf("Mode = %v, want fallback_only (staging profile wired via cfg.Profile)", factory.Health().Mode)
	}

	// production's profile is not Strict; only staging's is. A canned
	// response here would mean cfg.Profile was ignored in favor of the
	// "production" environment argument.
	if _, err := mgr.Ask(context.Background(), "Q", "v", "Q", false); err == nil {
		t.Fatal("expected the strict staging profile (selected via cfg.Profile) to surface an error, not a canned response")
	}
}
