// Package modelcache implements ScopedModelCache and ResilientFactory
// (C11): a per-caller cache fronting an external model caller, backed by
// a factory that degrades through a FULL -> DEGRADED -> FALLBACK_ONLY ->
// DISABLED ladder as the wrapped call keeps failing, and recovers when it
// starts succeeding again.
package modelcache

import (
	"context"
	"sync"
	"time"

	"relay-agent.dev/core/internal/callerctx"
	"relay-agent.dev/core/internal/config"
	apperrors "relay-agent.dev/core/internal/pkg/errors"
)

// ModelCall is the wrapped external call a Manager guards. Its signature
// is deliberately minimal: a prompt in, a completion out.
type ModelCall func(ctx context.Context, prompt string) (string, error)

const (
	degradedResponseText = "AI services are currently operating in limited mode; this response may be incomplete. Please retry shortly for full functionality."
	fallbackResponseText = "AI services are temporarily unavailable. Please try again later."
)

// Health is a snapshot of a ResilientFactory's current condition.
type Health struct {
	Mode                Mode
	Available           bool
	ConsecutiveFailures int
	LastError           string
	LastSuccessfulCall   time.Time
	CircuitBreakerOpen  bool
	Environment         string
	Performance         PerformanceSnapshot
}

// ResilientFactory is shared by every Manager it creates for one
// environment: it owns the consecutive-failure counter, the circuit
// breaker's open-until timestamp, and the performance tracker, and it
// decides which rung of the degradation ladder every call runs on.
type ResilientFactory struct {
	environment string
	profile     Profile

	mu                  sync.Mutex
	mode                Mode
	consecutiveFailures int
	lastError           string
	lastSuccessfulCall  time.Time
	breakerOpenUntil    time.Time

	perf *performanceTracker
}

// NewResilientFactory builds a factory for environment, using the
// built-in profile for that name overridden by any positive field set in
// cfg (cfg is the operator-facing knob; the profile table supplies
// sensible per-environment defaults when cfg leaves a field at zero).
// cfg.Profile, when set, selects the profile table entry instead of
// environment — this lets an operator pin production-grade thresholds
// (or deliberately loosen them in staging) independent of the process's
// deployment environment.
func NewResilientFactory(environment string, cfg config.ModelCacheConfig) *ResilientFactory {
	profileName := environment
	if cfg.Profile != "" {
		profileName = cfg.Profile
	}
	profile := ProfileFor(profileName)
	if cfg.DegradedTimeout > 0 {
		profile.DegradedTimeout = cfg.DegradedTimeout
	}
	if cfg.ConsecutiveFailureOpen > 0 {
		profile.FailureThreshold = cfg.ConsecutiveFailureOpen
	}
	if cfg.ConsecutiveFailureDisable > 0 {
		profile.MaxConsecutiveFailures = cfg.ConsecutiveFailureDisable
	}
	if cfg.CircuitResetTimeout > 0 {
		profile.ResetTimeout = cfg.CircuitResetTimeout
	}

	return &ResilientFactory{
		environment: environment,
		profile:     profile,
		mode:        ModeFull,
		perf:        newPerformanceTracker(),
	}
}

// CreateManager returns a fresh cache-owning Manager bound to caller.
// Construction fails outright only when the factory is currently
// DISABLED; every other mode hands back a Manager whose Ask behavior
// adapts per call to the factory's live state.
func (f *ResilientFactory) CreateManager(caller *callerctx.Context, call ModelCall) (*Manager, error) {
	if caller == nil {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidCallerContext, "model manager requires a bound caller context")
	}

	f.mu.Lock()
	f.refreshBreaker()
	mode := f.mode
	f.mu.Unlock()

	if mode == ModeDisabled {
		return nil, apperrors.ServiceUnavailable(apperrors.CodeFactoryDisabled, "model factory disabled after repeated failures")
	}

	return &Manager{
		caller:  caller,
		cache:   newCache(),
		call:    call,
		factory: f,
	}, nil
}

// Health returns a snapshot of the factory's current condition.
func (f *ResilientFactory) Health() Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshBreaker()

	return Health{
		Mode:                f.mode,
		Available:           f.mode != ModeDisabled,
		ConsecutiveFailures: f.consecutiveFailures,
		LastError:           f.lastError,
		LastSuccessfulCall:  f.lastSuccessfulCall,
		CircuitBreakerOpen:  !f.breakerOpenUntil.IsZero(),
		Environment:         f.environment,
		Performance:         f.perf.snapshot(),
	}
}

// invoke runs the wrapped call under whichever mode the factory is
// currently in, recording the outcome back onto the factory.
func (f *ResilientFactory) invoke(ctx context.Context, call ModelCall, prompt string) (string, error) {
	f.mu.Lock()
	f.refreshBreaker()
	mode := f.mode
	profile := f.profile
	f.mu.Unlock()

	switch mode {
	case ModeDisabled:
		return "", apperrors.ServiceUnavailable(apperrors.CodeFactoryDisabled, "model factory disabled after repeated failures")
	case ModeFallbackOnly:
		return f.cannedResponse(profile, fallbackResponseText)
	case ModeDegraded:
		return f.callWithTimeout(ctx, call, prompt, profile, profile.DegradedTimeout, degradedResponseText)
	default:
		return f.callWithTimeout(ctx, call, prompt, profile, profile.CallTimeout, "")
	}
}

// callWithTimeout invokes call under a bounded timeout. fallbackText
// empty means a failure propagates as-is (ModeFull); non-empty means a
// failure or timeout is swallowed and a canned response returned instead
// (ModeDegraded), or a service_unavailable error under a strict profile.
func (f *ResilientFactory) callWithTimeout(ctx context.Context, call ModelCall, prompt string, profile Profile, timeout time.Duration, fallbackText string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := call(callCtx, prompt)
	elapsed := time.Since(start)

	if err == nil {
		f.recordSuccess(elapsed)
		return result, nil
	}

	f.recordFailure(err.Error())
	if fallbackText == "" {
		return "", err
	}
	return f.cannedResponse(profile, fallbackText)
}

func (f *ResilientFactory) cannedResponse(profile Profile, text string) (string, error) {
	if profile.Strict {
		return "", apperrors.ServiceUnavailable(apperrors.CodeFactoryDegraded, "model services unavailable in this environment")
	}
	return text, nil
}

func (f *ResilientFactory) recordSuccess(elapsed time.Duration) {
	f.perf.record(elapsed)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.consecutiveFailures = 0
	f.lastSuccessfulCall = time.Now()
	f.lastError = ""
	f.breakerOpenUntil = time.Time{}
	f.mode = ModeFull
}

func (f *ResilientFactory) recordFailure(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.consecutiveFailures++
	f.lastError = msg

	if f.consecutiveFailures >= f.profile.FailureThreshold {
		f.breakerOpenUntil = time.Now().Add(f.profile.ResetTimeout)
	}

	switch {
	case f.consecutiveFailures >= f.profile.MaxConsecutiveFailures:
		f.mode = ModeDisabled
	case !f.breakerOpenUntil.IsZero():
		f.mode = ModeFallbackOnly
	case f.mode == ModeFull:
		f.mode = ModeDegraded
	}
}

// refreshBreaker resets the breaker once its reset_timeout has elapsed.
// Callers must hold f.mu.
func (f *ResilientFactory) refreshBreaker() {
	if f.breakerOpenUntil.IsZero() {
		return
	}
	if time.Now().Before(f.breakerOpenUntil) {
		return
	}
	f.breakerOpenUntil = time.Time{}
	f.consecutiveFailures = 0
	if f.mode != ModeDisabled {
		f.mode = ModeFull
	}
}
