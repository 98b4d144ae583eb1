package concurrency

import (
	"sync"
	"time"

	"relay-agent.dev/core/internal/pkg/errors"
)

// BreakerState is the CircuitBreaker state machine's current phase.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// FailurePredicate reports whether err counts as a breaker failure. Errors
// that do not match are re-raised unchanged and never affect breaker
// state.
type FailurePredicate func(err error) bool

// CircuitBreaker is C6: downstream fault isolation via the classic
// closed/open/half-open state machine. All transitions occur under a
// single internal mutex.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	predicate        FailurePredicate

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker constructs a CLOSED breaker. predicate defaults to
// "every non-nil error counts" when nil.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, predicate FailurePredicate) *CircuitBreaker {
	if predicate == nil {
		predicate = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		predicate:        predicate,
		state:            StateClosed,
	}
}

// Call runs fn through the breaker. While OPEN and the reset timeout has
// not elapsed, fn is never invoked and a circuit_open AppError is
// returned. Errors not matched by the predicate are returned unchanged and
// never affect breaker state.
func (b *CircuitBreaker) Call(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()

	if err == nil {
		b.recordSuccess()
		return nil
	}
	if !b.predicate(err) {
		return err
	}
	b.recordFailure()
	return err
}

// beforeCall enforces OPEN rejection and performs the OPEN→HALF_OPEN
// transition when the reset timeout has elapsed.
func (b *CircuitBreaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			return errors.CircuitOpen(errors.CodeCircuitOpen, "circuit breaker is open").
				WithDetails(map[string]any{
					"name":       b.name,
					"open_until": b.lastFailure.Add(b.resetTimeout),
				})
		}
		b.state = StateHalfOpen
	}
	return nil
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = StateOpen
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
