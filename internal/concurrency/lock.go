// Package concurrency provides the primitive building blocks workers
// compose around a caller context: NamedLock, RateLimiter, CircuitBreaker,
// TaskPool, ResourcePool, and BatchProcessor.
package concurrency

import (
	"context"
	"sync"
	"time"

	"relay-agent.dev/core/internal/callerctx"
	"relay-agent.dev/core/internal/pkg/errors"
)

// LockInfo is a snapshot of a NamedLock's current holder state.
type LockInfo struct {
	Name         string
	Locked       bool
	AcquiredAt   time.Time
	AcquiredBy   string // correlation id of the holder, at acquisition time
	HeldFor      time.Duration
}

// NamedLock is C4: exclusive, non-reentrant mutual exclusion with
// timeout-bounded acquisition and holder telemetry.
type NamedLock struct {
	name string

	mu         sync.Mutex // guards the fields below, not the exclusion itself
	locked     bool
	acquiredAt time.Time
	acquiredBy string

	sem chan struct{} // capacity 1; holding a token is holding the lock
}

// NewNamedLock constructs an unlocked NamedLock identified by name (used
// only for diagnostics/LockInfo, not for lookup).
func NewNamedLock(name string) *NamedLock {
	return &NamedLock{
		name: name,
		sem:  make(chan struct{}, 1),
	}
}

// Acquire attempts to take the lock, waiting up to timeout. A timeout of 0
// returns false synchronously if the lock is already held.
func (l *NamedLock) Acquire(ctx context.Context, timeout time.Duration) bool {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	} else {
		closed := make(chan time.Time)
		close(closed)
		timeoutCh = closed
	}

	select {
	case l.sem <- struct{}{}:
		l.mu.Lock()
		l.locked = true
		l.acquiredAt = time.Now()
		l.acquiredBy = callerctx.CorrelationIDOrEmpty(ctx)
		l.mu.Unlock()
		return true
	case <-timeoutCh:
		// one last non-blocking attempt in case the lock freed exactly as
		// the timer fired
		select {
		case l.sem <- struct{}{}:
			l.mu.Lock()
			l.locked = true
			l.acquiredAt = time.Now()
			l.acquiredBy = callerctx.CorrelationIDOrEmpty(ctx)
			l.mu.Unlock()
			return true
		default:
			return false
		}
	case <-ctx.Done():
		return false
	}
}

// AcquireScope acquires the lock, returning a release function. On miss it
// returns a timeout AppError; the release function is always safe to call
// (it is a no-op if acquisition failed).
func (l *NamedLock) AcquireScope(ctx context.Context, timeout time.Duration) (func(), error) {
	if !l.Acquire(ctx, timeout) {
		return func() {}, errors.Timeout(errors.CodeLockTimeout, "failed to acquire lock within timeout").
			WithDetails(map[string]any{"name": l.name})
	}
	return l.Release, nil
}

// Release releases the lock. Releasing an unheld lock is a no-op.
func (l *NamedLock) Release() {
	select {
	case <-l.sem:
		l.mu.Lock()
		l.locked = false
		l.acquiredBy = ""
		l.mu.Unlock()
	default:
	}
}

// Info returns a snapshot of the lock's current holder state.
func (l *NamedLock) Info() LockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	info := LockInfo{
		Name:       l.name,
		Locked:     l.locked,
		AcquiredBy: l.acquiredBy,
	}
	if l.locked {
		info.AcquiredAt = l.acquiredAt
		info.HeldFor = time.Since(l.acquiredAt)
	}
	return info
}
