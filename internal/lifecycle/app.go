package lifecycle

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"relay-agent.dev/core/internal/pkg/logger"
)

// shutdownCallbackTimeout bounds each individual shutdown callback so one
// slow callback cannot stall the others.
const shutdownCallbackTimeout = 5 * time.Second

// defaultShutdownTimeout is used when App.Shutdown is called without an
// explicit timeout.
const defaultShutdownTimeout = 30 * time.Second

// Callback is a startup or shutdown hook.
type Callback func(ctx context.Context) error

// App is AppLifecycle (C3): startup/shutdown sequencing, signal handling,
// and shutdown-signal broadcast on top of a Tracker.
type App struct {
	tracker *Tracker

	mu        sync.Mutex
	startup   []Callback
	shutdown  []Callback
	started   bool
	stopped   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	sigCancel context.CancelFunc
}

// NewApp constructs an App bound to tracker. tracker may be nil, in which
// case shutdown only runs the registered shutdown callbacks.
func NewApp(tracker *Tracker) *App {
	return &App{
		tracker: tracker,
		stopCh:  make(chan struct{}),
	}
}

// RegisterStartup appends a startup callback, run in registration order by
// Startup.
func (a *App) RegisterStartup(cb Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startup = append(a.startup, cb)
}

// RegisterShutdown appends a shutdown callback, run in registration order
// by Shutdown, each bounded by shutdownCallbackTimeout.
func (a *App) RegisterShutdown(cb Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = append(a.shutdown, cb)
}

// Startup runs every registered startup callback in order. If any fails,
// Shutdown is invoked and the original error is returned. Idempotent: a
// second call is a no-op.
func (a *App) Startup(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	callbacks := append([]Callback(nil), a.startup...)
	a.mu.Unlock()

	// register OS signal handling once startup begins, mirroring the
	// source's "trap SIGTERM/SIGINT to set a broadcast shutdown signal".
	a.registerSignalHandler()

	for _, cb := range callbacks {
		if err := cb(ctx); err != nil {
			a.Shutdown(context.Background(), defaultShutdownTimeout)
			return err
		}
	}
	return nil
}

// registerSignalHandler traps SIGTERM/SIGINT and broadcasts shutdown via
// stopCh, unblocking WaitForShutdown.
func (a *App) registerSignalHandler() {
	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	a.sigCancel = cancel
	go func() {
		<-sigCtx.Done()
		a.broadcastShutdown()
	}()
}

func (a *App) broadcastShutdown() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
}

// WaitForShutdown blocks until a termination signal is trapped or Shutdown
// is called directly.
func (a *App) WaitForShutdown() {
	<-a.stopCh
}

// Shutdown runs every registered shutdown callback (each bounded, errors
// isolated), then drains the resource tracker. Idempotent.
func (a *App) Shutdown(ctx context.Context, timeout time.Duration) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	callbacks := append([]Callback(nil), a.shutdown...)
	a.mu.Unlock()

	a.broadcastShutdown()
	if a.sigCancel != nil {
		a.sigCancel()
	}

	for _, cb := range callbacks {
		cbCtx, cancel := context.WithTimeout(ctx, shutdownCallbackTimeout)
		if err := cb(cbCtx); err != nil {
			logger.Warn("shutdown callback failed", zap.Error(err))
		}
		cancel()
	}

	if a.tracker != nil {
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		_ = a.tracker.ShutdownAll(ctx, timeout)
	}
}

// Lifespan runs fn between Startup and Shutdown, guaranteeing Shutdown runs
// even if fn panics or returns an error, and propagates fn's error.
func (a *App) Lifespan(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := a.Startup(ctx); err != nil {
		return err
	}
	defer a.Shutdown(context.Background(), timeout)
	return fn(ctx)
}
