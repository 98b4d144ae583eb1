package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"relay-agent.dev/core/internal/pkg/errors"
	"relay-agent.dev/core/internal/pkg/logger"
)

// DefaultMaxConcurrent is TaskPool's default concurrency bound.
const DefaultMaxConcurrent = 100

// DefaultShutdownTimeout bounds how long Shutdown waits for in-flight work
// to drain before giving up (the overrun is logged, not raised).
const DefaultShutdownTimeout = 30 * time.Second

// Task is a context-aware unit of work. Work is expected to be
// cancellation-aware: it should observe ctx.Done() at its own suspension
// points.
type Task func(ctx context.Context)

// TaskHandle is an opaque reference to in-flight work submitted via
// SubmitBackground. Cancelling it is idempotent.
type TaskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Cancel requests cancellation of the underlying task. Safe to call more
// than once.
func (h *TaskHandle) Cancel() {
	h.once.Do(h.cancel)
}

// Done reports whether the task has finished.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// TaskPool is C7: a bounded-concurrency scheduler for foreground
// (Submit) and background (SubmitBackground) work, backed by an ants
// goroutine pool. There is no FIFO guarantee among submissions waiting on
// the concurrency token.
type TaskPool struct {
	name string
	pool *ants.Pool

	mu           sync.Mutex
	handles      map[*TaskHandle]struct{}
	shuttingDown bool
}

// NewTaskPool constructs a TaskPool bounded to maxConcurrent in-flight
// tasks.
func NewTaskPool(name string, maxConcurrent int) (*TaskPool, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	pool, err := ants.NewPool(maxConcurrent,
		ants.WithPanicHandler(func(p any) {
			logger.Error("task pool panic recovered", zap.Any("panic", p), zap.String("pool", name))
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &TaskPool{
		name:    name,
		pool:    pool,
		handles: make(map[*TaskHandle]struct{}),
	}, nil
}

// Submit runs task, acquiring one of max_concurrent tokens, and blocks
// until it completes. Rejects with a lifecycle error once Shutdown has
// begun.
func (p *TaskPool) Submit(ctx context.Context, task Task) error {
	if err := p.rejectIfShuttingDown(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	done := make(chan struct{})
	err := p.pool.Submit(func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		default:
		}
		task(ctx)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// SubmitBackground runs task detached (fire-and-forget) under taskCtx
// (derived from ctx, captured at submit time), returning a TaskHandle the
// pool retains until completion so it cannot be garbage-collected early.
// Rejects with a lifecycle error once Shutdown has begun.
func (p *TaskPool) SubmitBackground(ctx context.Context, task Task) (*TaskHandle, error) {
	if err := p.rejectIfShuttingDown(); err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	handle := &TaskHandle{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.handles[handle] = struct{}{}
	p.mu.Unlock()

	err := p.pool.Submit(func() {
		defer func() {
			close(handle.done)
			p.mu.Lock()
			delete(p.handles, handle)
			p.mu.Unlock()
			cancel()
		}()
		select {
		case <-taskCtx.Done():
			return
		default:
		}
		task(taskCtx)
	})
	if err != nil {
		p.mu.Lock()
		delete(p.handles, handle)
		p.mu.Unlock()
		cancel()
		return nil, err
	}
	return handle, nil
}

// ActiveCount returns the number of tracked background handles.
func (p *TaskPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *TaskPool) rejectIfShuttingDown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shuttingDown {
		return errors.Lifecycle(errors.CodeTaskPoolShutdown, "task pool is shutting down").
			WithDetails(map[string]any{"pool": p.name})
	}
	return nil
}

// Shutdown sets the shutting-down flag (rejecting new submissions),
// cancels every tracked handle, then waits up to timeout for all tracked
// work to finish; an overrun is logged, not raised. Idempotent.
func (p *TaskPool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	handles := make([]*TaskHandle, 0, len(p.handles))
	for h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}

	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

waitLoop:
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-deadline.C:
			logger.Warn("task pool shutdown timed out waiting for in-flight work", zap.String("pool", p.name))
			break waitLoop
		}
	}

	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("task pool release timed out", zap.String("pool", p.name), zap.Error(err))
	}
}
