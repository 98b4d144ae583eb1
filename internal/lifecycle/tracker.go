// Package lifecycle implements ResourceTracker (C2) and AppLifecycle (C3):
// shutdown-ordered resource registration and startup/shutdown sequencing
// for the process as a whole.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay-agent.dev/core/internal/pkg/errors"
	"relay-agent.dev/core/internal/pkg/logger"
)

// record is a ResourceRecord: a named, prioritized Closable. Higher
// priority closes earlier; lower priorities close last.
type record struct {
	name      string
	resource  any
	closable  Closable
	priority  int
	registeredAt int64 // monotonic registration sequence, not wall time
}

// Tracker is the ResourceTracker (C2): it registers resources with a
// shutdown priority and closes them in reverse-priority order under a
// total time budget.
type Tracker struct {
	mu           sync.Mutex
	resources    map[string]*record
	seq          int64
	shuttingDown bool
	shutDown     bool
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{resources: make(map[string]*record)}
}

// Register adds a named resource with an optional explicit cleanup
// callback and a shutdown priority. It fails with a lifecycle error if
// shutdown has begun, and with a conflict error if the name is already
// registered.
func (t *Tracker) Register(name string, resource any, cleanup CallbackCloser, priority int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shuttingDown {
		return errors.Lifecycle(errors.CodeShutdownInProgress, "cannot register resource: shutdown in progress").
			WithDetails(map[string]any{"name": name})
	}
	if _, exists := t.resources[name]; exists {
		return errors.Conflict(errors.CodeDuplicateResource, "resource name already registered").
			WithDetails(map[string]any{"name": name})
	}

	closable, ok := resolveClosable(resource, cleanup)
	if !ok {
		return errors.BadRequest(errors.CodeValidationFailed, "resource has no cleanup callback, Shutdown(), or Close() method").
			WithDetails(map[string]any{"name": name})
	}

	t.seq++
	t.resources[name] = &record{
		name:         name,
		resource:     resource,
		closable:     closable,
		priority:     priority,
		registeredAt: t.seq,
	}
	return nil
}

// Get returns a previously registered resource by name.
func (t *Tracker) Get(name string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.resources[name]
	if !ok {
		return nil, false
	}
	return r.resource, true
}

// Unregister removes a resource without closing it, returning whether it
// was present.
func (t *Tracker) Unregister(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.resources[name]; !ok {
		return false
	}
	delete(t.resources, name)
	return true
}

// ShutdownAll closes every registered resource, idempotently. Resources are
// closed in priority-descending order; ties are broken by reverse
// registration order. Each resource is allotted totalTimeout/N, where N is
// the resource count observed at the start of this call; an individual
// overrun is logged but does not cancel the remaining shutdowns. Once this
// returns, no registered resource is used again.
func (t *Tracker) ShutdownAll(ctx context.Context, totalTimeout time.Duration) error {
	t.mu.Lock()
	if t.shutDown {
		t.mu.Unlock()
		return nil
	}
	t.shuttingDown = true

	ordered := make([]*record, 0, len(t.resources))
	for _, r := range t.resources {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority > ordered[j].priority
		}
		return ordered[i].registeredAt > ordered[j].registeredAt
	})
	t.mu.Unlock()

	n := len(ordered)
	perResource := totalTimeout
	if n > 0 {
		perResource = totalTimeout / time.Duration(n)
	}

	for _, r := range ordered {
		resourceCtx, cancel := context.WithTimeout(ctx, perResource)
		err := r.closable.Close(resourceCtx)
		cancel()
		if err != nil {
			logger.Warn("resource shutdown failed",
				zap.String("name", r.name),
				zap.Int("priority", r.priority),
				zap.Error(err),
			)
		}
	}

	t.mu.Lock()
	t.resources = make(map[string]*record)
	t.shutDown = true
	t.mu.Unlock()
	return nil
}
