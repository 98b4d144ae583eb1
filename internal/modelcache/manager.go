package modelcache

import (
	"context"

	"relay-agent.dev/core/internal/callerctx"
)

// Manager is a caller-bound facade over a ResilientFactory: it owns a
// private Cache, and every Ask is keyed by its bound caller's ID so two
// managers with different callers never observe each other's entries,
// even if (by mistake) they shared a Cache instance.
type Manager struct {
	caller  *callerctx.Context
	cache   *Cache
	call    ModelCall
	factory *ResilientFactory
}

// Ask resolves prompt for (logicalKey, variant) under the manager's bound
// caller. When useCache is true and a prior Ask cached a result under the
// same key, that cached value is returned without invoking the model.
func (m *Manager) Ask(ctx context.Context, logicalKey, variant, prompt string, useCache bool) (string, error) {
	key := CacheKey(m.caller.CallerID(), logicalKey, variant)

	if useCache {
		if v, ok := m.cache.Get(key); ok {
			return v, nil
		}
	}

	result, err := m.factory.invoke(ctx, m.call, prompt)
	if err != nil {
		return "", err
	}

	if useCache {
		m.cache.Put(key, result)
	}
	return result, nil
}

// Has reports whether a cached entry exists for (logicalKey, variant)
// under the manager's bound caller.
func (m *Manager) Has(logicalKey, variant string) bool {
	return m.cache.Has(CacheKey(m.caller.CallerID(), logicalKey, variant))
}

// CacheSize returns the number of entries in the manager's private cache.
func (m *Manager) CacheSize() int {
	return m.cache.Len()
}

// Mode returns the factory's current mode, as observed right now. Two
// managers sharing a factory always see the same mode.
func (m *Manager) Mode() Mode {
	return m.factory.Health().Mode
}
