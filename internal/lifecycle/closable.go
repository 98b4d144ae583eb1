package lifecycle

import "context"

// Closable is the single-method capability every tracked resource is
// normalized to before shutdown. It replaces the duck-typed dispatch
// ("call .shutdown() if present, else .close() if present") of the source
// system with an explicit, typed interface plus adapters.
type Closable interface {
	Close(ctx context.Context) error
}

// CallbackCloser adapts an explicit cleanup callback into a Closable. This
// is the first-preference pattern: register(name, resource, cleanup).
type CallbackCloser func(ctx context.Context) error

// Close implements Closable.
func (f CallbackCloser) Close(ctx context.Context) error { return f(ctx) }

// shutdowner is the first duck-typed source pattern: a resource exposing a
// parameterless Shutdown.
type shutdowner interface {
	Shutdown() error
}

// closer is the second duck-typed source pattern: a resource exposing a
// parameterless Close.
type closer interface {
	Close() error
}

// shutdownerAdapter adapts a shutdowner into a Closable.
type shutdownerAdapter struct{ impl shutdowner }

func (a shutdownerAdapter) Close(_ context.Context) error { return a.impl.Shutdown() }

// closerAdapter adapts a closer into a Closable.
type closerAdapter struct{ impl closer }

func (a closerAdapter) Close(_ context.Context) error { return a.impl.Close() }

// resolveClosable normalizes a registered resource into a Closable,
// preferring in order: an explicit cleanup callback, a Closable the
// resource already implements, a Shutdown() method, a Close() method.
// Returns false if none apply.
func resolveClosable(resource any, cleanup CallbackCloser) (Closable, bool) {
	if cleanup != nil {
		return cleanup, true
	}
	if c, ok := resource.(Closable); ok {
		return c, true
	}
	if s, ok := resource.(shutdowner); ok {
		return shutdownerAdapter{s}, true
	}
	if c, ok := resource.(closer); ok {
		return closerAdapter{c}, true
	}
	return nil, false
}
