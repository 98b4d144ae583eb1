// Package health implements HealthMonitor (C10): periodic execution of
// registered probes with a cached last result per probe.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay-agent.dev/core/internal/pkg/logger"
)

// probeTimeout bounds every individual probe invocation.
const probeTimeout = 10 * time.Second

// Probe is a named health check. It returns a result payload, or an error
// if the component it checks is unhealthy.
type Probe func(ctx context.Context) (any, error)

// Status is the cached outcome of the most recent run of one probe.
type Status struct {
	Healthy  bool
	Result   any
	Err      error
	Duration time.Duration
	At       time.Time
}

// Monitor is C10: it runs every registered probe on a fixed interval,
// isolating failures per probe so one bad probe never halts the loop.
type Monitor struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	results map[string]Status

	stopCh   chan struct{}
	stopOnce sync.Once
	running  bool
}

// NewMonitor constructs an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		probes:  make(map[string]Probe),
		results: make(map[string]Status),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a named probe. Registering a name twice replaces the
// previous probe.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Start launches the monitoring loop: an immediate pass, then one pass
// every interval, until Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.runAll(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runAll(ctx)
			}
		}
	}()
}

// Stop cancels the monitoring loop cooperatively. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) runAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.probes))
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		names = append(names, name)
		probes[name] = p
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.runOne(ctx, name, probes[name])
	}
}

func (m *Monitor) runOne(ctx context.Context, name string, probe Probe) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	result, err := safeProbe(probeCtx, probe)
	duration := time.Since(start)

	status := Status{
		Healthy:  err == nil,
		Result:   result,
		Err:      err,
		Duration: duration,
		At:       time.Now(),
	}

	if err != nil {
		logger.Warn("health probe failed", zap.String("probe", name), zap.Error(err))
	}

	m.mu.Lock()
	m.results[name] = status
	m.mu.Unlock()
}

// safeProbe isolates a panic inside a probe, converting it into an error
// so one misbehaving probe cannot terminate the monitoring loop.
func safeProbe(ctx context.Context, probe Probe) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errUnhealthyPanic{r}
		}
	}()
	return probe(ctx)
}

type errUnhealthyPanic struct{ value any }

func (e errUnhealthyPanic) Error() string {
	return "health probe panicked"
}

// Result returns the last cached result for name.
func (m *Monitor) Result(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.results[name]
	return s, ok
}

// IsHealthy returns true iff every last recorded result is healthy, and
// true when no probes have reported yet.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.results {
		if !s.Healthy {
			return false
		}
	}
	return true
}
