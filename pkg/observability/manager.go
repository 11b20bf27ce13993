package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/conductor/pkg/config"
)

// Manager owns the process-wide tracer provider and metrics recorder.
type Manager struct {
	mu             sync.RWMutex
	cfg            config.ObservabilityConfig
	tracerProvider trace.TracerProvider
	recorder       *Recorder
}

// NewManager creates an uninitialized manager.
func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Initialize sets up tracing and metrics per config.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitTracer(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	recorder, err := InitMetrics(m.cfg.MetricsEnabled)
	if err != nil {
		return err
	}
	m.recorder = recorder
	return nil
}

// Recorder returns the metrics recorder. Safe to call before Initialize;
// an uninitialized recorder is a no-op.
func (m *Manager) Recorder() *Recorder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.recorder == nil {
		return &Recorder{}
	}
	return m.recorder
}

// Tracer returns a named tracer.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracerProvider == nil {
		return GetTracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sd, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return sd.Shutdown(ctx)
	}
	return nil
}
