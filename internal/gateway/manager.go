package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager orchestrates adapter lifecycle on top of the Registry.
// It owns the one-time registration of all compiled-in adapters and exposes
// a protocol-agnostic connect/disconnect/send entry point.
type Manager struct {
	l        *slog.Logger
	registry *Registry

	mu          sync.Mutex
	initialized bool
	candidates  []Adapter
}

// NewManager creates a Manager over the given registry. The candidate
// adapters are registered on the first Initialize call; a nil candidate
// stands for an adapter whose transport dependency is absent in this
// deployment and is skipped.
func NewManager(l *slog.Logger, registry *Registry, candidates ...Adapter) *Manager {
	return &Manager{
		l:          l.With(slog.String("component", "gateway-manager")),
		registry:   registry,
		candidates: candidates,
	}
}

// Initialize registers all candidate adapters. Idempotent: a second call is
// a no-op, not an error.
func (m *Manager) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		m.l.Debug("already initialized, skipping")

		return
	}

	for _, a := range m.candidates {
		if a == nil {
			continue
		}

		m.registry.Register(a)
	}

	m.initialized = true
	m.l.Info("protocol adapters registered", slog.Int("count", len(m.registry.Protocols())))
}

// StartAll starts every registered adapter and returns the per-protocol
// results plus aggregate counts.
func (m *Manager) StartAll(ctx context.Context) (results map[string]bool, started, failed int) {
	results = m.registry.StartAll(ctx)
	for _, ok := range results {
		if ok {
			started++
		} else {
			failed++
		}
	}

	m.l.Info("adapters started", slog.Int("started", started), slog.Int("failed", failed))

	return results, started, failed
}

// StopAll stops every registered adapter and returns the per-protocol
// results plus aggregate counts.
func (m *Manager) StopAll(ctx context.Context) (results map[string]bool, stopped, failed int) {
	results = m.registry.StopAll(ctx)
	for _, ok := range results {
		if ok {
			stopped++
		} else {
			failed++
		}
	}

	m.l.Info("adapters stopped", slog.Int("stopped", stopped), slog.Int("failed", failed))

	return results, stopped, failed
}

// RestartProtocol stops and restarts one adapter. Any failure is returned,
// never propagated as a panic; a stop failure is logged but does not abort
// the restart.
func (m *Manager) RestartProtocol(ctx context.Context, protocol string) error {
	adapter, ok := m.registry.Lookup(protocol)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}

	m.l.Info("restarting adapter", slog.String("protocol", protocol))

	if err := adapter.Stop(ctx); err != nil {
		m.l.Warn("stop failed during restart", slog.String("protocol", protocol), slog.Any("error", err))
	}

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("failed to restart %s adapter: %w", protocol, err)
	}

	return nil
}

// ConnectDevice resolves the adapter from the device's routing metadata and
// opens the per-device session.
func (m *Manager) ConnectDevice(ctx context.Context, meta DeviceMetadata) error {
	adapter, ok := m.registry.Lookup(meta.Protocol)
	if !ok {
		return fmt.Errorf("%w: %q for device %q", ErrUnknownProtocol, meta.Protocol, meta.DeviceID)
	}

	return adapter.ConnectDevice(ctx, meta.DeviceID, meta.Config)
}

// DisconnectDevice resolves the adapter and tears down the device session.
func (m *Manager) DisconnectDevice(ctx context.Context, meta DeviceMetadata) error {
	adapter, ok := m.registry.Lookup(meta.Protocol)
	if !ok {
		return fmt.Errorf("%w: %q for device %q", ErrUnknownProtocol, meta.Protocol, meta.DeviceID)
	}

	return adapter.DisconnectDevice(ctx, meta.DeviceID)
}

// SendCommand delegates to the registry's protocol resolution.
func (m *Manager) SendCommand(ctx context.Context, meta DeviceMetadata, cmd *Command) error {
	return m.registry.SendCommandToDevice(ctx, meta, cmd)
}

// Status returns the health entry of every registered adapter.
func (m *Manager) Status() []AdapterStatus {
	return m.registry.Status()
}
