package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the process-wide table from protocol name to adapter instance.
// It is constructed once at the composition root and passed to everything
// that needs to resolve an adapter. Reads vastly outnumber writes.
type Registry struct {
	l *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry(l *slog.Logger) *Registry {
	return &Registry{
		l:        l.With(slog.String("component", "adapter-registry")),
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under its protocol name.
// Re-registering replaces the previous adapter with a warning.
func (r *Registry) Register(a Adapter) {
	protocol := a.Protocol()

	r.mu.Lock()
	_, replaced := r.adapters[protocol]
	r.adapters[protocol] = a
	r.mu.Unlock()

	if replaced {
		r.l.Warn("replacing already registered adapter", slog.String("protocol", protocol))
	} else {
		r.l.Info("registered adapter", slog.String("protocol", protocol))
	}
}

// Unregister removes the adapter for protocol and reports whether it existed.
func (r *Registry) Unregister(protocol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.adapters[protocol]
	delete(r.adapters, protocol)

	return ok
}

// Lookup returns the adapter registered for protocol.
func (r *Registry) Lookup(protocol string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[protocol]

	return a, ok
}

// Protocols returns the names of all registered protocols.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}

	return names
}

// StartAll starts every registered adapter concurrently and joins on all
// results. One adapter's failure never prevents the others from starting.
func (r *Registry) StartAll(ctx context.Context) map[string]bool {
	return r.forEach(ctx, "start", Adapter.Start)
}

// StopAll stops every registered adapter concurrently and joins on all results.
func (r *Registry) StopAll(ctx context.Context) map[string]bool {
	return r.forEach(ctx, "stop", Adapter.Stop)
}

func (r *Registry) forEach(ctx context.Context, op string, fn func(Adapter, context.Context) error) map[string]bool {
	r.mu.RLock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for name, a := range r.adapters {
		adapters[name] = a
	}
	r.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]bool, len(adapters))
	)

	for name, a := range adapters {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := fn(a, ctx)
			if err != nil {
				r.l.Error("adapter operation failed",
					slog.String("protocol", name),
					slog.String("operation", op),
					slog.Any("error", err),
				)
			}

			mu.Lock()
			results[name] = err == nil
			mu.Unlock()
		}()
	}

	wg.Wait()

	return results
}

// SendCommandToDevice resolves the adapter from the device's routing metadata
// and dispatches the command. An unknown protocol is a hard configuration
// error: it indicates a misconfigured device record, not a transient fault.
func (r *Registry) SendCommandToDevice(ctx context.Context, meta DeviceMetadata, cmd *Command) error {
	adapter, ok := r.Lookup(meta.Protocol)
	if !ok {
		return fmt.Errorf("%w: %q for device %q", ErrUnknownProtocol, meta.Protocol, meta.DeviceID)
	}

	return adapter.SendCommand(ctx, meta.DeviceID, cmd)
}

// Status returns the health entry of every registered adapter.
func (r *Registry) Status() []AdapterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]AdapterStatus, 0, len(r.adapters))
	for _, a := range r.adapters {
		statuses = append(statuses, a.Status())
	}

	return statuses
}
