package adapter

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager manages registered adapters, handling their lifecycle as a
// group. Adapters may also be registered after StartAll; they are
// started immediately when the manager is already running.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	started  bool
	runCtx   context.Context
}

// NewManager creates an empty adapter manager.
func NewManager() *Manager {
	return &Manager{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. When the manager is already started the
// adapter is started immediately.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	m.adapters[a.Name()] = a
	started, ctx := m.started, m.runCtx
	m.mu.Unlock()

	if started {
		if err := a.Start(ctx); err != nil {
			slog.Error("failed to start adapter", "adapter", a.Name(), "error", err)
		}
	}
}

// Unregister stops and removes an adapter by name.
func (m *Manager) Unregister(ctx context.Context, name string) {
	m.mu.Lock()
	a, ok := m.adapters[name]
	delete(m.adapters, name)
	m.mu.Unlock()

	if ok {
		if err := a.Stop(ctx); err != nil {
			slog.Error("error stopping adapter", "adapter", name, "error", err)
		}
	}
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// Names returns the names of registered adapters.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered adapter concurrently and returns the
// first startup error, if any. Individual failures are logged; the
// remaining adapters keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	m.runCtx = ctx
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	if len(adapters) == 0 {
		slog.Warn("no adapters enabled")
		return nil
	}

	slog.Info("starting all adapters", "count", len(adapters))
	var g errgroup.Group
	for _, a := range adapters {
		g.Go(func() error {
			slog.Info("starting adapter", "adapter", a.Name())
			if err := a.Start(ctx); err != nil {
				slog.Error("failed to start adapter", "adapter", a.Name(), "error", err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	slog.Info("all adapters started")
	return err
}

// StopAll gracefully stops every registered adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	m.started = false
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	slog.Info("stopping all adapters")
	for _, a := range adapters {
		if err := a.Stop(ctx); err != nil {
			slog.Error("error stopping adapter", "adapter", a.Name(), "error", err)
		}
	}
	slog.Info("all adapters stopped")
}
