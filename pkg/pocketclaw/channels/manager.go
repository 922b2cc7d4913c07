package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager is the registry of adapters. Start and Stop fan out to every
// adapter concurrently; Send routes by channel name.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		adapters: make(map[string]Adapter),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds an adapter. Registering a name again replaces the previous
// adapter.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := a.Name()
	if _, exists := m.adapters[name]; exists {
		m.logger.Warn("channel replaced", "channel", name)
	} else {
		m.logger.Info("channel registered", "channel", name)
	}
	m.adapters[name] = a
}

// Start starts every adapter concurrently and waits for all of them. One
// adapter failing does not keep the others from starting; the first error
// is returned. Each adapter receives a context tagged with its name (see
// ChannelFromContext).
func (m *Manager) Start(ctx context.Context, handler MessageHandler) error {
	snapshot := m.snapshot()
	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	var g errgroup.Group
	for _, a := range snapshot {
		g.Go(func() error {
			if err := a.Start(WithChannel(ctx, a.Name()), handler); err != nil {
				m.logger.Error("channel failed to start", "channel", a.Name(), "error", err)
				return fmt.Errorf("start %s: %w", a.Name(), err)
			}
			m.logger.Info("channel started", "channel", a.Name())
			return nil
		})
	}
	return g.Wait()
}

// Stop stops every adapter concurrently and returns the first error.
func (m *Manager) Stop() error {
	var g errgroup.Group
	for _, a := range m.snapshot() {
		g.Go(func() error {
			if err := a.Stop(); err != nil {
				m.logger.Error("channel failed to stop", "channel", a.Name(), "error", err)
				return fmt.Errorf("stop %s: %w", a.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.logger.Info("channels stopped")
	return err
}

// Send delivers text through the named adapter. Adapter errors are
// returned as is; there is no retry at this layer.
func (m *Manager) Send(ctx context.Context, name, userID, text string) error {
	a, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return a.Send(ctx, userID, text)
}

// Get returns the adapter registered under name.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// Channels returns the registered names, sorted.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return out
}
