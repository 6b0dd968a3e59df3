package supervisor

import (
	"context"
	"fmt"
	"sync"
)

// Manager indexes supervisors per backend identifier.
type Manager struct {
	mu          sync.RWMutex
	supervisors map[string]*Supervisor
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{supervisors: make(map[string]*Supervisor)}
}

// Add registers a supervisor, replacing any previous one for that backend.
func (m *Manager) Add(sup *Supervisor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supervisors[sup.Backend()] = sup
}

// Get returns the supervisor for a backend.
func (m *Manager) Get(backend string) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.supervisors[backend]
	return sup, ok
}

// Start launches one backend service.
func (m *Manager) Start(ctx context.Context, backend string) *StartResult {
	sup, ok := m.Get(backend)
	if !ok {
		return &StartResult{Success: false, Message: fmt.Sprintf("no supervisor for backend %q", backend)}
	}
	return sup.Start(ctx)
}

// Stop terminates one backend service.
func (m *Manager) Stop(ctx context.Context, backend string) *StartResult {
	sup, ok := m.Get(backend)
	if !ok {
		return &StartResult{Success: false, Message: fmt.Sprintf("no supervisor for backend %q", backend)}
	}
	return sup.Stop(ctx)
}

// Restart bounces one backend service.
func (m *Manager) Restart(ctx context.Context, backend string) *StartResult {
	sup, ok := m.Get(backend)
	if !ok {
		return &StartResult{Success: false, Message: fmt.Sprintf("no supervisor for backend %q", backend)}
	}
	return sup.Restart(ctx)
}

// Status returns the live status of one backend service.
func (m *Manager) Status(ctx context.Context, backend string) (*Status, bool) {
	sup, ok := m.Get(backend)
	if !ok {
		return nil, false
	}
	return sup.Status(ctx), true
}

// StatusAll reports every registered service.
func (m *Manager) StatusAll(ctx context.Context) []*Status {
	m.mu.RLock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.RUnlock()

	statuses := make([]*Status, 0, len(sups))
	for _, sup := range sups {
		statuses = append(statuses, sup.Status(ctx))
	}
	return statuses
}

// StopAll terminates every running service. Used during shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.RUnlock()

	for _, sup := range sups {
		if sup.State() != StateStopped {
			_ = sup.Stop(ctx)
		}
	}
}
