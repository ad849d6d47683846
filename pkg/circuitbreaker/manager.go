package circuitbreaker

import "sync"

// Manager holds one breaker per tool server. It is process-wide state owned
// by the orchestrator: created at start, discarded at shutdown. Tests inject
// their own instance.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*CircuitBreaker
}

// NewManager creates a manager handing out breakers with the given defaults.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: map[string]*CircuitBreaker{},
	}
}

// Breaker returns the breaker for a server, creating it on first use.
func (m *Manager) Breaker(serverName string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[serverName]
	if !ok {
		cb = New(serverName, m.cfg)
		m.breakers[serverName] = cb
	}
	return cb
}

// ResetAll forces every breaker back to CLOSED.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}

// AllStats returns an observability snapshot per server.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}
