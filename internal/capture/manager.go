package capture

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Manager tracks the active sessions by key.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new session manager. If log is nil, slog.Default()
// is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Add registers s. It returns false if a session with the same key
// already exists.
func (m *Manager) Add(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.Key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", s.Key)
		return false
	}
	m.sessions[s.Key] = s
	m.log.Info("session added", "key", s.Key)
	return true
}

// Get returns the session registered under key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Remove unregisters the session under key if it is still s. It reports
// whether a session was removed.
func (m *Manager) Remove(s *Session) bool {
	m.mu.Lock()
	cur, ok := m.sessions[s.Key]
	if ok && cur == s {
		delete(m.sessions, s.Key)
	}
	m.mu.Unlock()

	if ok && cur == s {
		m.log.Info("session removed", "key", s.Key, "uptime", time.Since(s.StartedAt).Round(time.Second))
		return true
	}
	return false
}

// List returns the active sessions ordered by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int { return strings.Compare(a.Key, b.Key) })
	return sessions
}

// Shutdown stops every session.
func (m *Manager) Shutdown() {
	for _, s := range m.List() {
		s.Shutdown()
	}
}
