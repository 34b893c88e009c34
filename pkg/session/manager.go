package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns all live conversation contexts.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*ConversationContext

	// onExpire, when set, runs for each session removed by the expiry sweep.
	onExpire func(sessionID string)
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*ConversationContext)}
}

// SetExpiryHook installs a callback invoked for sessions removed by the
// idle-expiry sweep. Set once during wiring, before StartExpiry.
func (m *Manager) SetExpiryHook(fn func(sessionID string)) {
	m.onExpire = fn
}

// Create allocates a new session with a fresh id.
func (m *Manager) Create() *ConversationContext {
	id := uuid.New().String()
	ctx := newConversationContext(id)
	m.mu.Lock()
	m.sessions[id] = ctx
	m.mu.Unlock()
	slog.Info("session created", "session_id", id)
	return ctx
}

// Get returns the session or an error when it does not exist.
func (m *Manager) Get(id string) (*ConversationContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return ctx, nil
}

// List returns all live sessions.
func (m *Manager) List() []*ConversationContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ConversationContext, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if existed {
		slog.Info("session deleted", "session_id", id)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartExpiry runs an idle-expiry sweep every interval until ctx is
// cancelled. Sessions idle longer than ttl are removed and the expiry hook
// runs for each. A ttl of zero disables the sweep.
func (m *Manager) StartExpiry(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ttl)
			}
		}
	}()
}

func (m *Manager) sweep(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	var expired []string
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		slog.Info("session expired", "session_id", id, "ttl", ttl)
		if m.onExpire != nil {
			m.onExpire(id)
		}
	}
}
