package services

import (
	"context"
	"sync"
	"time"

	"settlement-core/internal/models"
)

// SessionStore keeps game sessions by id with their expiry metadata. Stores
// hand out copies; a caller changes a session by writing it back with Put.
type SessionStore interface {
	Put(ctx context.Context, s *models.GameSession) error
	// Get returns ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, id string) (*models.GameSession, error)
	// ActiveForUser returns nil when the user has no Active session.
	ActiveForUser(ctx context.Context, userID string) (*models.GameSession, error)
	// Expired lists sessions whose expires_at is at or before now.
	Expired(ctx context.Context, now time.Time) ([]*models.GameSession, error)
	Delete(ctx context.Context, id string) error
}

type sessionSlot struct {
	session *models.GameSession
	used    bool
}

// MemorySessionStore is an arena of session slots addressed through an id
// index. Freed slots are reused.
type MemorySessionStore struct {
	mu     sync.Mutex
	slots  []sessionSlot
	index  map[string]int
	free   []int
	active map[string]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		index:  make(map[string]int),
		active: make(map[string]string),
	}
}

func (m *MemorySessionStore) Put(ctx context.Context, s *models.GameSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := s.Clone()
	if i, ok := m.index[s.ID]; ok {
		m.slots[i].session = stored
	} else {
		var i int
		if n := len(m.free); n > 0 {
			i = m.free[n-1]
			m.free = m.free[:n-1]
			m.slots[i] = sessionSlot{session: stored, used: true}
		} else {
			i = len(m.slots)
			m.slots = append(m.slots, sessionSlot{session: stored, used: true})
		}
		m.index[s.ID] = i
	}

	if s.IsActive() {
		m.active[s.UserID] = s.ID
	} else if m.active[s.UserID] == s.ID {
		delete(m.active, s.UserID)
	}
	return nil
}

func (m *MemorySessionStore) Get(ctx context.Context, id string) (*models.GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.slots[i].session.Clone(), nil
}

func (m *MemorySessionStore) ActiveForUser(ctx context.Context, userID string) (*models.GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[userID]
	if !ok {
		return nil, nil
	}
	return m.slots[m.index[id]].session.Clone(), nil
}

func (m *MemorySessionStore) Expired(ctx context.Context, now time.Time) ([]*models.GameSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GameSession
	for _, slot := range m.slots {
		if slot.used && slot.session.Expired(now) {
			out = append(out, slot.session.Clone())
		}
	}
	return out, nil
}

func (m *MemorySessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[id]
	if !ok {
		return nil
	}
	s := m.slots[i].session
	if m.active[s.UserID] == id {
		delete(m.active, s.UserID)
	}
	delete(m.index, id)
	m.slots[i] = sessionSlot{}
	m.free = append(m.free, i)
	return nil
}

// Len reports the number of stored sessions.
func (m *MemorySessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}
