package handoff

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process. Consumed and expired sessions stay
// behind as tombstones until Sweep forgets them.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

// get returns the stored session, tombstones included, dropping records
// past their retention.
func (m *MemoryStore) get(token string, now time.Time) (Session, bool) {
	s, ok := m.sessions[token]
	if !ok {
		return Session{}, false
	}
	if !now.Before(retainUntil(s)) {
		delete(m.sessions, token)
		return Session{}, false
	}
	return s, true
}

func (m *MemoryStore) Create(_ context.Context, s Session) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.get(s.Token, s.CreatedAt); ok {
		if !usable(cur, s.CreatedAt) {
			return Session{}, false, ErrExpired
		}
		cur.Payload = nil
		return cur, false, nil
	}
	m.sessions[s.Token] = s
	return s, true, nil
}

func (m *MemoryStore) Deliver(_ context.Context, token string, payload []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.get(token, now)
	if !ok || !usable(s, now) {
		return ErrExpired
	}
	if s.Status != StatusWaiting {
		return ErrAlreadyDelivered
	}
	s.Status = StatusReady
	s.Payload = append([]byte(nil), payload...)
	m.sessions[token] = s
	return nil
}

func (m *MemoryStore) Take(_ context.Context, token string, now time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.get(token, now)
	if !ok || !usable(s, now) {
		return Session{}, ErrExpired
	}
	if s.Status == StatusReady {
		m.sessions[token] = Session{Token: token, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt, Status: statusConsumed}
	}
	return s, nil
}

// Sweep forgets sessions past their retention and returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for token, s := range m.sessions {
		if !now.Before(retainUntil(s)) {
			delete(m.sessions, token)
			n++
		}
	}
	return n
}

// Len returns the number of stored sessions, tombstones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
