package store

import (
	"context"
	"sync"

	"github.com/dontdude/rollcall/internal/domain"
)

// MemoryStore is an in-process domain.RegistrationStore for development.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   map[string]map[string]struct{}
	fields map[string]map[string]map[string]string
}

var _ domain.RegistrationStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]map[string]struct{}),
		fields: make(map[string]map[string]map[string]string),
	}
}

func (m *MemoryStore) Exists(_ context.Context, eventID, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[eventID][key]
	return ok, nil
}

func (m *MemoryStore) Insert(_ context.Context, eventID string, item domain.WorkItem) (domain.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.keys[eventID]
	if set == nil {
		set = make(map[string]struct{})
		m.keys[eventID] = set
		m.fields[eventID] = make(map[string]map[string]string)
	}
	for _, k := range item.Keys {
		if _, ok := set[k]; ok {
			return domain.AlreadyApplied, nil
		}
	}
	for _, k := range item.Keys {
		set[k] = struct{}{}
	}
	if len(item.Keys) > 0 {
		m.fields[eventID][item.Keys[0]] = item.Fields
	}
	return domain.Applied, nil
}

func (m *MemoryStore) Keys(_ context.Context, eventID string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.keys[eventID]))
	for k := range m.keys[eventID] {
		out[k] = struct{}{}
	}
	return out, nil
}

// Count returns the number of registrations stored for the event.
func (m *MemoryStore) Count(eventID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fields[eventID])
}

// MemorySentLog is an in-process domain.SentLog.
type MemorySentLog struct {
	mu   sync.Mutex
	sent map[string]map[string]struct{}
}

var _ domain.SentLog = (*MemorySentLog)(nil)

func NewMemorySentLog() *MemorySentLog {
	return &MemorySentLog{sent: make(map[string]map[string]struct{})}
}

func (m *MemorySentLog) Claim(_ context.Context, campaignID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sent[campaignID]
	if set == nil {
		set = make(map[string]struct{})
		m.sent[campaignID] = set
	}
	if _, ok := set[key]; ok {
		return false, nil
	}
	set[key] = struct{}{}
	return true, nil
}

func (m *MemorySentLog) Release(_ context.Context, campaignID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sent[campaignID], key)
	return nil
}

func (m *MemorySentLog) Keys(_ context.Context, campaignID string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.sent[campaignID]))
	for k := range m.sent[campaignID] {
		out[k] = struct{}{}
	}
	return out, nil
}
