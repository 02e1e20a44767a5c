package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
	// FailWith makes Append fail, to exercise write-failure handling.
	FailWith error
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.nextID++
	cp := *e
	cp.ID = m.nextID
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string, f Filter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.TenantID != tenantID || !matches(e, f) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Entries returns every stored entry in append order.
func (m *MemoryStore) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Actions returns the action names stored for tenantID in append order.
func (m *MemoryStore) Actions(tenantID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, e := range m.entries {
		if e.TenantID == tenantID {
			out = append(out, e.Action)
		}
	}
	return out
}

func matches(e *Entry, f Filter) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
