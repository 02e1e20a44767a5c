package connect

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.TenantID]; ok {
		return ErrAccountExists
	}
	for _, existing := range m.accounts {
		if existing.ExternalAccountID == a.ExternalAccountID {
			return ErrAccountExists
		}
	}
	m.accounts[a.TenantID] = a.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[tenantID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, externalAccountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.ExternalAccountID == externalAccountID {
			return a.clone(), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) Update(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.TenantID]; !ok {
		return ErrAccountNotFound
	}
	m.accounts[a.TenantID] = a.clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
