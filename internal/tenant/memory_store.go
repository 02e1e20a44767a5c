package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/luxbill/internal/syncutil"
)

// MemoryStore is an in-memory profile store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	locks    *syncutil.KeyLock
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		locks:    syncutil.NewKeyLock(),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.profiles[p.TenantID]; exists {
		return ErrProfileExists
	}
	m.profiles[p.TenantID] = p.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[tenantID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) GetByCustomerID(_ context.Context, customerID string) (*Profile, error) {
	return m.find(func(p *Profile) bool { return customerID != "" && p.ExternalCustomerID == customerID })
}

func (m *MemoryStore) GetBySubscriptionID(_ context.Context, subscriptionID string) (*Profile, error) {
	return m.find(func(p *Profile) bool { return subscriptionID != "" && p.ExternalSubscriptionID == subscriptionID })
}

func (m *MemoryStore) find(match func(*Profile) bool) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if match(p) {
			return p.clone(), nil
		}
	}
	return nil, ErrProfileNotFound
}

func (m *MemoryStore) Mutate(ctx context.Context, tenantID string, fn func(p *Profile) error) (*Profile, error) {
	unlock, err := m.locks.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := m.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.profiles[tenantID] = cur.clone()
	m.mu.Unlock()
	return cur, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
