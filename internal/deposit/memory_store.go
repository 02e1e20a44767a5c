package deposit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory deposit store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	deposits map[string]*Deposit
}

// NewMemoryStore creates an empty deposit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deposits: make(map[string]*Deposit)}
}

func (m *MemoryStore) Create(_ context.Context, d *Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deposits {
		if existing.PaymentIntentID == d.PaymentIntentID {
			return ErrDepositExists
		}
		if d.Status == StatusAuthorized && existing.BookingID == d.BookingID && existing.Status == StatusAuthorized {
			return ErrAlreadyAuthorized
		}
	}
	m.deposits[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[id]
	if !ok {
		return nil, ErrDepositNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetByPaymentIntent(_ context.Context, paymentIntentID string) (*Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.deposits {
		if d.PaymentIntentID == paymentIntentID {
			return d.clone(), nil
		}
	}
	return nil, ErrDepositNotFound
}

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID string) ([]*Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Deposit
	for _, d := range m.deposits {
		if d.BookingID == bookingID {
			out = append(out, d.clone())
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, d *Deposit, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deposits[d.ID]
	if !ok {
		return ErrDepositNotFound
	}
	if cur.Status != from {
		return ErrInvalidState
	}
	m.deposits[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) ListLapsed(_ context.Context, before time.Time, limit int) ([]*Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Deposit
	for _, d := range m.deposits {
		if d.Status == StatusAuthorized && d.ExpiresAt.Before(before) {
			out = append(out, d.clone())
		}
	}
	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortOldestFirst(ds []*Deposit) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}
