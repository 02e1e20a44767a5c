package bookings

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory bookings store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	payments map[string]*Payment // by id
	disputes map[string]*Dispute // by external id
}

// NewMemoryStore creates an empty in-memory bookings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		payments: make(map[string]*Payment),
		disputes: make(map[string]*Dispute),
	}
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return ErrBookingExists
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrBookingNotFound
	}
	cur.Status = b.Status
	cur.PaymentStatus = b.PaymentStatus
	cur.UpdatedAt = b.UpdatedAt
	return nil
}

func (m *MemoryStore) UpsertPayment(_ context.Context, p *Payment) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.payments {
		if cur.PaymentIntentID == p.PaymentIntentID {
			id, created := cur.ID, cur.CreatedAt
			*cur = *p
			cur.ID, cur.CreatedAt = id, created
			out := *cur
			return &out, nil
		}
	}
	cp := *p
	m.payments[p.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) InsertRefund(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.payments {
		if p.RefundID != "" && cur.RefundID == p.RefundID {
			return ErrRefundRecorded
		}
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPaymentByIntent(_ context.Context, paymentIntentID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.PaymentIntentID == paymentIntentID && p.Type != TypeRefund {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) ListPayments(_ context.Context, bookingID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpsertDispute(_ context.Context, d *Dispute) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.disputes[d.ExternalDisputeID]; ok {
		id, created := cur.ID, cur.CreatedAt
		*cur = *d
		cur.ID, cur.CreatedAt = id, created
		out := *cur
		return &out, nil
	}
	cp := *d
	m.disputes[d.ExternalDisputeID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetDispute(_ context.Context, externalDisputeID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[externalDisputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
