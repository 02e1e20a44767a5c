package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/luxbill/internal/pagination"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry // bookingID:chargeType
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func entryKey(bookingID string, t ChargeType) string {
	return bookingID + ":" + string(t)
}

func (m *MemoryStore) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey(e.BookingID, e.ChargeType)
	if _, ok := m.entries[k]; ok {
		return ErrDuplicateCharge
	}
	cp := *e
	m.entries[k] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, bookingID string, t ChargeType) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryKey(bookingID, t)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) AddRefund(_ context.Context, bookingID string, t ChargeType, delta int64) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryKey(bookingID, t)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	e.RefundedCents = min(e.RefundedCents+delta, e.ApplicationFeeCents)
	e.UpdatedAt = time.Now().UTC()
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) StatsSince(_ context.Context, tenantID string, since time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, e := range m.entries {
		if e.TenantID != tenantID || e.CreatedAt.Before(since) {
			continue
		}
		if e.ChargeType == ChargeRental {
			s.Bookings++
			s.GMVCents += e.BookingAmountCents
		}
		s.FeesCents += e.NetFeeCents()
		s.FeesRefundedCents += e.RefundedCents
	}
	return s, nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Entry, error) {
	m.mu.RLock()
	var out []*Entry
	for _, e := range m.entries {
		if e.TenantID == tenantID && after.Before(e.CreatedAt, e.ID) {
			cp := *e
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
