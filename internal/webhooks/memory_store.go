package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory event store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Claim(_ context.Context, req ClaimRequest) (ClaimResult, *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.events[req.ID]; ok {
		res := claim(e, req.Now, req.Lease)
		return res, e.clone(), nil
	}
	until := req.Now.Add(req.Lease)
	e := &Event{
		ID:           req.ID,
		Type:         req.Type,
		Payload:      append([]byte(nil), req.Payload...),
		Status:       EventProcessing,
		AttemptCount: 1,
		LeaseUntil:   &until,
		ReceivedAt:   req.Now,
		UpdatedAt:    req.Now,
	}
	m.events[req.ID] = e
	return ClaimNew, e.clone(), nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = EventProcessed
	e.ProcessedAt = &now
	e.LeaseUntil = nil
	e.ProcessingError = ""
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, processingError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status = EventFailed
	e.ProcessingError = processingError
	e.LeaseUntil = nil
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) ListUnprocessed(_ context.Context, before time.Time, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.Status != EventProcessed && e.ReceivedAt.Before(before) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
