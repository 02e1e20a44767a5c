// Package audit keeps the append-only record of billing actions: plan
// transitions, deposit actions, settings changes, payments and refunds.
//
// Entries are written after the business change commits. A failed write is
// logged and counted but never undoes the change it describes.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/storage"
)

// Actions.
const (
	ActionPlanSwitched          = "plan_switched"
	ActionSettingsUpdated       = "settings_updated"
	ActionCardOnFileAdded       = "card_on_file_added"
	ActionSubscriptionCreated   = "subscription_created"
	ActionSubscriptionCanceled  = "subscription_canceled"
	ActionDepositAuthorized     = "deposit_authorized"
	ActionDepositCaptured       = "deposit_captured"
	ActionDepositReleased       = "deposit_released"
	ActionDepositCanceled       = "deposit_canceled"
	ActionDepositExpired        = "deposit_expired"
	ActionConnectAccountCreated = "connect_account_created"
	ActionBookingPaymentCreated = "booking_payment_created"
	ActionRefundCreated         = "refund_created"
)

// Actor types.
const (
	ActorUser          = "user"
	ActorAdmin         = "admin"
	ActorSystem        = "system"
	ActorStripeWebhook = "stripe_webhook"
)

// Entry is one audit record.
type Entry struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenantId"`
	ActorType string          `json:"actorType"`
	Actor     string          `json:"actor,omitempty"`
	Action    string          `json:"action"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entityId"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Action string
	From   time.Time
	To     time.Time
	Limit  int
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, tenantID string, f Filter) ([]*Entry, error)
}

// Change describes one audited action before it is attributed to an actor.
type Change struct {
	TenantID string
	Action   string
	Entity   string
	EntityID string
	Before   any
	After    any
	Metadata any
}

// Recorder attributes changes to the actor on the context and writes them
// once the surrounding unit of work commits.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record queues ch for writing after commit. Outside a unit of work the
// write happens immediately. It never returns an error to the caller.
func (r *Recorder) Record(ctx context.Context, ch Change) {
	if r == nil || r.store == nil {
		return
	}
	actorType, actor := ActorFrom(ctx)
	e := &Entry{
		TenantID:  ch.TenantID,
		ActorType: actorType,
		Actor:     actor,
		Action:    ch.Action,
		Entity:    ch.Entity,
		EntityID:  ch.EntityID,
		Before:    snapshot(ch.Before),
		After:     snapshot(ch.After),
		Metadata:  snapshot(ch.Metadata),
		RequestID: logging.RequestID(ctx),
		CreatedAt: time.Now().UTC(),
	}

	storage.AfterCommit(ctx, func() {
		wctx := storage.Detach(ctx)
		if err := r.store.Append(wctx, e); err != nil {
			metrics.AuditWriteFailures.Inc()
			logging.L(wctx).Error("audit write failed",
				"action", e.Action, "entity", e.Entity, "entity_id", e.EntityID, "error", err)
		}
	})
}

// List returns a tenant's entries, newest first.
func (r *Recorder) List(ctx context.Context, tenantID string, f Filter) ([]*Entry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return r.store.List(ctx, tenantID, f)
}

func snapshot(v any) json.RawMessage {
	switch t := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
