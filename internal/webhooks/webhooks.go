// Package webhooks ingests payment processor events.
//
// Every delivery is signature-checked, claimed in the event store under a
// lease, dispatched by kind, and marked processed in the same unit of work
// as its effects. Handlers apply absolute state so replays and out-of-order
// deliveries converge; only refunded amounts and the attempt count are
// incremental.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
)

var (
	ErrInvalidSignature = apperr.New(apperr.Unauthorized, "webhooks: invalid signature")
	ErrInFlight         = apperr.New(apperr.InvalidState, "webhooks: event is being processed by another delivery")
	ErrEventNotFound    = apperr.New(apperr.NotFound, "webhooks: event not found")
	ErrNotConfigured    = apperr.New(apperr.NotConfigured, "webhooks: webhook secret is not configured")
)

// Kind is the closed set of event types the gateway acts on.
type Kind string

const (
	KindAccountUpdated          Kind = "account.updated"
	KindCapabilityUpdated       Kind = "capability.updated"
	KindPaymentIntentSucceeded  Kind = "payment_intent.succeeded"
	KindPaymentIntentFailed     Kind = "payment_intent.payment_failed"
	KindPaymentIntentCanceled   Kind = "payment_intent.canceled"
	KindChargeRefunded          Kind = "charge.refunded"
	KindDisputeCreated          Kind = "charge.dispute.created"
	KindDisputeClosed           Kind = "charge.dispute.closed"
	KindCheckoutCompleted       Kind = "checkout.session.completed"
	KindInvoicePaymentSucceeded Kind = "invoice.payment_succeeded"
	KindInvoicePaymentFailed    Kind = "invoice.payment_failed"
	KindSubscriptionUpdated     Kind = "customer.subscription.updated"
	KindSubscriptionDeleted     Kind = "customer.subscription.deleted"
	KindSetupIntentSucceeded    Kind = "setup_intent.succeeded"
	KindUnrecognized            Kind = "unrecognized"
)

var knownKinds = map[Kind]bool{
	KindAccountUpdated:          true,
	KindCapabilityUpdated:       true,
	KindPaymentIntentSucceeded:  true,
	KindPaymentIntentFailed:     true,
	KindPaymentIntentCanceled:   true,
	KindChargeRefunded:          true,
	KindDisputeCreated:          true,
	KindDisputeClosed:           true,
	KindCheckoutCompleted:       true,
	KindInvoicePaymentSucceeded: true,
	KindInvoicePaymentFailed:    true,
	KindSubscriptionUpdated:     true,
	KindSubscriptionDeleted:     true,
	KindSetupIntentSucceeded:    true,
}

// ParseKind maps a processor event type onto a Kind.
func ParseKind(eventType string) Kind {
	if k := Kind(eventType); knownKinds[k] {
		return k
	}
	return KindUnrecognized
}

// EventStatus is the processing state of a stored event.
type EventStatus string

const (
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
)

// Event is one processor event as received.
type Event struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"-"`
	Status          EventStatus     `json:"status"`
	AttemptCount    int             `json:"attemptCount"`
	ProcessingError string          `json:"processingError,omitempty"`
	LeaseUntil      *time.Time      `json:"leaseUntil,omitempty"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (e *Event) clone() *Event {
	cp := *e
	if e.LeaseUntil != nil {
		t := *e.LeaseUntil
		cp.LeaseUntil = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	cp.Payload = append(json.RawMessage(nil), e.Payload...)
	return &cp
}

// ClaimResult is the outcome of claiming a delivery.
type ClaimResult int

const (
	// ClaimNew is the first delivery of the event.
	ClaimNew ClaimResult = iota
	// ClaimRetry re-runs an event that failed or whose lease expired.
	ClaimRetry
	// ClaimProcessed means the event was already handled.
	ClaimProcessed
	// ClaimInFlight means another delivery holds an unexpired lease.
	ClaimInFlight
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimNew:
		return "new"
	case ClaimRetry:
		return "retry"
	case ClaimProcessed:
		return "processed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// ClaimRequest describes a delivery to claim.
type ClaimRequest struct {
	ID      string
	Type    string
	Payload json.RawMessage
	Now     time.Time
	Lease   time.Duration
}

// EventStore persists received events. Claim is atomic: of two concurrent
// deliveries of one event, exactly one gets ClaimNew or ClaimRetry. Every
// claim after the first insert increments the attempt count.
type EventStore interface {
	Claim(ctx context.Context, req ClaimRequest) (ClaimResult, *Event, error)
	MarkProcessed(ctx context.Context, id string, now time.Time) error
	// MarkFailed records the error and releases the lease.
	MarkFailed(ctx context.Context, id, processingError string, now time.Time) error
	Get(ctx context.Context, id string) (*Event, error)
	// ListUnprocessed returns events not processed and received before cutoff.
	ListUnprocessed(ctx context.Context, before time.Time, limit int) ([]*Event, error)
}

// claim decides a claim against the stored state; shared by the stores.
func claim(e *Event, now time.Time, lease time.Duration) ClaimResult {
	e.AttemptCount++
	e.UpdatedAt = now
	switch {
	case e.Status == EventProcessed:
		return ClaimProcessed
	case e.Status == EventProcessing && e.LeaseUntil != nil && e.LeaseUntil.After(now):
		return ClaimInFlight
	}
	until := now.Add(lease)
	e.Status = EventProcessing
	e.LeaseUntil = &until
	return ClaimRetry
}
