package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/bookings"
	"github.com/mbd888/luxbill/internal/connect"
	"github.com/mbd888/luxbill/internal/deposit"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/subscriptions"
	"github.com/mbd888/luxbill/internal/tenant"
	"github.com/mbd888/luxbill/internal/traces"
)

// DefaultLease bounds how long a delivery may hold an event.
const DefaultLease = 2 * time.Minute

// Outcome is how a delivery was settled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

type handlerFunc func(ctx context.Context, ev *stripe.Event) error

// prepareFunc makes the processor calls an event needs before its
// transaction opens. The returned handler applies the result inside the
// transaction; a nil handler only marks the event processed.
type prepareFunc func(ctx context.Context, ev *stripe.Event) (handlerFunc, error)

// Deps bundles the gateway's collaborators.
type Deps struct {
	Store    EventStore
	Runner   storage.Runner
	Audit    *audit.Recorder
	Tenants  *tenant.Service
	Bookings *bookings.Service
	Ledger   *ledger.Ledger
	Deposits *deposit.Service
	Accounts *connect.Tracker
	Prices   subscriptions.Prices
	// Secret is the endpoint signing secret. Empty leaves ingestion unconfigured.
	Secret string
	Lease  time.Duration
}

// Gateway verifies, deduplicates and dispatches processor events.
type Gateway struct {
	store    EventStore
	runner   storage.Runner
	audit    *audit.Recorder
	tenants  *tenant.Service
	bookings *bookings.Service
	ledger   *ledger.Ledger
	deposits *deposit.Service
	accounts *connect.Tracker
	prices   subscriptions.Prices
	secret   string
	lease    time.Duration
	handlers map[Kind]handlerFunc
	prepare  map[Kind]prepareFunc
	now      func() time.Time
}

// NewGateway creates a gateway and its handler registry.
func NewGateway(d Deps) *Gateway {
	if d.Lease <= 0 {
		d.Lease = DefaultLease
	}
	g := &Gateway{
		store:    d.Store,
		runner:   d.Runner,
		audit:    d.Audit,
		tenants:  d.Tenants,
		bookings: d.Bookings,
		ledger:   d.Ledger,
		deposits: d.Deposits,
		accounts: d.Accounts,
		prices:   d.Prices,
		secret:   d.Secret,
		lease:    d.Lease,
		now:      func() time.Time { return time.Now().UTC() },
	}
	g.prepare = map[Kind]prepareFunc{
		KindAccountUpdated:    g.accountUpdated,
		KindCapabilityUpdated: g.capabilityUpdated,
	}
	g.handlers = map[Kind]handlerFunc{
		KindPaymentIntentSucceeded:  g.paymentSucceeded,
		KindPaymentIntentFailed:     g.paymentFailed,
		KindPaymentIntentCanceled:   g.paymentCanceled,
		KindChargeRefunded:          g.chargeRefunded,
		KindDisputeCreated:          g.disputeCreated,
		KindDisputeClosed:           g.disputeClosed,
		KindCheckoutCompleted:       g.checkoutCompleted,
		KindInvoicePaymentSucceeded: g.invoiceSucceeded,
		KindInvoicePaymentFailed:    g.invoiceFailed,
		KindSubscriptionUpdated:     g.subscriptionUpdated,
		KindSubscriptionDeleted:     g.subscriptionDeleted,
		KindSetupIntentSucceeded:    g.setupIntentSucceeded,
	}
	return g
}

// WithClock overrides the time source.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Process verifies the signature on payload and handles the event.
func (g *Gateway) Process(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if g.secret == "" {
		return "", ErrNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		logging.L(ctx).Warn("webhook signature rejected", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return "", ErrInvalidSignature
	}
	return g.Handle(ctx, &ev, payload)
}

// Handle claims a verified event and runs its handler. The handler's
// effects and the processed mark commit together.
func (g *Gateway) Handle(ctx context.Context, ev *stripe.Event, payload []byte) (outcome Outcome, err error) {
	kind := ParseKind(string(ev.Type))
	ctx, span := traces.StartSpan(ctx, "webhooks.Handle", traces.EventID(ev.ID), traces.EventType(string(ev.Type)))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() {
		label := string(outcome)
		if err != nil {
			label = "failed"
			if errors.Is(err, ErrInFlight) {
				label = "in_flight"
			}
		}
		metrics.WebhookEventsTotal.WithLabelValues(string(kind), label).Inc()
		metrics.WebhookProcessingDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	logger := logging.L(ctx).With("event_id", ev.ID, "event_type", string(ev.Type))
	ctx = logging.WithLogger(ctx, logger)

	res, stored, err := g.store.Claim(ctx, ClaimRequest{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Payload: payload,
		Now:     g.now(),
		Lease:   g.lease,
	})
	if err != nil {
		return "", err
	}
	switch res {
	case ClaimProcessed:
		logger.Info("duplicate event acknowledged", "attempts", stored.AttemptCount)
		return OutcomeDuplicate, nil
	case ClaimInFlight:
		logger.Warn("event in flight elsewhere", "attempts", stored.AttemptCount)
		return "", ErrInFlight
	case ClaimRetry:
		logger.Info("retrying event", "attempts", stored.AttemptCount, "previous_error", stored.ProcessingError)
	}

	handler, known := g.handlers[kind]
	if prepare, ok := g.prepare[kind]; ok {
		known = true
		// Finish well inside the lease so a redelivery cannot claim the
		// event while this one is still working on it.
		prepCtx, cancel := context.WithTimeout(ctx, g.lease/2)
		handler, err = prepare(prepCtx, ev)
		cancel()
		if err != nil {
			return "", g.fail(ctx, ev, err)
		}
	}

	ctx = audit.WithActor(ctx, audit.ActorStripeWebhook, ev.ID)
	err = g.runner.InTx(ctx, func(ctx context.Context) error {
		if handler != nil {
			if err := handler(ctx, ev); err != nil {
				return err
			}
		}
		return g.store.MarkProcessed(ctx, ev.ID, g.now())
	})
	if err != nil {
		return "", g.fail(ctx, ev, err)
	}

	if !known {
		logger.Info("unrecognized event acknowledged")
		return OutcomeIgnored, nil
	}
	return OutcomeProcessed, nil
}

// fail releases the claim with the processing error recorded.
func (g *Gateway) fail(ctx context.Context, ev *stripe.Event, err error) error {
	logger := logging.L(ctx)
	if merr := g.store.MarkFailed(storage.Detach(ctx), ev.ID, err.Error(), g.now()); merr != nil {
		logger.Error("failed to record event failure", "error", merr)
	}
	logger.Error("event processing failed", "error", err)
	return fmt.Errorf("webhooks: %s: %w", ev.Type, err)
}

// Replay runs a stored event again, as a redelivery from the processor
// would. Processed events come back as duplicates.
func (g *Gateway) Replay(ctx context.Context, eventID string) (Outcome, error) {
	stored, err := g.store.Get(ctx, eventID)
	if err != nil {
		return "", err
	}
	if len(stored.Payload) == 0 {
		return "", fmt.Errorf("webhooks: event %s has no stored payload: %w", eventID, ErrEventNotFound)
	}
	var ev stripe.Event
	if err := json.Unmarshal(stored.Payload, &ev); err != nil {
		return "", fmt.Errorf("webhooks: decode stored event %s: %w", eventID, err)
	}
	logging.L(ctx).Info("replaying event", "event_id", eventID, "status", stored.Status, "attempts", stored.AttemptCount)
	return g.Handle(ctx, &ev, stored.Payload)
}

// Unprocessed lists events received before the cutoff that have not been processed.
func (g *Gateway) Unprocessed(ctx context.Context, before time.Time, limit int) ([]*Event, error) {
	return g.store.ListUnprocessed(ctx, before, limit)
}
