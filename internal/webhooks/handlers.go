package webhooks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/bookings"
	"github.com/mbd888/luxbill/internal/connect"
	"github.com/mbd888/luxbill/internal/deposit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/tenant"
)

func refundedStatus(ps bookings.PaymentStatus) bool {
	return ps == bookings.PaymentRefunded || ps == bookings.PaymentPartiallyRefunded
}

func refundedRecord(rs bookings.RecordStatus) bool {
	return rs == bookings.RecordRefunded || rs == bookings.RecordPartiallyRefunded
}

// rentalBooking resolves the booking a rental intent belongs to. A nil
// booking means the event is not ours to act on.
func (g *Gateway) rentalBooking(ctx context.Context, pi paymentIntentObject) (*bookings.Booking, error) {
	bookingID := pi.Metadata["bookingId"]
	if bookingID == "" {
		logging.L(ctx).Warn("payment intent without booking metadata", "payment_intent_id", pi.ID)
		return nil, nil
	}
	b, err := g.bookings.Lookup(ctx, bookingID)
	if errors.Is(err, bookings.ErrBookingNotFound) {
		logging.L(ctx).Warn("payment intent for unknown booking", "payment_intent_id", pi.ID, "booking_id", bookingID)
		return nil, nil
	}
	return b, err
}

// intentPayment returns the stored record for pi, or a fresh rental record.
func (g *Gateway) intentPayment(ctx context.Context, b *bookings.Booking, pi paymentIntentObject) (*bookings.Payment, error) {
	p, err := g.bookings.PaymentByIntent(ctx, pi.ID)
	if errors.Is(err, bookings.ErrPaymentNotFound) {
		return &bookings.Payment{
			BookingID:       b.ID,
			TenantID:        b.TenantID,
			PaymentIntentID: pi.ID,
			Type:            bookings.TypeRental,
			AmountCents:     pi.Amount,
			Currency:        pi.Currency,
			Status:          bookings.RecordPending,
		}, nil
	}
	return p, err
}

func (g *Gateway) paymentSucceeded(ctx context.Context, ev *stripe.Event) error {
	pi, err := decode[paymentIntentObject](ev)
	if err != nil {
		return err
	}
	if pi.isDeposit() {
		return g.applyDeposit(ctx, pi, false)
	}
	b, err := g.rentalBooking(ctx, pi)
	if err != nil || b == nil {
		return err
	}

	now := g.now()
	p, err := g.intentPayment(ctx, b, pi)
	if err != nil {
		return err
	}
	p.AmountCents = pi.Amount
	p.Currency = pi.Currency
	if !refundedRecord(p.Status) {
		p.Status = bookings.RecordSucceeded
		p.FailureReason = ""
	}
	p.ProcessedAt = &now
	if _, err := g.bookings.RecordPayment(ctx, p); err != nil {
		return err
	}
	if !refundedStatus(b.PaymentStatus) {
		if _, err := g.bookings.MarkPaid(ctx, b.ID); err != nil {
			return err
		}
	}

	if pi.ApplicationFeeAmount > 0 {
		rate, plan, err := g.feeSnapshot(ctx, b.TenantID, pi.Metadata)
		if err != nil {
			return err
		}
		if _, err := g.ledger.EnsureCharge(ctx, ledger.Charge{
			BookingID:          b.ID,
			TenantID:           b.TenantID,
			ChargeType:         ledger.ChargeRental,
			FeeCents:           pi.ApplicationFeeAmount,
			Rate:               rate,
			Plan:               plan,
			BookingAmountCents: pi.Amount,
			Currency:           pi.Currency,
			PaymentIntentID:    pi.ID,
		}); err != nil {
			return err
		}
	}
	logging.L(ctx).Info("booking paid", "booking_id", b.ID, "payment_intent_id", pi.ID, "fee_cents", pi.ApplicationFeeAmount)
	return nil
}

// feeSnapshot prefers the rate and plan recorded on the intent; intents
// created elsewhere fall back to the tenant's rate now.
func (g *Gateway) feeSnapshot(ctx context.Context, tenantID string, md map[string]string) (feepolicy.Rate, feepolicy.Plan, error) {
	rate, hasRate := rateFromMetadata(md)
	plan := feepolicy.Plan(md["plan"])
	if hasRate && plan != "" {
		return rate, plan, nil
	}
	profile, err := g.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return 0, "", err
	}
	if !hasRate {
		rate = profile.ActiveRate(g.now())
	}
	if plan == "" {
		plan = profile.Plan
	}
	return rate, plan, nil
}

func (g *Gateway) applyDeposit(ctx context.Context, pi paymentIntentObject, canceled bool) error {
	bookingID, tenantID := pi.Metadata["bookingId"], pi.Metadata["tenantId"]
	if bookingID == "" {
		logging.L(ctx).Warn("deposit intent without booking metadata", "payment_intent_id", pi.ID)
		return nil
	}
	if tenantID == "" {
		b, err := g.bookings.Lookup(ctx, bookingID)
		if errors.Is(err, bookings.ErrBookingNotFound) {
			logging.L(ctx).Warn("deposit intent for unknown booking", "payment_intent_id", pi.ID, "booking_id", bookingID)
			return nil
		}
		if err != nil {
			return err
		}
		tenantID = b.TenantID
	}
	rate, _ := rateFromMetadata(pi.Metadata)
	_, err := g.deposits.ApplyProcessorState(ctx, deposit.ProcessorDeposit{
		TenantID:            tenantID,
		BookingID:           bookingID,
		PaymentIntentID:     pi.ID,
		AmountCents:         pi.Amount,
		ReceivedCents:       pi.AmountReceived,
		ApplicationFeeCents: pi.ApplicationFeeAmount,
		FeeRate:             rate,
		Currency:            pi.Currency,
		ManualCapture:       pi.CaptureMethod == "manual",
		Canceled:            canceled,
		CancellationReason:  pi.CancellationReason,
	})
	return err
}

func (g *Gateway) paymentFailed(ctx context.Context, ev *stripe.Event) error {
	pi, err := decode[paymentIntentObject](ev)
	if err != nil {
		return err
	}
	if pi.isDeposit() {
		// The intent stays open for another card; the hold record is untouched.
		logging.L(ctx).Warn("deposit authorization failed", "payment_intent_id", pi.ID, "reason", pi.failureReason())
		return nil
	}
	return g.failRental(ctx, pi, pi.failureReason())
}

func (g *Gateway) paymentCanceled(ctx context.Context, ev *stripe.Event) error {
	pi, err := decode[paymentIntentObject](ev)
	if err != nil {
		return err
	}
	if pi.isDeposit() {
		return g.applyDeposit(ctx, pi, true)
	}
	reason := "canceled"
	if pi.CancellationReason != "" {
		reason += ": " + pi.CancellationReason
	}
	return g.failRental(ctx, pi, reason)
}

func (g *Gateway) failRental(ctx context.Context, pi paymentIntentObject, reason string) error {
	b, err := g.rentalBooking(ctx, pi)
	if err != nil || b == nil {
		return err
	}
	p, err := g.intentPayment(ctx, b, pi)
	if err != nil {
		return err
	}
	if p.Status == bookings.RecordSucceeded || refundedRecord(p.Status) {
		logging.L(ctx).Warn("failure for settled payment ignored", "payment_intent_id", pi.ID, "status", p.Status)
		return nil
	}
	now := g.now()
	p.Status = bookings.RecordFailed
	p.FailureReason = reason
	p.ProcessedAt = &now
	if _, err := g.bookings.RecordPayment(ctx, p); err != nil {
		return err
	}
	if b.PaymentStatus != bookings.PaymentPaid && !refundedStatus(b.PaymentStatus) {
		if _, err := g.bookings.SetPaymentStatus(ctx, b.ID, bookings.PaymentFailed); err != nil {
			return err
		}
	}
	logging.L(ctx).Info("booking payment failed", "booking_id", b.ID, "payment_intent_id", pi.ID, "reason", reason)
	return nil
}

func (g *Gateway) chargeRefunded(ctx context.Context, ev *stripe.Event) error {
	ch, err := decode[chargeObject](ev)
	if err != nil {
		return err
	}
	if ch.PaymentIntent == "" {
		logging.L(ctx).Warn("refunded charge without payment intent", "charge_id", ch.ID)
		return nil
	}
	p, err := g.bookings.PaymentByIntent(ctx, ch.PaymentIntent)
	if errors.Is(err, bookings.ErrPaymentNotFound) {
		logging.L(ctx).Warn("refund for unknown payment", "charge_id", ch.ID, "payment_intent_id", ch.PaymentIntent)
		return nil
	}
	if err != nil {
		return err
	}

	delta := ch.AmountRefunded - p.RefundedCents
	if delta <= 0 {
		logging.L(ctx).Info("refund already applied", "payment_intent_id", ch.PaymentIntent,
			"amount_refunded", ch.AmountRefunded, "recorded", p.RefundedCents)
		return nil
	}

	total := ch.Amount
	if total == 0 {
		total = p.AmountCents
	}
	recordStatus, bookingStatus := bookings.RecordPartiallyRefunded, bookings.PaymentPartiallyRefunded
	if ch.AmountRefunded >= total {
		recordStatus, bookingStatus = bookings.RecordRefunded, bookings.PaymentRefunded
	}
	p.RefundedCents = ch.AmountRefunded
	p.Status = recordStatus
	if _, err := g.bookings.RecordPayment(ctx, p); err != nil {
		return err
	}
	if _, err := g.bookings.SetPaymentStatus(ctx, p.BookingID, bookingStatus); err != nil {
		return err
	}
	if p.Type == bookings.TypeRental {
		if _, err := g.ledger.RecordRefund(ctx, p.BookingID, delta); err != nil {
			return err
		}
	}
	logging.L(ctx).Info("refund applied", "booking_id", p.BookingID, "delta_cents", delta, "total_refunded_cents", ch.AmountRefunded)
	return nil
}

var disputeStatuses = map[string]bookings.DisputeStatus{
	"warning_needs_response": bookings.DisputeWarningNeedsResponse,
	"needs_response":         bookings.DisputeNeedsResponse,
	"under_review":           bookings.DisputeUnderReview,
	"won":                    bookings.DisputeWon,
	"lost":                   bookings.DisputeLost,
	"warning_closed":         bookings.DisputeWarningClosed,
}

func closedStatus(s bookings.DisputeStatus) bool {
	return s == bookings.DisputeWon || s == bookings.DisputeLost || s == bookings.DisputeWarningClosed
}

func (g *Gateway) disputeCreated(ctx context.Context, ev *stripe.Event) error {
	d, err := decode[disputeObject](ev)
	if err != nil {
		return err
	}
	status, ok := disputeStatuses[d.Status]
	if !ok || closedStatus(status) {
		status = bookings.DisputeNeedsResponse
	}
	rec, err := g.recordDispute(ctx, d, status, false)
	if err != nil || rec == nil {
		return err
	}
	if _, err := g.bookings.Cancel(ctx, rec.BookingID); err != nil {
		return err
	}
	logging.L(ctx).Warn("dispute opened; booking cancelled", "booking_id", rec.BookingID, "dispute_id", d.ID, "amount_cents", d.Amount)
	return nil
}

func (g *Gateway) disputeClosed(ctx context.Context, ev *stripe.Event) error {
	d, err := decode[disputeObject](ev)
	if err != nil {
		return err
	}
	status := bookings.DisputeWarningClosed
	switch d.Status {
	case "won":
		status = bookings.DisputeWon
	case "lost":
		status = bookings.DisputeLost
	}
	rec, err := g.recordDispute(ctx, d, status, true)
	if err != nil || rec == nil {
		return err
	}
	logging.L(ctx).Info("dispute closed", "booking_id", rec.BookingID, "dispute_id", d.ID, "status", status)
	return nil
}

// recordDispute upserts the dispute. A late open event never reopens a
// closed dispute.
func (g *Gateway) recordDispute(ctx context.Context, d disputeObject, status bookings.DisputeStatus, closing bool) (*bookings.Dispute, error) {
	rec, err := g.bookings.Dispute(ctx, d.ID)
	switch {
	case errors.Is(err, bookings.ErrDisputeNotFound):
		p, err := g.bookings.PaymentByIntent(ctx, d.PaymentIntent)
		if errors.Is(err, bookings.ErrPaymentNotFound) {
			logging.L(ctx).Warn("dispute for unknown payment", "dispute_id", d.ID, "payment_intent_id", d.PaymentIntent)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		rec = &bookings.Dispute{BookingID: p.BookingID, TenantID: p.TenantID, ExternalDisputeID: d.ID}
	case err != nil:
		return nil, err
	}

	rec.AmountCents = d.Amount
	rec.Currency = d.Currency
	rec.Reason = d.Reason
	if closing || !closedStatus(rec.Status) {
		rec.Status = status
	}
	if d.EvidenceDetails.DueBy > 0 {
		due := time.Unix(d.EvidenceDetails.DueBy, 0).UTC()
		rec.EvidenceDueBy = &due
	}
	return g.bookings.RecordDispute(ctx, rec)
}

func (g *Gateway) checkoutCompleted(ctx context.Context, ev *stripe.Event) error {
	s, err := decode[checkoutSessionObject](ev)
	if err != nil {
		return err
	}
	if s.Mode != "subscription" {
		logging.L(ctx).Info("checkout completed", "session_id", s.ID, "mode", s.Mode)
		return nil
	}
	tenantID := s.Metadata["tenantId"]
	plan, err := feepolicy.ParsePlan(s.Metadata["plan"])
	if tenantID == "" || err != nil || !feepolicy.Plans[plan].Subscribed {
		logging.L(ctx).Warn("subscription checkout without usable metadata", "session_id", s.ID,
			"tenant_id", tenantID, "plan", s.Metadata["plan"])
		return nil
	}

	profile, err := g.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return err
	}
	if profile.Plan == plan && profile.ExternalSubscriptionID == s.Subscription {
		return nil
	}
	if profile.ExternalCustomerID == "" && s.Customer != "" {
		if _, err := g.tenants.SetCustomerID(ctx, tenantID, s.Customer); err != nil {
			return err
		}
	}
	subID := s.Subscription
	if _, err := g.tenants.SwitchPlan(ctx, tenantID, plan, tenant.SwitchOptions{
		SubscriptionID: &subID,
		Reason:         tenant.ReasonCheckoutCompleted,
	}); err != nil {
		return err
	}
	g.audit.Record(ctx, audit.Change{
		TenantID: tenantID,
		Action:   audit.ActionSubscriptionCreated,
		Entity:   "subscription",
		EntityID: subID,
		Metadata: map[string]string{"plan": string(plan), "interval": s.Metadata["interval"], "sessionId": s.ID},
	})
	return nil
}

func (g *Gateway) invoiceSucceeded(ctx context.Context, ev *stripe.Event) error {
	inv, err := decode[invoiceObject](ev)
	if err != nil {
		return err
	}
	logging.L(ctx).Info("invoice paid", "invoice_id", inv.ID, "customer_id", inv.Customer, "amount_paid_cents", inv.AmountPaid)
	return nil
}

func (g *Gateway) invoiceFailed(ctx context.Context, ev *stripe.Event) error {
	inv, err := decode[invoiceObject](ev)
	if err != nil {
		return err
	}
	tenantID := ""
	if p, err := g.tenants.GetByCustomerID(ctx, inv.Customer); err == nil {
		tenantID = p.TenantID
	} else if !errors.Is(err, tenant.ErrProfileNotFound) {
		return err
	}
	storage.AfterCommit(ctx, func() {
		metrics.InvoicePaymentFailures.Inc()
	})
	logging.L(ctx).Warn("invoice payment failed", "invoice_id", inv.ID, "tenant_id", tenantID,
		"customer_id", inv.Customer, "amount_due_cents", inv.AmountDue, "attempt", inv.AttemptCount)
	return nil
}

// subscriptionProfile finds the tenant behind a subscription, by
// subscription id and then by customer. Nil means no tenant matches.
func (g *Gateway) subscriptionProfile(ctx context.Context, sub subscriptionObject) (*tenant.Profile, error) {
	p, err := g.tenants.GetBySubscriptionID(ctx, sub.ID)
	if errors.Is(err, tenant.ErrProfileNotFound) {
		p, err = g.tenants.GetByCustomerID(ctx, sub.Customer)
	}
	if errors.Is(err, tenant.ErrProfileNotFound) {
		logging.L(ctx).Warn("subscription for unknown tenant", "subscription_id", sub.ID, "customer_id", sub.Customer)
		return nil, nil
	}
	return p, err
}

func (g *Gateway) subscriptionUpdated(ctx context.Context, ev *stripe.Event) error {
	sub, err := decode[subscriptionObject](ev)
	if err != nil {
		return err
	}
	p, err := g.subscriptionProfile(ctx, sub)
	if err != nil || p == nil {
		return err
	}
	if p.ExternalSubscriptionID != "" && p.ExternalSubscriptionID != sub.ID {
		logging.L(ctx).Info("updated subscription is not the current one", "subscription_id", sub.ID,
			"current_subscription_id", p.ExternalSubscriptionID, "status", sub.Status)
		return nil
	}

	switch sub.Status {
	case "canceled", "unpaid":
		if !feepolicy.Plans[p.Plan].Subscribed {
			return nil
		}
		_, err = g.tenants.SwitchPlan(ctx, p.TenantID, feepolicy.PlanPerformance, tenant.SwitchOptions{
			Reason: tenant.ReasonSubscriptionCanceled,
		})
		return err
	case "active", "trialing":
		plan, _, ok := g.prices.PlanOf(sub.priceID())
		if !ok || (plan == p.Plan && p.ExternalSubscriptionID == sub.ID) {
			return nil
		}
		_, err = g.tenants.SwitchPlan(ctx, p.TenantID, plan, tenant.SwitchOptions{
			SubscriptionID: &sub.ID,
			Reason:         tenant.ReasonSubscriptionUpdated,
		})
		return err
	}
	logging.L(ctx).Info("subscription status noted", "subscription_id", sub.ID, "status", sub.Status)
	return nil
}

func (g *Gateway) subscriptionDeleted(ctx context.Context, ev *stripe.Event) error {
	sub, err := decode[subscriptionObject](ev)
	if err != nil {
		return err
	}
	p, err := g.subscriptionProfile(ctx, sub)
	if err != nil || p == nil {
		return err
	}
	if p.ExternalSubscriptionID != "" && p.ExternalSubscriptionID != sub.ID {
		logging.L(ctx).Info("deleted subscription is not the current one", "subscription_id", sub.ID,
			"current_subscription_id", p.ExternalSubscriptionID)
		return nil
	}
	if feepolicy.Plans[p.Plan].Subscribed {
		cleared := ""
		_, err = g.tenants.SwitchPlan(ctx, p.TenantID, feepolicy.PlanPerformance, tenant.SwitchOptions{
			SubscriptionID: &cleared,
			Reason:         tenant.ReasonSubscriptionDeleted,
		})
		return err
	}
	if p.ExternalSubscriptionID != "" {
		_, err = g.tenants.ClearSubscription(ctx, p.TenantID)
	}
	return err
}

func (g *Gateway) setupIntentSucceeded(ctx context.Context, ev *stripe.Event) error {
	si, err := decode[setupIntentObject](ev)
	if err != nil {
		return err
	}
	if si.PaymentMethod == "" {
		logging.L(ctx).Warn("setup intent without payment method", "setup_intent_id", si.ID)
		return nil
	}
	tenantID := si.Metadata["tenantId"]
	if tenantID == "" {
		p, err := g.tenants.GetByCustomerID(ctx, si.Customer)
		if errors.Is(err, tenant.ErrProfileNotFound) {
			logging.L(ctx).Warn("setup intent for unknown customer", "setup_intent_id", si.ID, "customer_id", si.Customer)
			return nil
		}
		if err != nil {
			return err
		}
		tenantID = p.TenantID
	}
	_, err = g.tenants.RecordPaymentMethod(ctx, tenantID, si.PaymentMethod)
	return err
}

func (g *Gateway) accountUpdated(ctx context.Context, ev *stripe.Event) (handlerFunc, error) {
	a, err := decode[accountObject](ev)
	if err != nil {
		return nil, err
	}
	return g.fetchAccount(ctx, a.ID)
}

func (g *Gateway) capabilityUpdated(ctx context.Context, ev *stripe.Event) (handlerFunc, error) {
	c, err := decode[capabilityObject](ev)
	if err != nil {
		return nil, err
	}
	accountID := c.Account
	if accountID == "" {
		accountID = ev.Account
	}
	return g.fetchAccount(ctx, accountID)
}

// fetchAccount retrieves the account outside the event transaction and
// returns the step that writes it to the mirror.
func (g *Gateway) fetchAccount(ctx context.Context, accountID string) (handlerFunc, error) {
	if strings.TrimSpace(accountID) == "" {
		logging.L(ctx).Warn("account event without account id")
		return nil, nil
	}
	pa, err := g.accounts.FetchByExternalID(ctx, accountID)
	if errors.Is(err, connect.ErrAccountNotFound) {
		logging.L(ctx).Warn("event for unknown connected account", "account_id", accountID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, _ *stripe.Event) error {
		a, err := g.accounts.ApplyAccount(ctx, pa)
		if err != nil {
			return err
		}
		logging.L(ctx).Info("connected account refreshed", "tenant_id", a.TenantID, "onboarding_status", a.OnboardingStatus)
		return nil
	}, nil
}
