package processor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/circuitbreaker"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/retry"
)

// Stripe implements Client over the stripe-go API client. Every call runs
// through a per-operation circuit breaker and the retry policy; retries of
// money-moving calls resend the caller's idempotency key.
type Stripe struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewStripe creates a Stripe client for secretKey. maxAttempts bounds the
// attempts per call.
func NewStripe(secretKey string, maxAttempts int) *Stripe {
	policy := retry.DefaultPolicy
	if maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}
	return &Stripe{
		api:     client.New(secretKey, nil),
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  policy,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (s *Stripe) Breaker() *circuitbreaker.Breaker { return s.breaker }

func (s *Stripe) call(ctx context.Context, op string, fn func() error) error {
	return s.breaker.Execute(ctx, op, func(ctx context.Context) error {
		return retry.Do(ctx, s.policy, func(context.Context) error {
			err := Classify(fn())
			metrics.ProcessorCallsTotal.WithLabelValues(op, outcome(err)).Inc()
			return err
		})
	})
}

type processorError struct{ se *stripe.Error }

func (e *processorError) Error() string { return "processor: " + e.se.Msg }
func (e *processorError) Unwrap() error { return e.se }

// Classify maps a stripe-go error onto the apperr kinds: network failures,
// 5xx and 429 are Upstream (retryable); any other API error is InvalidInput
// carrying the processor's message.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		return apperr.Wrap(apperr.Upstream, err)
	}
	if se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests {
		return apperr.Wrap(apperr.Upstream, &processorError{se: se})
	}
	return apperr.Wrap(apperr.InvalidInput, &processorError{se: se})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperr.KindOf(err) == apperr.Upstream:
		return "upstream_error"
	default:
		return "client_error"
	}
}

func unix(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func toAccount(a *stripe.Account) *Account {
	out := &Account{
		ID:               a.ID,
		ChargesEnabled:   a.ChargesEnabled,
		PayoutsEnabled:   a.PayoutsEnabled,
		DetailsSubmitted: a.DetailsSubmitted,
	}
	if r := a.Requirements; r != nil {
		out.Requirements = Requirements{
			CurrentlyDue:   r.CurrentlyDue,
			PastDue:        r.PastDue,
			EventuallyDue:  r.EventuallyDue,
			DisabledReason: string(r.DisabledReason),
		}
	}
	return out
}

func (s *Stripe) CreateAccount(ctx context.Context, p CreateAccountParams) (*Account, error) {
	params := &stripe.AccountParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Country: stripe.String(p.Country),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if p.Email != "" {
		params.Email = stripe.String(p.Email)
	}
	params.AddMetadata("tenantId", p.TenantID)
	params.SetIdempotencyKey("tenant:" + p.TenantID + ":connect_account")
	params.Context = ctx

	var out *Account
	err := s.call(ctx, "account.create", func() error {
		a, err := s.api.Accounts.New(params)
		if err == nil {
			out = toAccount(a)
		}
		return err
	})
	return out, err
}

func (s *Stripe) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	var out *Account
	err := s.call(ctx, "account.retrieve", func() error {
		a, err := s.api.Accounts.GetByID(accountID, params)
		if err == nil {
			out = toAccount(a)
		}
		return err
	})
	return out, err
}

func (s *Stripe) AccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*Link, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	var out *Link
	err := s.call(ctx, "account_link.create", func() error {
		l, err := s.api.AccountLinks.New(params)
		if err == nil {
			out = &Link{URL: l.URL, ExpiresAt: unix(l.ExpiresAt)}
		}
		return err
	})
	return out, err
}

func (s *Stripe) LoginLink(ctx context.Context, accountID string) (*Link, error) {
	params := &stripe.LoginLinkParams{Account: stripe.String(accountID)}
	params.Context = ctx

	var out *Link
	err := s.call(ctx, "login_link.create", func() error {
		l, err := s.api.LoginLinks.New(params)
		if err == nil {
			out = &Link{URL: l.URL}
		}
		return err
	})
	return out, err
}

func (s *Stripe) CreateCustomer(ctx context.Context, tenantID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("tenantId", tenantID)
	params.SetIdempotencyKey("tenant:" + tenantID + ":customer")
	params.Context = ctx

	var id string
	err := s.call(ctx, "customer.create", func() error {
		c, err := s.api.Customers.New(params)
		if err == nil {
			id = c.ID
		}
		return err
	})
	return id, err
}

func (s *Stripe) CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error) {
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	params.Context = ctx

	var out *SetupIntent
	err := s.call(ctx, "setup_intent.create", func() error {
		si, err := s.api.SetupIntents.New(params)
		if err == nil {
			out = &SetupIntent{ID: si.ID, ClientSecret: si.ClientSecret}
		}
		return err
	})
	return out, err
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(p.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:       stripe.String(p.SuccessURL),
		CancelURL:        stripe.String(p.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{Metadata: p.Metadata},
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	var out *CheckoutSession
	err := s.call(ctx, "checkout_session.create", func() error {
		cs, err := s.api.CheckoutSessions.New(params)
		if err == nil {
			out = &CheckoutSession{ID: cs.ID, URL: cs.URL}
		}
		return err
	})
	return out, err
}

func toSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  unix(sub.CurrentPeriodEnd),
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
	}
	return out
}

func (s *Stripe) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	var out *Subscription
	err := s.call(ctx, "subscription.retrieve", func() error {
		sub, err := s.api.Subscriptions.Get(subscriptionID, params)
		if err == nil {
			out = toSubscription(sub)
		}
		return err
	})
	return out, err
}

func (s *Stripe) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	var out []*Subscription
	err := s.call(ctx, "subscription.list", func() error {
		out = nil
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
		}
		params.Context = ctx
		it := s.api.Subscriptions.List(params)
		for it.Next() {
			out = append(out, toSubscription(it.Subscription()))
		}
		return it.Err()
	})
	return out, err
}

func (s *Stripe) UpdateSubscription(ctx context.Context, subscriptionID string, u SubscriptionUpdate) (*Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: u.CancelAtPeriodEnd}
	if u.PriceID != "" {
		params.Items = []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(u.ItemID), Price: stripe.String(u.PriceID)},
		}
		params.ProrationBehavior = stripe.String("create_prorations")
	}
	params.Context = ctx

	var out *Subscription
	err := s.call(ctx, "subscription.update", func() error {
		sub, err := s.api.Subscriptions.Update(subscriptionID, params)
		if err == nil {
			out = toSubscription(sub)
		}
		return err
	})
	return out, err
}

func (s *Stripe) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	var out *Subscription
	err := s.call(ctx, "subscription.cancel", func() error {
		sub, err := s.api.Subscriptions.Cancel(subscriptionID, params)
		if err == nil {
			out = toSubscription(sub)
		}
		return err
	})
	return out, err
}

func toPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:                  pi.ID,
		ClientSecret:        pi.ClientSecret,
		Status:              string(pi.Status),
		AmountCents:         pi.Amount,
		AmountReceivedCents: pi.AmountReceived,
		Currency:            string(pi.Currency),
		ManualCapture:       pi.CaptureMethod == stripe.PaymentIntentCaptureMethodManual,
		ApplicationFeeCents: pi.ApplicationFeeAmount,
		Metadata:            pi.Metadata,
	}
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, p PaymentIntentParams) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if p.DestinationAccountID != "" {
		params.OnBehalfOf = stripe.String(p.DestinationAccountID)
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(p.DestinationAccountID),
		}
	}
	if p.ApplicationFeeCents > 0 {
		params.ApplicationFeeAmount = stripe.Int64(p.ApplicationFeeCents)
	}
	if p.ManualCapture {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if p.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(p.ReceiptEmail)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	params.Context = ctx

	var out *PaymentIntent
	err := s.call(ctx, "payment_intent.create", func() error {
		pi, err := s.api.PaymentIntents.New(params)
		if err == nil {
			out = toPaymentIntent(pi)
		}
		return err
	})
	return out, err
}

func (s *Stripe) CapturePaymentIntent(ctx context.Context, paymentIntentID string, p CaptureParams) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture:      p.AmountCents,
		ApplicationFeeAmount: p.ApplicationFeeCents,
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	params.Context = ctx

	var out *PaymentIntent
	err := s.call(ctx, "payment_intent.capture", func() error {
		pi, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
		if err == nil {
			out = toPaymentIntent(pi)
		}
		return err
	})
	return out, err
}

func (s *Stripe) CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	var out *PaymentIntent
	err := s.call(ctx, "payment_intent.cancel", func() error {
		pi, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
		if err == nil {
			out = toPaymentIntent(pi)
		}
		return err
	})
	return out, err
}

func (s *Stripe) CreateRefund(ctx context.Context, p RefundParams) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.PaymentIntentID),
		Amount:        p.AmountCents,
	}
	if p.Reason != "" {
		params.Reason = stripe.String(p.Reason)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	params.Context = ctx

	var out *Refund
	err := s.call(ctx, "refund.create", func() error {
		r, err := s.api.Refunds.New(params)
		if err == nil {
			out = &Refund{ID: r.ID, AmountCents: r.Amount, Status: string(r.Status)}
		}
		return err
	})
	return out, err
}

func (s *Stripe) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx

	var out *Charge
	err := s.call(ctx, "charge.retrieve", func() error {
		ch, err := s.api.Charges.Get(chargeID, params)
		if err != nil {
			return err
		}
		out = &Charge{ID: ch.ID, AmountCents: ch.Amount, AmountRefundedCents: ch.AmountRefunded}
		if ch.PaymentIntent != nil {
			out.PaymentIntentID = ch.PaymentIntent.ID
		}
		return nil
	})
	return out, err
}

func toInvoice(inv *stripe.Invoice) *Invoice {
	return &Invoice{
		ID:              inv.ID,
		Number:          inv.Number,
		Status:          string(inv.Status),
		AmountDueCents:  inv.AmountDue,
		AmountPaidCents: inv.AmountPaid,
		Currency:        string(inv.Currency),
		HostedURL:       inv.HostedInvoiceURL,
		PDFURL:          inv.InvoicePDF,
		PeriodStart:     unix(inv.PeriodStart),
		PeriodEnd:       unix(inv.PeriodEnd),
		CreatedAt:       unix(inv.Created),
	}
}

func (s *Stripe) ListInvoices(ctx context.Context, customerID string, limit int) ([]*Invoice, error) {
	var out []*Invoice
	err := s.call(ctx, "invoice.list", func() error {
		out = nil
		params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
		params.Limit = stripe.Int64(int64(limit))
		params.Context = ctx
		it := s.api.Invoices.List(params)
		for len(out) < limit && it.Next() {
			out = append(out, toInvoice(it.Invoice()))
		}
		return it.Err()
	})
	return out, err
}

// UpcomingInvoice previews the customer's next invoice. A customer with
// nothing upcoming yields nil without an error.
func (s *Stripe) UpcomingInvoice(ctx context.Context, customerID string) (*Invoice, error) {
	params := &stripe.InvoiceCreatePreviewParams{Customer: stripe.String(customerID)}
	params.Context = ctx

	var out *Invoice
	err := s.call(ctx, "invoice.preview", func() error {
		inv, err := s.api.Invoices.CreatePreview(params)
		var se *stripe.Error
		if errors.As(err, &se) && string(se.Code) == "invoice_upcoming_none" {
			return nil
		}
		if err == nil {
			out = toInvoice(inv)
		}
		return err
	})
	return out, err
}

var _ Client = (*Stripe)(nil)
