// Package processor is the billing core's view of the payment processor.
//
// Everything the core needs from Stripe goes through Client, in the core's
// own types. Stripe implements it over stripe-go; Fake is an in-memory
// implementation for tests and local development.
package processor

import (
	"context"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
)

// ErrNotConfigured is returned by every operation that needs the processor
// when no processor credentials are configured.
var ErrNotConfigured = apperr.New(apperr.NotConfigured, "processor: payment processing is not configured")

// Require returns ErrNotConfigured for a nil client.
func Require(c Client) error {
	if c == nil {
		return ErrNotConfigured
	}
	return nil
}

// Requirements are the processor's outstanding onboarding requirements.
type Requirements struct {
	CurrentlyDue   []string `json:"currentlyDue"`
	PastDue        []string `json:"pastDue"`
	EventuallyDue  []string `json:"eventuallyDue"`
	DisabledReason string   `json:"disabledReason,omitempty"`
}

// Account is a connected account as the processor reports it.
type Account struct {
	ID               string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
	Requirements     Requirements
}

// CreateAccountParams describe a new express connected account.
type CreateAccountParams struct {
	TenantID string
	Country  string
	Email    string
}

// Link is a short-lived hosted URL.
type Link struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// PaymentIntentParams describe a destination charge.
type PaymentIntentParams struct {
	AmountCents          int64
	Currency             string
	DestinationAccountID string
	// ApplicationFeeCents of zero sends no application fee.
	ApplicationFeeCents int64
	ManualCapture       bool
	ReceiptEmail        string
	Description         string
	Metadata            map[string]string
	IdempotencyKey      string
}

// PaymentIntent is the processor's payment intent.
type PaymentIntent struct {
	ID                  string
	ClientSecret        string
	Status              string
	AmountCents         int64
	AmountReceivedCents int64
	Currency            string
	ManualCapture       bool
	ApplicationFeeCents int64
	Metadata            map[string]string
}

// CaptureParams qualify a capture. Nil fields use processor defaults.
type CaptureParams struct {
	AmountCents         *int64
	ApplicationFeeCents *int64
	IdempotencyKey      string
}

// RefundParams describe a refund. A nil amount refunds the remainder.
type RefundParams struct {
	PaymentIntentID string
	AmountCents     *int64
	Reason          string
	Metadata        map[string]string
	IdempotencyKey  string
}

// Refund is a processor refund.
type Refund struct {
	ID          string
	AmountCents int64
	Status      string
}

// Charge is the processor charge behind a payment intent.
type Charge struct {
	ID                  string
	PaymentIntentID     string
	AmountCents         int64
	AmountRefundedCents int64
}

// CheckoutParams describe a hosted subscription checkout.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is a hosted checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// Subscription is a processor subscription with a single price.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	ItemID            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	Metadata          map[string]string
}

// SubscriptionUpdate changes a subscription. Empty or nil fields are left as they are.
type SubscriptionUpdate struct {
	ItemID            string
	PriceID           string
	CancelAtPeriodEnd *bool
}

// SetupIntent collects a card for later use.
type SetupIntent struct {
	ID           string
	ClientSecret string
}

// Invoice is a subscription invoice.
type Invoice struct {
	ID              string    `json:"id"`
	Number          string    `json:"number,omitempty"`
	Status          string    `json:"status"`
	AmountDueCents  int64     `json:"amountDueCents"`
	AmountPaidCents int64     `json:"amountPaidCents"`
	Currency        string    `json:"currency"`
	HostedURL       string    `json:"hostedInvoiceUrl,omitempty"`
	PDFURL          string    `json:"invoicePdf,omitempty"`
	PeriodStart     time.Time `json:"periodStart"`
	PeriodEnd       time.Time `json:"periodEnd"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Client is the processor contract.
type Client interface {
	CreateAccount(ctx context.Context, p CreateAccountParams) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	AccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*Link, error)
	LoginLink(ctx context.Context, accountID string) (*Link, error)

	CreateCustomer(ctx context.Context, tenantID, email string) (string, error)
	CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error)

	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, u SubscriptionUpdate) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	CreatePaymentIntent(ctx context.Context, p PaymentIntentParams) (*PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, paymentIntentID string, p CaptureParams) (*PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	CreateRefund(ctx context.Context, p RefundParams) (*Refund, error)
	GetCharge(ctx context.Context, chargeID string) (*Charge, error)

	ListInvoices(ctx context.Context, customerID string, limit int) ([]*Invoice, error)
	UpcomingInvoice(ctx context.Context, customerID string) (*Invoice, error)
}
