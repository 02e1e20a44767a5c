// Package deposit manages refundable security-deposit holds on bookings.
//
// Flow:
//  1. Authorize places a manual-capture hold on the customer's card
//  2. Capture takes all or part of the hold (damage, fuel, late return)
//  3. Release cancels the hold
//  4. An untouched hold lapses after seven days; the processor voids it
//
// Processor events are authoritative: ApplyProcessorState reconciles the
// local record and never moves a deposit out of a terminal state.
package deposit

import (
	"context"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/feepolicy"
)

var (
	ErrDepositNotFound   = apperr.New(apperr.NotFound, "deposit: not found")
	ErrAlreadyAuthorized = apperr.New(apperr.Duplicate, "deposit: booking already has an authorized deposit")
	ErrDepositExists     = apperr.New(apperr.Duplicate, "deposit: payment intent already recorded")
	ErrInvalidState      = apperr.New(apperr.InvalidState, "deposit: deposit is not authorized")
	ErrExpired           = apperr.New(apperr.InvalidState, "deposit: authorization has expired")
	ErrOverCapture       = apperr.New(apperr.InvalidInput, "deposit: capture exceeds the authorized amount")
	ErrInvalidAmount     = apperr.New(apperr.InvalidInput, "deposit: amount must be positive")
	ErrInvalidRequest    = apperr.New(apperr.InvalidInput, "deposit: tenant, booking and destination account are required")
)

// HoldDuration is how long a card authorization stays capturable.
const HoldDuration = 7 * 24 * time.Hour

// Status is the deposit lifecycle state.
type Status string

const (
	StatusAuthorized Status = "AUTHORIZED"
	StatusCaptured   Status = "CAPTURED"
	StatusReleased   Status = "RELEASED"
	StatusCanceled   Status = "CANCELED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusAuthorized
}

// FeePolicy decides whether captured deposits pay the marketplace fee.
type FeePolicy string

const (
	FeeNone        FeePolicy = "none"
	FeeBookingRate FeePolicy = "booking_rate"
)

// Deposit is a security-deposit authorization.
type Deposit struct {
	ID              string `json:"id"`
	BookingID       string `json:"bookingId"`
	TenantID        string `json:"tenantId"`
	PaymentIntentID string `json:"externalPaymentIntentId"`
	AmountCents     int64  `json:"amountCents"`
	Currency        string `json:"currency"`
	Status          Status `json:"status"`
	CapturedCents   int64  `json:"capturedCents"`
	// FeeRateApplied is the rate withheld at capture; zero under FeeNone.
	FeeRateApplied      feepolicy.Rate `json:"feePercentApplied"`
	PlanSnapshot        feepolicy.Plan `json:"planSnapshot,omitempty"`
	ApplicationFeeCents int64          `json:"applicationFeeCents"`
	// ClientSecret is only returned to the caller that authorized the hold.
	ClientSecret string     `json:"-"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	CapturedAt   *time.Time `json:"capturedAt,omitempty"`
	ReleasedAt   *time.Time `json:"releasedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Lapsed reports whether an authorized hold is past its expiry.
func (d *Deposit) Lapsed(now time.Time) bool {
	return d.Status == StatusAuthorized && !now.Before(d.ExpiresAt)
}

func (d *Deposit) clone() *Deposit {
	cp := *d
	if d.CapturedAt != nil {
		t := *d.CapturedAt
		cp.CapturedAt = &t
	}
	if d.ReleasedAt != nil {
		t := *d.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

// Store persists deposits.
type Store interface {
	// Create returns ErrAlreadyAuthorized when the booking already has an
	// authorized deposit and ErrDepositExists for a known payment intent.
	Create(ctx context.Context, d *Deposit) error
	Get(ctx context.Context, id string) (*Deposit, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Deposit, error)
	ListByBooking(ctx context.Context, bookingID string) ([]*Deposit, error)
	// Transition writes d only while the stored status is still from and
	// returns ErrInvalidState otherwise.
	Transition(ctx context.Context, d *Deposit, from Status) error
	// ListLapsed returns authorized deposits whose hold expired before t.
	ListLapsed(ctx context.Context, before time.Time, limit int) ([]*Deposit, error)
}
