// Package bookings holds the booking, payment and dispute records the
// billing core shares with the booking subsystem. Billing only moves a
// booking's status and payment status; it never changes pricing.
package bookings

import (
	"context"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
)

var (
	ErrBookingNotFound = apperr.New(apperr.NotFound, "bookings: booking not found")
	ErrBookingExists   = apperr.New(apperr.Duplicate, "bookings: booking already registered")
	ErrPaymentNotFound = apperr.New(apperr.NotFound, "bookings: payment not found")
	ErrDisputeNotFound = apperr.New(apperr.NotFound, "bookings: dispute not found")
	ErrRefundRecorded  = apperr.New(apperr.Duplicate, "bookings: refund already recorded")
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// PaymentStatus is the booking-level payment state.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Booking is the booking subsystem's record as billing sees it.
type Booking struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenantId"`
	BookingNumber    string        `json:"bookingNumber"`
	TotalAmountCents int64         `json:"totalAmountCents"`
	Currency         string        `json:"currency"`
	CustomerEmail    string        `json:"customerEmail,omitempty"`
	Status           Status        `json:"status"`
	PaymentStatus    PaymentStatus `json:"paymentStatus"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// PaymentType classifies a payment record.
type PaymentType string

const (
	TypeRental  PaymentType = "rental"
	TypeDeposit PaymentType = "deposit"
	TypeRefund  PaymentType = "refund"
)

// RecordStatus is a payment record's processor outcome.
type RecordStatus string

const (
	RecordPending           RecordStatus = "PENDING"
	RecordSucceeded         RecordStatus = "SUCCEEDED"
	RecordFailed            RecordStatus = "FAILED"
	RecordRefunded          RecordStatus = "REFUNDED"
	RecordPartiallyRefunded RecordStatus = "PARTIALLY_REFUNDED"
)

// Payment is one processor payment or refund against a booking.
type Payment struct {
	ID              string       `json:"id"`
	BookingID       string       `json:"bookingId"`
	TenantID        string       `json:"tenantId"`
	PaymentIntentID string       `json:"externalPaymentIntentId,omitempty"`
	Type            PaymentType  `json:"type"`
	AmountCents     int64        `json:"amountCents"`
	Currency        string       `json:"currency"`
	Status          RecordStatus `json:"status"`
	RefundedCents   int64        `json:"refundedCents"`
	FailureReason   string       `json:"failureReason,omitempty"`
	RefundID        string       `json:"externalRefundId,omitempty"`
	ProcessedAt     *time.Time   `json:"processedAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// DisputeStatus mirrors the processor's dispute lifecycle.
type DisputeStatus string

const (
	DisputeWarningNeedsResponse DisputeStatus = "WARNING_NEEDS_RESPONSE"
	DisputeNeedsResponse        DisputeStatus = "NEEDS_RESPONSE"
	DisputeUnderReview          DisputeStatus = "UNDER_REVIEW"
	DisputeWon                  DisputeStatus = "WON"
	DisputeLost                 DisputeStatus = "LOST"
	DisputeWarningClosed        DisputeStatus = "WARNING_CLOSED"
)

// Dispute is a chargeback opened against a booking's payment.
type Dispute struct {
	ID                string        `json:"id"`
	BookingID         string        `json:"bookingId"`
	TenantID          string        `json:"tenantId"`
	ExternalDisputeID string        `json:"externalDisputeId"`
	AmountCents       int64         `json:"amountCents"`
	Currency          string        `json:"currency"`
	Reason            string        `json:"reason,omitempty"`
	Status            DisputeStatus `json:"status"`
	EvidenceDueBy     *time.Time    `json:"evidenceDueBy,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Store persists booking collaborator records.
type Store interface {
	CreateBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, id string) (*Booking, error)
	// UpdateBooking overwrites status and payment status.
	UpdateBooking(ctx context.Context, b *Booking) error

	// UpsertPayment inserts or overwrites the record keyed by payment intent id.
	UpsertPayment(ctx context.Context, p *Payment) (*Payment, error)
	// InsertRefund stores a refund record, which has no payment intent id of its own.
	InsertRefund(ctx context.Context, p *Payment) error
	GetPaymentByIntent(ctx context.Context, paymentIntentID string) (*Payment, error)
	ListPayments(ctx context.Context, bookingID string) ([]*Payment, error)

	// UpsertDispute inserts or overwrites the record keyed by external dispute id.
	UpsertDispute(ctx context.Context, d *Dispute) (*Dispute, error)
	GetDispute(ctx context.Context, externalDisputeID string) (*Dispute, error)
}
