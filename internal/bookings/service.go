package bookings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/idgen"
	"github.com/mbd888/luxbill/internal/logging"
)

// RegisterRequest is what the booking subsystem sends when a booking is
// ready to be paid.
type RegisterRequest struct {
	ID               string `json:"id" binding:"required,max=64"`
	BookingNumber    string `json:"bookingNumber" binding:"required,max=64"`
	TotalAmountCents int64  `json:"totalAmountCents" binding:"required,gt=0"`
	Currency         string `json:"currency" binding:"omitempty,currency"`
	CustomerEmail    string `json:"customerEmail" binding:"omitempty,email"`
}

// Service manages booking collaborator records.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a bookings service.
func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Register records a booking for tenantID. Registering the same booking id
// twice for the same tenant returns the existing record.
func (s *Service) Register(ctx context.Context, tenantID, defaultCurrency string, req RegisterRequest) (*Booking, error) {
	now := s.now()
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = defaultCurrency
	}
	b := &Booking{
		ID:               req.ID,
		TenantID:         tenantID,
		BookingNumber:    req.BookingNumber,
		TotalAmountCents: req.TotalAmountCents,
		Currency:         currency,
		CustomerEmail:    req.CustomerEmail,
		Status:           StatusPending,
		PaymentStatus:    PaymentPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := s.store.CreateBooking(ctx, b)
	if errors.Is(err, ErrBookingExists) {
		existing, gerr := s.Get(ctx, tenantID, req.ID)
		if gerr != nil {
			return nil, err
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("booking registered", "booking_id", b.ID, "tenant_id", tenantID, "amount_cents", b.TotalAmountCents)
	return b, nil
}

// Get returns a booking owned by tenantID. Another tenant's booking is
// reported as not found.
func (s *Service) Get(ctx context.Context, tenantID, bookingID string) (*Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.TenantID != tenantID {
		return nil, ErrBookingNotFound
	}
	return b, nil
}

// Lookup returns a booking regardless of tenant. Used by processor events,
// which carry the booking id in metadata.
func (s *Service) Lookup(ctx context.Context, bookingID string) (*Booking, error) {
	return s.store.GetBooking(ctx, bookingID)
}

func (s *Service) update(ctx context.Context, bookingID string, fn func(b *Booking)) (*Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	fn(b)
	b.UpdatedAt = s.now()
	if err := s.store.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// MarkPaid sets the booking PAID and CONFIRMED.
func (s *Service) MarkPaid(ctx context.Context, bookingID string) (*Booking, error) {
	return s.update(ctx, bookingID, func(b *Booking) {
		b.PaymentStatus = PaymentPaid
		b.Status = StatusConfirmed
	})
}

// SetPaymentStatus overwrites only the payment status.
func (s *Service) SetPaymentStatus(ctx context.Context, bookingID string, ps PaymentStatus) (*Booking, error) {
	return s.update(ctx, bookingID, func(b *Booking) { b.PaymentStatus = ps })
}

// Cancel sets the booking CANCELLED.
func (s *Service) Cancel(ctx context.Context, bookingID string) (*Booking, error) {
	return s.update(ctx, bookingID, func(b *Booking) { b.Status = StatusCancelled })
}

// RecordPayment upserts a payment record by its payment intent id.
func (s *Service) RecordPayment(ctx context.Context, p *Payment) (*Payment, error) {
	if p.PaymentIntentID == "" {
		return nil, apperr.New(apperr.InvalidInput, "bookings: payment intent id is required")
	}
	now := s.now()
	if p.ID == "" {
		p.ID = idgen.WithPrefix(idgen.PrefixPayment)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return s.store.UpsertPayment(ctx, p)
}

// RecordRefund stores a refund record.
func (s *Service) RecordRefund(ctx context.Context, p *Payment) (*Payment, error) {
	now := s.now()
	p.ID = idgen.WithPrefix(idgen.PrefixPayment)
	p.Type = TypeRefund
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.InsertRefund(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PaymentByIntent finds a payment record by payment intent id.
func (s *Service) PaymentByIntent(ctx context.Context, paymentIntentID string) (*Payment, error) {
	if paymentIntentID == "" {
		return nil, ErrPaymentNotFound
	}
	return s.store.GetPaymentByIntent(ctx, paymentIntentID)
}

// Payments lists a booking's payment records, oldest first.
func (s *Service) Payments(ctx context.Context, bookingID string) ([]*Payment, error) {
	return s.store.ListPayments(ctx, bookingID)
}

// RentalPayment returns the booking's rental payment record.
func (s *Service) RentalPayment(ctx context.Context, bookingID string) (*Payment, error) {
	payments, err := s.store.ListPayments(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.Type == TypeRental {
			return p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

// RecordDispute upserts a dispute by its external id.
func (s *Service) RecordDispute(ctx context.Context, d *Dispute) (*Dispute, error) {
	now := s.now()
	if d.ID == "" {
		d.ID = idgen.WithPrefix(idgen.PrefixDispute)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	return s.store.UpsertDispute(ctx, d)
}

// Dispute returns a dispute by its external id.
func (s *Service) Dispute(ctx context.Context, externalDisputeID string) (*Dispute, error) {
	return s.store.GetDispute(ctx, externalDisputeID)
}
