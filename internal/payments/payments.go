// Package payments creates booking destination charges and issues refunds
// against them.
//
// The fee is computed when the charge is created from the tenant's plan at
// that moment, and the ledger entry snapshots it. Refunds go through the
// processor; the fee reversal follows when the processor reports the refund.
package payments

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/bookings"
	"github.com/mbd888/luxbill/internal/connect"
	"github.com/mbd888/luxbill/internal/deposit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/idgen"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/processor"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/tenant"
	"github.com/mbd888/luxbill/internal/traces"
)

var (
	ErrAlreadyPaid     = apperr.New(apperr.InvalidState, "payments: booking is already paid")
	ErrBookingClosed   = apperr.New(apperr.InvalidState, "payments: booking is cancelled")
	ErrNotRefundable   = apperr.New(apperr.InvalidState, "payments: booking has no settled payment to refund")
	ErrNothingToRefund = apperr.New(apperr.InvalidState, "payments: booking is fully refunded")
	ErrOverRefund      = apperr.New(apperr.InvalidInput, "payments: refund exceeds the amount still refundable")
	ErrInvalidAmount   = apperr.New(apperr.InvalidInput, "payments: amount must be positive")
	ErrInvalidReason   = apperr.New(apperr.InvalidInput, "payments: reason must be duplicate, fraudulent or requested_by_customer")
)

// Refund reasons accepted by the processor.
const (
	ReasonDuplicate           = "duplicate"
	ReasonFraudulent          = "fraudulent"
	ReasonRequestedByCustomer = "requested_by_customer"
)

// CreateRequest qualifies a booking payment.
type CreateRequest struct {
	// DepositAmountCents places a security-deposit hold alongside the charge.
	DepositAmountCents int64 `json:"depositAmountCents" binding:"omitempty,gte=0"`
}

// BookingPayment is what the checkout page needs to confirm the charge.
type BookingPayment struct {
	Payment             *bookings.Payment `json:"payment"`
	ClientSecret        string            `json:"clientSecret"`
	ApplicationFeeCents int64             `json:"applicationFeeCents"`
	FeeRate             feepolicy.Rate    `json:"feePercent"`
	Plan                feepolicy.Plan    `json:"plan"`
	Deposit             *deposit.Deposit  `json:"deposit,omitempty"`
	DepositClientSecret string            `json:"depositClientSecret,omitempty"`
}

// RefundRequest describes a refund of a booking's rental payment.
type RefundRequest struct {
	BookingID string `json:"bookingId" binding:"required,max=64"`
	// AmountCents nil refunds whatever remains.
	AmountCents *int64 `json:"amountCents" binding:"omitempty,gt=0"`
	Reason      string `json:"reason" binding:"omitempty,oneof=duplicate fraudulent requested_by_customer"`
}

// Service wires charges and refunds to their collaborators.
type Service struct {
	proc     processor.Client
	bookings *bookings.Service
	tenants  *tenant.Service
	accounts *connect.Tracker
	ledger   *ledger.Ledger
	deposits *deposit.Service
	runner   storage.Runner
	audit    *audit.Recorder
	now      func() time.Time
}

// Deps bundles the Service collaborators.
type Deps struct {
	Processor processor.Client
	Bookings  *bookings.Service
	Tenants   *tenant.Service
	Accounts  *connect.Tracker
	Ledger    *ledger.Ledger
	Deposits  *deposit.Service
	Runner    storage.Runner
	Audit     *audit.Recorder
}

// NewService creates the payments service.
func NewService(d Deps) *Service {
	return &Service{
		proc:     d.Processor,
		bookings: d.Bookings,
		tenants:  d.Tenants,
		accounts: d.Accounts,
		ledger:   d.Ledger,
		deposits: d.Deposits,
		runner:   d.Runner,
		audit:    d.Audit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateBookingPayment creates the destination charge for a booking and,
// when asked, the deposit hold. Repeating the call reuses the same payment
// intent through its idempotency key.
func (s *Service) CreateBookingPayment(ctx context.Context, tenantID, bookingID string, req CreateRequest) (out *BookingPayment, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.CreateBookingPayment", traces.TenantID(tenantID), traces.BookingID(bookingID))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	b, err := s.bookings.Get(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	switch {
	case b.Status == bookings.StatusCancelled:
		return nil, ErrBookingClosed
	case b.PaymentStatus == bookings.PaymentPaid:
		return nil, ErrAlreadyPaid
	}
	acct, err := s.accounts.RequireChargesEnabled(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	profile, err := s.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rate := profile.ActiveRate(s.now())
	fee, err := feepolicy.ApplicationFee(b.TotalAmountCents, rate, profile.FeeMinimumCents)
	if err != nil {
		return nil, err
	}

	pi, err := s.proc.CreatePaymentIntent(ctx, processor.PaymentIntentParams{
		AmountCents:          b.TotalAmountCents,
		Currency:             b.Currency,
		DestinationAccountID: acct.ExternalAccountID,
		ApplicationFeeCents:  fee,
		ReceiptEmail:         b.CustomerEmail,
		Description:          "Booking " + b.BookingNumber,
		Metadata: map[string]string{
			"bookingId":     b.ID,
			"bookingNumber": b.BookingNumber,
			"tenantId":      tenantID,
			"type":          string(bookings.TypeRental),
			"feeBps":        strconv.FormatInt(int64(rate), 10),
			"plan":          string(profile.Plan),
		},
		IdempotencyKey: idgen.IdempotencyKey(b.ID, "payment"),
	})
	if err != nil {
		return nil, err
	}

	out = &BookingPayment{ClientSecret: pi.ClientSecret, ApplicationFeeCents: fee, FeeRate: rate, Plan: profile.Plan}
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		payment, err := s.bookings.PaymentByIntent(ctx, pi.ID)
		if errors.Is(err, bookings.ErrPaymentNotFound) {
			payment, err = s.bookings.RecordPayment(ctx, &bookings.Payment{
				BookingID:       b.ID,
				TenantID:        tenantID,
				PaymentIntentID: pi.ID,
				Type:            bookings.TypeRental,
				AmountCents:     b.TotalAmountCents,
				Currency:        b.Currency,
				Status:          bookings.RecordPending,
			})
		}
		if err != nil {
			return err
		}
		out.Payment = payment

		if fee > 0 {
			if _, err := s.ledger.EnsureCharge(ctx, ledger.Charge{
				BookingID:          b.ID,
				TenantID:           tenantID,
				ChargeType:         ledger.ChargeRental,
				FeeCents:           fee,
				Rate:               rate,
				Plan:               profile.Plan,
				BookingAmountCents: b.TotalAmountCents,
				Currency:           b.Currency,
				PaymentIntentID:    pi.ID,
			}); err != nil {
				return err
			}
		}

		s.audit.Record(ctx, audit.Change{
			TenantID: tenantID,
			Action:   audit.ActionBookingPaymentCreated,
			Entity:   "booking",
			EntityID: b.ID,
			After:    out,
			Metadata: map[string]string{"paymentIntentId": pi.ID},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req.DepositAmountCents > 0 {
		d, err := s.deposits.Authorize(ctx, deposit.AuthorizeRequest{
			TenantID:             tenantID,
			BookingID:            b.ID,
			AmountCents:          req.DepositAmountCents,
			Currency:             b.Currency,
			CustomerEmail:        b.CustomerEmail,
			DestinationAccountID: acct.ExternalAccountID,
			BookingRate:          rate,
			Plan:                 profile.Plan,
		})
		switch {
		case errors.Is(err, deposit.ErrAlreadyAuthorized):
			if d, err = s.liveDeposit(ctx, tenantID, b.ID); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		}
		out.Deposit = d
		out.DepositClientSecret = d.ClientSecret
	}

	logging.L(ctx).Info("booking payment created",
		"booking_id", b.ID, "payment_intent_id", pi.ID, "fee_cents", fee, "rate_bps", int64(rate))
	return out, nil
}

func (s *Service) liveDeposit(ctx context.Context, tenantID, bookingID string) (*deposit.Deposit, error) {
	ds, err := s.deposits.ListByBooking(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	for _, d := range ds {
		if d.Status == deposit.StatusAuthorized {
			return d, nil
		}
	}
	return nil, deposit.ErrAlreadyAuthorized
}

// Refund refunds all or part of a booking's rental payment. The refund
// record is stored immediately; booking status and the fee reversal follow
// from the processor's refund event.
func (s *Service) Refund(ctx context.Context, tenantID string, req RefundRequest) (out *bookings.Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Refund", traces.TenantID(tenantID), traces.BookingID(req.BookingID))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonRequestedByCustomer
	}
	switch reason {
	case ReasonDuplicate, ReasonFraudulent, ReasonRequestedByCustomer:
	default:
		return nil, ErrInvalidReason
	}

	b, err := s.bookings.Get(ctx, tenantID, req.BookingID)
	if err != nil {
		return nil, err
	}
	rental, err := s.bookings.RentalPayment(ctx, b.ID)
	if errors.Is(err, bookings.ErrPaymentNotFound) {
		return nil, ErrNotRefundable
	}
	if err != nil {
		return nil, err
	}
	switch rental.Status {
	case bookings.RecordSucceeded, bookings.RecordPartiallyRefunded:
	case bookings.RecordRefunded:
		return nil, ErrNothingToRefund
	default:
		return nil, ErrNotRefundable
	}

	refunded, count, err := s.refunded(ctx, b.ID, rental)
	if err != nil {
		return nil, err
	}
	remaining := rental.AmountCents - refunded
	if remaining <= 0 {
		return nil, ErrNothingToRefund
	}
	amount := remaining
	if req.AmountCents != nil {
		amount = *req.AmountCents
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount > remaining {
		return nil, ErrOverRefund
	}

	r, err := s.proc.CreateRefund(ctx, processor.RefundParams{
		PaymentIntentID: rental.PaymentIntentID,
		AmountCents:     &amount,
		Reason:          reason,
		Metadata:        map[string]string{"bookingId": b.ID, "tenantId": tenantID},
		IdempotencyKey:  idgen.IdempotencyKey(b.ID, "refund", count+1),
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	status := bookings.RecordPending
	if r.Status == "succeeded" {
		status = bookings.RecordSucceeded
	}
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		out, err = s.bookings.RecordRefund(ctx, &bookings.Payment{
			BookingID:   b.ID,
			TenantID:    tenantID,
			AmountCents: r.AmountCents,
			Currency:    rental.Currency,
			Status:      status,
			RefundID:    r.ID,
			ProcessedAt: &now,
		})
		if err != nil {
			return err
		}
		s.audit.Record(ctx, audit.Change{
			TenantID: tenantID,
			Action:   audit.ActionRefundCreated,
			Entity:   "booking",
			EntityID: b.ID,
			After:    out,
			Metadata: map[string]string{"reason": reason, "refundId": r.ID},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("refund created", "booking_id", b.ID, "refund_id", r.ID, "amount_cents", r.AmountCents)
	return out, nil
}

// refunded is the amount already refunded: the larger of what the
// processor last reported and what this service has issued.
func (s *Service) refunded(ctx context.Context, bookingID string, rental *bookings.Payment) (int64, int, error) {
	payments, err := s.bookings.Payments(ctx, bookingID)
	if err != nil {
		return 0, 0, err
	}
	var issued int64
	count := 0
	for _, p := range payments {
		if p.Type == bookings.TypeRefund {
			issued += p.AmountCents
			count++
		}
	}
	return max(issued, rental.RefundedCents), count, nil
}
