// Package ledger records the marketplace fee taken on every booking charge
// and the fee returned when a charge is refunded.
//
// Entries snapshot the rate and plan in force when the charge was created.
// Refund reversals always use that snapshot, never the tenant's current plan.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/idgen"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/pagination"
	"github.com/mbd888/luxbill/internal/storage"
)

var (
	ErrDuplicateCharge = apperr.New(apperr.Duplicate, "ledger: fee already recorded for this booking charge")
	ErrEntryNotFound   = apperr.New(apperr.NotFound, "ledger: entry not found")
	ErrInvalidAmount   = apperr.New(apperr.InvalidInput, "ledger: amount must be positive")
	ErrInvalidCharge   = apperr.New(apperr.InvalidInput, "ledger: booking, tenant and charge type are required")
)

// ChargeType distinguishes the rental payment from a captured deposit.
type ChargeType string

const (
	ChargeRental  ChargeType = "rental"
	ChargeDeposit ChargeType = "deposit"
)

// Valid reports whether t is a known charge type.
func (t ChargeType) Valid() bool {
	return t == ChargeRental || t == ChargeDeposit
}

// Entry is one fee taken on one booking charge.
type Entry struct {
	ID                  string         `json:"id"`
	BookingID           string         `json:"bookingId"`
	TenantID            string         `json:"tenantId"`
	ChargeType          ChargeType     `json:"chargeType"`
	ApplicationFeeCents int64          `json:"applicationFeeCents"`
	FeeRateApplied      feepolicy.Rate `json:"feePercentApplied"`
	PlanSnapshot        feepolicy.Plan `json:"planSnapshot"`
	BookingAmountCents  int64          `json:"bookingAmountCents"`
	Currency            string         `json:"currency"`
	RefundedCents       int64          `json:"refundedCents"`
	PaymentIntentID     string         `json:"externalPaymentIntentId,omitempty"`
	TransferID          string         `json:"externalTransferId,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// NetFeeCents is the fee kept after refunds.
func (e *Entry) NetFeeCents() int64 {
	return e.ApplicationFeeCents - e.RefundedCents
}

// Charge describes a fee to record.
type Charge struct {
	BookingID          string
	TenantID           string
	ChargeType         ChargeType
	FeeCents           int64
	Rate               feepolicy.Rate
	Plan               feepolicy.Plan
	BookingAmountCents int64
	Currency           string
	PaymentIntentID    string
	TransferID         string
}

// Stats summarises a tenant's entries over a period.
type Stats struct {
	Bookings          int   `json:"bookings"`
	GMVCents          int64 `json:"gmvCents"`
	FeesCents         int64 `json:"feesCents"`
	FeesRefundedCents int64 `json:"feesRefundedCents"`
}

// Store persists ledger entries.
type Store interface {
	// Insert returns ErrDuplicateCharge when (booking, charge type) exists.
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, bookingID string, chargeType ChargeType) (*Entry, error)
	// AddRefund raises refundedCents by delta, clamped to the fee, and
	// returns the updated entry.
	AddRefund(ctx context.Context, bookingID string, chargeType ChargeType, delta int64) (*Entry, error)
	StatsSince(ctx context.Context, tenantID string, since time.Time) (Stats, error)
	// ListByTenant returns up to limit entries newest first, strictly after
	// the cursor when one is given.
	ListByTenant(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Entry, error)
}

// Ledger is the fee ledger.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a fee ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// RecordCharge inserts the entry for a booking charge exactly once.
func (l *Ledger) RecordCharge(ctx context.Context, c Charge) (*Entry, error) {
	defer observeOp("record_charge")()

	if strings.TrimSpace(c.BookingID) == "" || strings.TrimSpace(c.TenantID) == "" || !c.ChargeType.Valid() {
		return nil, ErrInvalidCharge
	}
	if c.FeeCents < 0 || c.BookingAmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	now := l.now()
	e := &Entry{
		ID:                  idgen.WithPrefix(idgen.PrefixLedger),
		BookingID:           c.BookingID,
		TenantID:            c.TenantID,
		ChargeType:          c.ChargeType,
		ApplicationFeeCents: c.FeeCents,
		FeeRateApplied:      c.Rate,
		PlanSnapshot:        c.Plan,
		BookingAmountCents:  c.BookingAmountCents,
		Currency:            strings.ToLower(c.Currency),
		PaymentIntentID:     c.PaymentIntentID,
		TransferID:          c.TransferID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := l.store.Insert(ctx, e); err != nil {
		return nil, err
	}

	storage.AfterCommit(ctx, func() {
		metrics.FeesCollectedCents.WithLabelValues(string(e.PlanSnapshot), string(e.ChargeType)).Add(float64(e.ApplicationFeeCents))
		logging.L(ctx).Info("fee recorded",
			"booking_id", e.BookingID, "charge_type", e.ChargeType,
			"fee_cents", e.ApplicationFeeCents, "rate_bps", int64(e.FeeRateApplied))
	})
	return e, nil
}

// EnsureCharge records the charge unless an entry already exists, in which
// case the existing entry is returned unchanged.
func (l *Ledger) EnsureCharge(ctx context.Context, c Charge) (*Entry, error) {
	e, err := l.store.Get(ctx, c.BookingID, c.ChargeType)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}
	e, err = l.RecordCharge(ctx, c)
	if errors.Is(err, ErrDuplicateCharge) {
		return l.store.Get(ctx, c.BookingID, c.ChargeType)
	}
	return e, err
}

// RecordRefund reverses the fee for refundedAmountCents of the booking's
// rental charge at the snapshotted rate. A booking without an entry (DIY,
// or a charge made outside the platform) is logged and skipped.
func (l *Ledger) RecordRefund(ctx context.Context, bookingID string, refundedAmountCents int64) (*Entry, error) {
	defer observeOp("record_refund")()

	if refundedAmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	cur, err := l.store.Get(ctx, bookingID, ChargeRental)
	if errors.Is(err, ErrEntryNotFound) {
		logging.L(ctx).Warn("refund for booking without fee entry", "booking_id", bookingID, "refunded_cents", refundedAmountCents)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	reversal := feepolicy.RefundReversal(refundedAmountCents, cur.FeeRateApplied)
	if reversal == 0 {
		return cur, nil
	}
	updated, err := l.store.AddRefund(ctx, bookingID, ChargeRental, reversal)
	if err != nil {
		return nil, err
	}

	reversed := updated.RefundedCents - cur.RefundedCents
	storage.AfterCommit(ctx, func() {
		if reversed > 0 {
			metrics.FeesReversedCents.Add(float64(reversed))
		}
		logging.L(ctx).Info("fee reversed",
			"booking_id", bookingID, "refunded_cents", refundedAmountCents,
			"reversed_cents", reversed, "total_refunded_fee_cents", updated.RefundedCents)
	})
	return updated, nil
}

// MonthStart is the first instant of now's calendar month in UTC.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthToDateStats sums the tenant's entries since the start of the month.
// FeesCents is net of reversed fees.
func (l *Ledger) MonthToDateStats(ctx context.Context, tenantID string, now time.Time) (Stats, error) {
	return l.store.StatsSince(ctx, tenantID, MonthStart(now))
}

// Get returns the entry for one booking charge.
func (l *Ledger) Get(ctx context.Context, bookingID string, chargeType ChargeType) (*Entry, error) {
	return l.store.Get(ctx, bookingID, chargeType)
}

// ListByTenant returns one page of entries and the cursor of the next page.
func (l *Ledger) ListByTenant(ctx context.Context, tenantID string, limit int, cursor string) ([]*Entry, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	entries, err := l.store.ListByTenant(ctx, tenantID, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}
