package bookings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/luxbill/internal/storage"
)

// PostgresStore persists bookings, payments and disputes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed bookings store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, tenant_id, booking_number, total_amount_cents, currency,
	customer_email, status, payment_status, created_at, updated_at`

func (p *PostgresStore) CreateBooking(ctx context.Context, b *Booking) error {
	res, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		b.ID, b.TenantID, b.BookingNumber, b.TotalAmountCents, b.Currency,
		nullString(b.CustomerEmail), string(b.Status), string(b.PaymentStatus), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("bookings: create: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBookingExists
	}
	return nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*Booking, error) {
	var (
		b             Booking
		email         sql.NullString
		status, payst string
	)
	err := storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id).
		Scan(&b.ID, &b.TenantID, &b.BookingNumber, &b.TotalAmountCents, &b.Currency,
			&email, &status, &payst, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bookings: get: %w", err)
	}
	b.CustomerEmail = email.String
	b.Status = Status(status)
	b.PaymentStatus = PaymentStatus(payst)
	return &b, nil
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *Booking) error {
	res, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE bookings SET status = $2, payment_status = $3, updated_at = $4 WHERE id = $1`,
		b.ID, string(b.Status), string(b.PaymentStatus), b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("bookings: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBookingNotFound
	}
	return nil
}

const paymentColumns = `id, booking_id, tenant_id, external_payment_intent_id, type, amount_cents,
	currency, status, refunded_cents, failure_reason, external_refund_id, processed_at,
	created_at, updated_at`

func paymentArgs(pm *Payment) []any {
	return []any{
		pm.ID, pm.BookingID, pm.TenantID, nullString(pm.PaymentIntentID), string(pm.Type), pm.AmountCents,
		pm.Currency, string(pm.Status), pm.RefundedCents, nullString(pm.FailureReason),
		nullString(pm.RefundID), pm.ProcessedAt, pm.CreatedAt, pm.UpdatedAt,
	}
}

func (p *PostgresStore) UpsertPayment(ctx context.Context, pm *Payment) (*Payment, error) {
	return scanPayment(storage.Conn(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_payment_intent_id) DO UPDATE SET
			amount_cents = EXCLUDED.amount_cents,
			status = EXCLUDED.status,
			refunded_cents = EXCLUDED.refunded_cents,
			failure_reason = EXCLUDED.failure_reason,
			processed_at = EXCLUDED.processed_at,
			updated_at = EXCLUDED.updated_at
		RETURNING `+paymentColumns, paymentArgs(pm)...))
}

func (p *PostgresStore) InsertRefund(ctx context.Context, pm *Payment) error {
	_, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, paymentArgs(pm)...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrRefundRecorded
		}
		return fmt.Errorf("bookings: insert refund: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPaymentByIntent(ctx context.Context, paymentIntentID string) (*Payment, error) {
	return scanPayment(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_payment_intent_id = $1`, paymentIntentID))
}

func (p *PostgresStore) ListPayments(ctx context.Context, bookingID string) ([]*Payment, error) {
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1 ORDER BY created_at, id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pm, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

const disputeColumns = `id, booking_id, tenant_id, external_dispute_id, amount_cents, currency,
	reason, status, evidence_due_by, created_at, updated_at`

func (p *PostgresStore) UpsertDispute(ctx context.Context, d *Dispute) (*Dispute, error) {
	return scanDispute(storage.Conn(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (external_dispute_id) DO UPDATE SET
			amount_cents = EXCLUDED.amount_cents,
			reason = EXCLUDED.reason,
			status = EXCLUDED.status,
			evidence_due_by = COALESCE(EXCLUDED.evidence_due_by, disputes.evidence_due_by),
			updated_at = EXCLUDED.updated_at
		RETURNING `+disputeColumns,
		d.ID, d.BookingID, d.TenantID, d.ExternalDisputeID, d.AmountCents, d.Currency,
		nullString(d.Reason), string(d.Status), d.EvidenceDueBy, d.CreatedAt, d.UpdatedAt))
}

func (p *PostgresStore) GetDispute(ctx context.Context, externalDisputeID string) (*Dispute, error) {
	return scanDispute(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE external_dispute_id = $1`, externalDisputeID))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	var (
		pm                     Payment
		intent, reason, refund sql.NullString
		typ, status            string
		processed              sql.NullTime
	)
	err := row.Scan(&pm.ID, &pm.BookingID, &pm.TenantID, &intent, &typ, &pm.AmountCents,
		&pm.Currency, &status, &pm.RefundedCents, &reason, &refund, &processed,
		&pm.CreatedAt, &pm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bookings: scan payment: %w", err)
	}
	pm.PaymentIntentID = intent.String
	pm.Type = PaymentType(typ)
	pm.Status = RecordStatus(status)
	pm.FailureReason = reason.String
	pm.RefundID = refund.String
	if processed.Valid {
		pm.ProcessedAt = &processed.Time
	}
	return &pm, nil
}

func scanDispute(row scanner) (*Dispute, error) {
	var (
		d      Dispute
		reason sql.NullString
		status string
		due    sql.NullTime
	)
	err := row.Scan(&d.ID, &d.BookingID, &d.TenantID, &d.ExternalDisputeID, &d.AmountCents, &d.Currency,
		&reason, &status, &due, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bookings: scan dispute: %w", err)
	}
	d.Reason = reason.String
	d.Status = DisputeStatus(status)
	if due.Valid {
		d.EvidenceDueBy = &due.Time
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
