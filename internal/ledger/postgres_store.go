package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/pagination"
	"github.com/mbd888/luxbill/internal/storage"
)

// PostgresStore persists entries in fee_ledger_entries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, booking_id, tenant_id, charge_type, application_fee_cents,
	fee_bps_applied, plan_snapshot, booking_amount_cents, currency, refunded_cents,
	external_payment_intent_id, external_transfer_id, created_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	res, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO fee_ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (booking_id, charge_type) DO NOTHING`,
		e.ID, e.BookingID, e.TenantID, string(e.ChargeType), e.ApplicationFeeCents,
		int64(e.FeeRateApplied), string(e.PlanSnapshot), e.BookingAmountCents, e.Currency, e.RefundedCents,
		nullString(e.PaymentIntentID), nullString(e.TransferID), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateCharge
		}
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateCharge
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, bookingID string, t ChargeType) (*Entry, error) {
	return scanEntry(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM fee_ledger_entries WHERE booking_id = $1 AND charge_type = $2`,
		bookingID, string(t)))
}

// AddRefund is a single conditional increment so concurrent refunds of the
// same charge cannot push refunded_cents past the fee.
func (p *PostgresStore) AddRefund(ctx context.Context, bookingID string, t ChargeType, delta int64) (*Entry, error) {
	return scanEntry(storage.Conn(ctx, p.db).QueryRowContext(ctx, `
		UPDATE fee_ledger_entries
		SET refunded_cents = LEAST(application_fee_cents, refunded_cents + $3), updated_at = NOW()
		WHERE booking_id = $1 AND charge_type = $2
		RETURNING `+entryColumns, bookingID, string(t), delta))
}

func (p *PostgresStore) StatsSince(ctx context.Context, tenantID string, since time.Time) (Stats, error) {
	var s Stats
	err := storage.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE charge_type = 'rental'),
			COALESCE(SUM(booking_amount_cents) FILTER (WHERE charge_type = 'rental'), 0),
			COALESCE(SUM(application_fee_cents - refunded_cents), 0),
			COALESCE(SUM(refunded_cents), 0)
		FROM fee_ledger_entries
		WHERE tenant_id = $1 AND created_at >= $2`, tenantID, since).
		Scan(&s.Bookings, &s.GMVCents, &s.FeesCents, &s.FeesRefundedCents)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int, after *pagination.Cursor) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM fee_ledger_entries WHERE tenant_id = $1`
	args := []any{tenantID}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e            Entry
		chargeType   string
		rate         int64
		plan         string
		intent, xfer sql.NullString
	)
	err := row.Scan(&e.ID, &e.BookingID, &e.TenantID, &chargeType, &e.ApplicationFeeCents,
		&rate, &plan, &e.BookingAmountCents, &e.Currency, &e.RefundedCents,
		&intent, &xfer, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan entry: %w", err)
	}
	e.ChargeType = ChargeType(chargeType)
	e.FeeRateApplied = feepolicy.Rate(rate)
	e.PlanSnapshot = feepolicy.Plan(plan)
	e.PaymentIntentID = intent.String
	e.TransferID = xfer.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
