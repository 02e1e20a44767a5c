package deposit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/storage"
)

// liveHoldConstraint is the partial unique index allowing one AUTHORIZED
// deposit per booking.
const liveHoldConstraint = "deposit_authorizations_one_live_hold"

// PostgresStore persists deposits in deposit_authorizations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed deposit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const depositColumns = `id, booking_id, tenant_id, external_payment_intent_id, amount_cents, currency,
	status, captured_cents, fee_bps_applied, plan_snapshot, application_fee_cents,
	expires_at, captured_at, released_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deposit) error {
	_, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO deposit_authorizations (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.BookingID, d.TenantID, d.PaymentIntentID, d.AmountCents, d.Currency,
		string(d.Status), d.CapturedCents, int64(d.FeeRateApplied), nullString(string(d.PlanSnapshot)),
		d.ApplicationFeeCents, d.ExpiresAt, d.CapturedAt, d.ReleasedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == liveHoldConstraint {
				return ErrAlreadyAuthorized
			}
			return ErrDepositExists
		}
		return fmt.Errorf("deposit: create: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deposit, error) {
	return scanDeposit(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposit_authorizations WHERE id = $1`, id))
}

func (p *PostgresStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Deposit, error) {
	return scanDeposit(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposit_authorizations WHERE external_payment_intent_id = $1`, paymentIntentID))
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Deposit, error) {
	return p.list(ctx, `SELECT `+depositColumns+` FROM deposit_authorizations
		WHERE booking_id = $1 ORDER BY created_at, id`, bookingID)
}

// Transition is a compare-and-set on status so two concurrent captures
// cannot both succeed.
func (p *PostgresStore) Transition(ctx context.Context, d *Deposit, from Status) error {
	res, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE deposit_authorizations SET
			status = $2, captured_cents = $3, application_fee_cents = $4,
			captured_at = $5, released_at = $6, updated_at = $7
		WHERE id = $1 AND status = $8`,
		d.ID, string(d.Status), d.CapturedCents, d.ApplicationFeeCents,
		d.CapturedAt, d.ReleasedAt, d.UpdatedAt, string(from))
	if err != nil {
		return fmt.Errorf("deposit: transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) ListLapsed(ctx context.Context, before time.Time, limit int) ([]*Deposit, error) {
	return p.list(ctx, `SELECT `+depositColumns+` FROM deposit_authorizations
		WHERE status = 'AUTHORIZED' AND expires_at < $1
		ORDER BY created_at, id LIMIT $2`, before, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Deposit, error) {
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row scanner) (*Deposit, error) {
	var (
		d                  Deposit
		status             string
		bps                int64
		plan               sql.NullString
		captured, released sql.NullTime
	)
	err := row.Scan(&d.ID, &d.BookingID, &d.TenantID, &d.PaymentIntentID, &d.AmountCents, &d.Currency,
		&status, &d.CapturedCents, &bps, &plan, &d.ApplicationFeeCents,
		&d.ExpiresAt, &captured, &released, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.FeeRateApplied = feepolicy.Rate(bps)
	d.PlanSnapshot = feepolicy.Plan(plan.String)
	if captured.Valid {
		t := captured.Time
		d.CapturedAt = &t
	}
	if released.Valid {
		t := released.Time
		d.ReleasedAt = &t
	}
	return &d, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
