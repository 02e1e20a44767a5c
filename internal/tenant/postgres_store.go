package tenant

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

// PostgresStore persists profiles in the billing_profiles table. Every query
// joins the transaction on the context, if any.
type PostgresStore struct {
	db     *sql.DB
	runner storage.Runner
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, runner: storage.NewSQLRunner(db)}
}

const profileColumns = `tenant_id, plan, plan_started_at, performance_ends_at,
	fee_bps_current, fee_bps_after, fee_minimum_cents,
	external_customer_id, external_subscription_id, external_payment_method_id, card_on_file,
	country, currency, tax_id, billing_email, created_at, updated_at`

// Create inserts with ON CONFLICT DO NOTHING so a lost creation race does
// not abort the surrounding transaction.
func (p *PostgresStore) Create(ctx context.Context, prof *Profile) error {
	res, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO billing_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (tenant_id) DO NOTHING`,
		profileArgs(prof)...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrProfileExists
		}
		return fmt.Errorf("tenant: create profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileExists
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, tenantID string) (*Profile, error) {
	return scanProfile(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM billing_profiles WHERE tenant_id = $1`, tenantID))
}

func (p *PostgresStore) GetByCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	return scanProfile(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM billing_profiles WHERE external_customer_id = $1`, customerID))
}

func (p *PostgresStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Profile, error) {
	return scanProfile(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM billing_profiles WHERE external_subscription_id = $1`, subscriptionID))
}

func (p *PostgresStore) Mutate(ctx context.Context, tenantID string, fn func(*Profile) error) (*Profile, error) {
	var out *Profile
	err := p.runner.InTx(ctx, func(ctx context.Context) error {
		conn := storage.Conn(ctx, p.db)
		cur, err := scanProfile(conn.QueryRowContext(ctx,
			`SELECT `+profileColumns+` FROM billing_profiles WHERE tenant_id = $1 FOR UPDATE`, tenantID))
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.UpdatedAt = time.Now().UTC()
		_, err = conn.ExecContext(ctx, `
			UPDATE billing_profiles SET
				plan = $2, plan_started_at = $3, performance_ends_at = $4,
				fee_bps_current = $5, fee_bps_after = $6, fee_minimum_cents = $7,
				external_customer_id = $8, external_subscription_id = $9,
				external_payment_method_id = $10, card_on_file = $11,
				country = $12, currency = $13, tax_id = $14, billing_email = $15,
				updated_at = $17
			WHERE tenant_id = $1`, profileArgs(cur)...)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("tenant: processor id already bound to another tenant: %w", ErrProfileExists)
			}
			return fmt.Errorf("tenant: update profile: %w", err)
		}
		out = cur
		return nil
	})
	return out, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Profile, error) {
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+profileColumns+` FROM billing_profiles ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		prof, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prof)
	}
	return out, rows.Err()
}

func profileArgs(p *Profile) []any {
	return []any{
		p.TenantID, string(p.Plan), p.PlanStartedAt, p.PerformanceEndsAt,
		int64(p.FeeRateCurrent), int64(p.FeeRateAfter), p.FeeMinimumCents,
		nullString(p.ExternalCustomerID), nullString(p.ExternalSubscriptionID),
		nullString(p.ExternalPaymentMethodID), p.CardOnFile,
		p.Country, p.Currency, nullString(p.TaxID), nullString(p.BillingEmail),
		p.CreatedAt, p.UpdatedAt,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*Profile, error) {
	var (
		p                      Profile
		plan                   string
		endsAt                 sql.NullTime
		current, after         int64
		minimum                sql.NullInt64
		customer, sub, pm, tax sql.NullString
		email                  sql.NullString
	)
	err := row.Scan(&p.TenantID, &plan, &p.PlanStartedAt, &endsAt, &current, &after, &minimum,
		&customer, &sub, &pm, &p.CardOnFile, &p.Country, &p.Currency, &tax, &email,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Plan = feepolicy.Plan(plan)
	p.FeeRateCurrent, p.FeeRateAfter = feepolicy.Rate(current), feepolicy.Rate(after)
	if endsAt.Valid {
		t := endsAt.Time
		p.PerformanceEndsAt = &t
	}
	if minimum.Valid {
		v := minimum.Int64
		p.FeeMinimumCents = &v
	}
	p.ExternalCustomerID, p.ExternalSubscriptionID = customer.String, sub.String
	p.ExternalPaymentMethodID, p.TaxID, p.BillingEmail = pm.String, tax.String, email.String
	return &p, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
