package connect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/luxbill/internal/storage"
)

// PostgresStore persists account mirrors in connected_accounts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `tenant_id, external_account_id, charges_enabled, payouts_enabled,
	details_submitted, onboarding_status, requirements, last_checked_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	reqs, err := json.Marshal(a.Requirements)
	if err != nil {
		return fmt.Errorf("connect: marshal requirements: %w", err)
	}
	_, err = storage.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO connected_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.TenantID, a.ExternalAccountID, a.ChargesEnabled, a.PayoutsEnabled,
		a.DetailsSubmitted, string(a.OnboardingStatus), string(reqs), a.LastCheckedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("connect: create account: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, tenantID string) (*Account, error) {
	return scanAccount(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE tenant_id = $1`, tenantID))
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalAccountID string) (*Account, error) {
	return scanAccount(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts WHERE external_account_id = $1`, externalAccountID))
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	reqs, err := json.Marshal(a.Requirements)
	if err != nil {
		return fmt.Errorf("connect: marshal requirements: %w", err)
	}
	res, err := storage.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE connected_accounts SET
			charges_enabled = $2, payouts_enabled = $3, details_submitted = $4,
			onboarding_status = $5, requirements = $6, last_checked_at = $7, updated_at = $8
		WHERE tenant_id = $1`,
		a.TenantID, a.ChargesEnabled, a.PayoutsEnabled, a.DetailsSubmitted,
		string(a.OnboardingStatus), string(reqs), a.LastCheckedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("connect: update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Account, error) {
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+accountColumns+` FROM connected_accounts ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		a       Account
		status  string
		reqs    []byte
		checked sql.NullTime
	)
	err := row.Scan(&a.TenantID, &a.ExternalAccountID, &a.ChargesEnabled, &a.PayoutsEnabled,
		&a.DetailsSubmitted, &status, &reqs, &checked, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.OnboardingStatus = OnboardingStatus(status)
	if len(reqs) > 0 {
		if err := json.Unmarshal(reqs, &a.Requirements); err != nil {
			return nil, fmt.Errorf("connect: decode requirements: %w", err)
		}
	}
	if checked.Valid {
		t := checked.Time
		a.LastCheckedAt = &t
	}
	return &a, nil
}
