package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/luxbill/internal/storage"
)

// PostgresStore persists events in webhook_events.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, type, payload, status, attempt_count, processing_error,
	lease_until, received_at, processed_at, updated_at`

// Claim inserts the event or locks the existing row and applies the claim
// rules to it, in its own transaction so the lease is visible to other
// deliveries before the handler runs.
func (p *PostgresStore) Claim(ctx context.Context, req ClaimRequest) (res ClaimResult, out *Event, err error) {
	err = storage.NewSQLRunner(p.db).InTx(ctx, func(ctx context.Context) error {
		conn := storage.Conn(ctx, p.db)
		until := req.Now.Add(req.Lease)
		inserted, err := conn.ExecContext(ctx, `
			INSERT INTO webhook_events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, 1, NULL, $5, $6, NULL, $6)
			ON CONFLICT (id) DO NOTHING`,
			req.ID, req.Type, []byte(req.Payload), string(EventProcessing), until, req.Now)
		if err != nil {
			return fmt.Errorf("webhooks: claim insert: %w", err)
		}
		if n, _ := inserted.RowsAffected(); n == 1 {
			out = &Event{
				ID: req.ID, Type: req.Type, Payload: req.Payload, Status: EventProcessing,
				AttemptCount: 1, LeaseUntil: &until, ReceivedAt: req.Now, UpdatedAt: req.Now,
			}
			res = ClaimNew
			return nil
		}

		e, err := scanEvent(conn.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1 FOR UPDATE`, req.ID))
		if err != nil {
			return err
		}
		res = claim(e, req.Now, req.Lease)
		_, err = conn.ExecContext(ctx, `
			UPDATE webhook_events SET status = $2, attempt_count = $3, lease_until = $4, updated_at = $5
			WHERE id = $1`,
			e.ID, string(e.Status), e.AttemptCount, e.LeaseUntil, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("webhooks: claim update: %w", err)
		}
		out = e
		return nil
	})
	return res, out, err
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, id string, now time.Time) error {
	return p.mark(ctx, `
		UPDATE webhook_events SET status = $2, processed_at = $3, lease_until = NULL,
			processing_error = NULL, updated_at = $3
		WHERE id = $1`, id, string(EventProcessed), now)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, processingError string, now time.Time) error {
	return p.mark(ctx, `
		UPDATE webhook_events SET status = $2, processing_error = $4, lease_until = NULL, updated_at = $3
		WHERE id = $1`, id, string(EventFailed), now, processingError)
}

func (p *PostgresStore) mark(ctx context.Context, query string, args ...any) error {
	res, err := storage.Conn(ctx, p.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("webhooks: mark: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	return scanEvent(storage.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
}

func (p *PostgresStore) ListUnprocessed(ctx context.Context, before time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := storage.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status <> $1 AND received_at < $2
		ORDER BY received_at LIMIT $3`, string(EventProcessed), before, limit)
	if err != nil {
		return nil, fmt.Errorf("webhooks: list unprocessed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
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

func scanEvent(row scanner) (*Event, error) {
	var (
		e           Event
		status      string
		payload     []byte
		procErr     sql.NullString
		leaseUntil  sql.NullTime
		processedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Type, &payload, &status, &e.AttemptCount, &procErr,
		&leaseUntil, &e.ReceivedAt, &processedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("webhooks: scan event: %w", err)
	}
	e.Status = EventStatus(status)
	e.Payload = payload
	e.ProcessingError = procErr.String
	if leaseUntil.Valid {
		t := leaseUntil.Time
		e.LeaseUntil = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return &e, nil
}
