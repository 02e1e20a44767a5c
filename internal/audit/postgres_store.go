package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore writes entries to the audit_log table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an audit store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append writes outside any transaction: entries are only appended after
// the change they describe has committed.
func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (tenant_id, actor_type, actor, action, entity, entity_id,
			before_state, after_state, metadata, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8::JSONB, $9::JSONB, $10, $11)
		RETURNING id
	`, e.TenantID, e.ActorType, nullString(e.Actor), e.Action, e.Entity, e.EntityID,
		nullJSON(e.Before), nullJSON(e.After), nullJSON(e.Metadata), nullString(e.RequestID), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("audit: append %s: %w", e.Action, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, f Filter) ([]*Entry, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_type, COALESCE(actor, ''), action, entity, entity_id,
			before_state, after_state, metadata, COALESCE(request_id, ''), created_at
		FROM audit_log
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var before, after, meta []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorType, &e.Actor, &e.Action, &e.Entity, &e.EntityID,
			&before, &after, &meta, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Before, e.After, e.Metadata = before, after, meta
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
