// Package storage scopes database work to a unit that commits or rolls back
// as one, and queues side effects that must only run after a commit.
//
// Postgres stores resolve their connection with Conn so they join the
// transaction carried by the context, if any. Memory stores ignore the
// transaction but still get after-commit semantics for queued hooks.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type unitKey struct{}

type unit struct {
	tx    *sql.Tx // nil for memory-backed units
	mu    sync.Mutex
	hooks []func()
}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// Conn returns the transaction bound to ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) DBTX {
	if u := unitFrom(ctx); u != nil && u.tx != nil {
		return u.tx
	}
	return db
}

// InTransaction reports whether ctx carries an open unit of work.
func InTransaction(ctx context.Context) bool {
	return unitFrom(ctx) != nil
}

// AfterCommit queues fn to run once the enclosing unit commits. Without an
// enclosing unit fn runs immediately. Hooks are dropped on rollback.
func AfterCommit(ctx context.Context, fn func()) {
	u := unitFrom(ctx)
	if u == nil {
		fn()
		return
	}
	u.mu.Lock()
	u.hooks = append(u.hooks, fn)
	u.mu.Unlock()
}

// Runner executes a function as one unit of work.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLRunner runs units inside a database transaction.
type SQLRunner struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewSQLRunner creates a runner for db using read-committed isolation.
// Row locks taken with SELECT ... FOR UPDATE provide per-entity atomicity.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
}

// InTx begins a transaction, runs fn and commits. A unit already on ctx is
// joined instead of nesting.
func (r *SQLRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}
	tx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	u := &unit{tx: tx}
	if err := fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	u.run()
	return nil
}

// MemoryRunner provides unit-of-work hook semantics for in-memory stores.
// Memory writes are not rolled back.
type MemoryRunner struct{}

// InTx runs fn and fires queued hooks only if it succeeds.
func (MemoryRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}
	u := &unit{}
	if err := fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		return err
	}
	u.run()
	return nil
}

func (u *unit) run() {
	u.mu.Lock()
	hooks := u.hooks
	u.hooks = nil
	u.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// Detach returns a context that keeps ctx's values (logger, request id) but
// is neither bound to the unit of work nor cancelled with the request.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), unitKey{}, (*unit)(nil))
}
