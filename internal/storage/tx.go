package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	maxTxAttempts = 3
	txRetryStep   = 100 * time.Millisecond
)

// Tx is one unit of work. Writes made through it become visible together on commit.
type Tx struct {
	tx       *sql.Tx
	store    *Store
	onCommit []func()
}

// WithTx runs fn inside a transaction and commits if it returns nil.
// Lock contention (SQLite busy, Postgres deadlock or serialization failure)
// retries the whole function, sleeping 100ms per attempt so far.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt == maxTxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryStep):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	t := &Tx{tx: tx, store: s}
	if err := fn(t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	for _, f := range t.onCommit {
		f()
	}
	return nil
}

// OnCommit registers f to run after a successful commit. Hooks never run on rollback.
func (t *Tx) OnCommit(f func()) {
	t.onCommit = append(t.onCommit, f)
}

// savepoint runs fn under a named savepoint, rolling back to it when fn fails
// so the surrounding transaction stays usable (postgres aborts it otherwise)
func (t *Tx) savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("creating savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rolling back savepoint after %v: %w", err, rbErr)
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (t *Tx) ts(tm time.Time) any {
	return t.store.dialect.ts(tm)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.store.dialect.rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.store.dialect.rebind(query), args...)
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.store.dialect.rebind(query), args...)
}
