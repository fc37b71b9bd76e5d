package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// sqlBase holds the queries shared by both backends.
type sqlBase struct {
	db *sql.DB
	d  dialect
}

// conn binds the shared queries to the connection pool.
func (s *sqlBase) conn() conn {
	return conn{q: s.db, d: s.d}
}

// runContactTx runs fn inside a transaction. lock, when set, runs first
// inside the same transaction. Panics roll back and propagate.
func (s *sqlBase) runContactTx(ctx context.Context, contactID string, lock func(context.Context, *sql.Tx) error, fn func(tx ContactTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error(s.d.name+" WithContactTx begin failed", "error", err, "contactID", contactID)
		return fmt.Errorf("begin contact transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if lock != nil {
		if err := lock(ctx, tx); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := fn(&contactTx{conn: conn{q: tx, d: s.d}, contactID: contactID}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(s.d.name+" WithContactTx rollback failed", "error", rbErr, "contactID", contactID)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		slog.Error(s.d.name+" WithContactTx commit failed", "error", err, "contactID", contactID)
		return fmt.Errorf("commit contact transaction: %w", err)
	}
	slog.Debug(s.d.name+" WithContactTx committed", "contactID", contactID)
	return nil
}

// Close closes the database connection.
func (s *sqlBase) Close() error {
	slog.Debug("Closing database connection", "store", s.d.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "store", s.d.name, "error", err)
	}
	return err
}

// conn runs shared queries against a pool or a transaction.
type conn struct {
	q querier
	d dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}
