package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// stdQuerier is the statement surface shared by sql.DB, sql.Conn and sql.Tx
type stdQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlAdapter wraps a database/sql handle and implements TxRunner
type sqlAdapter struct {
	db *sql.DB
	stdExec
}

func newSQLAdapter(db *sql.DB) *sqlAdapter { return &sqlAdapter{db: db, stdExec: stdExec{q: db}} }

// NewSQL wraps an already opened database/sql handle
func NewSQL(db *sql.DB) TxRunner { return newSQLAdapter(db) }

func (a *sqlAdapter) Ping(ctx context.Context) error {
	if a == nil || a.db == nil {
		return errors.New("sql: nil adapter")
	}
	return a.db.PingContext(ctx)
}

func (a *sqlAdapter) Close() error { return a.db.Close() }

func (a *sqlAdapter) Tx(ctx context.Context, fn func(q RowQuerier) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(stdExec{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (a *sqlAdapter) Conn(ctx context.Context, fn func(q RowQuerier) error) error {
	c, err := a.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(stdExec{q: c})
}

type stdExec struct{ q stdQuerier }

func (e stdExec) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	res, err := e.q.ExecContext(ctx, query, args...)
	if err != nil {
		return resultTag{}, err
	}
	n, _ := res.RowsAffected()
	return resultTag{n: n}, nil
}

func (e stdExec) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rs, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return stdRows{r: rs}, nil
}

func (e stdExec) QueryRow(ctx context.Context, query string, args ...any) Row {
	return e.q.QueryRowContext(ctx, query, args...)
}

type stdRows struct{ r *sql.Rows }

func (x stdRows) Next() bool            { return x.r.Next() }
func (x stdRows) Scan(dst ...any) error { return x.r.Scan(dst...) }
func (x stdRows) Err() error            { return x.r.Err() }
func (x stdRows) Close()                { _ = x.r.Close() }
func (x stdRows) Columns() []string {
	cols, _ := x.r.Columns()
	return cols
}

// resultTag renders like a pg command tag so log lines look alike across backends
type resultTag struct{ n int64 }

func (t resultTag) String() string      { return fmt.Sprintf("OK %d", t.n) }
func (t resultTag) RowsAffected() int64 { return t.n }
