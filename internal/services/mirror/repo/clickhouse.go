package repo

import (
	"context"
	"time"

	"telemirror/internal/modkit/repokit"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/services/mirror/domain"
)

type (
	// ClickHouse is the columnar document sink. Duplicate keys collapse on merge
	ClickHouse struct {
		ch repokit.Columnar
		n  Naming
	}
	chConn struct {
		ch    repokit.Columnar
		table string
	}
)

var chColumns = []string{"key", "created_at", "updated_at", "doc"}

// NewClickHouse returns a clickhouse sink storing documents in <database>.<collection>
func NewClickHouse(ch repokit.Columnar, n Naming) (*ClickHouse, error) {
	if ch == nil {
		return nil, perr.Configf("sink: clickhouse backend is not configured")
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &ClickHouse{ch: ch, n: n}, nil
}

var _ domain.SinkStore = (*ClickHouse)(nil)

// Name implements domain.SinkStore
func (*ClickHouse) Name() string { return "clickhouse" }

// Migrate creates the database and table
func (c *ClickHouse) Migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE DATABASE IF NOT EXISTS `" + c.n.Database + "`",
		`CREATE TABLE IF NOT EXISTS ` + c.n.chTable() + ` (
			key         String,
			created_at  Nullable(DateTime64(9, 'UTC')),
			updated_at  Nullable(DateTime64(9, 'UTC')),
			doc         String,
			ingested_at DateTime64(3, 'UTC') DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree(ingested_at)
		ORDER BY key`,
	}
	for _, s := range stmts {
		if err := c.ch.Exec(ctx, s); err != nil {
			return perr.Wrap(err, perr.ErrorCodeDB, "sink migrate")
		}
	}
	return nil
}

// Scoped implements domain.SinkStore. The native client checks a connection out
// of its own pool for every insert so fn gets a thin handle
func (c *ClickHouse) Scoped(ctx context.Context, fn func(domain.SinkConn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&chConn{ch: c.ch, table: c.n.chTable()})
}

// LatestCreatedAt implements domain.SinkStore
func (c *ClickHouse) LatestCreatedAt(ctx context.Context) (time.Time, bool, error) {
	rows, err := c.ch.Query(ctx, `SELECT max(created_at) FROM `+c.n.chTable())
	if err != nil {
		return time.Time{}, false, perr.Wrap(err, perr.ErrorCodeDB, "sink latest created_at")
	}
	defer rows.Close()

	var t *time.Time
	if rows.Next() {
		if err := rows.Scan(&t); err != nil {
			return time.Time{}, false, perr.Wrap(err, perr.ErrorCodeDB, "sink latest created_at")
		}
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, false, perr.Wrap(err, perr.ErrorCodeDB, "sink latest created_at")
	}
	if t == nil || t.IsZero() {
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

// CountAt implements domain.SinkStore over deduplicated rows
func (c *ClickHouse) CountAt(ctx context.Context, t time.Time) (int64, error) {
	return c.count(ctx, `SELECT count() FROM `+c.n.chTable()+` FINAL WHERE created_at = ?`, t.UTC())
}

// Count implements domain.SinkStore over deduplicated rows
func (c *ClickHouse) Count(ctx context.Context) (int64, error) {
	return c.count(ctx, `SELECT count() FROM `+c.n.chTable()+` FINAL`)
}

func (c *ClickHouse) count(ctx context.Context, q string, args ...any) (int64, error) {
	rows, err := c.ch.Query(ctx, q, args...)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeDB, "sink count")
	}
	defer rows.Close()
	var n uint64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, perr.Wrap(err, perr.ErrorCodeDB, "sink count")
		}
	}
	return int64(n), rows.Err()
}

// InsertBatch appends every document as one block. ClickHouse cannot report
// which keys already existed, so the accepted count is the block size
func (c *chConn) InsertBatch(ctx context.Context, docs []domain.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(docs))
	for i, d := range docs {
		rows[i] = []any{d.Key, d.CreatedAt, d.UpdatedAt, string(d.Body)}
	}
	if err := c.ch.Insert(ctx, c.table, chColumns, rows); err != nil {
		return 0, perr.Wrapf(err, perr.ErrorCodeDB, "sink insert %d documents", len(docs))
	}
	return len(docs), nil
}
