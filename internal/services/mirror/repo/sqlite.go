package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"telemirror/internal/modkit/repokit"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/store"
	"telemirror/internal/services/mirror/domain"
)

type (
	// SQLite is the embedded document sink
	SQLite struct {
		db repokit.TxRunner
		n  Naming
	}
	liteConn struct {
		q     repokit.Queryer
		table string
	}
)

// NewSQLite returns a sqlite sink storing documents in <collection>
func NewSQLite(db repokit.TxRunner, n Naming) (*SQLite, error) {
	if db == nil {
		return nil, perr.Configf("sink: sqlite backend is not configured")
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &SQLite{db: db, n: n}, nil
}

var (
	_ domain.SinkStore                = (*SQLite)(nil)
	_ repokit.Binder[domain.SinkConn] = (*SQLite)(nil)
)

// Name implements domain.SinkStore
func (*SQLite) Name() string { return "sqlite" }

// Bind implements repokit.Binder
func (s *SQLite) Bind(q repokit.Queryer) domain.SinkConn {
	return &liteConn{q: q, table: s.n.liteTable()}
}

// Migrate creates the table and created_at index
func (s *SQLite) Migrate(ctx context.Context) error {
	t := s.n.liteTable()
	idx := `"` + s.n.Collection + `_created_at_idx"`
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			key         TEXT PRIMARY KEY,
			created_at  TEXT NULL,
			updated_at  TEXT NULL,
			doc         TEXT NOT NULL,
			ingested_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS ` + idx + ` ON ` + t + ` (created_at)`,
	}
	return s.db.Tx(ctx, func(q repokit.Queryer) error {
		for _, st := range stmts {
			if _, err := q.Exec(ctx, st); err != nil {
				return perr.Wrap(err, perr.ErrorCodeDB, "sink migrate")
			}
		}
		return nil
	})
}

// Scoped implements domain.SinkStore on one database/sql connection held for fn
func (s *SQLite) Scoped(ctx context.Context, fn func(domain.SinkConn) error) error {
	return repokit.OnConn(ctx, s.db, repokit.Binder[domain.SinkConn](s), fn)
}

// LatestCreatedAt implements domain.SinkStore
func (s *SQLite) LatestCreatedAt(ctx context.Context) (time.Time, bool, error) {
	v, err := store.Scalar[sql.NullString](ctx, s.db, `SELECT max(created_at) FROM `+s.n.liteTable())
	if err != nil {
		return time.Time{}, false, perr.Wrap(err, perr.ErrorCodeDB, "sink latest created_at")
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, false, perr.Wrapf(err, perr.ErrorCodeDB, "sink latest created_at %q", v.String)
	}
	return t.UTC(), true, nil
}

// CountAt implements domain.SinkStore
func (s *SQLite) CountAt(ctx context.Context, t time.Time) (int64, error) {
	n, err := store.Scalar[int64](ctx, s.db, `SELECT count(*) FROM `+s.n.liteTable()+` WHERE created_at = ?`, liteTime(&t))
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeDB, "sink count at watermark")
	}
	return n, nil
}

// Count implements domain.SinkStore
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	n, err := store.Scalar[int64](ctx, s.db, `SELECT count(*) FROM `+s.n.liteTable())
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeDB, "sink count")
	}
	return n, nil
}

// liteRowsPerStatement keeps one INSERT under SQLite's 32766 bound parameters
var liteRowsPerStatement = 32766 / 4

// InsertBatch writes docs in multi-row statements of at most liteRowsPerStatement
// rows; key conflicts are skipped. Several statements share one savepoint so the
// batch stays all or nothing
func (c *liteConn) InsertBatch(ctx context.Context, docs []domain.Document) (n int, err error) {
	if len(docs) == 0 {
		return 0, nil
	}
	if len(docs) <= liteRowsPerStatement {
		return c.insertRows(ctx, docs)
	}

	if _, err := c.q.Exec(ctx, `SAVEPOINT sink_batch`); err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeDB, "sink insert savepoint")
	}
	defer func() {
		if err != nil {
			_, _ = c.q.Exec(context.WithoutCancel(ctx), `ROLLBACK TO sink_batch`)
			_, _ = c.q.Exec(context.WithoutCancel(ctx), `RELEASE sink_batch`)
			n = 0
			return
		}
		if _, rerr := c.q.Exec(ctx, `RELEASE sink_batch`); rerr != nil {
			n, err = 0, perr.Wrap(rerr, perr.ErrorCodeDB, "sink insert release")
		}
	}()
	for start := 0; start < len(docs); start += liteRowsPerStatement {
		k, err := c.insertRows(ctx, docs[start:min(start+liteRowsPerStatement, len(docs))])
		if err != nil {
			return 0, err
		}
		n += k
	}
	return n, nil
}

func (c *liteConn) insertRows(ctx context.Context, docs []domain.Document) (int, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT OR IGNORE INTO ` + c.table + ` (key, created_at, updated_at, doc) VALUES `)
	args := make([]any, 0, len(docs)*4)
	for i, d := range docs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?,?,?,?)")
		args = append(args, d.Key, liteTime(d.CreatedAt), liteTime(d.UpdatedAt), string(d.Body))
	}
	tag, err := c.q.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, perr.Wrapf(err, perr.ErrorCodeDB, "sink insert %d documents", len(docs))
	}
	return int(tag.RowsAffected()), nil
}
