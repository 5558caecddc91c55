package repo

import (
	"context"
	"fmt"
	"time"

	"telemirror/internal/modkit/repokit"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/store"
	"telemirror/internal/services/mirror/domain"
)

type (
	// PG is the postgres document sink. It doubles as a Binder for domain.SinkConn
	PG struct {
		db repokit.TxRunner
		n  Naming
	}
	pgConn struct {
		q     repokit.Queryer
		table string
	}
)

// NewPG returns a postgres sink storing documents in <database>.<collection>
func NewPG(db repokit.TxRunner, n Naming) (*PG, error) {
	if db == nil {
		return nil, perr.Configf("sink: postgres backend is not configured")
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &PG{db: db, n: n}, nil
}

var (
	_ domain.SinkStore                = (*PG)(nil)
	_ repokit.Binder[domain.SinkConn] = (*PG)(nil)
)

// Name implements domain.SinkStore
func (*PG) Name() string { return "postgres" }

// Bind implements repokit.Binder
func (p *PG) Bind(q repokit.Queryer) domain.SinkConn { return &pgConn{q: q, table: p.n.pgTable()} }

// Migrate creates the schema, table and created_at index
func (p *PG) Migrate(ctx context.Context) error {
	idx := pgxIdent(p.n.Collection + "_created_at_idx")
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgxIdent(p.n.Database)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key         text PRIMARY KEY,
				created_at  timestamptz NULL,
				updated_at  timestamptz NULL,
				doc         jsonb NOT NULL,
				ingested_at timestamptz NOT NULL DEFAULT now()
			)`, p.n.pgTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at)`, idx, p.n.pgTable()),
	}
	return p.db.Tx(ctx, func(q repokit.Queryer) error {
		for _, s := range stmts {
			if _, err := q.Exec(ctx, s); err != nil {
				return perr.FromPostgresf(err, "sink migrate")
			}
		}
		return nil
	})
}

// Scoped implements domain.SinkStore on one pooled connection held for fn
func (p *PG) Scoped(ctx context.Context, fn func(domain.SinkConn) error) error {
	return repokit.OnConn(ctx, p.db, repokit.Binder[domain.SinkConn](p), fn)
}

// LatestCreatedAt implements domain.SinkStore
func (p *PG) LatestCreatedAt(ctx context.Context) (time.Time, bool, error) {
	t, err := store.Scalar[*time.Time](ctx, p.db, `SELECT max(created_at) FROM `+p.n.pgTable())
	if err != nil {
		return time.Time{}, false, perr.FromPostgresf(err, "sink latest created_at")
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

// CountAt implements domain.SinkStore
func (p *PG) CountAt(ctx context.Context, t time.Time) (int64, error) {
	n, err := store.Scalar[int64](ctx, p.db, `SELECT count(*) FROM `+p.n.pgTable()+` WHERE created_at = $1`, t.UTC())
	if err != nil {
		return 0, perr.FromPostgresf(err, "sink count at %s", t.UTC().Format(time.RFC3339Nano))
	}
	return n, nil
}

// Count implements domain.SinkStore
func (p *PG) Count(ctx context.Context) (int64, error) {
	n, err := store.Scalar[int64](ctx, p.db, `SELECT count(*) FROM `+p.n.pgTable())
	if err != nil {
		return 0, perr.FromPostgresf(err, "sink count")
	}
	return n, nil
}

// InsertBatch writes every document in one statement; key conflicts are skipped
func (c *pgConn) InsertBatch(ctx context.Context, docs []domain.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	keys := make([]string, len(docs))
	created := make([]*time.Time, len(docs))
	updated := make([]*time.Time, len(docs))
	bodies := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.Key
		created[i] = d.CreatedAt
		updated[i] = d.UpdatedAt
		bodies[i] = string(d.Body)
	}

	tag, err := c.q.Exec(ctx, `
		INSERT INTO `+c.table+` (key, created_at, updated_at, doc)
		SELECT k, c, u, d::jsonb
		FROM unnest($1::text[], $2::timestamptz[], $3::timestamptz[], $4::text[]) AS t(k, c, u, d)
		ON CONFLICT (key) DO NOTHING
	`, keys, created, updated, bodies)
	if err != nil {
		return 0, perr.FromPostgresf(err, "sink insert %d documents", len(docs))
	}
	return int(tag.RowsAffected()), nil
}
