package repo

import (
	"context"

	"telemirror/internal/modkit/repokit"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/store"
	"telemirror/internal/services/mirror/domain"
)

// Ledger records runs in <database>.sync_runs on postgres
type Ledger struct {
	db    repokit.TxRunner
	table string
}

// NewLedger returns a postgres run ledger
func NewLedger(db repokit.TxRunner, database string) (*Ledger, error) {
	if db == nil {
		return nil, perr.Configf("ledger: postgres backend is not configured")
	}
	n := Naming{Database: database, Collection: "sync_runs"}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &Ledger{db: db, table: n.pgTable()}, nil
}

var _ domain.RunLedger = (*Ledger)(nil)

// Migrate creates the ledger table. The schema is created by the sink migration
func (l *Ledger) Migrate(ctx context.Context) error {
	_, err := l.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+l.table+` (
			run_id      uuid PRIMARY KEY,
			backend     text NOT NULL,
			cutoff      timestamptz NOT NULL,
			started_at  timestamptz NOT NULL,
			finished_at timestamptz NULL,
			state       text NOT NULL,
			reason      text NULL,
			rounds      integer NOT NULL DEFAULT 0,
			observed    bigint NOT NULL DEFAULT 0,
			inserted    bigint NOT NULL DEFAULT 0,
			task_errors integer NOT NULL DEFAULT 0,
			error       text NULL
		)
	`)
	return perr.FromPostgres(err, "ledger migrate")
}

// StartRun inserts the run row (idempotent)
func (l *Ledger) StartRun(ctx context.Context, st domain.RunStats) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO `+l.table+` (run_id, backend, cutoff, started_at, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE
		SET started_at = EXCLUDED.started_at, state = EXCLUDED.state, finished_at = null, error = null
	`, st.RunID, st.Backend, st.Cutoff.UTC(), st.StartedAt.UTC(), string(st.State))
	return perr.FromPostgres(err, "ledger start run")
}

// RecordRound adds one round's counters to the run row, which StartRun must have written
func (l *Ledger) RecordRound(ctx context.Context, runID string, rr domain.RoundResult) error {
	err := store.ExecOne(ctx, l.db, `
		UPDATE `+l.table+` SET
			rounds = rounds + 1,
			observed = observed + $2,
			inserted = inserted + $3,
			task_errors = task_errors + $4
		WHERE run_id = $1
	`, runID, rr.Observed, rr.Inserted, rr.Failed)
	return perr.FromPostgres(err, "ledger record round")
}

// FinishRun stamps the final state
func (l *Ledger) FinishRun(ctx context.Context, st domain.RunStats) error {
	err := store.ExecOne(ctx, l.db, `
		UPDATE `+l.table+` SET
			finished_at = $2,
			state = $3,
			reason = NULLIF($4, ''),
			error = NULLIF($5, '')
		WHERE run_id = $1
	`, st.RunID, st.FinishedAt.UTC(), string(st.State), string(st.Reason), st.Err)
	return perr.FromPostgres(err, "ledger finish run")
}
