package domain

import (
	"context"
	"time"

	"telemirror/internal/core/record"
)

// RunnerPort is the public port exposed by the module
type RunnerPort interface {
	// Run syncs until the upstream is exhausted below the cutoff, shutdown is requested,
	// or a fatal error occurs
	Run(ctx context.Context) (RunStats, error)

	// Status returns the live snapshot
	Status() Status

	// Preview plans the next round from the current watermark without fetching
	Preview(ctx context.Context) []Task
}

// Fetcher returns one page of records in [from, to) ordered by created_at then id
type Fetcher interface {
	Fetch(ctx context.Context, offset, limit int, from *time.Time, to time.Time) ([]record.Record, error)
}

// SinkStore is the persistent document collection
type SinkStore interface {
	// Name identifies the backend in logs and the run ledger
	Name() string

	// Migrate creates the collection when missing
	Migrate(ctx context.Context) error

	// Scoped runs fn on a connection owned by the caller for the duration of fn
	Scoped(ctx context.Context, fn func(SinkConn) error) error

	// LatestCreatedAt is the max non-null created_at, ok=false on an empty collection
	LatestCreatedAt(ctx context.Context) (t time.Time, ok bool, err error)

	// CountAt counts distinct documents whose created_at equals t
	CountAt(ctx context.Context, t time.Time) (int64, error)

	// Count returns the number of stored documents
	Count(ctx context.Context) (int64, error)
}

// SinkConn is a single-owner sink connection
type SinkConn interface {
	// InsertBatch inserts docs ignoring key conflicts and returns how many were new
	// The batch is all or nothing; callers split it on error
	InsertBatch(ctx context.Context, docs []Document) (int, error)
}

// RunLedger records run bookkeeping. Failures are logged by callers, never fatal
type RunLedger interface {
	StartRun(ctx context.Context, st RunStats) error
	RecordRound(ctx context.Context, runID string, rr RoundResult) error
	FinishRun(ctx context.Context, st RunStats) error
}
