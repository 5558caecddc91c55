package guardrails

import (
	"context"
	"errors"

	"telemirror/internal/modkit/repokit"
)

// ErrLeaseHeld signals another process is already mirroring into the same sink
var ErrLeaseHeld = errors.New("mirror: run lease already held")

// Lease runs do while holding an exclusive claim on the sink
type Lease func(ctx context.Context, do func(context.Context) error) error

// NoLease runs do directly
func NoLease(ctx context.Context, do func(context.Context) error) error { return do(ctx) }

// MakeAdvisoryLease returns a Lease backed by a postgres session advisory lock on key.
// The lock lives on one pooled connection held for the whole run and is released
// when do returns. A held lock yields ErrLeaseHeld without running do
func MakeAdvisoryLease(db repokit.TxRunner, key string) Lease {
	return func(ctx context.Context, do func(context.Context) error) error {
		return db.Conn(ctx, func(q repokit.Queryer) error {
			var claimed bool
			if err := q.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&claimed); err != nil {
				return err
			}
			if !claimed {
				return ErrLeaseHeld
			}
			defer func() {
				// the run ctx may already be done; unlock on a fresh one
				_, _ = q.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtext($1))`, key)
			}()
			return do(ctx)
		})
	}
}
