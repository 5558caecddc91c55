package guardrails

import (
	"context"
	"errors"
	"testing"
	"time"

	"telemirror/internal/modkit/repokit"
	"telemirror/internal/platform/store"
)

func TestWithChildTimeoutNeverExtendsParent(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ctx, c2 := ForFetch(parent, Timeouts{Fetch: time.Hour})
	defer c2()
	if rem := Remaining(ctx); rem <= 0 || rem > 50*time.Millisecond {
		t.Fatalf("remaining = %v", rem)
	}
}

func TestWithChildTimeoutZeroInheritsParent(t *testing.T) {
	ctx, cancel := ForInsert(context.Background(), Timeouts{})
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Fatalf("zero budget should not add a deadline")
	}
	cancel()
	if ctx.Err() == nil {
		t.Fatalf("child should still be cancelable")
	}
}

func TestWatermarkBudgetApplies(t *testing.T) {
	ctx, cancel := ForWatermark(context.Background(), Timeouts{Watermark: time.Second})
	defer cancel()
	if rem := Remaining(ctx); rem <= 0 || rem > time.Second {
		t.Fatalf("remaining = %v", rem)
	}
}

func TestRemainingExpired(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if Remaining(ctx) != 0 {
		t.Fatalf("expired ctx should report zero")
	}
}

// lockRunner answers pg_try_advisory_lock with claimed and records unlocks
type lockRunner struct {
	claimed  bool
	unlocked int
}

type boolRow struct{ v bool }

func (r boolRow) Scan(dest ...any) error { *(dest[0].(*bool)) = r.v; return nil }

func (l *lockRunner) Exec(context.Context, string, ...any) (store.CommandTag, error) {
	l.unlocked++
	return nil, nil
}
func (l *lockRunner) Query(context.Context, string, ...any) (store.Rows, error) { return nil, nil }
func (l *lockRunner) QueryRow(context.Context, string, ...any) store.Row {
	return boolRow{v: l.claimed}
}
func (l *lockRunner) Tx(ctx context.Context, fn func(repokit.Queryer) error) error { return fn(l) }
func (l *lockRunner) Conn(ctx context.Context, fn func(repokit.Queryer) error) error {
	return fn(l)
}

func TestAdvisoryLease(t *testing.T) {
	db := &lockRunner{claimed: true}
	ran := false
	err := MakeAdvisoryLease(db, "pebble.pebble_device_record")(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran || db.unlocked != 1 {
		t.Fatalf("claimed lease: err=%v ran=%v unlocked=%d", err, ran, db.unlocked)
	}

	db = &lockRunner{claimed: false}
	err = MakeAdvisoryLease(db, "k")(context.Background(), func(context.Context) error {
		t.Fatalf("do must not run when the lease is held")
		return nil
	})
	if !errors.Is(err, ErrLeaseHeld) || db.unlocked != 0 {
		t.Fatalf("held lease: err=%v unlocked=%d", err, db.unlocked)
	}
}

func TestNoLease(t *testing.T) {
	boom := errors.New("boom")
	if err := NoLease(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("NoLease err = %v", err)
	}
}
