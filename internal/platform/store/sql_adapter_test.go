package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"telemirror/internal/platform/store/pg"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type recTracer struct {
	mu  sync.Mutex
	evs []pg.QueryEvent
}

func (r *recTracer) OnQuery(_ context.Context, ev pg.QueryEvent) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*int); ok {
		*p = 1
	}
	return nil
}

// fakePgx implements pgxQuerier
type fakePgx struct {
	execErr error
	rowErr  error
}

func (f fakePgx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 3"), f.execErr
}

func (f fakePgx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query unsupported in fake")
}

func (f fakePgx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: f.rowErr}
}

func TestTracedQuerierEmits(t *testing.T) {
	t.Parallel()

	tr := &recTracer{}
	q := tracedQuerier{q: fakePgx{}, tracer: tr, slowUS: 0}
	ctx := context.Background()

	tag, err := q.Exec(ctx, "INSERT  INTO docs\n VALUES ($1)", 1)
	if err != nil || tag.RowsAffected() != 3 || tag.String() != "INSERT 0 3" {
		t.Fatalf("Exec tag = %v, %v", tag, err)
	}

	var one int
	if err := q.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil || one != 1 {
		t.Fatalf("QueryRow scan = %d, %v", one, err)
	}

	if _, err := q.Query(ctx, "SELECT k FROM docs"); err == nil {
		t.Fatalf("expected query error from fake")
	}

	if len(tr.evs) != 3 {
		t.Fatalf("events = %d, want 3", len(tr.evs))
	}
	if tr.evs[0].Slow {
		t.Fatalf("slow threshold 0 disables slow flag")
	}
	if tr.evs[2].Err == nil {
		t.Fatalf("query error not traced")
	}
}

func TestTracedQuerierSlowAndScanError(t *testing.T) {
	t.Parallel()

	tr := &recTracer{}
	scanErr := errors.New("no rows")
	// 1us threshold marks everything slow
	q := tracedQuerier{q: fakePgx{rowErr: scanErr}, tracer: tr, slowUS: 1}

	var one int
	if err := q.QueryRow(context.Background(), "SELECT max(created_at) FROM docs").Scan(&one); !errors.Is(err, scanErr) {
		t.Fatalf("scan err = %v", err)
	}
	if len(tr.evs) != 1 || !errors.Is(tr.evs[0].Err, scanErr) {
		t.Fatalf("scan error should be emitted, got %+v", tr.evs)
	}
}

func TestTracedQuerierNoTracer(t *testing.T) {
	t.Parallel()

	q := tracedQuerier{q: fakePgx{execErr: errors.New("x")}}
	if _, err := q.Exec(context.Background(), "DELETE FROM docs"); err == nil {
		t.Fatalf("exec error should pass through")
	}
}
