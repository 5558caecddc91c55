package repokit

import (
	"context"
	"errors"
	"testing"

	"telemirror/internal/platform/store"
	"telemirror/internal/platform/testkit"
)

type fakeQ struct{ id int }

func (f *fakeQ) Exec(context.Context, string, ...any) (store.CommandTag, error) { return nil, nil }
func (f *fakeQ) Query(context.Context, string, ...any) (store.Rows, error)      { return nil, nil }
func (f *fakeQ) QueryRow(context.Context, string, ...any) store.Row             { return nil }

var _ Queryer = (*fakeQ)(nil)

// fakeRunner hands a distinct Queryer to Tx and Conn so tests can tell them apart
type fakeRunner struct {
	fakeQ
	txQ, connQ *fakeQ
	txCalls    int
	connCalls  int
}

func (r *fakeRunner) Tx(_ context.Context, fn func(Queryer) error) error {
	r.txCalls++
	return fn(r.txQ)
}

func (r *fakeRunner) Conn(_ context.Context, fn func(Queryer) error) error {
	r.connCalls++
	return fn(r.connQ)
}

var _ TxRunner = (*fakeRunner)(nil)

type boundRepo struct{ q Queryer }

type repoBinder struct{}

func (repoBinder) Bind(q Queryer) boundRepo { return boundRepo{q: q} }

var binder Binder[boundRepo] = repoBinder{}

func TestMustBind_PassesQueryerThrough(t *testing.T) {
	t.Parallel()
	q := &fakeQ{id: 7}
	if got := MustBind(binder, q); got.q != q {
		t.Fatalf("MustBind did not pass the queryer through")
	}
}

func TestMustBind_PanicsOnNilQueryer(t *testing.T) {
	t.Parallel()
	testkit.MustPanic(t, func() { _ = MustBind[boundRepo](binder, nil) })
}

func TestRequireQueryer_ReturnsSame(t *testing.T) {
	t.Parallel()
	var in Queryer = &fakeQ{}
	if out := RequireQueryer(in); out != in {
		t.Fatalf("RequireQueryer did not return the same instance")
	}
}

func TestOnConnBindsToHeldConnection(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{txQ: &fakeQ{id: 1}, connQ: &fakeQ{id: 2}}

	var got Queryer
	boom := errors.New("boom")
	err := OnConn(t.Context(), r, binder, func(b boundRepo) error { got = b.q; return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("OnConn err = %v", err)
	}
	if got != r.connQ || r.connCalls != 1 || r.txCalls != 0 {
		t.Fatalf("OnConn bound %v, conn calls %d, tx calls %d", got, r.connCalls, r.txCalls)
	}
}
