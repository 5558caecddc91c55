package repokit

import "context"

// Binder is a tiny factory that binds a domain repo to a specific Queryer
type Binder[T any] interface {
	Bind(Queryer) T
}

// RequireQueryer panics early on programmer error (nil q)
func RequireQueryer(q Queryer) Queryer {
	if q == nil {
		panic("repokit: nil Queryer")
	}
	return q
}

// MustBind is a convenience that validates q then binds
func MustBind[T any](b Binder[T], q Queryer) T {
	return b.Bind(RequireQueryer(q))
}

// OnConn binds a repo to one held connection and runs fn with it
// Statements autocommit individually
func OnConn[T any](ctx context.Context, db TxRunner, b Binder[T], fn func(T) error) error {
	return db.Conn(ctx, func(q Queryer) error { return fn(MustBind(b, q)) })
}
