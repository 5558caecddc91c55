// Package modkit provides module wiring and core deps
package modkit

import (
	"telemirror/internal/modkit/repokit"
	"telemirror/internal/platform/config"
	"telemirror/internal/platform/logger"
	"telemirror/internal/platform/metrics"
)

// Stopper reports a cooperative shutdown request (shutdown.Controller in the binary)
type Stopper interface {
	Requested() bool
}

// Deps holds core dependencies passed to modules
// this is wiring only and does not introduce new abstractions.
// Store seams are nil when their backend is disabled
type Deps struct {
	Log     logger.Logger
	Cfg     config.Conf
	PG      repokit.TxRunner
	SQLite  repokit.TxRunner
	CH      repokit.Columnar
	Metrics *metrics.Metrics
	Stop    Stopper
}

// ZeroOK returns true when deps are safe to use with zero values in tests
// consumers should still nil check for optional stores
func (d Deps) ZeroOK() bool { return true }

// SQL returns the sql seam for backend, nil when that backend is not open
func (d Deps) SQL(backend string) repokit.TxRunner {
	switch backend {
	case "postgres":
		return d.PG
	case "sqlite":
		return d.SQLite
	}
	return nil
}
