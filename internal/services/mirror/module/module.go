// Package module wires the mirror: upstream client, sink backend, run ledger and lease
package module

import (
	"context"
	"time"

	"telemirror/internal/adapters/upstream/graphql"
	"telemirror/internal/modkit"
	"telemirror/internal/modkit/repokit"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/logger"
	phttp "telemirror/internal/platform/net/http"
	"telemirror/internal/services/mirror/domain"
	"telemirror/internal/services/mirror/guardrails"
	mirrorhttp "telemirror/internal/services/mirror/http"
	"telemirror/internal/services/mirror/ingest"
	"telemirror/internal/services/mirror/repo"
	"telemirror/internal/services/mirror/service"
)

// Ports defines the mirror module ports
type Ports struct {
	Runner domain.RunnerPort
}

// Module implements the mirror module
type Module struct {
	deps   modkit.Deps
	opts   Options
	client *graphql.Client
	sink   domain.SinkStore
	ports  Ports

	startedAt time.Time
}

var _ modkit.Module = (*Module)(nil)

// New validates options read from deps.Cfg, builds the sink for the configured
// backend and, when AutoMigrate is set, creates its schema
func New(ctx context.Context, deps modkit.Deps) (*Module, error) {
	opts := FromConfig(deps.Cfg)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := logger.Named("mirror")

	sink, err := newSink(deps, opts)
	if err != nil {
		return nil, err
	}

	if opts.AutoMigrate {
		if err := sink.Migrate(ctx); err != nil {
			return nil, err
		}
		log.Info().Str("backend", sink.Name()).Str("database", opts.Database).
			Str("collection", opts.Collection).Msg("sink schema ready")
	}

	// the ledger table lives in the schema the sink migration creates;
	// typed nil would defeat the service's nil check
	var ledger domain.RunLedger
	var lease guardrails.Lease
	if opts.Backend == BackendPostgres {
		if opts.RunLedger {
			l, err := repo.NewLedger(deps.PG, opts.Database)
			if err != nil {
				return nil, err
			}
			if opts.AutoMigrate {
				if err := l.Migrate(ctx); err != nil {
					return nil, err
				}
			}
			ledger = l
		}
		if opts.RunLease {
			lease = guardrails.MakeAdvisoryLease(deps.PG, "telemirror:"+opts.Database+"."+opts.Collection)
		}
	}

	client, err := graphql.NewClient(ingest.ClientOptions(deps.Cfg, opts.Workers, deps.Metrics))
	if err != nil {
		return nil, err
	}

	svc := service.New(
		ingest.NewFetcher(client), sink, ledger, deps.Stop, lease, deps.Metrics,
		service.Config{
			ChunkSize:        opts.ChunkSize,
			Workers:          opts.Workers,
			Cutoff:           opts.Cutoff,
			RoundDelay:       opts.RoundDelay,
			MaxStalledRounds: opts.MaxStalledRounds,
			Timeouts: guardrails.Timeouts{
				Fetch:     opts.FetchTimeout,
				Insert:    opts.InsertTimeout,
				Watermark: opts.WatermarkTimeout,
			},
			InsertAttempts:  opts.InsertAttempts,
			InsertRetryBase: opts.InsertRetryBase,
		},
	)

	return &Module{
		deps:   deps,
		opts:   opts,
		client: client,
		sink:   sink,
		ports:  Ports{Runner: svc},

		startedAt: time.Now(),
	}, nil
}

func newSink(deps modkit.Deps, opts Options) (domain.SinkStore, error) {
	n := repo.Naming{Database: opts.Database, Collection: opts.Collection}
	switch opts.Backend {
	case BackendPostgres, BackendSQLite:
		db := deps.SQL(opts.Backend)
		if db == nil {
			return nil, perr.Configf("sink backend %s selected but its store is not open", opts.Backend)
		}
		if opts.Backend == BackendSQLite {
			return repo.NewSQLite(db, n)
		}
		return repo.NewPG(db, n)
	case BackendClickHouse:
		if deps.CH == nil {
			return nil, perr.Configf("sink backend %s selected but its store is not open", opts.Backend)
		}
		return repo.NewClickHouse(deps.CH, n)
	}
	return nil, perr.Configf("unknown sink backend %q", opts.Backend)
}

// Name returns the module name
func (m *Module) Name() string { return "mirror" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// Options returns the validated options the module was built with
func (m *Module) Options() Options { return m.opts }

// Sink returns the configured sink
func (m *Module) Sink() domain.SinkStore { return m.sink }

// MountRoutes mounts the ops endpoints
func (m *Module) MountRoutes(r phttp.Router) {
	d := mirrorhttp.Deps{
		Runner:    m.ports.Runner,
		Store:     readiness{name: m.opts.Backend, seam: m.seam()},
		StartedAt: m.startedAt,
	}
	if m.deps.Metrics != nil {
		d.Metrics = m.deps.Metrics.Handler()
	}
	mirrorhttp.Register(r, d)
}

// Close releases the upstream client's idle connections
func (m *Module) Close() {
	if m.client != nil {
		m.client.Close()
	}
}

func (m *Module) seam() any {
	if m.opts.Backend == BackendClickHouse {
		return m.deps.CH
	}
	return m.deps.SQL(m.opts.Backend)
}

// readiness pings the sink backend's store seam
type readiness struct {
	name string
	seam any
}

func (r readiness) Guard(ctx context.Context) error {
	p, ok := r.seam.(interface{ Ping(context.Context) error })
	if !ok {
		return perr.Unavailablef("%s: store has no readiness probe", r.name)
	}
	return repokit.Ping(ctx, r.name, p)
}
