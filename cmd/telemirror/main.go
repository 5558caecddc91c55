package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"telemirror/internal/core/version"
	"telemirror/internal/modkit"
	"telemirror/internal/modkit/module"
	"telemirror/internal/modkit/repokit"
	"telemirror/internal/platform/config"
	"telemirror/internal/platform/logger"
	"telemirror/internal/platform/metrics"
	phttp "telemirror/internal/platform/net/http"
	"telemirror/internal/platform/net/middleware"
	"telemirror/internal/platform/shutdown"
	"telemirror/internal/platform/store"
	"telemirror/internal/services/mirror/domain"
	mirrormod "telemirror/internal/services/mirror/module"
)

func mustSetEnv(key, val string) {
	if val != "" {
		_ = os.Setenv(key, val)
	}
}

func main() { os.Exit(run()) }

func run() (code int) {
	l := logger.Get()
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("telemirror: fatal")
			code = 1
		}
	}()

	var (
		fCutoff  = flag.String("cutoff", "", "exclusive created_at upper bound, e.g. 2025-01-01T00:00:00Z")
		fChunk   = flag.Int("chunk", 0, "records per page")
		fWorkers = flag.Int("workers", 0, "pages fetched concurrently per round")
		fBackend = flag.String("backend", "", "sink backend: postgres | sqlite | clickhouse")
		fDryRun  = flag.Bool("dry-run", false, "open the sink, log the first round plan and exit without fetching")
	)
	flag.Parse()

	// Surface flags to the options read FromConfig
	mustSetEnv("CORE_MIRROR_CUTOFF", *fCutoff)
	if *fChunk > 0 {
		mustSetEnv("CORE_MIRROR_CHUNK_SIZE", strconv.Itoa(*fChunk))
	}
	if *fWorkers > 0 {
		mustSetEnv("CORE_MIRROR_WORKERS", strconv.Itoa(*fWorkers))
	}
	mustSetEnv("SERVICE_SINK_BACKEND", *fBackend)

	root := config.New()
	opts := mirrormod.FromConfig(root)
	if err := opts.Validate(); err != nil {
		l.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	l.Info().Interface("build", version.Info()).
		Str("backend", opts.Backend).
		Time("cutoff", opts.Cutoff).
		Int("workers", opts.Workers).
		Int("chunk_size", opts.ChunkSize).
		Msg("telemirror starting")

	stop := shutdown.New(shutdown.WithForce(func(os.Signal) {
		l.Warn().Msg("forced exit")
		os.Exit(130)
	})).Listen()
	defer stop.Stop()

	ctx := context.Background()
	st, err := store.Open(ctx, storeConfig(root, opts), store.WithLogger(*l))
	if err != nil {
		l.Error().Err(err).Msg("store.Open failed")
		return 1
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()
	repokit.MustGuard(ctx, st)

	deps := modkit.Deps{
		Log:     *l,
		Cfg:     root,
		PG:      st.PG,
		SQLite:  st.SQLite,
		CH:      st.CH,
		Metrics: metrics.New(),
		Stop:    stop,
	}
	mm, err := mirrormod.New(ctx, deps)
	if err != nil {
		l.Error().Err(err).Msg("mirror module")
		return 1
	}
	defer mm.Close()
	runner := module.MustPortsOf[domain.RunnerPort](mm)

	if *fDryRun {
		for _, t := range runner.Preview(ctx) {
			ev := l.Info().Int("offset", t.Offset).Int("limit", t.Limit).Time("to", t.Window.To)
			if t.Window.Bounded() {
				ev = ev.Time("from", *t.Window.From).Int("skip", t.Window.Skip)
			}
			ev.Msg("dry run: planned task")
		}
		return 0
	}

	opsCtx, stopOps := context.WithCancel(ctx)
	defer stopOps()
	if addr := root.Prefix("CORE_OPS_").MayString("ADDR", ""); addr != "" {
		origins := root.Prefix("CORE_OPS_").MayCSV("CORS_ORIGINS", []string{"*"})
		srv := phttp.NewServer(addr, func(mx *chi.Mux) {
			mx.Use(middleware.OpsDefaults(origins)...)
		})
		mm.MountRoutes(srv.Router())
		go func() {
			if err := srv.Run(opsCtx); err != nil {
				l.Error().Err(err).Msg("ops http failed")
			}
		}()
	}

	stats, err := runner.Run(ctx)
	if n, cerr := mm.Sink().Count(context.WithoutCancel(ctx)); cerr == nil {
		l.Info().Int64("documents", n).Msg("sink total")
	}
	if err != nil {
		l.Error().Err(err).Str("reason", string(stats.Reason)).Msg("mirror failed")
	}
	return exitCode(stats, err, stop)
}

// exitCode maps a finished run to the process status: 1 on error, the signal's
// code after a shutdown drain, 0 otherwise
func exitCode(stats domain.RunStats, err error, sig interface{ ExitCode() int }) int {
	if err != nil {
		return 1
	}
	if stats.Reason == domain.StopShutdown {
		return sig.ExitCode()
	}
	return 0
}

// storeConfig opens only the backend the sink needs. The pg pool leaves room for
// every worker plus the run lease and ledger writes
func storeConfig(root config.Conf, o mirrormod.Options) store.Config {
	cfg := store.Config{AppName: "telemirror"}
	switch o.Backend {
	case mirrormod.BackendPostgres:
		pgCfg := root.Prefix("SERVICE_PGSQL_")
		cfg.PG = store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", o.Workers+2)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		}
	case mirrormod.BackendSQLite:
		liteCfg := root.Prefix("SERVICE_SQLITE_")
		cfg.SQLite = store.SQLiteConfig{
			Enabled:     true,
			Path:        liteCfg.MayString("PATH", "telemirror.db"),
			MaxConns:    liteCfg.MayInt("MAX_CONNS", o.Workers+1),
			BusyTimeout: liteCfg.MayDuration("BUSY_TIMEOUT", 5*time.Second),
		}
	case mirrormod.BackendClickHouse:
		chCfg := root.Prefix("SERVICE_CLICKHOUSE_")
		cfg.CH = store.CHConfig{
			Enabled: true,
			URL:     chCfg.MustString("DBURL"),
			Role:    chCfg.MayString("ROLE", ""),
		}
	}
	return cfg
}
