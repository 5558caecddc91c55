package module

import (
	"runtime"
	"time"

	"telemirror/internal/platform/config"
	"telemirror/internal/platform/validate"
)

// Sink backends
const (
	BackendPostgres   = "postgres"
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
)

// DefaultCutoff is the fixed exclusive upper bound on created_at when none is configured
var DefaultCutoff = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Options holds configuration options for the mirror module
type Options struct {
	ChunkSize        int           `env:"CORE_MIRROR_CHUNK_SIZE" validate:"min=1"`
	Workers          int           `env:"CORE_MIRROR_WORKERS" validate:"min=1"`
	Cutoff           time.Time     `env:"CORE_MIRROR_CUTOFF" validate:"required"`
	RoundDelay       time.Duration `env:"CORE_MIRROR_ROUND_DELAY" validate:"min=0"`
	MaxStalledRounds int           `env:"CORE_MIRROR_MAX_STALLED_ROUNDS" validate:"min=0"`
	FetchTimeout     time.Duration `env:"CORE_MIRROR_FETCH_TIMEOUT" validate:"min=0"`
	InsertTimeout    time.Duration `env:"CORE_MIRROR_INSERT_TIMEOUT" validate:"min=0"`
	WatermarkTimeout time.Duration `env:"CORE_MIRROR_WATERMARK_TIMEOUT" validate:"min=0"`
	InsertAttempts   int           `env:"CORE_MIRROR_INSERT_ATTEMPTS" validate:"min=1"`
	InsertRetryBase  time.Duration `env:"CORE_MIRROR_INSERT_RETRY_BASE" validate:"min=0"`
	AutoMigrate      bool          `env:"CORE_MIRROR_AUTO_MIGRATE"`
	RunLedger        bool          `env:"CORE_MIRROR_RUN_LEDGER"`
	RunLease         bool          `env:"CORE_MIRROR_RUN_LEASE"`

	Backend    string `env:"SERVICE_SINK_BACKEND" validate:"oneof=postgres sqlite clickhouse"`
	Database   string `env:"SERVICE_SINK_DATABASE" validate:"sqlident"`
	Collection string `env:"SERVICE_SINK_COLLECTION" validate:"sqlident"`
}

// DefaultWorkers is max(NumCPU, 4)
func DefaultWorkers() int { return max(runtime.NumCPU(), 4) }

// FromConfig reads the mirror options from CORE_MIRROR_ and SERVICE_SINK_
func FromConfig(cfg config.Conf) Options {
	mc := cfg.Prefix("CORE_MIRROR_")
	sc := cfg.Prefix("SERVICE_SINK_")
	return Options{
		ChunkSize:        mc.MayInt("CHUNK_SIZE", 1000),
		Workers:          mc.MayInt("WORKERS", DefaultWorkers()),
		Cutoff:           mc.MayTime("CUTOFF", DefaultCutoff),
		RoundDelay:       mc.MayDuration("ROUND_DELAY", 0),
		MaxStalledRounds: mc.MayInt("MAX_STALLED_ROUNDS", 0),
		FetchTimeout:     mc.MayDuration("FETCH_TIMEOUT", 0),
		InsertTimeout:    mc.MayDuration("INSERT_TIMEOUT", 0),
		WatermarkTimeout: mc.MayDuration("WATERMARK_TIMEOUT", 30*time.Second),
		InsertAttempts:   mc.MayInt("INSERT_ATTEMPTS", 3),
		InsertRetryBase:  mc.MayDuration("INSERT_RETRY_BASE", 250*time.Millisecond),
		AutoMigrate:      mc.MayBool("AUTO_MIGRATE", true),
		RunLedger:        mc.MayBool("RUN_LEDGER", true),
		RunLease:         mc.MayBool("RUN_LEASE", true),

		Backend:    sc.MayEnum("BACKEND", BackendPostgres, BackendPostgres, BackendSQLite, BackendClickHouse),
		Database:   sc.MayString("DATABASE", "pebble_dataset"),
		Collection: sc.MayString("COLLECTION", "pebble_device_record"),
	}
}

// Validate checks the options, naming offending env keys in the error
func (o Options) Validate() error { return validate.Struct(o) }
