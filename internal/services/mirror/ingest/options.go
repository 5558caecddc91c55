package ingest

import (
	"time"

	"telemirror/internal/adapters/upstream/graphql"
	"telemirror/internal/platform/config"
	"telemirror/internal/platform/metrics"
)

// ClientOptions reads CORE_UPSTREAM_* into graphql.Options
// Pool sizes default to twice the worker count and never drop below it
func ClientOptions(cfg config.Conf, workers int, m *metrics.Metrics) graphql.Options {
	up := cfg.Prefix("CORE_UPSTREAM_")
	pool := max(up.MayInt("POOL_CONNS", workers*2), workers)
	return graphql.Options{
		URL:            up.MayURL("URL", graphql.DefaultURL),
		Collection:     up.MayString("COLLECTION", graphql.DefaultCollection),
		Fields:         up.MayCSV("FIELDS", graphql.DefaultFields),
		UserAgent:      up.MayString("USER_AGENT", "telemirror/1.0"),
		ConnectTimeout: up.MayDuration("CONNECT_TIMEOUT", 10*time.Second),
		ReadTimeout:    up.MayDuration("READ_TIMEOUT", 30*time.Second),
		PoolConns:      pool,
		PoolMaxSize:    max(up.MayInt("POOL_MAXSIZE", workers*2), workers),
		MaxRetries:     up.MayInt("RETRIES", 3),
		RetryBase:      up.MayDuration("RETRY_BASE", time.Second),
		RetryMax:       up.MayDuration("RETRY_MAX", 30*time.Second),
		InsecureTLS:    up.MayBool("INSECURE_TLS", false),
		Metrics:        m,
	}
}
