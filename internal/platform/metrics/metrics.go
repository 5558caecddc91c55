// Package metrics holds the mirror's Prometheus collectors on a private registry
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemirror"

// Task outcomes used as the "outcome" label
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics is the set of collectors. A nil *Metrics is valid and records nothing
type Metrics struct {
	reg *prometheus.Registry

	rounds          prometheus.Counter
	roundDuration   prometheus.Histogram
	tasks           *prometheus.CounterVec
	observed        prometheus.Counter
	inserted        prometheus.Counter
	docFailures     prometheus.Counter
	dateParseErrors *prometheus.CounterVec
	fetchRetries    *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	watermark       prometheus.Gauge
}

// New registers every collector, plus Go runtime and process collectors, on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		rounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total",
			Help: "Completed sync rounds",
		}),
		roundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "round_duration_seconds",
			Help:    "Wall time of one round, dispatch to last result",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_total",
			Help: "Fetch and insert tasks by outcome",
		}, []string{"outcome"}),
		observed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_observed_total",
			Help: "Records returned by the upstream",
		}),
		inserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_inserted_total",
			Help: "Records newly persisted in the sink",
		}),
		docFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "document_write_failures_total",
			Help: "Single documents the sink rejected",
		}),
		dateParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "date_parse_failures_total",
			Help: "Timestamp fields stored as null because they did not parse",
		}, []string{"field"}),
		fetchRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetch_retries_total",
			Help: "Upstream request retries by reason",
		}, []string{"reason"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "fetch_duration_seconds",
			Help:    "Upstream page fetch latency including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"result"}),
		watermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "watermark_timestamp_seconds",
			Help: "Latest persisted created_at as unix seconds",
		}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests and extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Round records a finished round
func (m *Metrics) Round(elapsed time.Duration, observed, inserted int) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	m.roundDuration.Observe(elapsed.Seconds())
	m.observed.Add(float64(observed))
	m.inserted.Add(float64(inserted))
}

// Task counts one task by outcome
func (m *Metrics) Task(outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
}

// DocumentFailure counts a document the sink rejected
func (m *Metrics) DocumentFailure() {
	if m == nil {
		return
	}
	m.docFailures.Inc()
}

// DateParseFailure counts a timestamp field degraded to null
func (m *Metrics) DateParseFailure(field string) {
	if m == nil {
		return
	}
	m.dateParseErrors.WithLabelValues(field).Inc()
}

// FetchRetry counts an upstream retry; reason is rate_limited, status_<code> or transport
func (m *Metrics) FetchRetry(reason string) {
	if m == nil {
		return
	}
	m.fetchRetries.WithLabelValues(reason).Inc()
}

// Fetch observes one page fetch
func (m *Metrics) Fetch(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetchDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// Watermark sets the watermark gauge; the zero time clears it
func (m *Metrics) Watermark(t time.Time) {
	if m == nil {
		return
	}
	if t.IsZero() {
		m.watermark.Set(0)
		return
	}
	m.watermark.Set(float64(t.UnixNano()) / 1e9)
}
