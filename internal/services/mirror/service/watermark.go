package service

import (
	"context"
	"sync"
	"time"

	"telemirror/internal/platform/logger"
	"telemirror/internal/platform/metrics"
	ptime "telemirror/internal/platform/time"
	"telemirror/internal/services/mirror/domain"
	"telemirror/internal/services/mirror/guardrails"
)

// Watermark turns the sink's latest created_at into the next round's lower bound
type Watermark struct {
	sink    domain.SinkStore
	budget  guardrails.Timeouts
	metrics *metrics.Metrics

	mu   sync.Mutex
	last *time.Time
}

// NewWatermark wraps sink
func NewWatermark(sink domain.SinkStore, budget guardrails.Timeouts, m *metrics.Metrics) *Watermark {
	return &Watermark{sink: sink, budget: budget, metrics: m}
}

// Refresh queries the sink and returns the resume point plus how many stored
// documents sit exactly at it. The next round includes From and skips those held.
// nil means start from the beginning: either the sink is empty or the query failed.
// A successful answer never moves the resume point backwards
func (w *Watermark) Refresh(ctx context.Context) (*time.Time, int) {
	qctx, cancel := guardrails.ForWatermark(ctx, w.budget)
	defer cancel()

	t, ok, err := w.sink.LatestCreatedAt(qctx)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Msg("mirror: watermark query failed, next round restarts from the beginning")
		return nil, 0
	}

	w.mu.Lock()
	if p := ptime.Ptr(t); ok && p != nil && (w.last == nil || p.After(*w.last)) {
		w.last = p
		w.metrics.Watermark(*p)
	}
	from := ptime.Clone(w.last)
	w.mu.Unlock()
	if from == nil {
		return nil, 0
	}

	n, err := w.sink.CountAt(qctx, *from)
	if err != nil {
		// re-fetching the tied records only costs duplicates
		logger.C(ctx).Warn().Err(err).Time("from", *from).Msg("mirror: tie count failed, re-reading records at the watermark")
		return from, 0
	}
	return from, int(n)
}

// Last returns the highest watermark seen so far
func (w *Watermark) Last() *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ptime.Clone(w.last)
}
