package service

import (
	"context"
	"math/rand/v2"
	"time"

	"telemirror/internal/core/record"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/logger"
	"telemirror/internal/platform/metrics"
	"telemirror/internal/services/mirror/domain"
)

// Writer normalizes records and persists them best effort
type Writer struct {
	Sink    domain.SinkStore
	Metrics *metrics.Metrics

	// attempts per batch for retryable sink errors; <=0 -> 3
	MaxAttempts int
	// base backoff between attempts; <=0 -> 250ms
	RetryBase   time.Duration
}

// Insert persists recs on one scoped sink connection and returns how many were new
// Records that cannot be encoded and documents the sink rejects are logged and
// skipped; the returned error only reports a connection that could not be obtained
func (w *Writer) Insert(ctx context.Context, recs []record.Record) (int, error) {
	docs := make([]domain.Document, 0, len(recs))
	for _, r := range recs {
		d, perrs, err := BuildDocument(r)
		for _, pe := range perrs {
			w.Metrics.DateParseFailure(pe.Field)
			logger.C(ctx).Warn().
				Str("field", pe.Field).
				Str("input", pe.Input).
				Err(pe.Err).
				Msg("mirror: unparsable timestamp stored as null")
		}
		if err != nil {
			w.Metrics.DocumentFailure()
			logger.C(ctx).Error().Err(err).Msg("mirror: record dropped")
			continue
		}
		docs = append(docs, d)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	var inserted int
	err := w.Sink.Scoped(ctx, func(c domain.SinkConn) error {
		inserted = w.insertBatchRobust(ctx, c, docs)
		return nil
	})
	return inserted, err
}

// insertBatchRobust writes docs with retries; if the batch still fails it bisects
// and attempts each half, down to single documents. A single document that fails
// is logged and contributes zero
func (w *Writer) insertBatchRobust(ctx context.Context, c domain.SinkConn, docs []domain.Document) int {
	if len(docs) == 0 {
		return 0
	}
	attempts := w.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := w.RetryBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		n, err := c.InsertBatch(ctx, docs)
		if err == nil {
			return n
		}
		last = err
		if !perr.Retryable(err) || attempt == attempts {
			break
		}
		// backoff with jitter, capped at 10s
		d := min(base<<(attempt-1), 10*time.Second)
		sleep := d/2 + rand.N(d/2+1)
		if sleepCtx(ctx, sleep) != nil {
			break
		}
	}

	if ctx.Err() != nil {
		w.dropped(ctx, docs, ctx.Err())
		return 0
	}
	if len(docs) == 1 {
		w.dropped(ctx, docs, last)
		return 0
	}
	mid := len(docs) / 2
	return w.insertBatchRobust(ctx, c, docs[:mid]) + w.insertBatchRobust(ctx, c, docs[mid:])
}

func (w *Writer) dropped(ctx context.Context, docs []domain.Document, err error) {
	for _, d := range docs {
		w.Metrics.DocumentFailure()
		logger.C(ctx).Error().Str("key", d.Key).Err(err).Msg("mirror: sink rejected document")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
