package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"telemirror/internal/core/record"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/metrics"
	"telemirror/internal/services/mirror/domain"
)

func mustRecord(t *testing.T, js string) record.Record {
	t.Helper()
	var r record.Record
	if err := json.Unmarshal([]byte(js), &r); err != nil {
		t.Fatalf("record %s: %v", js, err)
	}
	return r
}

func TestBuildDocument(t *testing.T) {
	d, perrs, err := BuildDocument(mustRecord(t,
		`{"id":17,"created_at":"2024-05-01 10:00:00","temperature":21.5,"updated_at":"nope"}`))
	if err != nil {
		t.Fatalf("BuildDocument: %v", err)
	}
	if d.Key != "17" {
		t.Fatalf("key = %q", d.Key)
	}
	if d.CreatedAt == nil || !d.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at = %v", d.CreatedAt)
	}
	if d.UpdatedAt != nil || len(perrs) != 1 || perrs[0].Field != "updated_at" {
		t.Fatalf("updated_at = %v, errors %v", d.UpdatedAt, perrs)
	}
	want := `{"id":17,"created_at":"2024-05-01T10:00:00Z","temperature":21.5,"updated_at":null}`
	if string(d.Body) != want {
		t.Fatalf("body = %s", d.Body)
	}
}

func TestBuildDocumentHashesWhenIDMissing(t *testing.T) {
	a, _, _ := BuildDocument(mustRecord(t, `{"imei":"x","created_at":"2024-01-01T00:00:00Z"}`))
	b, _, _ := BuildDocument(mustRecord(t, `{"imei":"x","created_at":"2024-01-01T00:00:00Z"}`))
	c, _, _ := BuildDocument(mustRecord(t, `{"imei":"y","created_at":"2024-01-01T00:00:00Z"}`))
	if !strings.HasPrefix(a.Key, "sha256:") || a.Key != b.Key || a.Key == c.Key {
		t.Fatalf("keys = %s %s %s", a.Key, b.Key, c.Key)
	}
}

func TestWriterPersistsRecordWithBadTimestamp(t *testing.T) {
	sink := newMemSink()
	m := metrics.New()
	w := &Writer{Sink: sink, Metrics: m}

	n, err := w.Insert(context.Background(), []record.Record{
		mustRecord(t, `{"id":1,"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`),
		mustRecord(t, `{"id":2,"created_at":"not-a-date","imei":"abc","updated_at":"2024-01-02T00:00:00Z"}`),
		mustRecord(t, `{"id":3,"created_at":"2024-01-03T00:00:00Z","updated_at":null}`),
	})
	if err != nil || n != 3 {
		t.Fatalf("Insert = %d, %v", n, err)
	}
	d, ok := sink.Get("2")
	if !ok || d.CreatedAt != nil || d.UpdatedAt == nil {
		t.Fatalf("doc 2 = %+v", d)
	}
	if !strings.Contains(string(d.Body), `"created_at":null`) || !strings.Contains(string(d.Body), `"imei":"abc"`) {
		t.Fatalf("doc 2 body = %s", d.Body)
	}
	if got := counterValue(t, m, "telemirror_date_parse_failures_total"); got != 1 {
		t.Fatalf("date parse failures = %v", got)
	}
}

func TestWriterBisectsAroundRejectedDocument(t *testing.T) {
	sink := newMemSink()
	sink.reject = map[string]error{"5": errors.New("value too long")}
	m := metrics.New()
	w := &Writer{Sink: sink, Metrics: m, RetryBase: time.Millisecond}

	var recs []record.Record
	for i := 1; i <= 8; i++ {
		recs = append(recs, rec(i, at(i)))
	}
	n, err := w.Insert(context.Background(), recs)
	if err != nil || n != 7 {
		t.Fatalf("Insert = %d, %v", n, err)
	}
	if _, ok := sink.Get("5"); ok {
		t.Fatalf("rejected document persisted")
	}
	if c, _ := sink.Count(context.Background()); c != 7 {
		t.Fatalf("count = %d", c)
	}
	if got := counterValue(t, m, "telemirror_document_write_failures_total"); got != 1 {
		t.Fatalf("document failures = %v", got)
	}
	// one scoped connection for the whole page
	if sink.scoped.Load() != 1 {
		t.Fatalf("scoped = %d", sink.scoped.Load())
	}
}

type flakyConn struct {
	calls atomic.Int32
	fails int32
}

func (f *flakyConn) InsertBatch(_ context.Context, docs []domain.Document) (int, error) {
	if f.calls.Add(1) <= f.fails {
		return 0, perr.Unavailablef("serialization failure")
	}
	return len(docs), nil
}

func TestWriterRetriesRetryableBeforeBisecting(t *testing.T) {
	w := &Writer{RetryBase: time.Millisecond}
	c := &flakyConn{fails: 2}
	docs := []domain.Document{{Key: "a"}, {Key: "b"}, {Key: "c"}}
	if n := w.insertBatchRobust(context.Background(), c, docs); n != 3 {
		t.Fatalf("inserted = %d", n)
	}
	if c.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 2 failures + 1 success on the whole batch", c.calls.Load())
	}
}

func TestWriterGivesUpOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &Writer{RetryBase: time.Millisecond}
	c := &flakyConn{fails: 1000}
	if n := w.insertBatchRobust(ctx, c, []domain.Document{{Key: "a"}, {Key: "b"}}); n != 0 {
		t.Fatalf("inserted = %d", n)
	}
	if c.calls.Load() != 1 {
		t.Fatalf("canceled ctx should stop after the first attempt, got %d", c.calls.Load())
	}
}

func TestWatermarkRefresh(t *testing.T) {
	ctx := context.Background()
	sink := newMemSink()
	w := NewWatermark(sink, guardrailsZero, nil)

	if got, held := w.Refresh(ctx); got != nil || held != 0 {
		t.Fatalf("empty sink watermark = %v, %d", got, held)
	}
	_, _ = memConn{sink}.InsertBatch(ctx, []domain.Document{
		{Key: "a", CreatedAt: ptr(at(5))},
		{Key: "b", CreatedAt: ptr(at(5))},
		{Key: "c", CreatedAt: ptr(at(4))},
	})
	if got, held := w.Refresh(ctx); got == nil || !got.Equal(at(5)) || held != 2 {
		t.Fatalf("watermark = %v, held %d", got, held)
	}

	sink.countErr = errors.New("timeout")
	if got, held := w.Refresh(ctx); got == nil || !got.Equal(at(5)) || held != 0 {
		t.Fatalf("failed tie count should re-read the watermark instant, got %v, %d", got, held)
	}

	sink.latestErr = func() error { return errors.New("timeout") }
	if got, _ := w.Refresh(ctx); got != nil {
		t.Fatalf("failed query should restart from the beginning, got %v", got)
	}
	if last := w.Last(); last == nil || !last.Equal(at(5)) {
		t.Fatalf("Last = %v", last)
	}
}

func ptr(t time.Time) *time.Time { return &t }

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, mt := range mf.GetMetric() {
				total += mt.GetCounter().GetValue()
			}
		}
	}
	return total
}
