package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"telemirror/internal/core/record"
	"telemirror/internal/services/mirror/domain"
	"telemirror/internal/services/mirror/guardrails"
)

var cutoff = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(day int) time.Time { return time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC) }

func rec(id int, created time.Time) record.Record {
	return record.New(
		record.Field{Name: "id", Value: record.NumberValue(json.Number(fmt.Sprint(id)))},
		record.Field{Name: "imei", Value: record.StringValue("351358813256823")},
		record.Field{Name: "created_at", Value: record.StringValue(created.Format(time.RFC3339Nano))},
		record.Field{Name: "updated_at", Value: record.StringValue(created.Format(time.RFC3339Nano))},
	)
}

type fetchCall struct {
	Offset, Limit int
	From          *time.Time
}

// upstream serves an in-memory dataset with the same range and order semantics as the GraphQL endpoint
type upstream struct {
	mu    sync.Mutex
	recs  []record.Record
	times []time.Time
	calls []fetchCall

	// hook runs before a page is served; a non-nil error fails that fetch
	hook func(offset int) error
}

func newUpstream(recs ...record.Record) *upstream {
	u := &upstream{}
	for _, r := range recs {
		v, _ := r.Get("created_at")
		s, _ := v.Str()
		t, _ := time.Parse(time.RFC3339Nano, s)
		u.recs = append(u.recs, r)
		u.times = append(u.times, t)
	}
	idx := make([]int, len(u.recs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return u.times[idx[a]].Before(u.times[idx[b]]) })
	rs, ts := make([]record.Record, len(idx)), make([]time.Time, len(idx))
	for i, j := range idx {
		rs[i], ts[i] = u.recs[j], u.times[j]
	}
	u.recs, u.times = rs, ts
	return u
}

func (u *upstream) Fetch(_ context.Context, offset, limit int, from *time.Time, to time.Time) ([]record.Record, error) {
	u.mu.Lock()
	var f *time.Time
	if from != nil {
		ff := *from
		f = &ff
	}
	u.calls = append(u.calls, fetchCall{Offset: offset, Limit: limit, From: f})
	hook := u.hook
	u.mu.Unlock()

	if hook != nil {
		if err := hook(offset); err != nil {
			return nil, err
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	var window []record.Record
	for i, t := range u.times {
		if from != nil && t.Before(*from) {
			continue
		}
		if !t.Before(to) {
			continue
		}
		window = append(window, u.recs[i])
	}
	if offset >= len(window) {
		return nil, nil
	}
	end := min(offset+limit, len(window))
	return window[offset:end], nil
}

func (u *upstream) Calls() []fetchCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]fetchCall(nil), u.calls...)
}

// memSink is an in-memory idempotent sink
type memSink struct {
	mu   sync.Mutex
	docs map[string]domain.Document

	// reject fails any batch containing one of these keys
	reject    map[string]error
	// latestErr fails LatestCreatedAt while it returns non-nil
	latestErr func() error
	// countErr fails CountAt
	countErr  error

	batches  atomic.Int32
	scoped   atomic.Int32
	inflight atomic.Int32
	maxConc  atomic.Int32
}

func newMemSink() *memSink { return &memSink{docs: map[string]domain.Document{}} }

func (m *memSink) Name() string                  { return "memory" }
func (m *memSink) Migrate(context.Context) error { return nil }
func (m *memSink) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.docs)), nil
}

func (m *memSink) Scoped(ctx context.Context, fn func(domain.SinkConn) error) error {
	m.scoped.Add(1)
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		cur := m.maxConc.Load()
		if n <= cur || m.maxConc.CompareAndSwap(cur, n) {
			break
		}
	}
	return fn(memConn{m})
}

func (m *memSink) LatestCreatedAt(context.Context) (time.Time, bool, error) {
	if m.latestErr != nil {
		if err := m.latestErr(); err != nil {
			return time.Time{}, false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	ok := false
	for _, d := range m.docs {
		if d.CreatedAt != nil && (!ok || d.CreatedAt.After(latest)) {
			latest, ok = *d.CreatedAt, true
		}
	}
	return latest, ok, nil
}

func (m *memSink) CountAt(_ context.Context, t time.Time) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.docs {
		if d.CreatedAt != nil && d.CreatedAt.Equal(t) {
			n++
		}
	}
	return n, nil
}

func (m *memSink) Get(key string) (domain.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[key]
	return d, ok
}

type memConn struct{ m *memSink }

func (c memConn) InsertBatch(_ context.Context, docs []domain.Document) (int, error) {
	c.m.batches.Add(1)
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	for _, d := range docs {
		if err, ok := c.m.reject[d.Key]; ok {
			return 0, err
		}
	}
	n := 0
	for _, d := range docs {
		if _, ok := c.m.docs[d.Key]; ok {
			continue
		}
		c.m.docs[d.Key] = d
		n++
	}
	return n, nil
}

// flag is a Stopper
type flag struct{ v atomic.Bool }

func (f *flag) Requested() bool { return f.v.Load() }

// ledger records calls
type ledger struct {
	mu     sync.Mutex
	events []string
	final  domain.RunStats
}

func (l *ledger) StartRun(_ context.Context, st domain.RunStats) error {
	l.add("start:" + string(st.State))
	return nil
}

func (l *ledger) RecordRound(_ context.Context, _ string, rr domain.RoundResult) error {
	l.add(fmt.Sprintf("round:%d", rr.Observed))
	return nil
}

func (l *ledger) FinishRun(_ context.Context, st domain.RunStats) error {
	l.add("finish:" + string(st.Reason))
	l.mu.Lock()
	l.final = st
	l.mu.Unlock()
	return nil
}

func (l *ledger) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

var guardrailsZero = guardrails.Timeouts{}
