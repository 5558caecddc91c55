package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"telemirror/internal/core/record"
	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/store"
	"telemirror/internal/platform/testkit"
	"telemirror/internal/services/mirror/domain"
	"telemirror/internal/services/mirror/guardrails"
	"telemirror/internal/services/mirror/repo"
)

func newSvc(f domain.Fetcher, sink domain.SinkStore, stop Stopper, cfg Config) *Service {
	if cfg.Cutoff.IsZero() {
		cfg.Cutoff = cutoff
	}
	cfg.InsertRetryBase = time.Millisecond
	return New(f, sink, nil, stop, nil, nil, cfg)
}

func TestPlanOffsetsAreDisjointAndShareWindow(t *testing.T) {
	from := at(3)
	for _, skip := range []int{0, 4} {
		win := domain.Window{From: &from, To: cutoff, Skip: skip}
		for _, c := range []int{1, 2, 1000} {
			for _, w := range []int{1, 3, 8} {
				tasks := Plan(win, w, c)
				if len(tasks) != w {
					t.Fatalf("C=%d W=%d: %d tasks", c, w, len(tasks))
				}
				for i, task := range tasks {
					if task.Offset != skip+i*c || task.Limit != c {
						t.Fatalf("C=%d W=%d skip=%d: task %d = %+v", c, w, skip, i, task)
					}
					if task.Window.From != win.From || !task.Window.To.Equal(cutoff) {
						t.Fatalf("task %d does not share the round window", i)
					}
				}
			}
		}
	}
}

func TestRoundIssuesOneFetchPerWorker(t *testing.T) {
	up := newUpstream()
	svc := newSvc(up, newMemSink(), &flag{}, Config{ChunkSize: 7, Workers: 5})

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := up.Calls()
	if len(calls) != 5 {
		t.Fatalf("fetches = %d, want 5", len(calls))
	}
	seen := map[int]bool{}
	for _, c := range calls {
		seen[c.Offset] = true
		if c.From != nil || c.Limit != 7 {
			t.Fatalf("call %+v", c)
		}
	}
	for i := range 5 {
		if !seen[i*7] {
			t.Fatalf("missing offset %d in %v", i*7, calls)
		}
	}
}

func openLite(t *testing.T) *repo.SQLite {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{SQLite: store.SQLiteConfig{
		Enabled: true, Path: filepath.Join(t.TempDir(), "mirror.db"), MaxConns: 4,
	}})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	s, err := repo.NewSQLite(st.SQLite, repo.Naming{Database: "pebble", Collection: "pebble_device_record"})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// chunk 2, workers 2, three records below the cutoff
func TestScenarioA(t *testing.T) {
	up := newUpstream(rec(1, at(1)), rec(2, at(2)), rec(3, at(3)))
	sink := openLite(t)
	svc := newSvc(up, sink, &flag{}, Config{ChunkSize: 2, Workers: 2})

	st, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Rounds != 2 || st.Reason != domain.StopExhausted || st.Observed != 3 || st.Inserted != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if n, _ := sink.Count(context.Background()); n != 3 {
		t.Fatalf("persisted = %d, want 3", n)
	}

	calls := up.Calls()
	if len(calls) != 4 {
		t.Fatalf("fetches = %d, want 4", len(calls))
	}
	for _, c := range calls[:2] {
		if c.From != nil {
			t.Fatalf("round 1 should be unbounded below: %+v", c)
		}
	}
	// round 2 includes t3 and starts past the one record already held there
	for _, c := range calls[2:] {
		if c.From == nil || !c.From.Equal(at(3)) || (c.Offset != 1 && c.Offset != 3) {
			t.Fatalf("round 2 should resume at t3 skipping one: %+v", c)
		}
	}
}

func TestTerminatesOnFirstEmptyRound(t *testing.T) {
	led := &ledger{}
	svc := New(newUpstream(), newMemSink(), led, &flag{}, nil, nil, Config{ChunkSize: 10, Workers: 3, Cutoff: cutoff})

	st, err := svc.Run(context.Background())
	if err != nil || st.Rounds != 1 || st.Reason != domain.StopExhausted {
		t.Fatalf("Run = %+v, %v", st, err)
	}
	if got := fmt.Sprint(led.events); got != "[start:idle round:0 finish:exhausted]" {
		t.Fatalf("ledger = %s", got)
	}
	if s := svc.Status(); s.State != domain.StateDone || s.RunID == "" || s.RunID != st.RunID {
		t.Fatalf("status = %+v", s)
	}
}

// shutdown arrives while two of four tasks are in flight
func TestScenarioB(t *testing.T) {
	up := newUpstream(rec(1, at(1)), rec(2, at(2)), rec(3, at(3)), rec(4, at(4)))
	stop := &flag{}
	sink := newMemSink()

	var blocked atomic.Int32
	release := make(chan struct{})
	up.hook = func(offset int) error {
		if offset < 4 {
			blocked.Add(1)
			<-release
		}
		return nil
	}
	svc := newSvc(up, sink, stop, Config{ChunkSize: 2, Workers: 4})

	go func() {
		for blocked.Load() < 2 {
			time.Sleep(time.Millisecond)
		}
		stop.v.Store(true)
		close(release)
	}()

	st, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Rounds != 1 || st.Reason != domain.StopShutdown {
		t.Fatalf("stats = %+v", st)
	}
	if n, _ := sink.Count(context.Background()); n != 4 || st.Inserted != 4 {
		t.Fatalf("persisted = %d inserted = %d, want the 4 in-flight records", n, st.Inserted)
	}
	// tasks past their start check when the signal landed may have fetched; none of a second round did
	for _, c := range up.Calls() {
		if c.From != nil {
			t.Fatalf("a second round started: %+v", c)
		}
	}
}

func TestShutdownBeforeFirstRound(t *testing.T) {
	up := newUpstream(rec(1, at(1)))
	stop := &flag{}
	stop.v.Store(true)
	st, err := newSvc(up, newMemSink(), stop, Config{ChunkSize: 1, Workers: 2}).Run(context.Background())
	if err != nil || st.Rounds != 0 || st.Reason != domain.StopShutdown || len(up.Calls()) != 0 {
		t.Fatalf("Run = %+v, %v (fetches %d)", st, err, len(up.Calls()))
	}
}

func TestTaskNotStartedIsSkippedOnShutdown(t *testing.T) {
	stop := &flag{}
	stop.v.Store(true)
	up := newUpstream(rec(1, at(1)))
	svc := newSvc(up, newMemSink(), stop, Config{ChunkSize: 1, Workers: 1})

	res := svc.runTask(context.Background(), domain.Task{Offset: 0, Limit: 1, Window: domain.Window{To: cutoff}})
	if !res.Skipped || res.Observed != 0 || len(up.Calls()) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

// lateStop reports no stop at the round-start check and a stop at every later one
type lateStop struct{ calls atomic.Int32 }

func (l *lateStop) Requested() bool { return l.calls.Add(1) > 1 }

func TestShutdownBetweenRoundStartAndTasksDrains(t *testing.T) {
	up := newUpstream(rec(1, at(1)), rec(2, at(2)), rec(3, at(3)))
	led := &ledger{}
	svc := New(up, newMemSink(), led, &lateStop{}, nil, nil, Config{ChunkSize: 1, Workers: 2, Cutoff: cutoff})

	st, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Reason != domain.StopShutdown || st.Rounds != 1 || st.Observed != 0 || len(up.Calls()) != 0 {
		t.Fatalf("stats = %+v (fetches %d)", st, len(up.Calls()))
	}
	if got := fmt.Sprint(led.events); got != "[start:idle round:0 finish:shutdown]" {
		t.Fatalf("ledger = %s", got)
	}
}

func TestRecordsSharingTheWatermarkAreAllFetched(t *testing.T) {
	up := newUpstream(rec(1, at(2)), rec(2, at(2)), rec(3, at(2)))
	sink := newMemSink()
	st, err := newSvc(up, sink, &flag{}, Config{ChunkSize: 1, Workers: 1}).Run(context.Background())
	if err != nil || st.Reason != domain.StopExhausted {
		t.Fatalf("Run = %+v, %v", st, err)
	}
	if n, _ := sink.Count(context.Background()); n != 3 || st.Inserted != 3 {
		t.Fatalf("persisted = %d inserted = %d, want 3", n, st.Inserted)
	}
	if st.Rounds != 4 {
		t.Fatalf("rounds = %d, want 4", st.Rounds)
	}
	for i, c := range up.Calls()[1:] {
		if c.From == nil || !c.From.Equal(at(2)) || c.Offset != i+1 {
			t.Fatalf("round %d call = %+v", i+2, c)
		}
	}
}

// a tie group split by the page boundary resumes on sqlite without loss or rework
func TestTieGroupAcrossRoundsOnSQLite(t *testing.T) {
	up := newUpstream(rec(1, at(1)), rec(2, at(2)), rec(3, at(2)), rec(4, at(2)))
	sink := openLite(t)
	st, err := newSvc(up, sink, &flag{}, Config{ChunkSize: 2, Workers: 1}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n, _ := sink.Count(context.Background()); n != 4 {
		t.Fatalf("persisted = %d, want 4", n)
	}
	if st.Rounds != 3 || st.Observed != 4 || st.Inserted != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFetchErrorIsScopedToItsTask(t *testing.T) {
	up := newUpstream(rec(1, at(1)), rec(2, at(2)), rec(3, at(3)))
	var failed atomic.Bool
	up.hook = func(offset int) error {
		if offset == 1 && failed.CompareAndSwap(false, true) {
			return perr.Wrap(errors.New("graphql errors: boom"), perr.ErrorCodeUpstream, "graphql error envelope")
		}
		return nil
	}
	sink := newMemSink()
	st, err := newSvc(up, sink, &flag{}, Config{ChunkSize: 1, Workers: 3}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.TaskErrors != 1 || st.Rounds != 2 {
		t.Fatalf("stats = %+v", st)
	}
	// siblings persisted; the failed page sits below the new watermark and is not refetched
	if n, _ := sink.Count(context.Background()); n != 2 {
		t.Fatalf("persisted = %d", n)
	}
	if _, ok := sink.Get("2"); ok {
		t.Fatalf("record from the failed page should not be present")
	}
}

func TestResumeErrorRestartsFromBeginning(t *testing.T) {
	up := newUpstream(rec(1, at(1)), rec(2, at(2)), rec(3, at(3)))
	sink := newMemSink()
	var calls atomic.Int32
	sink.latestErr = func() error {
		if calls.Add(1) == 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	st, err := newSvc(up, sink, &flag{}, Config{ChunkSize: 5, Workers: 1}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	fc := up.Calls()
	if len(fc) != 3 {
		t.Fatalf("fetches = %d, want 3", len(fc))
	}
	if fc[0].From != nil || fc[1].From != nil {
		t.Fatalf("round 2 should restart unbounded after the failed watermark query: %+v", fc[:2])
	}
	if fc[2].From == nil || !fc[2].From.Equal(at(3)) {
		t.Fatalf("round 3 from = %v", fc[2].From)
	}
	if n, _ := sink.Count(context.Background()); n != 3 || st.Observed != 6 || st.Inserted != 3 {
		t.Fatalf("count=%d stats=%+v", n, st)
	}
}

func TestStallGuardStopsRun(t *testing.T) {
	up := newUpstream(rec(1, at(1)), rec(2, at(2)))
	sink := newMemSink()
	sink.reject = map[string]error{"1": errors.New("disk full"), "2": errors.New("disk full")}

	st, err := newSvc(up, sink, &flag{}, Config{ChunkSize: 5, Workers: 1, MaxStalledRounds: 2}).Run(context.Background())
	if !perr.IsCode(err, perr.ErrorCodeStalled) {
		t.Fatalf("err = %v", err)
	}
	if st.Reason != domain.StopStalled || st.Rounds != 2 || st.Inserted != 0 || st.Observed != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWorkersHoldTheirOwnSinkConnection(t *testing.T) {
	var recs []record.Record
	for i := range 40 {
		recs = append(recs, rec(i, at(1).Add(time.Duration(i)*time.Minute)))
	}
	up := newUpstream(recs...)
	sink := newMemSink()
	st, err := newSvc(up, sink, &flag{}, Config{ChunkSize: 5, Workers: 4}).Run(context.Background())
	if err != nil || st.Inserted != 40 {
		t.Fatalf("Run = %+v, %v", st, err)
	}
	if sink.maxConc.Load() > 4 {
		t.Fatalf("more scoped connections than workers: %d", sink.maxConc.Load())
	}
	if int(sink.scoped.Load()) != int(sink.batches.Load()) {
		t.Fatalf("each scoped connection should carry exactly one batch here")
	}
}

func TestWatermarkMonotonicAcrossRounds(t *testing.T) {
	var recs []record.Record
	for i := 1; i <= 9; i++ {
		recs = append(recs, rec(i, at(i)))
	}
	up := newUpstream(recs...)
	sink := newMemSink()
	svc := newSvc(up, sink, &flag{}, Config{ChunkSize: 1, Workers: 2})

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var prev *time.Time
	for _, c := range up.Calls() {
		if c.From == nil {
			if prev != nil {
				t.Fatalf("resume point regressed to nil")
			}
			continue
		}
		if prev != nil && c.From.Before(*prev) {
			t.Fatalf("resume point regressed: %v -> %v", prev, c.From)
		}
		prev = c.From
	}
	if last := svc.wm.Last(); last == nil || !last.Equal(at(9)) {
		t.Fatalf("final watermark = %v", last)
	}
}

func TestLeaseHeldFailsRun(t *testing.T) {
	held := func(context.Context, func(context.Context) error) error { return guardrails.ErrLeaseHeld }
	svc := New(newUpstream(), newMemSink(), nil, &flag{}, held, nil, Config{Cutoff: cutoff})
	_, err := svc.Run(context.Background())
	if !errors.Is(err, guardrails.ErrLeaseHeld) || !perr.IsCode(err, perr.ErrorCodeUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := newSvc(newUpstream(rec(1, at(1))), newMemSink(), &flag{}, Config{}).Run(ctx)
	if !errors.Is(err, context.Canceled) || st.Reason != domain.StopCanceled {
		t.Fatalf("Run = %+v, %v", st, err)
	}
}

func TestNewPanicsOnMissingDeps(t *testing.T) {
	testkit.MustPanic(t, func() { New(nil, newMemSink(), nil, &flag{}, nil, nil, Config{}) })
	testkit.MustPanic(t, func() { New(newUpstream(), nil, nil, &flag{}, nil, nil, Config{}) })
	testkit.MustPanic(t, func() { New(newUpstream(), newMemSink(), nil, nil, nil, nil, Config{}) })
}

func TestPreviewPlansFromWatermark(t *testing.T) {
	sink := newMemSink()
	_, _ = memConn{sink}.InsertBatch(context.Background(), []domain.Document{{Key: "a", CreatedAt: ptr(at(3))}})
	up := newUpstream()
	s := New(up, sink, nil, &flag{}, nil, nil, Config{ChunkSize: 50, Workers: 3, Cutoff: cutoff})

	tasks := s.Preview(context.Background())
	if len(tasks) != 3 || tasks[0].Offset != 1 || tasks[2].Offset != 101 || tasks[2].Limit != 50 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].Window.From == nil || !tasks[0].Window.From.Equal(at(3)) || tasks[0].Window.Skip != 1 || !tasks[0].Window.To.Equal(cutoff) {
		t.Fatalf("window = %+v", tasks[0].Window)
	}
	if len(up.Calls()) != 0 {
		t.Fatalf("preview fetched %d pages", len(up.Calls()))
	}
}
