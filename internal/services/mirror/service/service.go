// Package service provides the mirror coordinator, sink writer and watermark tracker
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	perr "telemirror/internal/platform/errors"
	"telemirror/internal/platform/logger"
	"telemirror/internal/platform/metrics"
	ptime "telemirror/internal/platform/time"
	"telemirror/internal/services/mirror/domain"
	"telemirror/internal/services/mirror/guardrails"
)

// Config holds configuration options for the mirror service
type Config struct {
	// Paging and concurrency
	ChunkSize int // records per fetch; <=0 -> 1000
	Workers   int // tasks per round and pool size; <=0 -> 1

	// Cutoff is the fixed exclusive upper bound on created_at for the whole run
	Cutoff time.Time

	// Optional pause between rounds
	RoundDelay time.Duration

	// MaxStalledRounds stops the run after this many consecutive rounds that saw
	// records but inserted none without moving the watermark; 0 disables
	MaxStalledRounds int

	// Timeouts applied via guardrails
	Timeouts guardrails.Timeouts

	// Sink retry before bisecting
	InsertAttempts  int
	InsertRetryBase time.Duration
}

// Stopper reports a cooperative shutdown request
type Stopper interface {
	Requested() bool
}

// Service implements domain.RunnerPort
type Service struct {
	Fetch   domain.Fetcher
	Sink    domain.SinkStore
	Ledger  domain.RunLedger // optional
	Stop    Stopper
	Lease   guardrails.Lease
	Metrics *metrics.Metrics
	Cfg     Config

	writer *Writer
	wm     *Watermark

	mu     sync.RWMutex
	status domain.Status

	newRunID func() string
	now      func() time.Time
}

var _ domain.RunnerPort = (*Service)(nil)

// New constructs the mirror service
func New(
	f domain.Fetcher,
	sink domain.SinkStore,
	ledger domain.RunLedger,
	stop Stopper,
	lease guardrails.Lease,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	if f == nil {
		panic("mirror.Service requires a non nil Fetcher")
	}
	if sink == nil {
		panic("mirror.Service requires a non nil SinkStore")
	}
	if stop == nil {
		panic("mirror.Service requires a non nil Stopper")
	}
	if lease == nil {
		lease = guardrails.NoLease
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	cfg.Workers = max(cfg.Workers, 1)

	s := &Service{
		Fetch: f, Sink: sink, Ledger: ledger, Stop: stop, Lease: lease,
		Metrics: m, Cfg: cfg,
		writer: &Writer{
			Sink: sink, Metrics: m,
			MaxAttempts: cfg.InsertAttempts, RetryBase: cfg.InsertRetryBase,
		},
		wm:       NewWatermark(sink, cfg.Timeouts, m),
		newRunID: uuid.NewString,
		now:      time.Now,
	}
	s.status = domain.Status{RunStats: domain.RunStats{
		Backend: sink.Name(), Cutoff: cfg.Cutoff.UTC(), State: domain.StateIdle,
	}}
	return s
}

// Plan builds one round: workers tasks at offsets skip, skip+chunk, ..., skip+(workers-1)*chunk
// sharing win, where skip is win.Skip
func Plan(win domain.Window, workers, chunk int) []domain.Task {
	tasks := make([]domain.Task, workers)
	for i := range tasks {
		tasks[i] = domain.Task{Offset: win.Skip + i*chunk, Limit: chunk, Window: win}
	}
	return tasks
}

// Run implements domain.RunnerPort
func (s *Service) Run(ctx context.Context) (domain.RunStats, error) {
	var st domain.RunStats
	err := s.Lease(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.run(ctx)
		return err
	})
	if errors.Is(err, guardrails.ErrLeaseHeld) {
		return st, perr.Wrap(err, perr.ErrorCodeUnavailable, "another run is writing to this sink")
	}
	return st, err
}

func (s *Service) run(ctx context.Context) (domain.RunStats, error) {
	st := domain.RunStats{
		RunID:     s.newRunID(),
		Backend:   s.Sink.Name(),
		Cutoff:    s.Cfg.Cutoff.UTC(),
		StartedAt: s.now().UTC(),
		State:     domain.StateIdle,
	}
	ctx = logger.WithRun(ctx, st.RunID)
	log := logger.C(ctx)
	s.publish(st, 0, nil)
	s.record(ctx, "start", func(c context.Context) error { return s.Ledger.StartRun(c, st) })

	log.Info().
		Str("backend", st.Backend).
		Time("cutoff", st.Cutoff).
		Int("workers", s.Cfg.Workers).
		Int("chunk_size", s.Cfg.ChunkSize).
		Msg("mirror: run starting")

	from, held := s.wm.Refresh(ctx)
	if from != nil {
		log.Info().Time("from", *from).Int("held_at_from", held).Msg("mirror: resuming at watermark")
	}

	var runErr error
	stalled := 0
	for round := 1; ; round++ {
		if s.Stop.Requested() {
			st.Reason = domain.StopShutdown
			break
		}
		if err := ctx.Err(); err != nil {
			st.Reason, runErr = domain.StopCanceled, err
			break
		}

		win := domain.Window{From: from, To: st.Cutoff, Skip: held}
		st.State = domain.StateRoundActive
		s.publish(st, round, &win)

		rr := s.runRound(ctx, round, win)
		st.Rounds++
		st.Observed += rr.Observed
		st.Inserted += rr.Inserted
		st.TaskErrors += rr.Failed
		s.Metrics.Round(rr.Elapsed, rr.Observed, rr.Inserted)
		s.record(ctx, "round", func(c context.Context) error { return s.Ledger.RecordRound(c, st.RunID, rr) })

		ev := log.Info().
			Int("round", round).
			Int("observed", rr.Observed).
			Int("inserted", rr.Inserted).
			Int("failed", rr.Failed).
			Dur("elapsed", rr.Elapsed).
			Int("total_observed", st.Observed).
			Int("total_inserted", st.Inserted)
		if win.Bounded() {
			ev = ev.Time("from", *win.From).Int("skip", win.Skip)
		}
		ev.Msg("mirror: round complete")

		// a round cut short by shutdown observes nothing but is not exhaustion
		if rr.Skipped > 0 || s.Stop.Requested() {
			st.State = domain.StateDraining
			st.Reason = domain.StopShutdown
			s.publish(st, round, &win)
			break
		}
		if rr.Observed == 0 {
			st.Reason = domain.StopExhausted
			break
		}

		prev := from
		from, held = s.wm.Refresh(ctx)
		s.publish(st, round, &win)

		if s.Cfg.MaxStalledRounds > 0 {
			if rr.Inserted == 0 && !advanced(prev, from) {
				stalled++
				log.Warn().Int("stalled_rounds", stalled).Msg("mirror: round made no progress")
			} else {
				stalled = 0
			}
			if stalled >= s.Cfg.MaxStalledRounds {
				st.Reason = domain.StopStalled
				runErr = perr.Newf(perr.ErrorCodeStalled,
					"no progress for %d consecutive rounds", stalled)
				break
			}
		}

		if err := sleepCtx(ctx, s.Cfg.RoundDelay); err != nil {
			st.Reason, runErr = domain.StopCanceled, err
			break
		}
	}

	st.State = domain.StateDone
	st.FinishedAt = s.now().UTC()
	if runErr != nil {
		st.Err = runErr.Error()
	}
	s.publish(st, st.Rounds, nil)
	s.record(ctx, "finish", func(c context.Context) error { return s.Ledger.FinishRun(c, st) })

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("reason", string(st.Reason)).
		Int("rounds", st.Rounds).
		Int("observed", st.Observed).
		Int("inserted", st.Inserted).
		Int("task_errors", st.TaskErrors).
		Dur("elapsed", st.FinishedAt.Sub(st.StartedAt)).
		Msg("mirror: run finished")
	return st, runErr
}

// runRound dispatches one task per worker on a pool constituted for this round.
// Task errors never cancel siblings
func (s *Service) runRound(ctx context.Context, round int, win domain.Window) domain.RoundResult {
	ctx = logger.WithRound(ctx, round)
	start := s.now()

	tasks := Plan(win, s.Cfg.Workers, s.Cfg.ChunkSize)
	results := make([]domain.TaskResult, len(tasks))

	var g errgroup.Group
	g.SetLimit(s.Cfg.Workers)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = s.runTask(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	rr := domain.RoundResult{Round: round, Window: win}
	for _, r := range results {
		rr.Add(r)
		switch {
		case r.Skipped:
			s.Metrics.Task(metrics.OutcomeSkipped)
		case r.Err != nil:
			s.Metrics.Task(metrics.OutcomeFailed)
		default:
			s.Metrics.Task(metrics.OutcomeOK)
		}
	}
	rr.Elapsed = s.now().Sub(start)
	return rr
}

// runTask fetches one page then inserts it. A task not yet started when shutdown
// is requested is skipped
func (s *Service) runTask(ctx context.Context, t domain.Task) domain.TaskResult {
	res := domain.TaskResult{Offset: t.Offset}
	if s.Stop.Requested() {
		res.Skipped = true
		return res
	}
	ctx = logger.WithTask(ctx, t.Offset)

	fctx, cancel := guardrails.ForFetch(ctx, s.Cfg.Timeouts)
	recs, err := s.Fetch.Fetch(fctx, t.Offset, t.Limit, t.Window.From, t.Window.To)
	cancel()
	if err != nil {
		logger.C(ctx).Error().Err(err).Str("code", perr.CodeOf(err).String()).Msg("mirror: fetch failed")
		res.Err = err
		return res
	}
	res.Observed = len(recs)
	if len(recs) == 0 {
		return res
	}

	ictx, cancel := guardrails.ForInsert(ctx, s.Cfg.Timeouts)
	res.Inserted, err = s.writer.Insert(ictx, recs)
	cancel()
	if err != nil {
		logger.C(ctx).Error().Err(err).Msg("mirror: sink connection unavailable")
		res.Err = err
	}
	logger.C(ctx).Debug().
		Int("observed", res.Observed).
		Int("inserted", res.Inserted).
		Msg("mirror: task done")
	return res
}

// Preview reports the first round a run would dispatch now, without fetching
func (s *Service) Preview(ctx context.Context) []domain.Task {
	from, held := s.wm.Refresh(ctx)
	win := domain.Window{From: from, To: s.Cfg.Cutoff.UTC(), Skip: held}
	return Plan(win, s.Cfg.Workers, s.Cfg.ChunkSize)
}

// Status implements domain.RunnerPort
func (s *Service) Status() domain.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.status
	if out.Window != nil {
		w := *out.Window
		w.From = ptime.Clone(w.From)
		out.Window = &w
	}
	out.Watermark = ptime.Clone(out.Watermark)
	return out
}

func (s *Service) publish(st domain.RunStats, round int, win *domain.Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = domain.Status{
		RunStats:  st,
		Round:     round,
		Window:    win,
		Watermark: s.wm.Last(),
		UpdatedAt: s.now().UTC(),
	}
}

// ledgerTimeout bounds each bookkeeping write
const ledgerTimeout = 5 * time.Second

// record runs one ledger write; failures are logged, never fatal.
// It survives ctx cancellation so a shutdown still stamps the run
func (s *Service) record(ctx context.Context, what string, fn func(context.Context) error) {
	if s.Ledger == nil {
		return
	}
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := fn(c); err != nil {
		logger.C(ctx).Warn().Err(err).Str("op", what).Msg("mirror: run ledger write failed")
	}
}

func advanced(prev, next *time.Time) bool {
	if next == nil {
		return false
	}
	return prev == nil || next.After(*prev)
}
