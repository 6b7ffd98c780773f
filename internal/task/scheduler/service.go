package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskd/internal/job"
	"taskd/internal/metrics"
	"taskd/internal/storage"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/task/engine"
	"taskd/internal/task/runner"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

type Option func(*Service)

// WithClock replaces time.Now; tests drive Tick with a fake clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(cfg Config, table *trigger.Table, store storage.Store, eng Dispatcher, r *runner.Runner, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		table:       table,
		store:       store,
		engine:      eng,
		runner:      r,
		now:         time.Now,
		lastEnqWarn: map[int64]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change recomputes every trigger from now.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.mu.Unlock()

	if newTZ := strings.TrimSpace(cfg.Timezone); newTZ != oldTZ {
		loc, err := trigger.LoadLocation(newTZ)
		if err != nil {
			s.log.Warn("invalid timezone; keeping previous", logx.String("tz", newTZ), logx.Err(err))
			return
		}
		s.table.SetLocation(loc, s.now())
		s.log.Info("timezone changed", logx.String("tz", loc.String()), logx.Int("triggers", s.table.Len()))
	}
}

// Seed installs every stored recurring definition with reference time now.
// Missed occurrences from before startup are not replayed. Definitions with
// a schedule that no longer parses are logged and skipped.
func (s *Service) Seed(ctx context.Context) (int, error) {
	defs, err := s.store.ListRecurring(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, d := range defs {
		if !d.Recurring {
			continue
		}
		next, err := s.table.Install(d.ID, d.Schedule, now)
		if err != nil {
			s.log.Warn("stored schedule skipped", logx.Int64("job_id", d.ID), logx.String("schedule_cron", d.Schedule), logx.Err(err))
			continue
		}
		s.log.Debug("trigger installed", logx.Int64("job_id", d.ID), logx.Time("next", next))
		n++
	}
	return n, nil
}

// Start seeds the table and runs the loop under its own supervisor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	loc, err := trigger.LoadLocation(cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", cfg.Timezone), logx.Err(err))
		loc = time.Local
	}
	s.table.SetLocation(loc, s.now())

	n, err := s.Seed(ctx)
	if err != nil {
		return err
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()
	sup.GoRestart("scheduler.loop", rtsup.RestartPolicy{PublishError: true}, s.loop)

	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("triggers", n))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) maxIdle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxIdle > 0 {
		return s.cfg.MaxIdle
	}
	return DefaultMaxIdle
}

// loop sleeps until the earliest fire time, a table change or MaxIdle,
// whichever comes first, then evaluates one tick.
func (s *Service) loop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.table.Changed():
		case <-timer.C:
		}
		s.Tick(ctx, s.now())

		wait := s.maxIdle()
		if next, ok := s.table.Earliest(); ok {
			if d := next.Sub(s.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// Tick dispatches every entry due at now and advances it past the consumed
// fire time, whatever the dispatch result. It returns how many tasks were
// accepted by the engine.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	accepted := 0
	for _, due := range s.table.NextDue(now) {
		if s.dispatch(ctx, due) {
			accepted++
		}
		s.table.Advance(due.JobID, due.At, now)
	}
	return accepted
}

func (s *Service) dispatch(ctx context.Context, due trigger.Due) bool {
	def, err := s.store.Get(ctx, due.JobID)
	if errors.Is(err, job.ErrNotFound) {
		s.table.Remove(due.JobID)
		s.log.Debug("trigger removed: job gone", logx.Int64("job_id", due.JobID))
		return false
	}
	if err != nil {
		s.log.Warn("trigger fetch failed", logx.Int64("job_id", due.JobID), logx.Err(err))
		return false
	}
	if !def.Recurring {
		s.table.Remove(due.JobID)
		return false
	}

	err = s.engine.Enqueue(s.runner.Task(def, job.TriggerSchedule))
	s.metrics.RecordDispatch(dispatchResult(err))
	if err != nil {
		s.reportEnqueueError(due.JobID, err)
		return false
	}
	s.log.Debug("job dispatched", logx.Int64("job_id", def.ID), logx.Time("fire_time", due.At))
	return true
}

func dispatchResult(err error) string {
	switch {
	case err == nil:
		return "enqueued"
	case errors.Is(err, engine.ErrOverlapSkip):
		return "overlap"
	case errors.Is(err, engine.ErrQueueFull):
		return "queue_full"
	default:
		return "stopped"
	}
}
