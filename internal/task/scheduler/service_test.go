package scheduler

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/job"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/executor"
	"taskd/internal/task/runner"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// recordingDispatcher accepts every task and remembers the job ids.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []int64
	err  error
}

func (d *recordingDispatcher) Enqueue(t engine.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, t.JobID)
	return nil
}

func (d *recordingDispatcher) dispatched() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.jobs...)
}

var t0 = time.Date(2026, 5, 1, 8, 0, 30, 0, time.UTC)

func newScheduler(t *testing.T, d Dispatcher) (*Service, storage.Store, *trigger.Table, *fakeClock) {
	t.Helper()
	st := storage.NewMemory()
	tb := trigger.New(time.UTC)
	clk := &fakeClock{t: t0}
	r := runner.New(st, executor.New(executor.Config{}, logx.Nop()), nil, nil, logx.Nop())
	s := New(Config{Enabled: true, Timezone: "UTC"}, tb, st, d, r, logx.Nop(), WithClock(clk.Now))
	return s, st, tb, clk
}

func TestSeedInstallsRecurringOnly(t *testing.T) {
	t.Parallel()
	s, st, tb, _ := newScheduler(t, &recordingDispatcher{})
	ctx := context.Background()
	_, _ = st.Create(ctx, job.Definition{Name: "a", Recurring: true, Schedule: "* * * * *", ScriptType: job.ScriptShell, Parameters: "true"})
	_, _ = st.Create(ctx, job.Definition{Name: "b", ScriptType: job.ScriptShell, Parameters: "true"})
	_, _ = st.Create(ctx, job.Definition{Name: "c", Recurring: true, Schedule: "bogus", ScriptType: job.ScriptShell, Parameters: "true"})

	n, err := s.Seed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || tb.Len() != 1 {
		t.Fatalf("seeded %d, table has %d; want 1", n, tb.Len())
	}
	e := tb.Snapshot()[0]
	if !e.Next.After(t0) {
		t.Fatalf("seeded entry fires at %v, not after startup %v", e.Next, t0)
	}
}

func TestTickDispatchesOncePerFireTime(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s, st, tb, _ := newScheduler(t, d)
	ctx := context.Background()
	def, _ := st.Create(ctx, job.Definition{Name: "a", Recurring: true, Schedule: "* * * * *", ScriptType: job.ScriptShell, Parameters: "true"})
	next, _ := tb.Install(def.ID, def.Schedule, t0)

	if n := s.Tick(ctx, next.Add(-time.Second)); n != 0 {
		t.Fatalf("dispatched %d before fire time", n)
	}
	if n := s.Tick(ctx, next); n != 1 {
		t.Fatalf("dispatched %d at fire time, want 1", n)
	}
	if n := s.Tick(ctx, next.Add(time.Second)); n != 0 {
		t.Fatalf("dispatched %d after advance, want 0", n)
	}
	if n := s.Tick(ctx, next.Add(time.Minute)); n != 1 {
		t.Fatalf("dispatched %d at following fire time, want 1", n)
	}
	if got := d.dispatched(); len(got) != 2 {
		t.Fatalf("dispatched = %v", got)
	}
}

func TestTickAdvancesEvenWhenDispatchFails(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{err: engine.ErrOverlapSkip}
	s, st, tb, _ := newScheduler(t, d)
	ctx := context.Background()
	def, _ := st.Create(ctx, job.Definition{Name: "a", Recurring: true, Schedule: "* * * * *", ScriptType: job.ScriptShell, Parameters: "true"})
	next, _ := tb.Install(def.ID, def.Schedule, t0)

	s.Tick(ctx, next)
	e, ok := tb.Lookup(def.ID)
	if !ok || !e.Next.After(next) {
		t.Fatalf("entry not advanced after failed dispatch: %+v", e)
	}
}

func TestTickDropsEntriesForDeletedJobs(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s, _, tb, _ := newScheduler(t, d)
	next, _ := tb.Install(99, "* * * * *", t0)

	if n := s.Tick(context.Background(), next); n != 0 {
		t.Fatalf("dispatched %d for missing job", n)
	}
	if tb.Len() != 0 {
		t.Fatal("entry for deleted job kept")
	}
}

func TestOneFailingJobDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	s, st, tb, _ := newScheduler(t, d)
	ctx := context.Background()
	a, _ := st.Create(ctx, job.Definition{Name: "a", Recurring: true, Schedule: "* * * * *", ScriptType: job.ScriptShell, Parameters: "true"})
	b, _ := st.Create(ctx, job.Definition{Name: "b", Recurring: true, Schedule: "* * * * *", ScriptType: job.ScriptShell, Parameters: "true"})
	next, _ := tb.Install(a.ID, a.Schedule, t0)
	_, _ = tb.Install(b.ID, b.Schedule, t0)
	_, _ = tb.Install(1000, "* * * * *", t0) // no stored definition

	if n := s.Tick(ctx, next); n != 2 {
		t.Fatalf("dispatched %d, want 2", n)
	}
}

func TestApplyTimezone(t *testing.T) {
	t.Parallel()
	s, _, tb, _ := newScheduler(t, &recordingDispatcher{})
	if _, err := trigger.LoadLocation("Asia/Tokyo"); err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	_, _ = tb.Install(1, "0 9 * * *", t0)
	s.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	if got := tb.Location().String(); got != "Asia/Tokyo" {
		t.Fatalf("location = %s", got)
	}
	e, _ := tb.Lookup(1)
	if e.Next.In(tb.Location()).Hour() != 9 {
		t.Fatalf("next = %v", e.Next.In(tb.Location()))
	}
}

// Full path: real engine, runner and shell process.
func TestLoopRunsDueJob(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	st := storage.NewMemory()
	tb := trigger.New(time.UTC)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.InvocationFinished)
	defer unsub()

	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), bus)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	r := runner.New(st, executor.New(executor.Config{}, logx.Nop()), bus, nil, logx.Nop())
	s := New(Config{Enabled: true, Timezone: "UTC", MaxIdle: 50 * time.Millisecond}, tb, st, eng, r, logx.Nop())

	ctx := context.Background()
	def, _ := st.Create(ctx, job.Definition{Name: "tick", Recurring: true, Schedule: "* * * * * *", ScriptType: job.ScriptShell, Parameters: "echo hi"})
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no invocation within 5s")
	}
	got, _ := st.Get(ctx, def.ID)
	if got.RunCount < 1 || got.LastOutcome != job.OutcomeSuccess {
		t.Fatalf("after run: count=%d outcome=%s", got.RunCount, got.LastOutcome)
	}
	if snap := s.Snapshot(); !snap.Running || len(snap.Triggers) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
