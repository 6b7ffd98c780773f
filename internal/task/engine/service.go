package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/eventbus"
	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	release    func()
}

// Service is a fixed pool of workers fed by a bounded queue. It enforces at
// most one queued-or-running task per job id.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	gate *Gate

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	inFlight atomic.Int32
	idSeq    atomic.Uint64

	skipped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStopped   atomic.Uint64
	lastQueueFullAt  atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		gate: NewGate(),
	}
}

// Gate exposes the in-flight gate so manual dispatch shares it.
func (s *Service) Gate() *Gate { return s.gate }

// Start launches the workers. Running tasks are detached from ctx
// cancellation; Stop is the only way to end the pool.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))))
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), rtsup.RestartPolicy{PublishError: true}, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			return nil
		})
	}
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting work, drops queued tasks and waits for running ones
// until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	queue, sup := s.q, s.sup
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		s.drain(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.sup = nil
		s.stopping = false
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			qt.release()
			s.droppedStopped.Add(1)
			s.publish(eventbus.InvocationDropped, qt.task, "stopped")
		default:
			return
		}
	}
}

// Supervisor returns the worker supervisor while running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Enqueue queues t without blocking. It fails with ErrOverlapSkip when the
// job is already in flight and with ErrQueueFull when the queue has no room;
// in both cases the occurrence is dropped.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	q, stopCh, stopping := s.q, s.stopCh, s.stopping
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	release, ok := s.gate.TryAcquire(t.JobID)
	if !ok {
		s.skipped.Add(1)
		s.publish(eventbus.InvocationSkipped, t, "overlap")
		s.log.Debug("task skipped: job in flight", logx.Int64("job_id", t.JobID), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	select {
	case q <- queuedTask{task: t, enqueuedAt: now, release: release}:
		return nil
	default:
		release()
		s.onQueueFull(now, t, q)
		return ErrQueueFull
	}
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	s.droppedQueueFull.Add(1)
	s.publish(eventbus.InvocationDropped, t, "queue_full")

	prev := s.lastQueueFullAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if !s.lastQueueFullAt.CompareAndSwap(prev, now.UnixNano()) {
		return
	}
	s.log.Warn("task dropped: queue full",
		logx.Int64("job_id", t.JobID),
		logx.String("id", t.ID),
		logx.Int("queue_len", len(q)),
		logx.Int("queue_cap", cap(q)),
		logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
	)
}

func (s *Service) publish(topic string, t Task, reason string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Topic: topic, Time: now, Data: TaskEvent{
		ID: t.ID, JobID: t.JobID, Name: t.Name, Trigger: t.Trigger, At: now, Reason: reason,
	}})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, running := s.cfg, s.q, s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Skipped:          s.skipped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStopped:   s.droppedStopped.Load(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	snap.Busy = s.gate.Held()
	sort.Slice(snap.Busy, func(i, j int) bool { return snap.Busy[i] < snap.Busy[j] })

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
