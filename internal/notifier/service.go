package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	"taskd/internal/job"
	"taskd/internal/task/runner"
	logx "taskd/pkg/logx"
)

const (
	sendTimeout = 10 * time.Second
	historySize = 100
	maxErrText  = 200
)

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	queue   chan string

	bus eventbus.Bus
	log logx.Logger

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, dropped atomic.Uint64
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{bus: bus, log: log}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply swaps config and sender. On error the previous state is kept.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	var sender Sender
	if cfg.Enabled {
		var err error
		if sender, err = NewSender(cfg, s.log); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.sender = sender
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	s.mu.Unlock()
	return nil
}

// SetSender replaces the sender built from config.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Run consumes bus events and delivers messages until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return fmt.Errorf("notifier: already running")
	}
	size := s.cfg.QueueSize
	q := make(chan string, size)
	s.queue = q
	s.mu.Unlock()

	var events <-chan eventbus.Event
	if s.bus != nil {
		ch, unsubscribe := s.bus.Subscribe(size, eventbus.InvocationFinished)
		defer unsubscribe()
		events = ch
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.deliverLoop(ctx, q)
	}()

	defer func() {
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handle(e)
		}
	}
}

func (s *Service) handle(e eventbus.Event) {
	ev, ok := e.Data.(runner.InvocationEvent)
	if !ok || ev.Invocation == nil {
		return
	}
	s.mu.Lock()
	wantSuccess := s.cfg.NotifySuccess
	s.mu.Unlock()
	if ev.Invocation.Outcome == job.OutcomeSuccess && !wantSuccess {
		return
	}
	if err := s.Notify(Format(ev)); err != nil && err != ErrDisabled {
		s.log.Debug("notification not queued", logx.Int64("job_id", ev.Invocation.JobID), logx.Err(err))
	}
}

// Notify queues text without blocking.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	enabled, q := s.cfg.Enabled, s.queue
	s.mu.Unlock()
	if !enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	select {
	case q <- text:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) deliverLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-q:
			s.deliver(ctx, text)
		}
	}
}

func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	sender, lim := s.sender, s.limiter
	s.mu.Unlock()
	if sender == nil || text == "" {
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := sender.Send(cctx, text)
	cancel()

	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		s.log.Warn("notification failed", logx.Err(err))
	} else {
		s.sent.Add(1)
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load()}
}

// Format renders one finished invocation as a single line.
func Format(ev runner.InvocationEvent) string {
	inv := ev.Invocation
	name := ev.JobName
	if name == "" {
		name = fmt.Sprintf("#%d", inv.JobID)
	}
	var b strings.Builder
	if inv.Outcome == job.OutcomeSuccess {
		fmt.Fprintf(&b, "OK job %q (id %d)", name, inv.JobID)
	} else {
		fmt.Fprintf(&b, "FAILED job %q (id %d) exit %d", name, inv.JobID, inv.ExitCode)
	}
	fmt.Fprintf(&b, " in %s via %s", inv.Duration().Round(time.Millisecond), inv.Trigger)
	if ev.RunCount > 0 {
		fmt.Fprintf(&b, ", run %d", ev.RunCount)
	}
	if inv.Err != "" {
		msg := inv.Err
		if len(msg) > maxErrText {
			msg = msg[:maxErrText] + "..."
		}
		fmt.Fprintf(&b, ": %s", msg)
	}
	return b.String()
}
