package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func TestEnqueueRuns(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 2})
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	assert.Eventually(t, func() bool { return !s.Gate().Busy(1) }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestOverlapSkipped(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 4})
	events, unsub := bus.Subscribe(8, eventbus.InvocationSkipped)
	defer unsub()

	block := make(chan struct{})
	var runs atomic.Int32
	run := func(context.Context) error {
		runs.Add(1)
		<-block
		return nil
	}
	require.NoError(t, s.Enqueue(Task{JobID: 7, Run: run}))
	err := s.Enqueue(Task{JobID: 7, Run: run})
	assert.ErrorIs(t, err, ErrOverlapSkip)

	// A different job is unaffected.
	require.NoError(t, s.Enqueue(Task{JobID: 8, Run: func(context.Context) error { return nil }}))

	close(block)
	assert.Eventually(t, func() bool { return !s.Gate().Busy(7) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)
	select {
	case e := <-events:
		assert.Equal(t, int64(7), e.Data.(TaskEvent).JobID)
	default:
		t.Fatal("no skip event")
	}
}

func TestAtMostOneInFlightUnderLoad(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 8, QueueSize: 64})
	var cur, peak atomic.Int32
	run := func(context.Context) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Enqueue(Task{JobID: 1, Run: run})
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return !s.Gate().Busy(1) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
}

func TestQueueFullDrops(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{JobID: 2, Run: func(context.Context) error { return nil }}))
	err := s.Enqueue(Task{JobID: 3, Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, s.Gate().Busy(3), "gate must be released on drop")
	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
}

func TestPanicBecomesFailure(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1})
	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: func(context.Context) error { panic("bad") }}))
	assert.Eventually(t, func() bool {
		h := s.Snapshot().History
		return len(h) == 1 && h[0].Error == "panic: bad"
	}, 2*time.Second, 5*time.Millisecond)

	// The worker survives the panic.
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{JobID: 1, Run: func(context.Context) error { close(done); return nil }}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{JobID: 1, Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	err = s.Enqueue(Task{JobID: 1, Run: func(context.Context) error { return nil }})
	assert.True(t, errors.Is(err, ErrStopped) || errors.Is(err, ErrStopping))
}

func TestGate(t *testing.T) {
	g := NewGate()
	rel, ok := g.TryAcquire(5)
	require.True(t, ok)
	_, ok = g.TryAcquire(5)
	assert.False(t, ok)
	rel()
	rel()
	_, ok = g.TryAcquire(5)
	assert.True(t, ok)
}
