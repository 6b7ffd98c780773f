package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one queued execution of a job.
type Task struct {
	ID      string
	JobID   int64
	Name    string
	Trigger string
	Run     func(ctx context.Context) error
}

// Gate tracks which job ids have an invocation queued or running. A job
// holds the gate from enqueue until its run has been reconciled.
type Gate struct {
	mu   sync.Mutex
	busy map[int64]struct{}
}

func NewGate() *Gate { return &Gate{busy: map[int64]struct{}{}} }

// TryAcquire marks jobID busy. The returned release is idempotent.
func (g *Gate) TryAcquire(jobID int64) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.busy[jobID]; held {
		return nil, false
	}
	g.busy[jobID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.busy, jobID)
			g.mu.Unlock()
		})
	}, true
}

func (g *Gate) Busy(jobID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.busy[jobID]
	return held
}

// Held returns the busy job ids in no particular order.
func (g *Gate) Held() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, 0, len(g.busy))
	for id := range g.busy {
		out = append(out, id)
	}
	return out
}

type HistoryItem struct {
	ID         string        `json:"id"`
	JobID      int64         `json:"job_id"`
	Name       string        `json:"name"`
	Trigger    string        `json:"trigger"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the bus for skip and drop decisions.
type TaskEvent struct {
	ID      string    `json:"id"`
	JobID   int64     `json:"job_id"`
	Name    string    `json:"name"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
}

type Snapshot struct {
	Running          bool          `json:"running"`
	Workers          int           `json:"workers"`
	QueueLen         int           `json:"queue_len"`
	QueueCap         int           `json:"queue_cap"`
	InFlight         int           `json:"in_flight"`
	Busy             []int64       `json:"busy"`
	Skipped          uint64        `json:"skipped"`
	DroppedQueueFull uint64        `json:"dropped_queue_full"`
	DroppedStopped   uint64        `json:"dropped_stopped"`
	History          []HistoryItem `json:"history"`
}
