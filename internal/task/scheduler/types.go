package scheduler

import (
	"sync"
	"time"

	"taskd/internal/metrics"
	"taskd/internal/storage"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/task/engine"
	"taskd/internal/task/runner"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

const DefaultMaxIdle = time.Minute

// Config controls the coordinator loop.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	// MaxIdle bounds how long the loop sleeps without re-checking the table.
	MaxIdle time.Duration
}

// Dispatcher accepts tasks without blocking. *engine.Service implements it.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	table   *trigger.Table
	store   storage.Store
	engine  Dispatcher
	runner  *runner.Runner
	metrics *metrics.Metrics
	now     func() time.Time

	sup *rtsup.Supervisor

	// Enqueue error throttling, keyed by job id.
	enqMu       sync.Mutex
	lastEnqWarn map[int64]time.Time
}

type Snapshot struct {
	Enabled  bool            `json:"enabled"`
	Running  bool            `json:"running"`
	Timezone string          `json:"timezone"`
	Triggers []trigger.Entry `json:"triggers"`
	Engine   engine.Snapshot `json:"engine"`
}
