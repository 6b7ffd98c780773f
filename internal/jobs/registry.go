// Package jobs is the authorized front door for job definitions: CRUD,
// trigger bookkeeping and manual dispatch.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskd/internal/auth"
	"taskd/internal/eventbus"
	"taskd/internal/job"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/runner"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// lockStripes bounds the per-id mutexes that pair a store write with the
// trigger change it implies.
const lockStripes = 64

type Registry struct {
	locks  [lockStripes]sync.Mutex
	store  storage.Store
	table  *trigger.Table
	runner *runner.Runner
	gate   *engine.Gate
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

func New(store storage.Store, table *trigger.Table, r *runner.Runner, gate *engine.Gate, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gate == nil {
		gate = engine.NewGate()
	}
	return &Registry{store: store, table: table, runner: r, gate: gate, bus: bus, log: log, now: time.Now}
}

// lock serializes mutations of job id so the trigger table follows the
// store in commit order.
func (r *Registry) lock(id int64) func() {
	mu := &r.locks[uint64(id)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Validate normalizes def and checks registration invariants.
func Validate(def job.Definition) (job.Definition, error) {
	def = def.Normalize()
	return def, def.Validate()
}

func (r *Registry) Create(ctx context.Context, caller *auth.Caller, def job.Definition) (job.Definition, error) {
	if err := auth.Authorize(caller, auth.JobWrite); err != nil {
		return job.Definition{}, err
	}
	def, err := Validate(def)
	if err != nil {
		return job.Definition{}, err
	}
	created, err := r.store.Create(ctx, def)
	if err != nil {
		return job.Definition{}, err
	}
	if err := r.sync(created); err != nil {
		// Stored but not installed.
		return created, err
	}
	r.log.Info("job created", logx.Int64("job_id", created.ID), logx.String("name", created.Name), logx.String("by", caller.Name))
	r.publish(eventbus.JobChanged, created)
	return created, nil
}

// Update replaces the mutable fields of job id. Run statistics are kept.
func (r *Registry) Update(ctx context.Context, caller *auth.Caller, id int64, def job.Definition) (job.Definition, error) {
	if err := auth.Authorize(caller, auth.JobWrite); err != nil {
		return job.Definition{}, err
	}
	def.ID = id
	def, err := Validate(def)
	if err != nil {
		return job.Definition{}, err
	}
	defer r.lock(id)()
	updated, err := r.store.Update(ctx, def)
	if err != nil {
		return job.Definition{}, err
	}
	if err := r.sync(updated); err != nil {
		return updated, err
	}
	r.log.Info("job updated", logx.Int64("job_id", id), logx.Bool("recurring", updated.Recurring), logx.String("by", caller.Name))
	r.publish(eventbus.JobChanged, updated)
	return updated, nil
}

// sync makes the trigger table agree with def.
func (r *Registry) sync(def job.Definition) error {
	if r.table == nil {
		return nil
	}
	if !def.Recurring {
		r.table.Remove(def.ID)
		return nil
	}
	next, err := r.table.Install(def.ID, def.Schedule, r.now())
	if err != nil {
		r.table.Remove(def.ID)
		return err
	}
	r.log.Debug("trigger installed", logx.Int64("job_id", def.ID), logx.Time("next", next))
	return nil
}

// Delete removes job id and its trigger. A missing id is not an error.
// An invocation already running finishes but its outcome is discarded.
func (r *Registry) Delete(ctx context.Context, caller *auth.Caller, id int64) error {
	if err := auth.Authorize(caller, auth.JobWrite); err != nil {
		return err
	}
	defer r.lock(id)()
	if r.table != nil {
		r.table.Remove(id)
	}
	removed, err := r.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if removed {
		r.log.Info("job deleted", logx.Int64("job_id", id), logx.String("by", caller.Name))
		r.publish(eventbus.JobDeleted, job.Definition{ID: id})
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, caller *auth.Caller, id int64) (job.Definition, error) {
	if err := auth.Authorize(caller, auth.JobRead); err != nil {
		return job.Definition{}, err
	}
	return r.store.Get(ctx, id)
}

// List pages through definitions by id. limit <= 0 means DefaultListLimit;
// it is capped at MaxListLimit.
func (r *Registry) List(ctx context.Context, caller *auth.Caller, offset, limit int) ([]job.Definition, error) {
	if err := auth.Authorize(caller, auth.JobRead); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, &job.FieldError{Field: "skip", Reason: "must be >= 0"}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return r.store.List(ctx, offset, limit)
}

// Triggers lists installed triggers ordered by next fire time.
func (r *Registry) Triggers(_ context.Context, caller *auth.Caller) ([]trigger.Entry, error) {
	if err := auth.Authorize(caller, auth.JobAdmin); err != nil {
		return nil, err
	}
	if r.table == nil {
		return nil, nil
	}
	return r.table.Snapshot(), nil
}

// RunNow executes job id immediately on the caller's goroutine with its
// stored parameters. It shares the in-flight gate with scheduled runs and
// fails with job.ErrBusy while one is queued or running. The trigger table
// is not touched.
func (r *Registry) RunNow(ctx context.Context, caller *auth.Caller, id int64) (*job.Invocation, job.Definition, error) {
	if err := auth.Authorize(caller, auth.JobAdmin); err != nil {
		return nil, job.Definition{}, err
	}
	def, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, job.Definition{}, err
	}
	release, ok := r.gate.TryAcquire(id)
	if !ok {
		return nil, def, fmt.Errorf("job %d: %w", id, job.ErrBusy)
	}
	defer release()

	r.log.Info("manual run", logx.Int64("job_id", id), logx.String("by", caller.Name))
	return r.runner.Execute(context.WithoutCancel(ctx), def, job.TriggerManual)
}

func (r *Registry) publish(topic string, def job.Definition) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Topic: topic, Data: def})
}
