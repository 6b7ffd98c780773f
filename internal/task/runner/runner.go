// Package runner performs one invocation end to end: launch, reconcile the
// outcome into the stored definition, and report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskd/internal/eventbus"
	"taskd/internal/job"
	"taskd/internal/metrics"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/executor"
	logx "taskd/pkg/logx"
)

const reconcileTimeout = 30 * time.Second

// InvocationEvent is the payload of invocation.* bus events.
type InvocationEvent struct {
	JobName    string          `json:"job_name"`
	Invocation *job.Invocation `json:"invocation"`
	RunCount   int64           `json:"run_count,omitempty"`
}

type Runner struct {
	store   storage.Store
	exec    *executor.Executor
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
}

func New(store storage.Store, exec *executor.Executor, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{store: store, exec: exec, bus: bus, metrics: m, log: log}
}

// Execute runs def once and reconciles the outcome. A rejected definition
// returns a job.ValidationError without launching anything. If the job was
// deleted while running, the outcome is discarded and the error wraps
// job.ErrReconciliationSkip. A failed process is not an error: it is
// reported on the returned invocation.
func (r *Runner) Execute(ctx context.Context, def job.Definition, trigger string) (*job.Invocation, job.Definition, error) {
	spec := executor.SpecFor(def, trigger)
	spec.InvocationID = uuid.NewString()
	if _, err := r.exec.Command(spec); err != nil {
		return nil, def, err
	}

	log := r.log.With(logx.Int64("job_id", def.ID), logx.String("invocation", spec.InvocationID), logx.String("trigger", trigger))
	r.publish(eventbus.InvocationStarted, def.Name, &job.Invocation{
		ID: spec.InvocationID, JobID: def.ID, ScriptType: def.ScriptType, Trigger: trigger, Started: time.Now(),
	}, 0)

	inv, err := r.exec.Run(ctx, spec)
	if err != nil {
		return nil, def, err
	}
	r.metrics.RecordInvocation(trigger, string(def.ScriptType), string(inv.Outcome), inv.Duration())

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()
	updated, err := r.store.Reconcile(rctx, def.ID, inv.Outcome, inv.Ended)
	switch {
	case errors.Is(err, job.ErrNotFound):
		r.metrics.RecordReconcileSkip()
		r.publish(eventbus.InvocationDiscarded, def.Name, inv, 0)
		log.Info("outcome discarded: job deleted while running", logx.String("outcome", string(inv.Outcome)))
		return inv, def, fmt.Errorf("job %d: %w", def.ID, job.ErrReconciliationSkip)
	case err != nil:
		log.Error("reconcile failed", logx.Err(err))
		return inv, def, fmt.Errorf("reconcile job %d: %w", def.ID, err)
	}

	r.publish(eventbus.InvocationFinished, updated.Name, inv, updated.RunCount)
	fields := []logx.Field{
		logx.String("outcome", string(inv.Outcome)),
		logx.Int("exit_code", inv.ExitCode),
		logx.Duration("took", inv.Duration()),
		logx.Int64("run_count", updated.RunCount),
	}
	if inv.Succeeded() {
		log.Info("invocation finished", fields...)
	} else {
		log.Warn("invocation failed", append(fields, logx.String("err", inv.Err))...)
	}
	return inv, updated, nil
}

// Task wraps a scheduled execution of def for the engine.
func (r *Runner) Task(def job.Definition, trigger string) engine.Task {
	return engine.Task{
		JobID:   def.ID,
		Name:    def.Name,
		Trigger: trigger,
		Run: func(ctx context.Context) error {
			inv, _, err := r.Execute(ctx, def, trigger)
			if errors.Is(err, job.ErrReconciliationSkip) {
				return nil
			}
			if err != nil {
				return err
			}
			if !inv.Succeeded() {
				return fmt.Errorf("exit %d: %s", inv.ExitCode, inv.Err)
			}
			return nil
		},
	}
}

func (r *Runner) publish(topic, name string, inv *job.Invocation, runCount int64) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Topic: topic, Data: InvocationEvent{JobName: name, Invocation: inv, RunCount: runCount}})
}
