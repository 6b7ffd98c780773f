package runner

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/eventbus"
	"taskd/internal/job"
	"taskd/internal/storage"
	"taskd/internal/task/executor"
	logx "taskd/pkg/logx"
)

type fixture struct {
	store storage.Store
	exec  *executor.Executor
	bus   eventbus.Bus
	r     *Runner
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	st := storage.NewMemory()
	ex := executor.New(executor.Config{}, logx.Nop())
	bus := eventbus.New()
	return fixture{store: st, exec: ex, bus: bus, r: New(st, ex, bus, nil, logx.Nop())}
}

func TestExecuteReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(8, "invocation.")
	defer unsub()

	def, err := f.store.Create(ctx, job.Definition{Name: "hi", ScriptType: job.ScriptShell, Parameters: "echo hi"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		inv, updated, err := f.r.Execute(ctx, def, job.TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, job.OutcomeSuccess, inv.Outcome)
		assert.NotEmpty(t, inv.ID)
		assert.Equal(t, int64(i), updated.RunCount)
	}

	got, err := f.store.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.RunCount)
	assert.Equal(t, job.OutcomeSuccess, got.LastOutcome)
	assert.False(t, got.LastRunAt.IsZero())

	first := <-events
	assert.Equal(t, eventbus.InvocationStarted, first.Topic)
	second := <-events
	assert.Equal(t, eventbus.InvocationFinished, second.Topic)
	assert.Equal(t, int64(1), second.Data.(InvocationEvent).RunCount)
}

func TestExecuteFailureStillCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.store.Create(ctx, job.Definition{Name: "bad", ScriptType: job.ScriptShell, Parameters: "exit 1"})
	require.NoError(t, err)

	inv, updated, err := f.r.Execute(ctx, def, job.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFailure, inv.Outcome)
	assert.Equal(t, int64(1), updated.RunCount)
	assert.Equal(t, job.OutcomeFailure, updated.LastOutcome)
}

func TestUnsupportedTypeChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.store.Create(ctx, job.Definition{Name: "rb", ScriptType: "shell", ScriptPath: "/bin/true"})
	require.NoError(t, err)
	def.ScriptType = "ruby"

	inv, _, err := f.r.Execute(ctx, def, job.TriggerManual)
	assert.Nil(t, inv)
	assert.True(t, job.IsValidation(err))
	assert.Zero(t, f.exec.Launches())

	got, err := f.store.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RunCount)
}

func TestDeletedWhileRunningIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(8, eventbus.InvocationDiscarded)
	defer unsub()

	def, err := f.store.Create(ctx, job.Definition{Name: "slow", ScriptType: job.ScriptShell, Parameters: "sleep 0.2"})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = f.store.Delete(ctx, def.ID)
	}()

	inv, _, err := f.r.Execute(ctx, def, job.TriggerSchedule)
	assert.ErrorIs(t, err, job.ErrReconciliationSkip)
	require.NotNil(t, inv)

	_, err = f.store.Get(ctx, def.ID)
	assert.ErrorIs(t, err, job.ErrNotFound, "late reconciliation must not recreate the record")
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no discard event")
	}
}

func TestTaskMapsOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, _ := f.store.Create(ctx, job.Definition{Name: "ok", ScriptType: job.ScriptShell, Parameters: "true"})
	bad, _ := f.store.Create(ctx, job.Definition{Name: "bad", ScriptType: job.ScriptShell, Parameters: "false"})

	assert.NoError(t, f.r.Task(ok, job.TriggerSchedule).Run(ctx))
	assert.Error(t, f.r.Task(bad, job.TriggerSchedule).Run(ctx))

	_, _ = f.store.Delete(ctx, ok.ID)
	assert.NoError(t, f.r.Task(ok, job.TriggerSchedule).Run(ctx), "discarded outcome is not a task failure")
}
