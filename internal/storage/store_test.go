package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/job"
	logx "taskd/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]Store{"sqlite": sq, "memory": mem}
}

func sampleJob(name string, recurring bool) job.Definition {
	d := job.Definition{
		Name:       name,
		Recurring:  recurring,
		ScriptType: job.ScriptShell,
		ScriptPath: "/usr/bin/true",
	}
	if recurring {
		d.Schedule = "*/5 * * * * *"
	}
	return d
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			a, err := st.Create(ctx, sampleJob("a", true))
			require.NoError(t, err)
			assert.NotZero(t, a.ID)
			assert.Equal(t, job.OutcomeUnknown, a.LastOutcome)
			assert.Zero(t, a.RunCount)

			b, err := st.Create(ctx, sampleJob("b", false))
			require.NoError(t, err)
			assert.Greater(t, b.ID, a.ID)

			got, err := st.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, "a", got.Name)
			assert.Equal(t, "*/5 * * * * *", got.Schedule)
			assert.True(t, got.Recurring)

			all, err := st.List(ctx, 0, 0)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, a.ID, all[0].ID)

			page, err := st.List(ctx, 1, 1)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, b.ID, page[0].ID)

			rec, err := st.ListRecurring(ctx)
			require.NoError(t, err)
			require.Len(t, rec, 1)
			assert.Equal(t, a.ID, rec[0].ID)

			upd := got
			upd.Name = "a2"
			upd.Recurring = false
			upd.RunCount = 99
			out, err := st.Update(ctx, upd)
			require.NoError(t, err)
			assert.Equal(t, "a2", out.Name)
			assert.False(t, out.Recurring)
			assert.Zero(t, out.RunCount, "update must not touch run statistics")

			removed, err := st.Delete(ctx, a.ID)
			require.NoError(t, err)
			assert.True(t, removed)
			removed, err = st.Delete(ctx, a.ID)
			require.NoError(t, err)
			assert.False(t, removed)

			_, err = st.Get(ctx, a.ID)
			assert.ErrorIs(t, err, job.ErrNotFound)
			_, err = st.Update(ctx, upd)
			assert.ErrorIs(t, err, job.ErrNotFound)
		})
	}
}

func TestStoreExplicitIDConflict(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			d := sampleJob("x", false)
			d.ID = 42
			got, err := st.Create(ctx, d)
			require.NoError(t, err)
			assert.Equal(t, int64(42), got.ID)

			_, err = st.Create(ctx, d)
			assert.ErrorIs(t, err, job.ErrConflict)

			next, err := st.Create(ctx, sampleJob("y", false))
			require.NoError(t, err)
			assert.Greater(t, next.ID, int64(42))
		})
	}
}

func TestStoreReconcile(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			d, err := st.Create(ctx, sampleJob("r", true))
			require.NoError(t, err)

			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			out, err := st.Reconcile(ctx, d.ID, job.OutcomeSuccess, at)
			require.NoError(t, err)
			assert.Equal(t, int64(1), out.RunCount)
			assert.Equal(t, job.OutcomeSuccess, out.LastOutcome)
			assert.True(t, out.LastRunAt.Equal(at))

			out, err = st.Reconcile(ctx, d.ID, job.OutcomeFailure, at.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, int64(2), out.RunCount)
			assert.Equal(t, job.OutcomeFailure, out.LastOutcome)

			got, err := st.Get(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.RunCount)

			_, err = st.Reconcile(ctx, 9999, job.OutcomeSuccess, at)
			assert.ErrorIs(t, err, job.ErrNotFound)
		})
	}
}

func TestStoreReconcileConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			d, err := st.Create(ctx, sampleJob("c", true))
			require.NoError(t, err)

			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := st.Reconcile(ctx, d.ID, job.OutcomeSuccess, time.Now())
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := st.Get(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(n), got.RunCount)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestMemoryClosed(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Ping(context.Background()), ErrClosed)
	_, err := st.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}
