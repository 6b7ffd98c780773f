package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/auth"
	"taskd/internal/job"
)

const testConfig = `
logging: {level: error, console: false}
storage: {driver: memory}
scheduler: {enabled: true, timezone: UTC, max_idle: 200ms}
api: {addr: "127.0.0.1:0"}
auth:
  tokens:
    - {name: ops, role: admin, token: admin-secret}
metrics: {enabled: true, namespace: taskd_test}
`

func startApp(t *testing.T, body string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	a, err := New(path, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.Stop(stopCtx, StopAppStop)
		cancel()
	})
	return a
}

func call(t *testing.T, a *App, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, "http://"+a.Addr()+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServeEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	a := startApp(t, testConfig)

	resp := call(t, a, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = call(t, a, "POST", "/tasks", map[string]any{
		"name": "manual", "script_type": "shell", "parameters": "echo hi",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var def job.Definition
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&def))

	resp = call(t, a, "POST", "/debug/run-task/"+strconv.FormatInt(def.ID, 10), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := a.Registry().Get(context.Background(), auth.System, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, job.OutcomeSuccess, got.LastOutcome)

	resp = call(t, a, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "serving on "+a.Addr()+", scheduler on, 0 triggers", a.StatusLine())
}

func TestHotReloadTogglesScheduler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	a, err := New(path, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	require.True(t, a.sched.Enabled())

	disabled := strings.Replace(testConfig, "enabled: true, timezone: UTC", "enabled: false, timezone: UTC", 1)
	require.NoError(t, os.WriteFile(path, []byte(disabled), 0o600))
	// The watcher may pick the edit up too; either path publishes it once.
	_, err = a.cfgm.Reload()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !a.sched.Enabled() }, 5*time.Second, 20*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: {driver: tape}\n"), 0o600))
	_, err := New(path, Options{})
	assert.Error(t, err)
}

func TestOfflineRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	db := filepath.Join(t.TempDir(), "jobs.db")
	require.NoError(t, os.WriteFile(path, []byte("logging: {level: error}\nstorage: {driver: sqlite, path: "+db+"}\n"), 0o600))

	off, err := OpenOffline(context.Background(), path)
	require.NoError(t, err)
	created, err := off.Registry.Create(context.Background(), auth.System, job.Definition{
		Name: "later", Recurring: true, Schedule: "@daily", ScriptType: job.ScriptShell, Parameters: "true",
	})
	require.NoError(t, err)
	require.NoError(t, off.Close())

	off, err = OpenOffline(context.Background(), path)
	require.NoError(t, err)
	defer off.Close()
	got, err := off.Registry.Get(context.Background(), auth.System, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "@daily", got.Schedule)
}

func TestOfflineExclusiveYieldsToDaemon(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	body := strings.Replace(testConfig, `addr: "127.0.0.1:0"`, `addr: "`+addr+`"`, 1)
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	off, err := OpenOffline(context.Background(), path)
	require.NoError(t, err)
	defer off.Close()
	assert.Equal(t, addr, off.APIAddr())

	ran := false
	require.NoError(t, off.Exclusive(func() error { ran = true; return nil }))
	assert.True(t, ran)

	a := startApp(t, body)
	require.Equal(t, addr, a.Addr())
	ran = false
	err = off.Exclusive(func() error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrDaemonRunning)
	assert.False(t, ran)
}
