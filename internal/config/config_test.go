package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging: {level: debug, console: false}
storage: {driver: memory}
scheduler: {enabled: true, timezone: UTC, max_idle: 30s}
engine: {workers: 2}
executor:
  default_timeout: 1m
  env: [FOO=bar]
  launchers: {python: /usr/bin/python3}
api: {addr: "127.0.0.1:0"}
auth:
  tokens:
    - {name: ops, role: admin, token: "${TASKD_TEST_TOKEN}"}
notifier: {enabled: true, driver: log}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	t.Setenv("TASKD_TEST_TOKEN", "secret-token-1")
	m := NewConfigManager(writeFile(t, "taskd.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 256, cfg.Engine.QueueSize, "unset fields keep defaults")
	assert.Equal(t, "/usr/bin/python3", cfg.Executor.Launchers["python"])
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "secret-token-1", cfg.Auth.Tokens[0].Token)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Same(t, cfg, m.Get())
}

func TestLoadJSON(t *testing.T) {
	m := NewConfigManager(writeFile(t, "taskd.json", `{"storage":{"driver":"memory"},"engine":{"workers":8}}`))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.Workers)
}

func TestUnknownKeysRejected(t *testing.T) {
	_, err := Decode("x.yaml", []byte("storage: {driver: memory, colour: blue}\n"))
	assert.Error(t, err)

	_, err = Decode("x.json", []byte(`{"storage":{"driver":"memory"}} {}`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"bad duration":      func(c *Config) { c.API.ReadTimeout = "soon" },
		"negative duration": func(c *Config) { c.Scheduler.MaxIdle = "-1s" },
		"bad level":         func(c *Config) { c.Logging.Level = "loud" },
		"bad driver":        func(c *Config) { c.Storage.Driver = "postgres" },
		"sqlite no path":    func(c *Config) { c.Storage.Path = "" },
		"bad timezone":      func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"bad launcher":      func(c *Config) { c.Executor.Launchers = map[string]string{"ruby": "ruby"} },
		"bad env":           func(c *Config) { c.Executor.Env = []string{"NOVALUE"} },
		"bad role":          func(c *Config) { c.Auth.Tokens = []TokenConfig{{Name: "a", Role: "root", Token: "12345678"}} },
		"short token":       func(c *Config) { c.Auth.Tokens = []TokenConfig{{Name: "a", Role: "admin", Token: "x"}} },
		"dup token": func(c *Config) {
			c.Auth.Tokens = []TokenConfig{{Name: "a", Role: "admin", Token: "12345678"}, {Name: "b", Role: "viewer", Token: "12345678"}}
		},
		"telegram missing chat": func(c *Config) {
			c.Notifier = NotifierConfig{Enabled: true, Driver: "telegram", Telegram: TelegramConfig{Token: "t"}}
		},
		"bad notifier driver": func(c *Config) { c.Notifier.Driver = "smoke" },
	}
	require.NoError(t, Validate(Default()))
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestDurationOr(t *testing.T) {
	d, err := DurationOr("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = DurationOr("x", "5s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	path := writeFile(t, "taskd.yaml", "storage: {driver: memory}\n")
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload()
	require.NoError(t, err)
	assert.False(t, published, "unchanged content is not republished")

	require.NoError(t, os.WriteFile(path, []byte("storage: {driver: memory}\nlogging: {level: loud}\n"), 0o600))
	_, err = m.Reload()
	assert.Error(t, err)
	assert.Equal(t, "info", m.Get().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte("storage: {driver: memory}\nlogging: {level: warn}\n"), 0o600))
	published, err = m.Reload()
	require.NoError(t, err)
	assert.True(t, published)
	got := <-ch
	assert.Equal(t, "warn", got.Logging.Level)
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := writeFile(t, "taskd.yaml", "storage: {driver: memory}\n")
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("storage: {driver: memory}\nscheduler: {timezone: UTC}\n"), 0o600))
	select {
	case got := <-ch:
		assert.Equal(t, "UTC", got.Scheduler.Timezone)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestSummarizeChange(t *testing.T) {
	a, b := Default(), Default()
	b.Logging.Level = "debug"
	b.Notifier.Telegram.Token = "secret"
	changed, fields := SummarizeChange(a, b)
	assert.ElementsMatch(t, []string{SectionLogging, SectionNotifier}, changed)
	assert.NotEmpty(t, fields)
	assert.False(t, RequiresRestart(changed))

	b.API.Addr = ":9999"
	changed, _ = SummarizeChange(a, b)
	assert.True(t, RequiresRestart(changed))
}
