package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/auth"
	"taskd/internal/job"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

// Duration parses a Go duration string at path. Empty means 0.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DurationOr is Duration with def substituted for zero.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Tokens builds the bearer token table. Duplicate tokens are rejected.
func Tokens(a AuthConfig) (*auth.Tokens, error) {
	seen := make(map[string]bool, len(a.Tokens))
	out := make([]auth.Token, 0, len(a.Tokens))
	for i, t := range a.Tokens {
		if seen[t.Token] {
			return nil, fmt.Errorf("auth.tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = true
		out = append(out, auth.Token{Name: t.Name, Role: auth.Role(t.Role), Token: t.Token})
	}
	return auth.NewTokens(out)
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range [][2]string{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.max_idle", cfg.Scheduler.MaxIdle},
		{"executor.default_timeout", cfg.Executor.DefaultTimeout},
		{"api.read_timeout", cfg.API.ReadTimeout},
		{"api.write_timeout", cfg.API.WriteTimeout},
		{"api.idle_timeout", cfg.API.IdleTimeout},
	} {
		_, err := Duration(d[0], d[1])
		add(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if _, err := trigger.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}

	if cfg.Engine.Workers < 0 || cfg.Engine.QueueSize < 0 || cfg.Engine.HistorySize < 0 {
		add(errors.New("engine: sizes must be >= 0"))
	}
	if cfg.Executor.MaxOutput < 0 {
		add(errors.New("executor.max_output must be >= 0"))
	}
	for tag, bin := range cfg.Executor.Launchers {
		if !job.ScriptType(tag).Valid() {
			add(fmt.Errorf("executor.launchers: unknown script type %q", tag))
		} else if strings.TrimSpace(bin) == "" {
			add(fmt.Errorf("executor.launchers.%s: binary is empty", tag))
		}
	}
	for _, kv := range cfg.Executor.Env {
		if !strings.Contains(kv, "=") {
			add(fmt.Errorf("executor.env: %q is not KEY=VALUE", kv))
		}
	}

	_, err := Tokens(cfg.Auth)
	add(err)

	n := cfg.Notifier
	if n.RatePerSec < 0 || n.QueueSize < 0 {
		add(errors.New("notifier: rate_per_sec and queue_size must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(n.Driver)) {
	case "", "log":
	case "telegram":
		if n.Enabled && (strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0) {
			add(errors.New("notifier.telegram: token and chat_id are required"))
		}
	default:
		add(fmt.Errorf("notifier.driver: unknown driver %q", n.Driver))
	}
	return errors.Join(errs...)
}
