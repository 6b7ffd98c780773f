package app

import (
	"fmt"
	"strings"
	"time"

	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/notifier"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/executor"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

func mapStorage(cfg *config.Config, ephemeral bool) (storage.Config, error) {
	if ephemeral {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "memory" {
		return storage.Config{Driver: driver}, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
	}
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	idle, err := config.Duration("scheduler.max_idle", cfg.Scheduler.MaxIdle)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone, MaxIdle: idle}, nil
}

func mapEngine(cfg *config.Config) engine.Config {
	return engine.Config{
		Workers:     cfg.Engine.Workers,
		QueueSize:   cfg.Engine.QueueSize,
		HistorySize: cfg.Engine.HistorySize,
	}
}

func mapExecutor(cfg *config.Config) (executor.Config, error) {
	timeout, err := config.Duration("executor.default_timeout", cfg.Executor.DefaultTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		DefaultTimeout: timeout,
		MaxOutput:      cfg.Executor.MaxOutput,
		Workdir:        cfg.Executor.Workdir,
		Env:            cfg.Executor.Env,
		Launchers:      cfg.Executor.Launchers,
	}, nil
}

func mapAPI(cfg *config.Config) (api.Config, error) {
	out := api.Config{Addr: cfg.API.Addr, Pprof: cfg.API.Pprof}
	var err error
	if out.ReadTimeout, err = config.Duration("api.read_timeout", cfg.API.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.Duration("api.write_timeout", cfg.API.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.Duration("api.idle_timeout", cfg.API.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapNotifier(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:       n.Enabled,
		Driver:        n.Driver,
		NotifySuccess: n.NotifySuccess,
		RatePerSec:    n.RatePerSec,
		QueueSize:     n.QueueSize,
		Telegram: notifier.TelegramConfig{
			Token:    n.Telegram.Token,
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		},
	}
}
