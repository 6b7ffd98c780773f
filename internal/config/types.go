// Package config loads, validates and hot-reloads the taskd configuration.
//
// Files are JSON or YAML (by extension). YAML is coerced to JSON so both go
// through the same strict decoder; unknown keys are errors. Durations are Go
// duration strings ("500ms", "10s", "1m"). String values may reference
// environment variables as ${NAME}.
package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Executor  ExecutorConfig  `json:"executor"`
	API       APIConfig       `json:"api"`
	Auth      AuthConfig      `json:"auth"`
	Notifier  NotifierConfig  `json:"notifier"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store.
//
//	"storage": { "driver": "sqlite", "path": "./taskd.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
	// MaxIdle caps how long the loop sleeps when no trigger is due.
	MaxIdle string `json:"max_idle,omitempty"`
}

type EngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

type ExecutorConfig struct {
	// DefaultTimeout bounds each process; "0s" disables it.
	DefaultTimeout string            `json:"default_timeout,omitempty"`
	MaxOutput      int               `json:"max_output,omitempty"`
	Workdir        string            `json:"workdir,omitempty"`
	Env            []string          `json:"env,omitempty"`
	Launchers      map[string]string `json:"launchers,omitempty"`
}

// APIConfig controls the HTTP listener.
//
// WriteTimeout defaults to 0 so slow manual runs and pprof profiles finish.
type APIConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
}

type AuthConfig struct {
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig maps one bearer token to a named caller. Token is never logged.
type TokenConfig struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Token string `json:"token"`
}

type NotifierConfig struct {
	Enabled       bool           `json:"enabled"`
	Driver        string         `json:"driver,omitempty"`
	NotifySuccess bool           `json:"notify_success,omitempty"`
	RatePerSec    float64        `json:"rate_per_sec,omitempty"`
	QueueSize     int            `json:"queue_size,omitempty"`
	Telegram      TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true, File: LoggingFile{Path: "./taskd.log"}},
		Storage:   StorageConfig{Driver: "sqlite", Path: "./taskd.db", BusyTimeout: "5s"},
		Scheduler: SchedulerConfig{Enabled: true, MaxIdle: "1m"},
		Engine:    EngineConfig{Workers: 4, QueueSize: 256, HistorySize: 200},
		Executor:  ExecutorConfig{MaxOutput: 64 << 10},
		API:       APIConfig{Addr: "127.0.0.1:8080", ReadTimeout: "10s"},
		Notifier:  NotifierConfig{Driver: "log", RatePerSec: 1, QueueSize: 64},
		Metrics:   MetricsConfig{Enabled: true, Namespace: "taskd"},
	}
}
