package notifier

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	DriverLog      = "log"
	DriverTelegram = "telegram"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Config controls the notification pipeline. QueueSize is read once when
// Run starts; every other field is hot-reloadable through Apply.
type Config struct {
	Enabled       bool
	Driver        string
	NotifySuccess bool
	RatePerSec    float64
	QueueSize     int
	Telegram      TelegramConfig
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverLog
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}
