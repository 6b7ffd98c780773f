package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "taskd/pkg/logx"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// NewSender builds the sender named by cfg.Driver.
func NewSender(cfg Config, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverLog:
		return logSender{log: log}, nil
	case DriverTelegram:
		return newTelegramSender(cfg.Telegram)
	default:
		return nil, fmt.Errorf("notifier: unknown driver %q", cfg.Driver)
	}
}

type logSender struct{ log logx.Logger }

func (s logSender) Send(_ context.Context, text string) error {
	s.log.Info("notification", logx.String("text", text))
	return nil
}

type telegramSender struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func newTelegramSender(cfg TelegramConfig) (*telegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notifier: telegram chat_id is required")
	}
	// Offline skips the getMe round trip; the bot only sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (s *telegramSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		ThreadID:              s.thread,
		DisableWebPagePreview: true,
	})
	return err
}
