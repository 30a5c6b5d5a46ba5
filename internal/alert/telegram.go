// Package alert delivers operator alerts produced by pkg/logx.
package alert

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL  string
	Timeout time.Duration
}

func (c TelegramConfig) Enabled() bool { return strings.TrimSpace(c.Token) != "" && c.ChatID != 0 }

// Telegram sends alerts to one chat (and optional forum thread). The bot runs
// offline: it never polls for updates.
type Telegram struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

// SendAlert implements logx.AlertSender.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.thread,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return errors.Wrap(err, "telegram send")
	}
	return nil
}
