// Package telegram implements the chat.Channel interface over Telegram,
// using gopkg.in/telebot.v4.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/chat"
)

// Config holds the Telegram-specific settings (spec §6 TELEGRAM_* env vars).
type Config struct {
	Token      string
	ChatID     string
	AllowList  []string // chat/user identifiers permitted to issue commands
	PollPeriod time.Duration
}

// Channel is the Telegram-backed chat.Channel.
type Channel struct {
	bot    *tele.Bot
	chatID int64
	cfg    Config
}

// New constructs a Telegram channel. It does not start polling; call
// ReceiveUpdate to begin.
func New(cfg Config) (*Channel, error) {
	pollPeriod := cfg.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = 2 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: pollPeriod},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	var chatID int64
	if _, err := fmt.Sscanf(cfg.ChatID, "%d", &chatID); err != nil {
		return nil, fmt.Errorf("parse telegram chat id %q: %w", cfg.ChatID, err)
	}

	return &Channel{bot: bot, chatID: chatID, cfg: cfg}, nil
}

// Send delivers n to the configured chat, splitting per chat.SplitMessage
// when the rendered text exceeds the single-message ceiling.
func (c *Channel) Send(ctx context.Context, n chat.Notification) error {
	recipient := &tele.Chat{ID: c.chatID}

	parts := chat.SplitMessage(n.Text)
	for i, part := range parts {
		opts := &tele.SendOptions{}
		if i == len(parts)-1 && len(n.Buttons) > 0 {
			opts.ReplyMarkup = buildKeyboard(n.Buttons)
		}

		if _, err := c.bot.Send(recipient, part, opts); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func buildKeyboard(buttons []chat.Button) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		btn := markup.Data(b.Text, b.Data)
		rows = append(rows, markup.Row(btn))
	}
	markup.Inline(rows...)
	return markup
}

// ReceiveUpdate starts the bot's update loop, invoking handler for every
// text message or callback query. It blocks until ctx is cancelled.
func (c *Channel) ReceiveUpdate(ctx context.Context, handler func(chat.Update) error) error {
	c.bot.Handle(tele.OnText, func(telectx tele.Context) error {
		if !c.authorized(telectx) {
			return nil
		}
		return handler(chat.Update{
			Kind:   chat.UpdateText,
			ChatID: fmt.Sprintf("%d", telectx.Chat().ID),
			Text:   telectx.Text(),
		})
	})

	c.bot.Handle(tele.OnCallback, func(telectx tele.Context) error {
		if !c.authorized(telectx) {
			return nil
		}
		cb := telectx.Callback()
		err := handler(chat.Update{
			Kind:     chat.UpdateCallback,
			ChatID:   fmt.Sprintf("%d", telectx.Chat().ID),
			Callback: cb.Data,
		})
		if respErr := telectx.Respond(); respErr != nil {
			slog.Warn("telegram callback ack failed", "error", respErr)
		}
		return err
	})

	go func() {
		<-ctx.Done()
		c.bot.Stop()
	}()

	c.bot.Start()
	return nil
}

// authorized enforces the allow-list, falling back to the single
// configured chat identifier when the allow-list is empty (spec §4.8).
func (c *Channel) authorized(telectx tele.Context) bool {
	if len(c.cfg.AllowList) == 0 {
		return fmt.Sprintf("%d", telectx.Chat().ID) == c.cfg.ChatID
	}
	id := fmt.Sprintf("%d", telectx.Chat().ID)
	for _, allowed := range c.cfg.AllowList {
		if strings.EqualFold(allowed, id) {
			return true
		}
	}
	return false
}
