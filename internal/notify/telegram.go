// Package notify tells users when their daily digest is ready.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"content_digest/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends digest notifications through a Telegram bot.
type Telegram struct {
	api telegramAPI
	log *slog.Logger
}

// NewTelegram creates a Telegram notifier for the bot token.
func NewTelegram(token string, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api, log: log}, nil
}

// DigestReady sends the completion message to the user's chat. Users
// without a chat are skipped.
func (t *Telegram) DigestReady(_ context.Context, u *model.User, sn *model.Snapshot) error {
	if u.TelegramChatID == 0 {
		t.log.Debug("no telegram chat, skipping notification", "user", u.Username)
		return nil
	}
	msg := tgbotapi.NewMessage(u.TelegramChatID, FormatDigestReady(sn))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send message to %d: %w", u.TelegramChatID, err)
	}
	t.log.Info("digest notification sent", "user", u.Username, "date", sn.ProcessingDate.Format(model.DateLayout))
	return nil
}

// Discard is a notifier that sends nothing.
type Discard struct{}

// DigestReady implements the notifier contract.
func (Discard) DigestReady(context.Context, *model.User, *model.Snapshot) error { return nil }
