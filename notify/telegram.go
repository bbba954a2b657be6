/*
Package notify provides ledger.Notifier implementations.

NOTIFIERS:
  Telegram: forwards every notification to an operator chat
  Inbox:    keeps the last messages per account for the API
  Log:      writes notifications to a slog.Logger

All of them are safe for concurrent use. Wrap them with dispatch.Notifier
to keep delivery off the request path.
*/
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/wusul/settlement-engine/ledger"
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	sender Sender
	chatID int64
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewTelegramWithSender(bot, chatID), nil
}

func NewTelegramWithSender(s Sender, chatID int64) *Telegram {
	return &Telegram{sender: s, chatID: chatID}
}

// Notify ignores ctx: the Bot API client has its own HTTP timeout.
func (t *Telegram) Notify(_ context.Context, n ledger.Notification) error {
	msg := tgbotapi.NewMessage(t.chatID, FormatText(n))
	msg.DisableWebPagePreview = true
	if _, err := t.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// FormatText renders a notification as plain text.
func FormatText(n ledger.Notification) string {
	icon := "🔔"
	switch n.Category {
	case ledger.CategoryWallet:
		icon = "💰"
	case ledger.CategoryBooking:
		icon = "📅"
	}
	return fmt.Sprintf("%s %s\n%s\naccount: %s", icon, n.Title, n.Message, n.AccountID)
}
