package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/copper/sidekick/internal/bus"
	"github.com/copper/sidekick/internal/persistence"
)

// TelegramChannel pushes notification rows to each user's Telegram chat.
// Outbound only; sidekick is commanded through tools and the HTTP
// surface, not through chat replies.
type TelegramChannel struct {
	token    string
	store    *persistence.Store
	eventBus *bus.Bus
	bot      *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, store *persistence.Store, eventBus *bus.Bus) *TelegramChannel {
	return &TelegramChannel{token: token, store: store, eventBus: eventBus}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects the bot and consumes notification events until the
// context is cancelled. Send failures are logged per message; the
// subscription keeps draining.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	slog.Info("telegram channel started", "bot", t.bot.Self.UserName)

	sub := t.eventBus.Subscribe(bus.TopicNotificationCreated)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			n, ok := ev.Payload.(bus.NotificationEvent)
			if !ok {
				continue
			}
			t.deliver(ctx, n)
		}
	}
}

func (t *TelegramChannel) deliver(ctx context.Context, n bus.NotificationEvent) {
	user, err := t.store.GetUser(ctx, n.UserID)
	if err != nil {
		slog.Warn("telegram delivery: user lookup failed", "user_id", n.UserID, "error", err)
		return
	}
	if user.TelegramChatID == 0 {
		slog.Debug("telegram delivery skipped, no chat linked", "user_id", n.UserID)
		return
	}

	msg := tgbotapi.NewMessage(user.TelegramChatID, renderMessage(n))
	if _, err := t.bot.Send(msg); err != nil {
		slog.Warn("telegram send failed", "user_id", n.UserID, "notification_id", n.NotificationID, "error", err)
	}
}

func renderMessage(n bus.NotificationEvent) string {
	badge := map[string]string{
		persistence.SeveritySuccess: "✅",
		persistence.SeverityWarning: "⚠️",
		persistence.SeverityError:   "❌",
	}[n.Severity]
	if badge != "" {
		return fmt.Sprintf("%s %s\n\n%s", badge, n.Title, n.Message)
	}
	return fmt.Sprintf("%s\n\n%s", n.Title, n.Message)
}
