// Package alerts pushes operational notifications to Telegram. The notifier
// is optional and nil-safe: with no token configured every method is a no-op,
// and send failures are logged, never propagated.
package alerts

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/quota"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/symbols"
)

// sender is the slice of tgbotapi.BotAPI the notifier uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends Markdown-formatted messages to one Telegram chat
type Notifier struct {
	api    sender
	chatID int64
	logger zerolog.Logger
}

// New creates a notifier, or nil when no token is configured. A nil notifier
// is valid and silently drops every notification.
func New(cfg config.AlertsConfig) (*Notifier, error) {
	if cfg.TelegramToken == "" {
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	logger := config.NewLogger("alerts")
	logger.Info().
		Str("bot_username", api.Self.UserName).
		Int64("chat_id", cfg.TelegramChatID).
		Msg("Telegram notifier initialized")

	return &Notifier{api: api, chatID: cfg.TelegramChatID, logger: logger}, nil
}

// NotifySignal announces a freshly produced debate verdict
func (n *Notifier) NotifySignal(sig *signal.Signal) {
	if n == nil {
		return
	}
	n.send(formatSignal(sig))
}

// NotifyTradeFilled announces a filled order
func (n *Notifier) NotifyTradeFilled(symbol, side string, price, qty float64) {
	if n == nil {
		return
	}
	n.send(fmt.Sprintf("✅ *Order filled*\n%s %s %.6f @ %.4f",
		symbols.ToDisplay(symbol), side, qty, price))
}

// NotifyTradeFailed announces an order that could not be placed
func (n *Notifier) NotifyTradeFailed(symbol, side, reason string) {
	if n == nil {
		return
	}
	n.send(fmt.Sprintf("🚨 *Order failed*\n%s %s\n`%s`",
		symbols.ToDisplay(symbol), side, reason))
}

// NotifyPositionClosed announces a supervised position close
func (n *Notifier) NotifyPositionClosed(symbol, side, reason string, pnl float64) {
	if n == nil {
		return
	}
	emoji := "🟢"
	if pnl < 0 {
		emoji = "🔴"
	}
	n.send(fmt.Sprintf("%s *Position closed*\n%s %s (%s)\nPnL: %+.2f USDT",
		emoji, symbols.ToDisplay(symbol), side, reason, pnl))
}

// NotifyRiskTrip announces a risk gate rejection worth human attention
func (n *Notifier) NotifyRiskTrip(symbol, reason, message string) {
	if n == nil {
		return
	}
	n.send(fmt.Sprintf("⚠️ *Risk gate* `%s`\n%s\n%s",
		reason, symbols.ToDisplay(symbol), message))
}

// NotifyTierChange announces a quota tier transition. Satisfies
// quota.TierChangeFunc via a closure in the engine wiring.
func (n *Notifier) NotifyTierChange(old, new quota.Tier, budget quota.DailyBudget) {
	if n == nil {
		return
	}
	n.send(fmt.Sprintf("📊 *Quota tier* %s → %s\nUsage: %.0f%%\nCost: $%.2f",
		old, new, budget.Usage()*100, budget.CostUSD))
}

// NotifyEngine announces an engine lifecycle event (startup, fatal, shutdown)
func (n *Notifier) NotifyEngine(title, message string) {
	if n == nil {
		return
	}
	n.send(fmt.Sprintf("🤖 *%s*\n%s", title, message))
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.api.Send(msg); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to send Telegram notification")
		return
	}
	n.logger.Debug().Msg("Telegram notification sent")
}

func formatSignal(sig *signal.Signal) string {
	emoji := map[signal.Direction]string{
		signal.DirectionBuy:   "📈",
		signal.DirectionSell:  "📉",
		signal.DirectionShort: "🐻",
		signal.DirectionCover: "🔄",
		signal.DirectionHold:  "⏸",
	}[sig.Signal]

	text := fmt.Sprintf("%s *%s %s* (%d%%)\nPrice: %.4f\nRegime: %s",
		emoji, symbols.ToDisplay(sig.Symbol), sig.Signal, sig.Confidence,
		sig.PriceAtSignal, sig.Regime)
	if sig.Reason != "" {
		text += "\n" + sig.Reason
	}
	text += fmt.Sprintf("\n_%s_", sig.CreatedAt.Format(time.DateTime))
	return text
}
