package alerts

import (
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/quota"
	"github.com/quorumtrade/quorum/internal/signal"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

func testNotifier() (*Notifier, *fakeSender) {
	api := &fakeSender{}
	return &Notifier{api: api, chatID: 42, logger: config.NewLogger("alerts")}, api
}

func TestNew_NoTokenIsNilNotifier(t *testing.T) {
	n, err := New(config.AlertsConfig{})
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestNilNotifier_MethodsAreNoOps(t *testing.T) {
	var n *Notifier
	n.NotifySignal(&signal.Signal{Signal: signal.DirectionBuy})
	n.NotifyTradeFilled("BTCUSDT", "BUY", 50000, 0.01)
	n.NotifyTradeFailed("BTCUSDT", "BUY", "venue rejected")
	n.NotifyPositionClosed("BTCUSDT", "LONG", "tp", 12.5)
	n.NotifyRiskTrip("BTCUSDT", "daily_drawdown", "limit reached")
	n.NotifyTierChange(quota.TierNormal, quota.TierWarn, quota.DailyBudget{})
	n.NotifyEngine("Started", "all systems go")
}

func TestNotifySignal_FormatsVerdict(t *testing.T) {
	n, api := testNotifier()
	n.NotifySignal(&signal.Signal{
		Symbol:        "BTCUSDT",
		Signal:        signal.DirectionBuy,
		Confidence:    72,
		Reason:        "trend and flow agree",
		PriceAtSignal: 50000,
		Regime:        "trend_up",
		CreatedAt:     time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	})

	require.Len(t, api.sent, 1)
	msg := api.sent[0]
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdown, msg.ParseMode)
	assert.Contains(t, msg.Text, "BTC/USDT:USDT BUY")
	assert.Contains(t, msg.Text, "72%")
	assert.Contains(t, msg.Text, "trend and flow agree")
}

func TestNotifyPositionClosed_ColorsByPnL(t *testing.T) {
	n, api := testNotifier()
	n.NotifyPositionClosed("ETHUSDT", "LONG", "trailing", 25.0)
	n.NotifyPositionClosed("ETHUSDT", "SHORT", "sl", -10.0)

	require.Len(t, api.sent, 2)
	assert.Contains(t, api.sent[0].Text, "🟢")
	assert.Contains(t, api.sent[0].Text, "+25.00")
	assert.Contains(t, api.sent[1].Text, "🔴")
	assert.Contains(t, api.sent[1].Text, "-10.00")
}

func TestNotifyTierChange_ReportsUsage(t *testing.T) {
	n, api := testNotifier()
	n.NotifyTierChange(quota.TierWarn, quota.TierCritical, quota.DailyBudget{
		TotalCalls: 95,
		CallLimit:  100,
		CostUSD:    4.75,
	})

	require.Len(t, api.sent, 1)
	assert.Contains(t, api.sent[0].Text, "warn → critical")
	assert.Contains(t, api.sent[0].Text, "95%")
	assert.Contains(t, api.sent[0].Text, "$4.75")
}

func TestSend_ErrorIsSwallowed(t *testing.T) {
	n, api := testNotifier()
	api.err = assert.AnError

	n.NotifyEngine("Started", "boot complete")
	assert.Len(t, api.sent, 1)
}
