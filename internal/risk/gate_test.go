package risk

import (
	"context"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/quota"
	"github.com/quorumtrade/quorum/internal/signal"
)

type fakeTrades struct {
	pnlToday float64
	streak   int
	err      error
}

func (f *fakeTrades) RealizedPnLToday(ctx context.Context) (float64, error) {
	return f.pnlToday, f.err
}

func (f *fakeTrades) LossStreak(ctx context.Context) (int, error) {
	return f.streak, f.err
}

type fakeQuota struct{ tier quota.Tier }

func (f *fakeQuota) Tier() quota.Tier { return f.tier }

type fakeCooldowns struct{ active map[string]bool }

func (f *fakeCooldowns) ActiveForSymbol(symbol string) bool { return f.active[symbol] }

type fakeVenue struct{ connected bool }

func (f *fakeVenue) Connected() bool { return f.connected }

type gateFixture struct {
	cfg       *config.Config
	trades    *fakeTrades
	quota     *fakeQuota
	cooldowns *fakeCooldowns
	venue     *fakeVenue
	gate      *Gate
}

func newGateFixture() *gateFixture {
	f := &gateFixture{
		cfg: &config.Config{
			Trading: config.TradingConfig{
				Enabled: true,
				Symbols: []string{"BTCUSDT", "ETHUSDT"},
			},
			Risk: config.RiskConfig{
				MinConfidenceOpen:   70,
				MinConfidenceClose:  50,
				MaxDailyDrawdownPct: 5,
				LossStreakLimit:     3,
			},
		},
		trades:    &fakeTrades{},
		quota:     &fakeQuota{tier: quota.TierNormal},
		cooldowns: &fakeCooldowns{active: map[string]bool{}},
		venue:     &fakeVenue{connected: true},
	}
	f.gate = NewGate(func() *config.Config { return f.cfg }, f.trades, f.quota, f.cooldowns, f.venue)
	return f
}

func openRequest(symbol string, confidence int) *Request {
	return &Request{
		Signal: &signal.Signal{
			Symbol:     symbol,
			Signal:     signal.DirectionBuy,
			Confidence: confidence,
		},
		NotionalUSD: 100,
		EquityUSD:   10_000,
	}
}

func TestGate_PassesHappyPath(t *testing.T) {
	f := newGateFixture()
	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 85))
	require.True(t, result.OK)
	assert.Empty(t, result.Reason)
}

func TestGate_TradingDisabled(t *testing.T) {
	f := newGateFixture()
	f.cfg.Trading.Enabled = false
	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 85))
	require.False(t, result.OK)
	assert.Equal(t, ReasonTradeEnabled, result.Reason)
}

func TestGate_SymbolNotEnabled(t *testing.T) {
	f := newGateFixture()
	result := f.gate.Check(context.Background(), openRequest("DOGEUSDT", 85))
	require.False(t, result.OK)
	assert.Equal(t, ReasonTradeEnabled, result.Reason)
}

func TestGate_VenueDisconnected(t *testing.T) {
	f := newGateFixture()
	f.venue.connected = false
	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 85))
	require.False(t, result.OK)
	assert.Equal(t, ReasonExchangeConn, result.Reason)
}

func TestGate_ConfidenceFloors(t *testing.T) {
	f := newGateFixture()

	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 69))
	require.False(t, result.OK)
	assert.Equal(t, ReasonConfidenceFloor, result.Reason)

	// Close signals use the lower floor.
	closeReq := &Request{
		Signal: &signal.Signal{
			Symbol:     "BTCUSDT",
			Signal:     signal.DirectionSell,
			Confidence: 55,
		},
		EquityUSD: 10_000,
	}
	result = f.gate.Check(context.Background(), closeReq)
	assert.True(t, result.OK)
}

func TestGate_DailyDrawdown(t *testing.T) {
	f := newGateFixture()
	// 5% of 10k equity = 500 USDT loss limit.
	f.trades.pnlToday = -501
	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 85))
	require.False(t, result.OK)
	assert.Equal(t, ReasonDailyDrawdown, result.Reason)

	f.trades.pnlToday = -499
	assert.True(t, f.gate.Check(context.Background(), openRequest("BTCUSDT", 85)).OK)
}

func TestGate_LossStreak(t *testing.T) {
	f := newGateFixture()
	f.trades.streak = 3
	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 85))
	require.False(t, result.OK)
	assert.Equal(t, ReasonLossStreak, result.Reason)

	f.trades.streak = 2
	assert.True(t, f.gate.Check(context.Background(), openRequest("BTCUSDT", 85)).OK)
}

func TestGate_QuotaCritical(t *testing.T) {
	f := newGateFixture()
	f.quota.tier = quota.TierCritical

	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 85))
	require.False(t, result.OK)
	assert.Equal(t, ReasonQuotaCritical, result.Reason)

	// Hot symbols keep trading through the critical tier.
	hot := openRequest("BTCUSDT", 85)
	hot.HotSymbol = true
	assert.True(t, f.gate.Check(context.Background(), hot).OK)
}

func TestGate_SignalCooldown(t *testing.T) {
	f := newGateFixture()
	f.cooldowns.active["BTCUSDT"] = true

	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 85))
	require.False(t, result.OK)
	assert.Equal(t, ReasonCooldownSignal, result.Reason)

	// Cooldown only blocks opens.
	closeReq := &Request{
		Signal: &signal.Signal{
			Symbol:     "BTCUSDT",
			Signal:     signal.DirectionSell,
			Confidence: 90,
		},
		EquityUSD: 10_000,
	}
	assert.True(t, f.gate.Check(context.Background(), closeReq).OK)
}

func TestGate_MinNotional(t *testing.T) {
	f := newGateFixture()
	req := openRequest("BTCUSDT", 85)
	req.NotionalUSD = 4.5
	result := f.gate.Check(context.Background(), req)
	require.False(t, result.OK)
	assert.Equal(t, ReasonMinNotional, result.Reason)
}

func TestGate_OrderShortCircuits(t *testing.T) {
	// Everything is wrong at once; the first check in order must win.
	f := newGateFixture()
	f.cfg.Trading.Enabled = false
	f.venue.connected = false
	f.trades.streak = 10
	f.quota.tier = quota.TierCritical

	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 10))
	require.False(t, result.OK)
	assert.Equal(t, ReasonTradeEnabled, result.Reason)
}

func TestGate_ReadErrorFailsClosed(t *testing.T) {
	f := newGateFixture()
	f.trades.err = assert.AnError
	result := f.gate.Check(context.Background(), openRequest("BTCUSDT", 85))
	require.False(t, result.OK)
	assert.Equal(t, ReasonDailyDrawdown, result.Reason)
}

func TestBreakers_TripOnFailureRatio(t *testing.T) {
	b := NewBreakers()
	for i := 0; i < 6; i++ {
		_, _ = b.Exchange().Execute(func() (interface{}, error) {
			return nil, assert.AnError
		})
	}
	_, err := b.Exchange().Execute(func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
