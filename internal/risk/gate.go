// Package risk gates every actionable signal before it can touch the venue.
// The gate is a pipeline of ordered boolean checks; the first failure
// short-circuits with a typed reason.
package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/quota"
	"github.com/quorumtrade/quorum/internal/signal"
)

// Reason codes, one per check
const (
	ReasonTradeEnabled    = "trade_enabled"
	ReasonExchangeConn    = "exchange_connected"
	ReasonConfidenceFloor = "confidence_floor"
	ReasonDailyDrawdown   = "daily_drawdown"
	ReasonLossStreak      = "loss_streak"
	ReasonQuotaCritical   = "quota_critical"
	ReasonCooldownSignal  = "cooldown_signal"
	ReasonMinNotional     = "min_notional"
)

// minNotionalUSD is the venue's smallest accepted order value
const minNotionalUSD = 5.0

// Result is the gate verdict. Reason is empty when OK.
type Result struct {
	OK      bool
	Reason  string
	Message string
}

func pass() *Result { return &Result{OK: true} }

func fail(reason, format string, args ...interface{}) *Result {
	return &Result{OK: false, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Request carries the per-signal inputs the checks need
type Request struct {
	Signal      *signal.Signal
	NotionalUSD float64 // computed order value
	EquityUSD   float64
	HotSymbol   bool
}

// TradeData is the read-only trade history surface (store.TradeStore)
type TradeData interface {
	RealizedPnLToday(ctx context.Context) (float64, error)
	LossStreak(ctx context.Context) (int, error)
}

// QuotaSource reports the current quota tier
type QuotaSource interface {
	Tier() quota.Tier
}

// CooldownSource reports signal cooldown state for a symbol, regardless of
// which action armed it
type CooldownSource interface {
	ActiveForSymbol(symbol string) bool
}

// Connectivity reports whether the venue adapter is usable
type Connectivity interface {
	Connected() bool
}

// ConfigSource yields the live configuration
type ConfigSource func() *config.Config

// Gate runs the check pipeline
type Gate struct {
	configFn  ConfigSource
	trades    TradeData
	quota     QuotaSource
	cooldowns CooldownSource
	venue     Connectivity
	logger    zerolog.Logger
}

// NewGate creates a risk gate
func NewGate(configFn ConfigSource, trades TradeData, quotaSrc QuotaSource, cooldowns CooldownSource, venue Connectivity) *Gate {
	return &Gate{
		configFn:  configFn,
		trades:    trades,
		quota:     quotaSrc,
		cooldowns: cooldowns,
		venue:     venue,
		logger:    config.NewLogger("risk"),
	}
}

// snapshot is the frozen per-check-run view of config. Taken once at gate
// entry so a live config change never mixes old and new thresholds.
type snapshot struct {
	tradingEnabled bool
	symbols        map[string]bool
	risk           config.RiskConfig
}

func (g *Gate) snapshot() snapshot {
	cfg := g.configFn()
	symbols := make(map[string]bool, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		symbols[s] = true
	}
	return snapshot{
		tradingEnabled: cfg.Trading.Enabled,
		symbols:        symbols,
		risk:           cfg.Risk,
	}
}

// Check runs the pipeline; the first failing check wins
func (g *Gate) Check(ctx context.Context, req *Request) *Result {
	snap := g.snapshot()
	sig := req.Signal

	checks := []func(context.Context, snapshot, *Request) *Result{
		g.checkTradeEnabled,
		g.checkExchangeConnected,
		g.checkConfidenceFloor,
		g.checkDailyDrawdown,
		g.checkLossStreak,
		g.checkQuotaCritical,
		g.checkCooldownSignal,
		g.checkMinNotional,
	}

	for _, check := range checks {
		if result := check(ctx, snap, req); !result.OK {
			g.logger.Warn().
				Str("symbol", sig.Symbol).
				Str("signal", string(sig.Signal)).
				Str("reason", result.Reason).
				Str("message", result.Message).
				Msg("Risk gate rejected signal")
			return result
		}
	}
	return pass()
}

func (g *Gate) checkTradeEnabled(_ context.Context, snap snapshot, req *Request) *Result {
	if !snap.tradingEnabled {
		return fail(ReasonTradeEnabled, "trading disabled globally")
	}
	if !snap.symbols[req.Signal.Symbol] {
		return fail(ReasonTradeEnabled, "symbol %s not enabled for trading", req.Signal.Symbol)
	}
	return pass()
}

func (g *Gate) checkExchangeConnected(_ context.Context, _ snapshot, _ *Request) *Result {
	if g.venue != nil && !g.venue.Connected() {
		return fail(ReasonExchangeConn, "venue adapter disconnected")
	}
	return pass()
}

func (g *Gate) checkConfidenceFloor(_ context.Context, snap snapshot, req *Request) *Result {
	floor := snap.risk.MinConfidenceClose
	if req.Signal.Signal.IsOpening() {
		floor = snap.risk.MinConfidenceOpen
	}
	if req.Signal.Confidence < floor {
		return fail(ReasonConfidenceFloor, "confidence %d below floor %d", req.Signal.Confidence, floor)
	}
	return pass()
}

func (g *Gate) checkDailyDrawdown(ctx context.Context, snap snapshot, req *Request) *Result {
	if snap.risk.MaxDailyDrawdownPct <= 0 || req.EquityUSD <= 0 {
		return pass()
	}
	pnl, err := g.trades.RealizedPnLToday(ctx)
	if err != nil {
		// Failing open on a read error would let a drawdown day keep trading.
		return fail(ReasonDailyDrawdown, "cannot read realized pnl: %v", err)
	}
	limit := -snap.risk.MaxDailyDrawdownPct / 100 * req.EquityUSD
	if pnl <= limit {
		return fail(ReasonDailyDrawdown, "realized pnl %.2f breaches daily limit %.2f", pnl, limit)
	}
	return pass()
}

func (g *Gate) checkLossStreak(ctx context.Context, snap snapshot, _ *Request) *Result {
	if snap.risk.LossStreakLimit <= 0 {
		return pass()
	}
	streak, err := g.trades.LossStreak(ctx)
	if err != nil {
		return fail(ReasonLossStreak, "cannot read loss streak: %v", err)
	}
	if streak >= snap.risk.LossStreakLimit {
		return fail(ReasonLossStreak, "loss streak %d at limit %d", streak, snap.risk.LossStreakLimit)
	}
	return pass()
}

func (g *Gate) checkQuotaCritical(_ context.Context, _ snapshot, req *Request) *Result {
	if g.quota == nil {
		return pass()
	}
	if g.quota.Tier() == quota.TierCritical && !req.HotSymbol {
		return fail(ReasonQuotaCritical, "quota critical, %s not in hot set", req.Signal.Symbol)
	}
	return pass()
}

func (g *Gate) checkCooldownSignal(_ context.Context, _ snapshot, req *Request) *Result {
	if g.cooldowns != nil && req.Signal.Signal.IsOpening() && g.cooldowns.ActiveForSymbol(req.Signal.Symbol) {
		return fail(ReasonCooldownSignal, "signal cooldown active for %s", req.Signal.Symbol)
	}
	return pass()
}

func (g *Gate) checkMinNotional(_ context.Context, _ snapshot, req *Request) *Result {
	if !req.Signal.Signal.IsOpening() {
		return pass()
	}
	if req.NotionalUSD < minNotionalUSD {
		return fail(ReasonMinNotional, "order value %.2f below venue minimum %.2f", req.NotionalUSD, minNotionalUSD)
	}
	return pass()
}
