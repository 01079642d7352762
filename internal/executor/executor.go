// Package executor turns actionable signals into venue orders. Execution is
// idempotent by signal id, risk-gated, and every terminal outcome publishes a
// trade-status event.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/cooldown"
	"github.com/quorumtrade/quorum/internal/exchange"
	"github.com/quorumtrade/quorum/internal/metrics"
	"github.com/quorumtrade/quorum/internal/risk"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/store"
	"github.com/quorumtrade/quorum/internal/symbols"
)

// Outcome statuses
const (
	StatusFilled   = "filled"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
	StatusNoRecord = "no_record"
)

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond

	// Fallbacks when the venue's exchange-info filters are unavailable
	defaultQtyStep     = 0.001
	defaultMinNotional = 5.0
)

// Outcome is the terminal result of one execute call
type Outcome struct {
	SignalID int64
	Status   string
	Symbol   string
	Side     string
	Price    float64
	Qty      float64
	Reason   string
	At       time.Time
}

// TradeStatusEvent is the wire form of an outcome
type TradeStatusEvent struct {
	Type     string  `json:"type"`
	SignalID int64   `json:"signal_id"`
	Status   string  `json:"status"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Qty      float64 `json:"qty"`
	Reason   string  `json:"reason"`
	TS       int64   `json:"ts"`
}

// Event converts an outcome to its published form
func (o *Outcome) Event() *TradeStatusEvent {
	return &TradeStatusEvent{
		Type:     "trade_status",
		SignalID: o.SignalID,
		Status:   o.Status,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Price:    o.Price,
		Qty:      o.Qty,
		Reason:   o.Reason,
		TS:       o.At.UnixMilli(),
	}
}

// StatusPublisher receives trade-status events (the WS hub implements this)
type StatusPublisher interface {
	PublishTradeStatus(ev *TradeStatusEvent)
}

// TradeLog is the persistence surface the executor needs (store.TradeStore)
type TradeLog interface {
	Insert(ctx context.Context, tr *store.TradeRecord) error
	MarkFilled(ctx context.Context, clientID, orderID string, price, qty float64) error
	MarkFailed(ctx context.Context, clientID string) error
	MarkCanceled(ctx context.Context, clientID string) error
	Pending(ctx context.Context) ([]*store.TradeRecord, error)
}

// Executor places orders for actionable signals
type Executor struct {
	configFn  risk.ConfigSource
	venue     exchange.Exchange
	gate      *risk.Gate
	trades    TradeLog
	signalCDs *cooldown.Tracker
	closeCDs  *cooldown.Tracker
	publisher StatusPublisher
	logger    zerolog.Logger

	mu            sync.Mutex
	outcomes      map[int64]*Outcome
	unknownStatus map[string]int // consecutive unparseable statuses by client id
}

// New creates an executor. publisher may be nil.
func New(configFn risk.ConfigSource, venue exchange.Exchange, gate *risk.Gate, trades TradeLog, signalCDs, closeCDs *cooldown.Tracker, publisher StatusPublisher) *Executor {
	return &Executor{
		configFn:      configFn,
		venue:         venue,
		gate:          gate,
		trades:        trades,
		signalCDs:     signalCDs,
		closeCDs:      closeCDs,
		publisher:     publisher,
		logger:        config.NewLogger("executor"),
		outcomes:      make(map[int64]*Outcome),
		unknownStatus: make(map[string]int),
	}
}

// Result returns the recorded outcome for a signal id, or a no_record stub
func (e *Executor) Result(signalID int64) *Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if out, ok := e.outcomes[signalID]; ok {
		return out
	}
	return &Outcome{SignalID: signalID, Status: StatusNoRecord, At: time.Now()}
}

// Execute runs the full pipeline for one signal. A repeated call with the
// same signal id returns the previous outcome without touching the venue.
func (e *Executor) Execute(ctx context.Context, sig *signal.Signal) *Outcome {
	e.mu.Lock()
	if prior, ok := e.outcomes[sig.ID]; ok {
		e.mu.Unlock()
		return prior
	}
	e.mu.Unlock()

	out := e.run(ctx, sig)
	out.At = time.Now()

	e.mu.Lock()
	e.outcomes[sig.ID] = out
	e.mu.Unlock()

	metrics.ExecutorOutcomesTotal.WithLabelValues(out.Status, metrics.NormalizeOutcomeReason(out.Reason)).Inc()
	if e.publisher != nil {
		e.publisher.PublishTradeStatus(out.Event())
	}
	e.logger.Info().
		Int64("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("status", out.Status).
		Str("reason", out.Reason).
		Float64("qty", out.Qty).
		Msg("Signal executed")
	return out
}

func (e *Executor) run(ctx context.Context, sig *signal.Signal) *Outcome {
	symbol := symbols.ToRaw(sig.Symbol)
	out := &Outcome{SignalID: sig.ID, Symbol: symbol, Side: string(sig.Signal)}

	if sig.Signal == signal.DirectionHold {
		out.Status = StatusSkipped
		out.Reason = "hold"
		return out
	}

	cfg := e.configFn()

	equity, err := e.equity(ctx)
	if err != nil {
		out.Status = StatusFailed
		out.Reason = "balance-unavailable: " + err.Error()
		return out
	}

	mark, _, err := e.venue.MarkPrice(ctx, symbol)
	if err != nil || mark <= 0 {
		out.Status = StatusFailed
		out.Reason = "mark-unavailable"
		return out
	}

	notional := openNotional(&cfg.Trading, equity)

	verdict := e.gate.Check(ctx, &risk.Request{
		Signal:      sig,
		NotionalUSD: notional,
		EquityUSD:   equity,
		HotSymbol:   cfg.Trading.IsHot(symbol),
	})
	if !verdict.OK {
		out.Status = StatusSkipped
		out.Reason = verdict.Reason
		return out
	}

	intent, skip := e.resolveIntent(ctx, cfg, sig, symbol)
	if skip != "" {
		out.Status = StatusSkipped
		out.Reason = skip
		return out
	}

	if intent.closeQty > 0 {
		if e.closeCDs != nil && e.closeCDs.IsActive(symbol) {
			out.Status = StatusSkipped
			out.Reason = "close-cooldown"
			return out
		}
	}

	if intent.openQty == 0 && intent.closeQty == 0 {
		out.Status = StatusSkipped
		out.Reason = "no-position"
		return out
	}

	if intent.openQty > 0 {
		step, minNotional := defaultQtyStep, defaultMinNotional
		if fl, err := e.venue.Filters(ctx, symbol); err == nil && fl != nil {
			if fl.StepSize > 0 {
				step = fl.StepSize
			}
			if fl.MinNotional > 0 {
				minNotional = fl.MinNotional
			}
		} else if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Exchange-info filters unavailable, using defaults")
		}
		intent.openQty = quantize(notional/mark, step)
		if intent.openQty <= 0 || intent.openQty*mark < minNotional {
			out.Status = StatusSkipped
			out.Reason = "below-min-notional"
			return out
		}
	}

	e.prepareAccount(ctx, cfg, symbol)

	// A flip closes the old leg first, then opens the new one.
	if intent.closeQty > 0 {
		price, qty, err := e.placeClose(ctx, cfg, sig, symbol, intent)
		if err != nil {
			out.Status = StatusFailed
			out.Reason = err.Error()
			return out
		}
		if e.closeCDs != nil {
			e.closeCDs.Arm(ctx, symbol, cfg.Trading.CloseCooldown())
		}
		if intent.openQty == 0 {
			out.Status = StatusFilled
			out.Price = price
			out.Qty = qty
			out.Reason = intent.reason
			return out
		}
	}

	price, qty, err := e.placeOpen(ctx, cfg, sig, symbol, intent)
	if err != nil {
		out.Status = StatusFailed
		out.Reason = err.Error()
		return out
	}
	if e.signalCDs != nil {
		e.signalCDs.Arm(ctx, cooldown.Key(symbol, string(sig.Signal)), cfg.Debate.SignalCooldown())
	}

	out.Status = StatusFilled
	out.Price = price
	out.Qty = qty
	out.Reason = intent.reason
	return out
}

// intent is the resolved venue action for one signal
type intent struct {
	openSide  exchange.Side
	openPos   exchange.PositionSide
	openQty   float64 // sized later; nonzero marks an open leg
	closeSide exchange.Side
	closePos  exchange.PositionSide
	closeQty  float64
	reason    string
}

// resolveIntent maps direction plus current positions to an order plan.
// A nonempty skip reason means no venue action.
func (e *Executor) resolveIntent(ctx context.Context, cfg *config.Config, sig *signal.Signal, symbol string) (*intent, string) {
	positions, err := e.venue.FetchPositions(ctx)
	if err != nil {
		return nil, "positions-unavailable"
	}

	var long, short *exchange.Position
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		switch p.PositionSide {
		case exchange.PositionSideLong:
			long = p
		case exchange.PositionSideShort:
			short = p
		}
	}

	in := &intent{reason: "signal " + string(sig.Signal)}

	switch sig.Signal {
	case signal.DirectionBuy:
		if long != nil && !cfg.Trading.Pyramiding {
			return nil, "already-long"
		}
		if short != nil {
			switch cfg.Trading.OnOpposite {
			case "ignore":
				return nil, "opposite-ignored"
			case "close_only":
				in.closeSide, in.closePos, in.closeQty = exchange.SideBuy, exchange.PositionSideShort, short.Qty
				return in, ""
			default: // close_then_open
				in.closeSide, in.closePos, in.closeQty = exchange.SideBuy, exchange.PositionSideShort, short.Qty
			}
		}
		in.openSide, in.openPos, in.openQty = exchange.SideBuy, exchange.PositionSideLong, 1

	case signal.DirectionShort:
		if short != nil && !cfg.Trading.Pyramiding {
			return nil, "already-short"
		}
		if long != nil {
			switch cfg.Trading.OnOpposite {
			case "ignore":
				return nil, "opposite-ignored"
			case "close_only":
				in.closeSide, in.closePos, in.closeQty = exchange.SideSell, exchange.PositionSideLong, long.Qty
				return in, ""
			default:
				in.closeSide, in.closePos, in.closeQty = exchange.SideSell, exchange.PositionSideLong, long.Qty
			}
		}
		in.openSide, in.openPos, in.openQty = exchange.SideSell, exchange.PositionSideShort, 1

	case signal.DirectionSell:
		if long == nil {
			return nil, "no-position"
		}
		in.closeSide, in.closePos, in.closeQty = exchange.SideSell, exchange.PositionSideLong, long.Qty

	case signal.DirectionCover:
		if short == nil {
			return nil, "no-position"
		}
		in.closeSide, in.closePos, in.closeQty = exchange.SideBuy, exchange.PositionSideShort, short.Qty

	default:
		return nil, "hold"
	}

	return in, ""
}

// prepareAccount sets leverage and margin mode, best effort
func (e *Executor) prepareAccount(ctx context.Context, cfg *config.Config, symbol string) {
	if err := e.venue.SetLeverage(ctx, symbol, cfg.Trading.Leverage); err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to set leverage")
	}
	if err := e.venue.SetMarginMode(ctx, symbol, exchange.MarginMode(cfg.Trading.MarginMode)); err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to set margin mode")
	}
}

// placeOpen persists a pending record, places the market order, and attaches
// reduce-only TP and SL orders
func (e *Executor) placeOpen(ctx context.Context, cfg *config.Config, sig *signal.Signal, symbol string, in *intent) (price, qty float64, err error) {
	clientID := fmt.Sprintf("signal:%d", sig.ID)
	record := &store.TradeRecord{
		SignalID:     &sig.ID,
		ClientID:     clientID,
		Symbol:       symbol,
		Side:         string(in.openSide),
		PositionSide: store.PositionSide(in.openPos),
		Qty:          in.openQty,
		Status:       store.TradeStatusPending,
		Reason:       in.reason,
		Leverage:     cfg.Trading.Leverage,
		OpenedAt:     time.Now(),
	}
	if err := e.trades.Insert(ctx, record); err != nil {
		return 0, 0, fmt.Errorf("record-write-failed: %w", err)
	}

	order, err := e.placeWithRetry(ctx, exchange.OrderRequest{
		Symbol:       symbol,
		Side:         in.openSide,
		PositionSide: in.openPos,
		Type:         exchange.OrderTypeMarket,
		Quantity:     formatQty(in.openQty),
		ClientID:     clientID,
	})
	if err != nil {
		if dbErr := e.trades.MarkFailed(ctx, clientID); dbErr != nil {
			e.logger.Error().Err(dbErr).Str("client_id", clientID).Msg("Failed to mark trade failed")
		}
		return 0, 0, err
	}

	price = parseFloat(order.AvgPrice)
	qty = parseFloat(order.ExecutedQty)
	if err := e.trades.MarkFilled(ctx, clientID, order.OrderID, price, qty); err != nil {
		e.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to mark trade filled")
	}

	e.placeBrackets(ctx, cfg, sig, symbol, in, price, qty)
	return price, qty, nil
}

// placeBrackets attaches the TP and SL conditional orders. Failures are
// logged and left for the supervisor, which enforces stops on mark ticks.
func (e *Executor) placeBrackets(ctx context.Context, cfg *config.Config, sig *signal.Signal, symbol string, in *intent, fill, qty float64) {
	tp, sl := bracketPrices(cfg, sig, in.openPos, fill)
	exitSide := exchange.SideSell
	if in.openPos == exchange.PositionSideShort {
		exitSide = exchange.SideBuy
	}

	if tp > 0 {
		_, err := e.placeWithRetry(ctx, exchange.OrderRequest{
			Symbol:       symbol,
			Side:         exitSide,
			PositionSide: in.openPos,
			Type:         exchange.OrderTypeTakeProfitMarket,
			Quantity:     formatQty(qty),
			StopPrice:    formatPrice(tp),
			ReduceOnly:   true,
			ClientID:     fmt.Sprintf("tp:%d", sig.ID),
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to place take-profit order")
		}
	}
	if sl > 0 {
		_, err := e.placeWithRetry(ctx, exchange.OrderRequest{
			Symbol:       symbol,
			Side:         exitSide,
			PositionSide: in.openPos,
			Type:         exchange.OrderTypeStopMarket,
			Quantity:     formatQty(qty),
			StopPrice:    formatPrice(sl),
			ReduceOnly:   true,
			ClientID:     fmt.Sprintf("sl:%d", sig.ID),
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to place stop-loss order")
		}
	}
}

// placeClose flattens an existing leg with a reduce-only market order
func (e *Executor) placeClose(ctx context.Context, cfg *config.Config, sig *signal.Signal, symbol string, in *intent) (price, qty float64, err error) {
	clientID := fmt.Sprintf("signal:%d:close", sig.ID)
	reason := in.reason
	if in.openQty > 0 {
		// Flip leg; the primary record belongs to the open.
		reason = "signal " + closeDirection(in.closePos)
	}
	record := &store.TradeRecord{
		SignalID:     &sig.ID,
		ClientID:     clientID,
		Symbol:       symbol,
		Side:         string(in.closeSide),
		PositionSide: store.PositionSide(in.closePos),
		Qty:          in.closeQty,
		Status:       store.TradeStatusPending,
		Reason:       reason,
		Leverage:     cfg.Trading.Leverage,
		OpenedAt:     time.Now(),
	}
	if err := e.trades.Insert(ctx, record); err != nil {
		return 0, 0, fmt.Errorf("record-write-failed: %w", err)
	}

	order, err := e.placeWithRetry(ctx, exchange.OrderRequest{
		Symbol:       symbol,
		Side:         in.closeSide,
		PositionSide: in.closePos,
		Type:         exchange.OrderTypeMarket,
		Quantity:     formatQty(in.closeQty),
		ReduceOnly:   true,
		ClientID:     clientID,
	})
	if err != nil {
		if dbErr := e.trades.MarkFailed(ctx, clientID); dbErr != nil {
			e.logger.Error().Err(dbErr).Str("client_id", clientID).Msg("Failed to mark trade failed")
		}
		return 0, 0, err
	}

	price = parseFloat(order.AvgPrice)
	qty = parseFloat(order.ExecutedQty)
	if err := e.trades.MarkFilled(ctx, clientID, order.OrderID, price, qty); err != nil {
		e.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to mark trade filled")
	}

	// The old leg's brackets no longer protect anything.
	e.cancelBrackets(ctx, symbol, sig.ID)
	return price, qty, nil
}

func (e *Executor) cancelBrackets(ctx context.Context, symbol string, signalID int64) {
	open, err := e.venue.OpenOrders(ctx, symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to list open orders")
		return
	}
	for _, o := range open {
		if !o.ReduceOnly {
			continue
		}
		if strings.HasPrefix(o.ClientID, "tp:") || strings.HasPrefix(o.ClientID, "sl:") {
			if err := e.venue.CancelOrder(ctx, symbol, o.ClientID); err != nil {
				e.logger.Warn().Err(err).Str("client_id", o.ClientID).Msg("Failed to cancel bracket order")
			}
		}
	}
}

// placeWithRetry retries retryable venue failures with exponential backoff.
// A response with a status the engine cannot parse counts as retryable once;
// a second consecutive one for the same client id is treated as permanent.
func (e *Executor) placeWithRetry(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	backoff := retryBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		order, err := e.venue.CreateOrder(ctx, req)
		if err == nil {
			if exchange.KnownOrderStatus(order.Status) {
				e.mu.Lock()
				delete(e.unknownStatus, req.ClientID)
				e.mu.Unlock()
				return order, nil
			}
			e.mu.Lock()
			e.unknownStatus[req.ClientID]++
			strikes := e.unknownStatus[req.ClientID]
			e.mu.Unlock()
			lastErr = fmt.Errorf("unparseable-status: %q", order.Status)
			if strikes >= 2 {
				return nil, lastErr
			}
		} else {
			lastErr = err
			if !exchange.IsRetryable(err) {
				return nil, err
			}
		}
		if attempt == maxAttempts {
			break
		}
		e.logger.Warn().
			Err(lastErr).
			Str("client_id", req.ClientID).
			Int("attempt", attempt).
			Msg("Retryable venue failure, backing off")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (e *Executor) equity(ctx context.Context) (float64, error) {
	balances, err := e.venue.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == symbols.Quote {
			return b.Total, nil
		}
	}
	return 0, nil
}

// openNotional is the configured order value clamp
func openNotional(cfg *config.TradingConfig, equity float64) float64 {
	notional := cfg.AmountUSDT
	if cfg.MaxPositionUSDT > 0 && cfg.MaxPositionUSDT < notional {
		notional = cfg.MaxPositionUSDT
	}
	if cfg.AmountPct > 0 {
		if byPct := cfg.AmountPct / 100 * equity; byPct < notional {
			notional = byPct
		}
	}
	if cfg.MaxPositionPct > 0 {
		if byPct := cfg.MaxPositionPct / 100 * equity; byPct < notional {
			notional = byPct
		}
	}
	return notional
}

// bracketPrices computes TP and SL triggers. Referee-supplied prices win;
// otherwise configured percentages, leverage-adjusted, off the fill price.
func bracketPrices(cfg *config.Config, sig *signal.Signal, pos exchange.PositionSide, fill float64) (tp, sl float64) {
	tp, sl = sig.TPPrice, sig.SLPrice
	lev := float64(cfg.Trading.Leverage)
	if lev < 1 {
		lev = 1
	}
	tpMove := cfg.Trading.TakeProfitPct / 100 / lev
	slMove := cfg.Trading.StopLossPct / 100 / lev

	if pos == exchange.PositionSideLong {
		if tp <= 0 && cfg.Trading.TakeProfitPct > 0 {
			tp = fill * (1 + tpMove)
		}
		if sl <= 0 && cfg.Trading.StopLossPct > 0 {
			sl = fill * (1 - slMove)
		}
	} else {
		if tp <= 0 && cfg.Trading.TakeProfitPct > 0 {
			tp = fill * (1 - tpMove)
		}
		if sl <= 0 && cfg.Trading.StopLossPct > 0 {
			sl = fill * (1 + slMove)
		}
	}
	return tp, sl
}

func closeDirection(pos exchange.PositionSide) string {
	if pos == exchange.PositionSideLong {
		return "SELL"
	}
	return "COVER"
}

// quantize rounds qty down to the venue step grid
func quantize(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	steps := int64(qty / step)
	return float64(steps) * step
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
