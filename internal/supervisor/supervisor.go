// Package supervisor watches open positions and enforces exits: static TP/SL,
// the trailing stop ladder, adverse-reversal tightening, and position
// timeouts. The ladder math lives here and nowhere else; callers that need
// the current stop ask StopPrice.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/cooldown"
	"github.com/quorumtrade/quorum/internal/exchange"
	"github.com/quorumtrade/quorum/internal/metrics"
	"github.com/quorumtrade/quorum/internal/risk"
	"github.com/quorumtrade/quorum/internal/store"
)

// State is the supervision lifecycle of one position
type State string

const (
	StateOpen     State = "open"
	StateTrailing State = "trailing"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// Close reasons (persisted on the closing TradeRecord)
const (
	CloseTP      = "tp"
	CloseSL      = "sl"
	CloseTrail   = "trailing"
	CloseTimeout = "timeout"
	CloseAdverse = "adverse-reversal"
	CloseManual  = "manual"
)

const timeoutScanInterval = time.Minute

// PositionEvent is the broadcast form of a supervised position
type PositionEvent struct {
	Type          string  `json:"type"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	State         string  `json:"state"`
	Tightened     bool    `json:"tightened,omitempty"`
	StopPrice     float64 `json:"stop_price"`
	TS            int64   `json:"ts"`
}

// OrderEvent is the broadcast form of a venue user-data order update
type OrderEvent struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	ClientID string `json:"client_id"`
	Side     string `json:"side"`
	Status   string `json:"status"`
	Price    string `json:"price"`
	Qty      string `json:"qty"`
	TS       int64  `json:"ts"`
}

// EventPublisher receives supervisor broadcasts (the WS hub implements this)
type EventPublisher interface {
	PublishPositionUpdate(ev *PositionEvent)
	PublishOrderUpdate(ev *OrderEvent)
}

// TradeLog is the persistence surface the supervisor needs (store.TradeStore)
type TradeLog interface {
	Insert(ctx context.Context, tr *store.TradeRecord) error
	MarkFilled(ctx context.Context, clientID, orderID string, price, qty float64) error
	MarkFailed(ctx context.Context, clientID string) error
	SetPnL(ctx context.Context, clientID string, pnlUSDT, pnlPct float64, closedAt time.Time) error
}

// position is one supervised leg
type position struct {
	symbol         string
	side           exchange.PositionSide
	qty            float64
	entry          float64
	leverage       int
	signalID       int64
	openedAt       time.Time
	state          State
	peak           float64 // favorable extreme since open
	rung           int     // 0 = below L1, else 1-based ladder index
	stop           float64 // effective stop, monotone toward the entry side
	staticTP       float64
	staticSL       float64
	tightenedUntil time.Time
	closeReason    string // set with the Closing latch
}

func (p *position) key() string { return p.symbol + ":" + string(p.side) }

func (p *position) long() bool { return p.side == exchange.PositionSideLong }

// favorableMovePct is the leverage-adjusted percent move from entry to peak
func (p *position) favorableMovePct() float64 {
	if p.entry == 0 {
		return 0
	}
	lev := float64(p.leverage)
	if lev < 1 {
		lev = 1
	}
	if p.long() {
		return (p.peak - p.entry) / p.entry * 100 * lev
	}
	return (p.entry - p.peak) / p.entry * 100 * lev
}

// Supervisor owns the position state machines
type Supervisor struct {
	configFn  risk.ConfigSource
	venue     exchange.Exchange
	trades    TradeLog
	closeCDs  *cooldown.Tracker
	publisher EventPublisher
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	positions map[string]*position
}

// New creates a supervisor. publisher and closeCDs may be nil.
func New(configFn risk.ConfigSource, venue exchange.Exchange, trades TradeLog, closeCDs *cooldown.Tracker, publisher EventPublisher) *Supervisor {
	return &Supervisor{
		configFn:  configFn,
		venue:     venue,
		trades:    trades,
		closeCDs:  closeCDs,
		publisher: publisher,
		logger:    config.NewLogger("supervisor"),
		now:       time.Now,
		positions: make(map[string]*position),
	}
}

// SetClock overrides the time source (tests)
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Track registers a freshly opened position
func (s *Supervisor) Track(symbol string, side exchange.PositionSide, qty, entry, tp, sl float64, leverage int, signalID int64) {
	p := &position{
		symbol:   symbol,
		side:     side,
		qty:      qty,
		entry:    entry,
		leverage: leverage,
		signalID: signalID,
		openedAt: s.now(),
		state:    StateOpen,
		peak:     entry,
		staticTP: tp,
		staticSL: sl,
		stop:     sl,
	}
	s.mu.Lock()
	s.positions[p.key()] = p
	count := s.openCount()
	s.mu.Unlock()

	metrics.OpenPositions.Set(float64(count))
	s.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("entry", entry).
		Msg("Position tracked")
}

// Restore adopts positions already open on the venue (startup)
func (s *Supervisor) Restore(ctx context.Context) error {
	positions, err := s.venue.FetchPositions(ctx)
	if err != nil {
		return err
	}
	cfg := s.configFn()
	for _, p := range positions {
		tp, sl := staticBrackets(&cfg.Trading, p.PositionSide, p.EntryPrice)
		s.Track(p.Symbol, p.PositionSide, p.Qty, p.EntryPrice, tp, sl, p.Leverage, 0)
	}
	s.logger.Info().Int("adopted", len(positions)).Msg("Venue positions adopted")
	return nil
}

// StopPrice returns the current effective stop for a supervised leg, or
// false when the leg is not supervised
func (s *Supervisor) StopPrice(symbol string, side exchange.PositionSide) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol+":"+string(side)]
	if !ok || p.state == StateClosed {
		return 0, false
	}
	return p.stop, true
}

// Snapshot returns broadcastable views of all supervised positions
func (s *Supervisor) Snapshot(markOf func(symbol string) float64) []*PositionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []*PositionEvent
	for _, p := range s.positions {
		if p.state == StateClosed {
			continue
		}
		mark := 0.0
		if markOf != nil {
			mark = markOf(p.symbol)
		}
		events = append(events, s.positionEvent(p, mark))
	}
	return events
}

// Run consumes mark and user-data streams until ctx ends. Single loop, so
// per-symbol tick ordering is arrival ordering.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.configFn()
	marks, err := s.venue.StreamMarks(ctx, cfg.Trading.Symbols)
	if err != nil {
		return fmt.Errorf("mark stream: %w", err)
	}
	users, err := s.venue.StreamUserData(ctx)
	if err != nil {
		return fmt.Errorf("user data stream: %w", err)
	}

	ticker := time.NewTicker(timeoutScanInterval)
	defer ticker.Stop()

	s.logger.Info().Msg("Supervisor running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-marks:
			if !ok {
				return fmt.Errorf("mark stream closed")
			}
			s.OnMark(ctx, ev)
		case ev, ok := <-users:
			if !ok {
				return fmt.Errorf("user data stream closed")
			}
			s.OnOrderUpdate(ctx, ev)
		case <-ticker.C:
			s.scanTimeouts(ctx)
		}
	}
}

// OnMark advances the state machine for one mark-price tick
func (s *Supervisor) OnMark(ctx context.Context, ev exchange.MarkEvent) {
	cfg := s.configFn()

	s.mu.Lock()
	var due []*position
	for _, p := range s.positions {
		if p.symbol != ev.Symbol || p.state == StateClosing || p.state == StateClosed {
			continue
		}
		s.advance(&cfg.Trading, p, ev.MarkPrice)
		if reason := s.triggered(p, ev.MarkPrice); reason != "" {
			p.state = StateClosing // latch before releasing the lock
			p.closeReason = reason
			due = append(due, p)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		s.close(ctx, p, p.closeReason, ev.MarkPrice)
	}

	if s.publisher != nil {
		s.mu.Lock()
		for _, p := range s.positions {
			if p.symbol == ev.Symbol && p.state != StateClosed {
				s.publisher.PublishPositionUpdate(s.positionEvent(p, ev.MarkPrice))
			}
		}
		s.mu.Unlock()
	}
}

// advance updates peak, ladder rung, tighten overlay, and the effective stop.
// Callers hold the lock.
func (s *Supervisor) advance(cfg *config.TradingConfig, p *position, mark float64) {
	if p.long() {
		if mark > p.peak {
			p.peak = mark
		}
	} else {
		if mark < p.peak {
			p.peak = mark
		}
	}

	move := p.favorableMovePct()
	rung := 0
	for i, step := range cfg.TrailingLadder {
		if move >= step.TriggerPct {
			rung = i + 1
		}
	}
	if rung > p.rung {
		p.rung = rung
	}
	if p.rung >= 1 && p.state == StateOpen {
		p.state = StateTrailing
		s.logger.Info().Str("symbol", p.symbol).Int("rung", p.rung).Msg("Trailing engaged")
	}

	now := s.now()
	if p.state == StateTrailing && cfg.AdverseTightenPct > 0 && now.After(p.tightenedUntil) {
		if adverseRetracePct(p, mark) > cfg.AdverseTightenPct {
			p.tightenedUntil = now.Add(time.Duration(cfg.TightenWindowMin) * time.Minute)
			s.logger.Warn().
				Str("symbol", p.symbol).
				Float64("peak", p.peak).
				Float64("mark", mark).
				Msg("Adverse reversal, stop tightened")
		}
	}

	s.recomputeStop(cfg, p)
}

// recomputeStop is the single home of the ladder formula. The effective stop
// only ever moves toward the favorable side.
func (s *Supervisor) recomputeStop(cfg *config.TradingConfig, p *position) {
	stop := p.staticSL

	rung := p.rung
	if s.now().Before(p.tightenedUntil) && rung >= 1 && rung < len(cfg.TrailingLadder) {
		rung++
	}
	if rung >= 1 && rung <= len(cfg.TrailingLadder) {
		lev := float64(p.leverage)
		if lev < 1 {
			lev = 1
		}
		dist := cfg.TrailingLadder[rung-1].StopPct / 100 / lev
		var ladderStop float64
		if p.long() {
			ladderStop = p.peak * (1 - dist)
			if ladderStop > stop {
				stop = ladderStop
			}
		} else {
			ladderStop = p.peak * (1 + dist)
			if stop == 0 || ladderStop < stop {
				stop = ladderStop
			}
		}
	}

	if p.long() {
		if stop > p.stop {
			p.stop = stop
		}
	} else {
		if p.stop == 0 || (stop > 0 && stop < p.stop) {
			p.stop = stop
		}
	}
}

// triggered returns the close reason a tick fires, or "". Loss minimization:
// SL beats TP beats the trailing stop when a gap tick crosses several.
func (s *Supervisor) triggered(p *position, mark float64) string {
	if p.long() {
		if p.staticSL > 0 && mark <= p.staticSL {
			return CloseSL
		}
		if p.staticTP > 0 && mark >= p.staticTP {
			return CloseTP
		}
		if p.rung >= 1 && p.stop > 0 && mark <= p.stop {
			if s.now().Before(p.tightenedUntil) {
				return CloseAdverse
			}
			return CloseTrail
		}
		return ""
	}
	if p.staticSL > 0 && mark >= p.staticSL {
		return CloseSL
	}
	if p.staticTP > 0 && mark <= p.staticTP {
		return CloseTP
	}
	if p.rung >= 1 && p.stop > 0 && mark >= p.stop {
		if s.now().Before(p.tightenedUntil) {
			return CloseAdverse
		}
		return CloseTrail
	}
	return ""
}

// OnOrderUpdate reacts to venue user-data order events. Bracket fills close
// the supervised leg; every event is re-broadcast.
func (s *Supervisor) OnOrderUpdate(ctx context.Context, ev exchange.OrderUpdate) {
	if s.publisher != nil {
		s.publisher.PublishOrderUpdate(&OrderEvent{
			Type:     "order_update",
			Symbol:   ev.Symbol,
			ClientID: ev.ClientID,
			Side:     string(ev.Side),
			Status:   ev.Status,
			Price:    ev.AvgPrice,
			Qty:      ev.FilledQty,
			TS:       ev.Time.UnixMilli(),
		})
	}

	if ev.Status != "FILLED" {
		return
	}
	reason := bracketReason(ev.ClientID)
	if reason == "" {
		return
	}

	s.mu.Lock()
	var hit *position
	for _, p := range s.positions {
		// A bracket fill's order side is the exit side of its leg, which
		// disambiguates hedge-mode symbols with both legs open.
		if p.symbol == ev.Symbol && p.state != StateClosed && exitSide(p.side) == ev.Side {
			hit = p
			break
		}
	}
	if hit != nil {
		hit.state = StateClosed
	}
	count := s.openCount()
	s.mu.Unlock()

	if hit == nil {
		return
	}
	metrics.OpenPositions.Set(float64(count))
	metrics.SupervisorClosesTotal.WithLabelValues(reason).Inc()

	price := parseFloat(ev.AvgPrice)
	qty := parseFloat(ev.FilledQty)
	s.recordBracketClose(ctx, hit, ev.ClientID, reason, price, qty)
	if s.closeCDs != nil {
		s.closeCDs.Arm(ctx, ev.Symbol, s.configFn().Trading.CloseCooldown())
	}
	s.logger.Info().
		Str("symbol", ev.Symbol).
		Str("reason", reason).
		Float64("price", price).
		Msg("Bracket fill closed position")
}

// recordBracketClose persists the venue-side bracket fill as a closing trade
func (s *Supervisor) recordBracketClose(ctx context.Context, p *position, clientID, reason string, price, qty float64) {
	pnl, pnlPct := roundTripPnL(p, price, qty)
	now := s.now()
	record := &store.TradeRecord{
		ClientID:     clientID,
		Symbol:       p.symbol,
		Side:         string(exitSide(p.side)),
		PositionSide: store.PositionSide(p.side),
		Price:        price,
		Qty:          qty,
		Status:       store.TradeStatusFilled,
		Reason:       reason,
		PnLUSDT:      &pnl,
		PnLPct:       &pnlPct,
		Leverage:     p.leverage,
		OpenedAt:     now,
		ClosedAt:     &now,
	}
	if p.signalID != 0 {
		record.SignalID = &p.signalID
	}
	if err := s.trades.Insert(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to record bracket close")
	}
}

// close flattens a leg with a reduce-only market order. The Closing latch is
// already set by the caller; a second trigger for the same leg is a no-op.
func (s *Supervisor) close(ctx context.Context, p *position, reason string, mark float64) {
	clientID := fmt.Sprintf("%s:%d:%s", reason, p.signalID, p.symbol)
	record := &store.TradeRecord{
		ClientID:     clientID,
		Symbol:       p.symbol,
		Side:         string(exitSide(p.side)),
		PositionSide: store.PositionSide(p.side),
		Price:        mark,
		Qty:          p.qty,
		Status:       store.TradeStatusPending,
		Reason:       reason,
		Leverage:     p.leverage,
		OpenedAt:     s.now(),
	}
	if p.signalID != 0 {
		record.SignalID = &p.signalID
	}
	if err := s.trades.Insert(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to insert closing record")
	}

	order, err := s.venue.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:       p.symbol,
		Side:         exitSide(p.side),
		PositionSide: p.side,
		Type:         exchange.OrderTypeMarket,
		Quantity:     strconv.FormatFloat(p.qty, 'f', -1, 64),
		ReduceOnly:   true,
		ClientID:     clientID,
	})
	if err != nil {
		// Release the latch to the pre-Closing state so the next tick or
		// timeout sweep can retry the close.
		s.logger.Error().Err(err).Str("symbol", p.symbol).Str("reason", reason).Msg("Close order failed")
		if dbErr := s.trades.MarkFailed(ctx, clientID); dbErr != nil {
			s.logger.Error().Err(dbErr).Str("client_id", clientID).Msg("Failed to mark close failed")
		}
		s.mu.Lock()
		if p.rung >= 1 {
			p.state = StateTrailing
		} else {
			p.state = StateOpen
		}
		s.mu.Unlock()
		return
	}

	fill := parseFloat(order.AvgPrice)
	qty := parseFloat(order.ExecutedQty)
	if err := s.trades.MarkFilled(ctx, clientID, order.OrderID, fill, qty); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to mark close filled")
	}
	pnl, pnlPct := roundTripPnL(p, fill, qty)
	if err := s.trades.SetPnL(ctx, clientID, pnl, pnlPct, s.now()); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to record close pnl")
	}

	s.cancelBrackets(ctx, p)

	s.mu.Lock()
	p.state = StateClosed
	count := s.openCount()
	s.mu.Unlock()

	metrics.OpenPositions.Set(float64(count))
	metrics.SupervisorClosesTotal.WithLabelValues(reason).Inc()
	if s.closeCDs != nil {
		s.closeCDs.Arm(ctx, p.symbol, s.configFn().Trading.CloseCooldown())
	}

	s.logger.Info().
		Str("symbol", p.symbol).
		Str("reason", reason).
		Float64("fill", fill).
		Float64("pnl_usdt", pnl).
		Msg("Position closed")
}

// cancelBrackets removes the leg's outstanding TP/SL orders
func (s *Supervisor) cancelBrackets(ctx context.Context, p *position) {
	open, err := s.venue.OpenOrders(ctx, p.symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", p.symbol).Msg("Failed to list open orders")
		return
	}
	for _, o := range open {
		if !o.ReduceOnly {
			continue
		}
		if bracketReason(o.ClientID) == "" {
			continue
		}
		if err := s.venue.CancelOrder(ctx, p.symbol, o.ClientID); err != nil {
			s.logger.Warn().Err(err).Str("client_id", o.ClientID).Msg("Failed to cancel bracket order")
		}
	}
}

// scanTimeouts force-closes stale positions that never reached the ladder
func (s *Supervisor) scanTimeouts(ctx context.Context) {
	cfg := s.configFn()
	if cfg.Trading.PositionTimeoutHrs <= 0 {
		return
	}
	maxAge := time.Duration(cfg.Trading.PositionTimeoutHrs) * time.Hour
	now := s.now()

	s.mu.Lock()
	var due []*position
	for _, p := range s.positions {
		if p.state != StateOpen || p.rung >= 1 {
			continue
		}
		if now.Sub(p.openedAt) >= maxAge {
			p.state = StateClosing
			p.closeReason = CloseTimeout
			due = append(due, p)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		mark, _, err := s.venue.MarkPrice(ctx, p.symbol)
		if err != nil {
			mark = p.entry
		}
		s.close(ctx, p, CloseTimeout, mark)
	}
}

// CloseManually flattens a leg on explicit request
func (s *Supervisor) CloseManually(ctx context.Context, symbol string, side exchange.PositionSide) error {
	s.mu.Lock()
	p, ok := s.positions[symbol+":"+string(side)]
	if !ok || p.state == StateClosing || p.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("no open position for %s %s", symbol, side)
	}
	p.state = StateClosing
	s.mu.Unlock()

	mark, _, err := s.venue.MarkPrice(ctx, symbol)
	if err != nil {
		mark = p.entry
	}
	s.close(ctx, p, CloseManual, mark)
	return nil
}

func (s *Supervisor) positionEvent(p *position, mark float64) *PositionEvent {
	unrealized := 0.0
	if mark > 0 {
		if p.long() {
			unrealized = (mark - p.entry) * p.qty
		} else {
			unrealized = (p.entry - mark) * p.qty
		}
	}
	return &PositionEvent{
		Type:          "position_update",
		Symbol:        p.symbol,
		Side:          string(p.side),
		Qty:           p.qty,
		EntryPrice:    p.entry,
		MarkPrice:     mark,
		UnrealizedPnL: unrealized,
		State:         string(p.state),
		Tightened:     s.now().Before(p.tightenedUntil),
		StopPrice:     p.stop,
		TS:            s.now().UnixMilli(),
	}
}

// openCount counts non-closed legs; callers hold the lock
func (s *Supervisor) openCount() int {
	n := 0
	for _, p := range s.positions {
		if p.state != StateClosed {
			n++
		}
	}
	return n
}

// adverseRetracePct is the leverage-adjusted pullback from peak
func adverseRetracePct(p *position, mark float64) float64 {
	if p.peak == 0 {
		return 0
	}
	lev := float64(p.leverage)
	if lev < 1 {
		lev = 1
	}
	if p.long() {
		return (p.peak - mark) / p.peak * 100 * lev
	}
	return (mark - p.peak) / p.peak * 100 * lev
}

// roundTripPnL computes realized PnL for a close fill
func roundTripPnL(p *position, close, qty float64) (usdt, pct float64) {
	if p.long() {
		usdt = (close - p.entry) * qty
	} else {
		usdt = (p.entry - close) * qty
	}
	if p.entry > 0 {
		lev := float64(p.leverage)
		if lev < 1 {
			lev = 1
		}
		if p.long() {
			pct = (close - p.entry) / p.entry * 100 * lev
		} else {
			pct = (p.entry - close) / p.entry * 100 * lev
		}
	}
	return usdt, pct
}

func exitSide(side exchange.PositionSide) exchange.Side {
	if side == exchange.PositionSideLong {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// bracketReason maps a bracket client id prefix to a close reason
func bracketReason(clientID string) string {
	switch {
	case len(clientID) > 3 && clientID[:3] == "tp:":
		return CloseTP
	case len(clientID) > 3 && clientID[:3] == "sl:":
		return CloseSL
	}
	return ""
}

// staticBrackets mirrors the executor's bracket price formula for adopted
// positions that have no referee-supplied levels
func staticBrackets(cfg *config.TradingConfig, side exchange.PositionSide, entry float64) (tp, sl float64) {
	lev := float64(cfg.Leverage)
	if lev < 1 {
		lev = 1
	}
	tpMove := cfg.TakeProfitPct / 100 / lev
	slMove := cfg.StopLossPct / 100 / lev
	if side == exchange.PositionSideLong {
		if cfg.TakeProfitPct > 0 {
			tp = entry * (1 + tpMove)
		}
		if cfg.StopLossPct > 0 {
			sl = entry * (1 - slMove)
		}
	} else {
		if cfg.TakeProfitPct > 0 {
			tp = entry * (1 - tpMove)
		}
		if cfg.StopLossPct > 0 {
			sl = entry * (1 + slMove)
		}
	}
	return tp, sl
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
