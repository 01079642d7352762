package ws

import (
	"github.com/quorumtrade/quorum/internal/executor"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/supervisor"
)

// Publisher routes engine events to the two broadcast channels. It satisfies
// the executor's and supervisor's publisher interfaces.
type Publisher struct {
	Market  *Hub
	Signals *Hub
}

// NewPublisher wires both hubs
func NewPublisher(market, signals *Hub) *Publisher {
	return &Publisher{Market: market, Signals: signals}
}

// PublishNewSignal broadcasts a freshly produced signal
func (p *Publisher) PublishNewSignal(sig *signal.Signal) {
	p.Signals.Broadcast("new_signal", sig)
}

// PublishTradeStatus broadcasts an executor outcome
func (p *Publisher) PublishTradeStatus(ev *executor.TradeStatusEvent) {
	p.Signals.Broadcast("trade_status", ev)
}

// PublishOrderUpdate broadcasts a venue order event
func (p *Publisher) PublishOrderUpdate(ev *supervisor.OrderEvent) {
	p.Signals.Broadcast("order_update", ev)
}

// PublishPositionUpdate broadcasts a supervised position state
func (p *Publisher) PublishPositionUpdate(ev *supervisor.PositionEvent) {
	p.Market.Broadcast("position_update", ev)
}

// PublishPrices broadcasts the latest mark prices by raw symbol
func (p *Publisher) PublishPrices(prices map[string]float64) {
	p.Market.Broadcast("prices", prices)
}

// BalanceUpdate is the broadcast form of a wallet change
type BalanceUpdate struct {
	Asset     string  `json:"asset"`
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// PublishBalanceUpdate broadcasts a wallet change
func (p *Publisher) PublishBalanceUpdate(ev *BalanceUpdate) {
	p.Market.Broadcast("balance_update", ev)
}
