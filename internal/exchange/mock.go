package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/quorumtrade/quorum/internal/market"
	"github.com/quorumtrade/quorum/internal/symbols"
)

// Mock is an in-memory Exchange for tests and paper mode. Market orders fill
// instantly at the configured mark price; conditional orders rest until
// Trigger is called.
type Mock struct {
	mu sync.Mutex

	marks     map[string]float64
	funding   map[string]float64
	klines    map[string][]market.Candle
	orders    map[string]*Order // by client id
	positions map[string]*Position
	balance   float64
	leverage  map[string]int
	nextID    int64

	filters map[string]*SymbolFilters

	markCh chan MarkEvent
	userCh chan OrderUpdate

	// FailNext forces the next CreateOrder to fail with the given error
	FailNext error

	// NextStatus replaces the status on the next NextStatusTimes CreateOrder
	// responses, leaving the stored order untouched. Models a venue answering
	// with a status the caller cannot parse.
	NextStatus      string
	NextStatusTimes int
}

// NewMock creates a mock venue with the given wallet balance
func NewMock(balanceUSDT float64) *Mock {
	return &Mock{
		marks:     make(map[string]float64),
		funding:   make(map[string]float64),
		klines:    make(map[string][]market.Candle),
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		leverage:  make(map[string]int),
		filters:   make(map[string]*SymbolFilters),
		balance:   balanceUSDT,
		markCh:    make(chan MarkEvent, 256),
		userCh:    make(chan OrderUpdate, 256),
	}
}

// SetMark sets the mark price for a symbol and emits a stream tick
func (m *Mock) SetMark(symbol string, price float64) {
	symbol = symbols.ToRaw(symbol)
	m.mu.Lock()
	m.marks[symbol] = price
	m.mu.Unlock()

	select {
	case m.markCh <- MarkEvent{Symbol: symbol, MarkPrice: price, Time: time.Now()}:
	default:
	}
}

// SetKlines seeds the candle window for a symbol
func (m *Mock) SetKlines(symbol string, candles []market.Candle) {
	m.mu.Lock()
	m.klines[symbols.ToRaw(symbol)] = candles
	m.mu.Unlock()
}

func (m *Mock) Ping(ctx context.Context) error { return nil }

func (m *Mock) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles, ok := m.klines[symbols.ToRaw(symbol)]
	if !ok {
		return nil, &Error{Message: "no klines seeded for " + symbol}
	}
	return candles, nil
}

func (m *Mock) MarkPrice(ctx context.Context, symbol string) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = symbols.ToRaw(symbol)
	price, ok := m.marks[symbol]
	if !ok {
		return 0, 0, &Error{Message: "no mark price for " + symbol}
	}
	return price, m.funding[symbol], nil
}

func (m *Mock) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (m *Mock) RecentTrades(ctx context.Context, symbol string, limit int) ([]market.LargeTrade, error) {
	return nil, nil
}

func (m *Mock) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbols.ToRaw(symbol)] = leverage
	return nil
}

func (m *Mock) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	return nil
}

// CreateOrder fills market orders instantly; conditional orders rest open
func (m *Mock) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return nil, err
	}

	// Idempotence by client id.
	if existing, ok := m.orders[req.ClientID]; ok {
		return m.maybeOverrideStatus(existing), nil
	}

	symbol := symbols.ToRaw(req.Symbol)
	mark := m.marks[symbol]
	m.nextID++

	order := &Order{
		OrderID:      strconv.FormatInt(m.nextID, 10),
		ClientID:     req.ClientID,
		Symbol:       symbol,
		Side:         req.Side,
		PositionSide: req.PositionSide,
		Type:         req.Type,
		OrigQty:      req.Quantity,
		ReduceOnly:   req.ReduceOnly,
		UpdatedAt:    time.Now(),
	}

	if req.Type == OrderTypeMarket {
		if mark == 0 {
			return nil, &Error{Message: "no mark price for " + symbol}
		}
		order.Status = "FILLED"
		order.AvgPrice = strconv.FormatFloat(mark, 'f', -1, 64)
		order.ExecutedQty = req.Quantity
		m.applyFill(order)
		m.emitUserUpdate(order)
	} else {
		order.Status = "NEW"
		order.Price = req.StopPrice
	}

	m.orders[req.ClientID] = order
	return m.maybeOverrideStatus(order), nil
}

// maybeOverrideStatus applies NextStatus to a response copy; callers hold the
// lock
func (m *Mock) maybeOverrideStatus(order *Order) *Order {
	if m.NextStatus == "" || m.NextStatusTimes <= 0 {
		return order
	}
	m.NextStatusTimes--
	copied := *order
	copied.Status = m.NextStatus
	return &copied
}

// Trigger fills a resting conditional order at its stop price
func (m *Mock) Trigger(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[clientID]
	if !ok {
		return fmt.Errorf("no such order: %s", clientID)
	}
	if order.Status != "NEW" {
		return fmt.Errorf("order %s not open: %s", clientID, order.Status)
	}
	order.Status = "FILLED"
	order.AvgPrice = order.Price
	order.ExecutedQty = order.OrigQty
	order.UpdatedAt = time.Now()
	m.applyFill(order)
	m.emitUserUpdate(order)
	return nil
}

func (m *Mock) CancelOrder(ctx context.Context, symbol, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientID]
	if !ok || order.Status != "NEW" {
		return nil
	}
	order.Status = "CANCELED"
	order.UpdatedAt = time.Now()
	return nil
}

func (m *Mock) GetOrder(ctx context.Context, symbol, clientID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientID]
	if !ok {
		return nil, &Error{Code: -2013, Message: "Order does not exist"}
	}
	return order, nil
}

func (m *Mock) OpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = symbols.ToRaw(symbol)
	var open []*Order
	for _, o := range m.orders {
		if o.Status == "NEW" && (symbol == "" || o.Symbol == symbol) {
			open = append(open, o)
		}
	}
	return open, nil
}

func (m *Mock) FetchPositions(ctx context.Context) ([]*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var positions []*Position
	for _, p := range m.positions {
		if p.Qty == 0 {
			continue
		}
		copied := *p
		copied.MarkPrice = m.marks[p.Symbol]
		positions = append(positions, &copied)
	}
	return positions, nil
}

func (m *Mock) FetchBalance(ctx context.Context) ([]*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []*Balance{{Asset: symbols.Quote, Total: m.balance, Available: m.balance}}, nil
}

// SetFilters seeds the order constraints for a symbol
func (m *Mock) SetFilters(symbol string, f *SymbolFilters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[symbols.ToRaw(symbol)] = f
}

// Filters returns the seeded constraints, or a permissive default
func (m *Mock) Filters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.filters[symbols.ToRaw(symbol)]; ok {
		return f, nil
	}
	return &SymbolFilters{StepSize: 0.001, MinNotional: 5, TickSize: 0.01}, nil
}

func (m *Mock) StreamMarks(ctx context.Context, syms []string) (<-chan MarkEvent, error) {
	return m.markCh, nil
}

func (m *Mock) StreamUserData(ctx context.Context) (<-chan OrderUpdate, error) {
	return m.userCh, nil
}

// applyFill mutates position state; callers hold the lock
func (m *Mock) applyFill(order *Order) {
	key := order.Symbol + ":" + string(order.PositionSide)
	pos, ok := m.positions[key]
	if !ok {
		pos = &Position{
			Symbol:       order.Symbol,
			PositionSide: order.PositionSide,
			Leverage:     m.leverage[order.Symbol],
		}
		m.positions[key] = pos
	}

	qty, _ := strconv.ParseFloat(order.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(order.AvgPrice, 64)

	opening := (order.PositionSide == PositionSideLong && order.Side == SideBuy) ||
		(order.PositionSide == PositionSideShort && order.Side == SideSell)
	if opening {
		total := pos.Qty + qty
		if total > 0 {
			pos.EntryPrice = (pos.EntryPrice*pos.Qty + price*qty) / total
		}
		pos.Qty = total
	} else {
		pos.Qty -= qty
		if pos.Qty <= 1e-12 {
			pos.Qty = 0
			pos.EntryPrice = 0
		}
	}
}

func (m *Mock) emitUserUpdate(order *Order) {
	select {
	case m.userCh <- OrderUpdate{
		Symbol:    order.Symbol,
		ClientID:  order.ClientID,
		Side:      order.Side,
		Status:    order.Status,
		AvgPrice:  order.AvgPrice,
		FilledQty: order.ExecutedQty,
		Time:      order.UpdatedAt,
	}:
	default:
	}
}
