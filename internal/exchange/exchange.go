// Package exchange adapts the trading venue. All venue I/O in the engine
// flows through the Exchange interface; the Binance USD-M implementation and
// the in-memory mock both satisfy it.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quorumtrade/quorum/internal/market"
)

// Side is the order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide distinguishes hedge-mode position legs
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderType is the venue order type
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// MarginMode is cross or isolated margin
type MarginMode string

const (
	MarginModeCross    MarginMode = "cross"
	MarginModeIsolated MarginMode = "isolated"
)

// OrderRequest describes one order to place. Quantities and prices travel as
// decimal strings; the venue rejects float artifacts.
type OrderRequest struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Quantity     string
	StopPrice    string // STOP_MARKET / TAKE_PROFIT_MARKET trigger
	ReduceOnly   bool
	ClientID     string
}

// Order is a normalized venue order
type Order struct {
	OrderID      string
	ClientID     string
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Status       string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, REJECTED, EXPIRED
	Price        string
	AvgPrice     string
	OrigQty      string
	ExecutedQty  string
	ReduceOnly   bool
	UpdatedAt    time.Time
}

// Filled reports whether the order is completely filled
func (o *Order) Filled() bool { return o.Status == "FILLED" }

// KnownOrderStatus reports whether a venue order status is one the engine
// understands. Anything else is a response the caller cannot act on.
func KnownOrderStatus(s string) bool {
	switch s {
	case "NEW", "PARTIALLY_FILLED", "FILLED", "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return true
	}
	return false
}

// SymbolFilters is the venue's order constraints for one symbol
type SymbolFilters struct {
	StepSize    float64 // quantity grid
	MinNotional float64 // smallest accepted order value in quote units
	TickSize    float64 // price grid
}

// Position is one open position leg, read from the venue
type Position struct {
	Symbol           string
	PositionSide     PositionSide
	Qty              float64 // positive for both sides
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnLUSD float64
	Leverage         int
}

// Balance is the futures wallet state for one asset
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// MarkEvent is one mark-price stream tick
type MarkEvent struct {
	Symbol      string
	MarkPrice   float64
	FundingRate float64
	Time        time.Time
}

// OrderUpdate is one normalized user-data order event
type OrderUpdate struct {
	Symbol      string
	ClientID    string
	Side        Side
	Status      string
	AvgPrice    string
	FilledQty   string
	RealizedPnL string
	Time        time.Time
}

// Exchange is the venue adapter surface
type Exchange interface {
	// Market data (also serves market.DataSource)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
	MarkPrice(ctx context.Context, symbol string) (price, fundingRate float64, err error)
	OpenInterest(ctx context.Context, symbol string) (float64, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]market.LargeTrade, error)

	// Account setup
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error

	// Orders. CreateOrder is idempotent by client id: resubmitting an id the
	// venue has seen returns the existing order.
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, clientID string) error
	GetOrder(ctx context.Context, symbol, clientID string) (*Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// Account state
	FetchPositions(ctx context.Context) ([]*Position, error)
	FetchBalance(ctx context.Context) ([]*Balance, error)

	// Filters returns the symbol's order constraints from exchange info
	Filters(ctx context.Context, symbol string) (*SymbolFilters, error)

	// Streams. Events are delivered on the returned channel until ctx ends.
	StreamMarks(ctx context.Context, symbols []string) (<-chan MarkEvent, error)
	StreamUserData(ctx context.Context) (<-chan OrderUpdate, error)

	Ping(ctx context.Context) error
}

// Error is a classified venue failure
type Error struct {
	Code      int64
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
	}
	return "venue error: " + e.Message
}

// IsRetryable reports whether err is worth retrying
func IsRetryable(err error) bool {
	var venueErr *Error
	if errors.As(err, &venueErr) {
		return venueErr.Retryable
	}
	return false
}
