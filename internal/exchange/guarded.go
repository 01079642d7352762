package exchange

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/quorumtrade/quorum/internal/market"
)

// Guarded wraps an Exchange with a circuit breaker. Every request/response
// call runs through the breaker; while it is open, calls fail fast with
// gobreaker.ErrOpenState instead of hammering a degraded venue. Streams pass
// through untouched, they carry their own reconnect logic.
type Guarded struct {
	inner Exchange
	cb    *gobreaker.CircuitBreaker
}

// NewGuarded wraps inner with cb
func NewGuarded(inner Exchange, cb *gobreaker.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, cb: cb}
}

func (g *Guarded) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.Klines(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.([]market.Candle), nil
}

func (g *Guarded) MarkPrice(ctx context.Context, symbol string) (float64, float64, error) {
	type pair struct{ price, funding float64 }
	res, err := g.cb.Execute(func() (interface{}, error) {
		price, funding, err := g.inner.MarkPrice(ctx, symbol)
		return pair{price, funding}, err
	})
	if err != nil {
		return 0, 0, err
	}
	p := res.(pair)
	return p.price, p.funding, nil
}

func (g *Guarded) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.OpenInterest(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

func (g *Guarded) RecentTrades(ctx context.Context, symbol string, limit int) ([]market.LargeTrade, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.RecentTrades(ctx, symbol, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.([]market.LargeTrade), nil
}

func (g *Guarded) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.SetLeverage(ctx, symbol, leverage)
	})
	return err
}

func (g *Guarded) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.SetMarginMode(ctx, symbol, mode)
	})
	return err
}

func (g *Guarded) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.CreateOrder(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Order), nil
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, clientID string) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.CancelOrder(ctx, symbol, clientID)
	})
	return err
}

func (g *Guarded) GetOrder(ctx context.Context, symbol, clientID string) (*Order, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.GetOrder(ctx, symbol, clientID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Order), nil
}

func (g *Guarded) OpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.OpenOrders(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*Order), nil
}

func (g *Guarded) FetchPositions(ctx context.Context) ([]*Position, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.FetchPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*Position), nil
}

func (g *Guarded) FetchBalance(ctx context.Context) ([]*Balance, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.FetchBalance(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*Balance), nil
}

func (g *Guarded) Filters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.Filters(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return res.(*SymbolFilters), nil
}

func (g *Guarded) StreamMarks(ctx context.Context, symbols []string) (<-chan MarkEvent, error) {
	return g.inner.StreamMarks(ctx, symbols)
}

func (g *Guarded) StreamUserData(ctx context.Context) (<-chan OrderUpdate, error) {
	return g.inner.StreamUserData(ctx)
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.Ping(ctx)
	})
	return err
}
