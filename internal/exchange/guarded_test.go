package exchange

import (
	"context"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "test",
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})
}

func TestGuarded_PassesThroughOnSuccess(t *testing.T) {
	mock := NewMock(10_000)
	mock.SetMark("BTCUSDT", 50_000)
	g := NewGuarded(mock, newTestBreaker())

	price, _, err := g.MarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50_000.0, price)

	order, err := g.CreateOrder(context.Background(), OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         SideBuy,
		PositionSide: PositionSideLong,
		Type:         OrderTypeMarket,
		Quantity:     "0.010",
		ClientID:     "guard-1",
	})
	require.NoError(t, err)
	assert.True(t, order.Filled())
}

func TestGuarded_OpensAfterConsecutiveFailures(t *testing.T) {
	mock := NewMock(10_000)
	g := NewGuarded(mock, newTestBreaker())

	for i := 0; i < 3; i++ {
		mock.FailNext = &Error{Code: -1001, Message: "DISCONNECTED", Retryable: true}
		_, err := g.CreateOrder(context.Background(), OrderRequest{
			Symbol:   "BTCUSDT",
			Side:     SideBuy,
			Type:     OrderTypeMarket,
			Quantity: "0.010",
			ClientID: "guard-2",
		})
		require.Error(t, err)
	}

	// The breaker is open now; the venue must not be touched.
	_, err := g.CreateOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: "0.010",
		ClientID: "guard-3",
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	order, err := mock.GetOrder(context.Background(), "BTCUSDT", "guard-3")
	assert.Nil(t, order)
	assert.Error(t, err, "the short-circuited order must never reach the venue")
}
