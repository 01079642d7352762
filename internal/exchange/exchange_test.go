package exchange

import (
	"context"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtrade/quorum/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestNewBinanceFutures_AmbiguousTestnet(t *testing.T) {
	_, err := NewBinanceFutures(config.ExchangeConfig{
		APIKey:    "key",
		SecretKey: "secret",
		Testnet:   nil,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "testnet")
}

func TestNewBinanceFutures_MissingCredentials(t *testing.T) {
	_, err := NewBinanceFutures(config.ExchangeConfig{Testnet: boolPtr(true)})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
	}{
		{"rate limit", &common.APIError{Code: -1003, Message: "Too many requests"}, true},
		{"venue internal", &common.APIError{Code: -1001, Message: "Internal error"}, true},
		{"bad symbol", &common.APIError{Code: -1121, Message: "Invalid symbol"}, false},
		{"insufficient margin", &common.APIError{Code: -2019, Message: "Margin is insufficient"}, false},
		{"context canceled", context.Canceled, false},
		{"transport", assert.AnError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classify(tt.err)
			assert.Equal(t, tt.wantRetryable, IsRetryable(classified))
		})
	}
}

func TestMock_MarketOrderFillsAndTracksPosition(t *testing.T) {
	m := NewMock(10_000)
	m.SetMark("BTCUSDT", 50_000)

	order, err := m.CreateOrder(context.Background(), OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         SideBuy,
		PositionSide: PositionSideLong,
		Type:         OrderTypeMarket,
		Quantity:     "0.01",
		ClientID:     "signal:1",
	})
	require.NoError(t, err)
	assert.True(t, order.Filled())
	assert.Equal(t, "50000", order.AvgPrice)

	positions, err := m.FetchPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0.01, positions[0].Qty)
	assert.Equal(t, 50_000.0, positions[0].EntryPrice)
}

func TestMock_IdempotentByClientID(t *testing.T) {
	m := NewMock(10_000)
	m.SetMark("BTCUSDT", 50_000)

	req := OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         SideBuy,
		PositionSide: PositionSideLong,
		Type:         OrderTypeMarket,
		Quantity:     "0.01",
		ClientID:     "signal:7",
	}

	first, err := m.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := m.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID, "resubmitting the same client id must not double-fill")

	positions, _ := m.FetchPositions(context.Background())
	require.Len(t, positions, 1)
	assert.Equal(t, 0.01, positions[0].Qty)
}

func TestMock_ConditionalOrderRestsUntilTriggered(t *testing.T) {
	m := NewMock(10_000)
	m.SetMark("ETHUSDT", 3_000)

	// Open a long first.
	_, err := m.CreateOrder(context.Background(), OrderRequest{
		Symbol: "ETHUSDT", Side: SideBuy, PositionSide: PositionSideLong,
		Type: OrderTypeMarket, Quantity: "1", ClientID: "signal:2",
	})
	require.NoError(t, err)

	sl, err := m.CreateOrder(context.Background(), OrderRequest{
		Symbol: "ETHUSDT", Side: SideSell, PositionSide: PositionSideLong,
		Type: OrderTypeStopMarket, Quantity: "1", StopPrice: "2900",
		ReduceOnly: true, ClientID: "sl:2",
	})
	require.NoError(t, err)
	assert.Equal(t, "NEW", sl.Status)

	open, err := m.OpenOrders(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, m.Trigger("sl:2"))
	positions, _ := m.FetchPositions(context.Background())
	assert.Empty(t, positions, "stop fill should flatten the position")
}

func TestMock_CancelOrder(t *testing.T) {
	m := NewMock(10_000)
	m.SetMark("BTCUSDT", 50_000)

	_, err := m.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: SideSell, PositionSide: PositionSideLong,
		Type: OrderTypeTakeProfitMarket, Quantity: "0.01", StopPrice: "55000",
		ReduceOnly: true, ClientID: "tp:3",
	})
	require.NoError(t, err)

	require.NoError(t, m.CancelOrder(context.Background(), "BTCUSDT", "tp:3"))
	order, err := m.GetOrder(context.Background(), "BTCUSDT", "tp:3")
	require.NoError(t, err)
	assert.Equal(t, "CANCELED", order.Status)

	// Canceling an unknown id is a no-op, mirroring venue -2011 handling.
	assert.NoError(t, m.CancelOrder(context.Background(), "BTCUSDT", "nope"))
}
