// Package market builds the per-symbol snapshot the debate consumes: candles,
// derived indicators, funding, open interest, large-trade tape, and the regime
// label. One snapshot per debate; everything downstream reads the same copy.
package market

import (
	"time"
)

// Candle is one OHLCV bar
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// LargeTrade is one tape entry above the configured quote threshold
type LargeTrade struct {
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	QuoteQty  float64   `json:"quote_qty"`
	IsBuyer   bool      `json:"is_buyer"`
	Timestamp time.Time `json:"timestamp"`
}

// IndicatorSet holds the derived indicator values for the latest bar
type IndicatorSet struct {
	RSI14      float64 `json:"rsi_14"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	BBUpper    float64 `json:"bb_upper"`
	BBMiddle   float64 `json:"bb_middle"`
	BBLower    float64 `json:"bb_lower"`
	BBWidthPct float64 `json:"bb_width_pct"`
	KDJK       float64 `json:"kdj_k"`
	KDJD       float64 `json:"kdj_d"`
	KDJJ       float64 `json:"kdj_j"`
	ATR14      float64 `json:"atr_14"`
	ATRPct     float64 `json:"atr_pct"`
	ADX14      float64 `json:"adx_14"`
	SMA20      float64 `json:"sma_20"`
	SMA50      float64 `json:"sma_50"`
	EMA20      float64 `json:"ema_20"`
	EMA50      float64 `json:"ema_50"`
}

// Snapshot is the full market picture for one symbol at one instant
type Snapshot struct {
	Symbol       string       `json:"symbol"` // raw form
	Price        float64      `json:"price"`
	Candles      []Candle     `json:"candles"`
	Indicators   IndicatorSet `json:"indicators"`
	FundingRate  float64      `json:"funding_rate"`
	OpenInterest float64      `json:"open_interest"`
	LargeTrades  []LargeTrade `json:"large_trades"`
	Regime       Regime       `json:"regime"`
	FetchedAt    time.Time    `json:"fetched_at"`
}

// Age returns how stale the snapshot is
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.FetchedAt)
}
