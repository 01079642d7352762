package market

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trendingCandles builds a steady uptrend with small bar ranges
func trendingCandles(n int, start, step float64) []Candle {
	candles := make([]Candle, n)
	price := start
	for i := range candles {
		candles[i] = Candle{
			OpenTime: time.Now().Add(time.Duration(i-n) * 5 * time.Minute),
			Open:     price,
			High:     price + step*1.2,
			Low:      price - step*0.2,
			Close:    price + step,
			Volume:   100,
		}
		price += step
	}
	return candles
}

// choppyCandles oscillates around a level
func choppyCandles(n int, level, amplitude float64) []Candle {
	candles := make([]Candle, n)
	for i := range candles {
		offset := amplitude * math.Sin(float64(i))
		candles[i] = Candle{
			OpenTime: time.Now().Add(time.Duration(i-n) * 5 * time.Minute),
			Open:     level + offset,
			High:     level + offset + amplitude/4,
			Low:      level + offset - amplitude/4,
			Close:    level + offset,
			Volume:   100,
		}
	}
	return candles
}

func TestComputeIndicators_InsufficientData(t *testing.T) {
	_, err := ComputeIndicators(trendingCandles(10, 100, 1))
	assert.Error(t, err)
}

func TestComputeIndicators_Uptrend(t *testing.T) {
	set, err := ComputeIndicators(trendingCandles(100, 100, 1))
	require.NoError(t, err)

	assert.Greater(t, set.RSI14, 70.0, "steady uptrend should read overbought")
	assert.Greater(t, set.MACD, 0.0)
	assert.Greater(t, set.EMA20, set.EMA50, "short EMA above long in an uptrend")
	assert.Greater(t, set.ADX14, 25.0, "steady trend should have strong ADX")
	assert.Greater(t, set.KDJK, 50.0)
}

func TestClassifyRegime(t *testing.T) {
	tests := []struct {
		name string
		set  IndicatorSet
		want Regime
	}{
		{
			name: "volatile wins over trend",
			set:  IndicatorSet{ATRPct: 4.0, ADX14: 40, EMA20: 110, EMA50: 100},
			want: RegimeVolatile,
		},
		{
			name: "trend up",
			set:  IndicatorSet{ATRPct: 1.0, ADX14: 30, EMA20: 110, EMA50: 100, BBWidthPct: 6},
			want: RegimeTrendUp,
		},
		{
			name: "trend down",
			set:  IndicatorSet{ATRPct: 1.0, ADX14: 30, EMA20: 95, EMA50: 100, BBWidthPct: 6},
			want: RegimeTrendDown,
		},
		{
			name: "squeeze",
			set:  IndicatorSet{ATRPct: 0.5, ADX14: 15, BBWidthPct: 2.5},
			want: RegimeSqueeze,
		},
		{
			name: "sideways",
			set:  IndicatorSet{ATRPct: 1.5, ADX14: 18, BBWidthPct: 7},
			want: RegimeSideways,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRegime(tt.set))
		})
	}
}

type fakeSource struct {
	mu      sync.Mutex
	klines  []Candle
	fetches atomic.Int32
	delay   time.Duration
}

func (f *fakeSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klines, nil
}

func (f *fakeSource) MarkPrice(ctx context.Context, symbol string) (float64, float64, error) {
	return 200, 0.0001, nil
}

func (f *fakeSource) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	return 1_000_000, nil
}

func (f *fakeSource) RecentTrades(ctx context.Context, symbol string, limit int) ([]LargeTrade, error) {
	return []LargeTrade{
		{Price: 200, Quantity: 1000, QuoteQty: 200_000, IsBuyer: true},
		{Price: 200, Quantity: 1, QuoteQty: 200, IsBuyer: false},
	}, nil
}

func TestProvider_Snapshot(t *testing.T) {
	source := &fakeSource{klines: trendingCandles(100, 100, 1)}
	provider := NewProvider(source, nil)

	snap, err := provider.Snapshot(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, "BTC", snap.Symbol)
	assert.Equal(t, 200.0, snap.Price, "mark price should override last close")
	assert.Equal(t, 0.0001, snap.FundingRate)
	assert.Len(t, snap.LargeTrades, 1, "small trades filtered from the tape")
	assert.NotEmpty(t, snap.Regime)
}

func TestProvider_FreshnessReuse(t *testing.T) {
	source := &fakeSource{klines: trendingCandles(100, 100, 1)}
	provider := NewProvider(source, nil)

	_, err := provider.Snapshot(context.Background(), "BTC")
	require.NoError(t, err)
	_, err = provider.Snapshot(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, int32(1), source.fetches.Load(), "second call inside the freshness window must not refetch")
}

func TestProvider_SingleFlight(t *testing.T) {
	source := &fakeSource{klines: trendingCandles(100, 100, 1), delay: 50 * time.Millisecond}
	provider := NewProvider(source, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := provider.Snapshot(context.Background(), "ETH")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.fetches.Load(), "concurrent callers must share one fetch")
}

func TestSnapshotCache_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewSnapshotCache(client, time.Minute)

	snap := &Snapshot{
		Symbol:    "BTC",
		Price:     50000,
		Regime:    RegimeTrendUp,
		FetchedAt: time.Now(),
	}
	cache.Set(context.Background(), snap)

	loaded := cache.Get(context.Background(), "BTC")
	require.NotNil(t, loaded)
	assert.Equal(t, 50000.0, loaded.Price)
	assert.Equal(t, RegimeTrendUp, loaded.Regime)
}

func TestSnapshotCache_NilSafe(t *testing.T) {
	var cache *SnapshotCache

	assert.Nil(t, cache.Get(context.Background(), "BTC"))
	cache.Set(context.Background(), &Snapshot{Symbol: "BTC"})

	assert.Nil(t, NewSnapshotCache(nil, time.Minute))
}
