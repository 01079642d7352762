package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/quorumtrade/quorum/internal/config"
)

// maxSnapshotAge bounds how stale a served snapshot may be. Concurrent
// debates for the same symbol within this window share one fetch.
const maxSnapshotAge = 60 * time.Second

// largeTradeMinQuote is the tape filter threshold in quote units
const largeTradeMinQuote = 100_000.0

// DataSource is the venue surface the provider reads. The exchange adapter
// implements it.
type DataSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	MarkPrice(ctx context.Context, symbol string) (price, fundingRate float64, err error)
	OpenInterest(ctx context.Context, symbol string) (float64, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]LargeTrade, error)
}

// Provider fetches and caches per-symbol snapshots
type Provider struct {
	source DataSource
	cache  *SnapshotCache

	group singleflight.Group

	mu     sync.Mutex
	recent map[string]*Snapshot

	interval string
	window   int
	now      func() time.Time
	logger   zerolog.Logger
}

// NewProvider creates a snapshot provider. cache may be nil.
func NewProvider(source DataSource, cache *SnapshotCache) *Provider {
	return &Provider{
		source:   source,
		cache:    cache,
		recent:   make(map[string]*Snapshot),
		interval: "5m",
		window:   100,
		now:      time.Now,
		logger:   config.NewLogger("market"),
	}
}

// Snapshot returns a fresh snapshot for symbol (raw form). Snapshots older
// than maxSnapshotAge are refetched; concurrent callers share one fetch.
func (p *Provider) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if snap := p.fresh(symbol); snap != nil {
		return snap, nil
	}

	v, err, _ := p.group.Do(symbol, func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have fetched.
		if snap := p.fresh(symbol); snap != nil {
			return snap, nil
		}
		return p.fetch(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (p *Provider) fresh(symbol string) *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.recent[symbol]
	if ok && p.now().Sub(snap.FetchedAt) < maxSnapshotAge {
		return snap
	}
	return nil
}

func (p *Provider) fetch(ctx context.Context, symbol string) (*Snapshot, error) {
	if snap := p.cache.Get(ctx, symbol); snap != nil && p.now().Sub(snap.FetchedAt) < maxSnapshotAge {
		p.store(snap)
		return snap, nil
	}

	start := p.now()
	candles, err := p.source.Klines(ctx, symbol, p.interval, p.window)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no klines returned for %s", symbol)
	}

	indicators, err := ComputeIndicators(candles)
	if err != nil {
		return nil, fmt.Errorf("failed to compute indicators for %s: %w", symbol, err)
	}

	snap := &Snapshot{
		Symbol:     symbol,
		Price:      candles[len(candles)-1].Close,
		Candles:    candles,
		Indicators: indicators,
		Regime:     ClassifyRegime(indicators),
		FetchedAt:  p.now(),
	}

	// Funding, open interest and tape are enrichment: log and continue on
	// failure rather than failing the whole snapshot.
	if price, funding, err := p.source.MarkPrice(ctx, symbol); err == nil {
		snap.Price = price
		snap.FundingRate = funding
	} else {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to fetch mark price")
	}
	if oi, err := p.source.OpenInterest(ctx, symbol); err == nil {
		snap.OpenInterest = oi
	} else {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to fetch open interest")
	}
	if trades, err := p.source.RecentTrades(ctx, symbol, 200); err == nil {
		snap.LargeTrades = filterLargeTrades(trades, largeTradeMinQuote)
	} else {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to fetch trade tape")
	}

	p.store(snap)
	p.cache.Set(ctx, snap)

	p.logger.Debug().
		Str("symbol", symbol).
		Str("regime", string(snap.Regime)).
		Float64("price", snap.Price).
		Dur("elapsed", p.now().Sub(start)).
		Msg("Snapshot fetched")

	return snap, nil
}

func (p *Provider) store(snap *Snapshot) {
	p.mu.Lock()
	p.recent[snap.Symbol] = snap
	p.mu.Unlock()
}

func filterLargeTrades(trades []LargeTrade, minQuote float64) []LargeTrade {
	var large []LargeTrade
	for _, tr := range trades {
		if tr.QuoteQty >= minQuote {
			large = append(large, tr)
		}
	}
	return large
}

// SnapshotCache fronts the venue with Redis. Nil-safe: a nil cache is a
// cache that always misses.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewSnapshotCache creates a Redis snapshot cache; nil client yields nil
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = maxSnapshotAge
	}
	return &SnapshotCache{
		client: client,
		ttl:    ttl,
		logger: config.NewLogger("market_cache"),
	}
}

// Get returns a cached snapshot or nil
func (c *SnapshotCache) Get(ctx context.Context, symbol string) *Snapshot {
	if c == nil || c.client == nil {
		return nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.key(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Str("symbol", symbol).Msg("Redis get error, treating as miss")
		}
		return nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(cached), &snap); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal cached snapshot")
		return nil
	}
	return &snap
}

// Set stores a snapshot with the configured TTL; errors are logged only
func (c *SnapshotCache) Set(ctx context.Context, snap *Snapshot) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", snap.Symbol).Msg("Failed to marshal snapshot")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.key(snap.Symbol), data, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("symbol", snap.Symbol).Msg("Redis set error")
	}
}

func (c *SnapshotCache) key(symbol string) string {
	return "snapshot:" + symbol
}
