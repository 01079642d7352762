package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/market"
	"github.com/quorumtrade/quorum/internal/symbols"
)

const venueTimeout = 10 * time.Second

// BinanceFutures implements Exchange against Binance USD-M perpetuals
type BinanceFutures struct {
	client  *futures.Client
	testnet bool
	logger  zerolog.Logger

	filtersMu sync.Mutex
	filters   map[string]*SymbolFilters
}

// NewBinanceFutures creates the adapter. The testnet flag must be set
// explicitly in config; an ambiguous value fails construction so the caller
// can hard-fail startup.
func NewBinanceFutures(cfg config.ExchangeConfig) (*BinanceFutures, error) {
	if cfg.Testnet == nil {
		return nil, fmt.Errorf("exchange.testnet must be set explicitly (true or false)")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("exchange credentials are required")
	}

	testnet := *cfg.Testnet
	futures.UseTestnet = testnet
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	logger := config.NewLogger("exchange")
	if testnet {
		logger.Info().Msg("Binance futures adapter initialized (TESTNET)")
	} else {
		logger.Warn().Msg("Binance futures adapter initialized (LIVE TRADING)")
	}

	return &BinanceFutures{client: client, testnet: testnet, logger: logger}, nil
}

// Testnet reports whether the adapter targets the testnet
func (b *BinanceFutures) Testnet() bool { return b.testnet }

// Ping checks venue connectivity
func (b *BinanceFutures) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()
	if err := b.client.NewPingService().Do(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Klines fetches an OHLCV window. symbol is raw form.
func (b *BinanceFutures) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	klines, err := b.client.NewKlinesService().
		Symbol(symbols.ToRaw(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, market.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return candles, nil
}

// MarkPrice fetches the current mark price and funding rate
func (b *BinanceFutures) MarkPrice(ctx context.Context, symbol string) (float64, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	indexes, err := b.client.NewPremiumIndexService().
		Symbol(symbols.ToRaw(symbol)).
		Do(ctx)
	if err != nil {
		return 0, 0, classify(err)
	}
	if len(indexes) == 0 {
		return 0, 0, &Error{Message: "no premium index for " + symbol}
	}
	return parseFloat(indexes[0].MarkPrice), parseFloat(indexes[0].LastFundingRate), nil
}

// OpenInterest fetches the current open interest in base units
func (b *BinanceFutures) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	oi, err := b.client.NewGetOpenInterestService().
		Symbol(symbols.ToRaw(symbol)).
		Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return parseFloat(oi.OpenInterest), nil
}

// RecentTrades fetches the aggregated trade tape
func (b *BinanceFutures) RecentTrades(ctx context.Context, symbol string, limit int) ([]market.LargeTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	aggTrades, err := b.client.NewAggTradesService().
		Symbol(symbols.ToRaw(symbol)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	trades := make([]market.LargeTrade, 0, len(aggTrades))
	for _, at := range aggTrades {
		price := parseFloat(at.Price)
		qty := parseFloat(at.Quantity)
		trades = append(trades, market.LargeTrade{
			Price:     price,
			Quantity:  qty,
			QuoteQty:  price * qty,
			IsBuyer:   !at.IsBuyerMaker,
			Timestamp: time.UnixMilli(at.Timestamp),
		})
	}
	return trades, nil
}

// SetLeverage changes the symbol's leverage
func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	_, err := b.client.NewChangeLeverageService().
		Symbol(symbols.ToRaw(symbol)).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}

// SetMarginMode changes the symbol's margin mode. The venue rejects a no-op
// change with -4046; that is success.
func (b *BinanceFutures) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	marginType := futures.MarginTypeCrossed
	if mode == MarginModeIsolated {
		marginType = futures.MarginTypeIsolated
	}

	err := b.client.NewChangeMarginTypeService().
		Symbol(symbols.ToRaw(symbol)).
		MarginType(marginType).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -4046 {
			return nil
		}
		return classify(err)
	}
	return nil
}

// CreateOrder places an order. A duplicate client id resolves to the
// existing order instead of failing.
func (b *BinanceFutures) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	svc := b.client.NewCreateOrderService().
		Symbol(symbols.ToRaw(req.Symbol)).
		Side(futures.SideType(req.Side)).
		PositionSide(futures.PositionSideType(req.PositionSide)).
		Type(futures.OrderType(req.Type)).
		NewClientOrderID(req.ClientID)

	if req.Quantity != "" {
		svc = svc.Quantity(req.Quantity)
	}
	if req.StopPrice != "" {
		svc = svc.StopPrice(req.StopPrice).WorkingType(futures.WorkingTypeMarkPrice)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(callCtx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && isDuplicateClientID(apiErr) {
			b.logger.Info().
				Str("client_id", req.ClientID).
				Msg("Duplicate client order id, resolving existing order")
			return b.GetOrder(ctx, req.Symbol, req.ClientID)
		}
		return nil, classify(err)
	}

	return &Order{
		OrderID:      strconv.FormatInt(res.OrderID, 10),
		ClientID:     res.ClientOrderID,
		Symbol:       req.Symbol,
		Side:         Side(res.Side),
		PositionSide: PositionSide(res.PositionSide),
		Type:         OrderType(res.Type),
		Status:       string(res.Status),
		Price:        res.Price,
		AvgPrice:     res.AvgPrice,
		OrigQty:      res.OrigQuantity,
		ExecutedQty:  res.ExecutedQuantity,
		ReduceOnly:   res.ReduceOnly,
		UpdatedAt:    time.UnixMilli(res.UpdateTime),
	}, nil
}

// CancelOrder cancels by client id. An already-gone order (-2011) is success.
func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, clientID string) error {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	_, err := b.client.NewCancelOrderService().
		Symbol(symbols.ToRaw(symbol)).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil
		}
		return classify(err)
	}
	return nil
}

// GetOrder queries one order by client id
func (b *BinanceFutures) GetOrder(ctx context.Context, symbol, clientID string) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	o, err := b.client.NewGetOrderService().
		Symbol(symbols.ToRaw(symbol)).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return convertOrder(symbol, o), nil
}

// OpenOrders lists open orders for a symbol
func (b *BinanceFutures) OpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	list, err := b.client.NewListOpenOrdersService().
		Symbol(symbols.ToRaw(symbol)).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	orders := make([]*Order, 0, len(list))
	for _, o := range list {
		orders = append(orders, convertOrder(symbol, o))
	}
	return orders, nil
}

// FetchPositions reads all nonzero position legs
func (b *BinanceFutures) FetchPositions(ctx context.Context) ([]*Position, error) {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	var positions []*Position
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := PositionSideLong
		if amt < 0 || r.PositionSide == "SHORT" {
			side = PositionSideShort
		}
		if amt < 0 {
			amt = -amt
		}
		positions = append(positions, &Position{
			Symbol:           symbols.ToRaw(r.Symbol),
			PositionSide:     side,
			Qty:              amt,
			EntryPrice:       parseFloat(r.EntryPrice),
			MarkPrice:        parseFloat(r.MarkPrice),
			UnrealizedPnLUSD: parseFloat(r.UnRealizedProfit),
			Leverage:         int(parseFloat(r.Leverage)),
		})
	}
	return positions, nil
}

// Filters returns the symbol's lot size, min notional, and tick size from
// exchange info. The full table is fetched once and cached; symbols listed
// after startup trigger a refetch.
func (b *BinanceFutures) Filters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	symbol = symbols.ToRaw(symbol)

	b.filtersMu.Lock()
	defer b.filtersMu.Unlock()

	if f, ok := b.filters[symbol]; ok {
		return f, nil
	}

	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	b.filters = make(map[string]*SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		f := &SymbolFilters{}
		if lot := s.LotSizeFilter(); lot != nil {
			f.StepSize = parseFloat(lot.StepSize)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			f.MinNotional = parseFloat(mn.Notional)
		}
		if pf := s.PriceFilter(); pf != nil {
			f.TickSize = parseFloat(pf.TickSize)
		}
		b.filters[s.Symbol] = f
	}

	f, ok := b.filters[symbol]
	if !ok {
		return nil, &Error{Message: "no exchange info for " + symbol}
	}
	return f, nil
}

// FetchBalance reads the futures wallet
func (b *BinanceFutures) FetchBalance(ctx context.Context) ([]*Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, venueTimeout)
	defer cancel()

	list, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	balances := make([]*Balance, 0, len(list))
	for _, bal := range list {
		balances = append(balances, &Balance{
			Asset:     bal.Asset,
			Total:     parseFloat(bal.Balance),
			Available: parseFloat(bal.AvailableBalance),
		})
	}
	return balances, nil
}

// StreamMarks subscribes to mark-price ticks for the given raw symbols
func (b *BinanceFutures) StreamMarks(ctx context.Context, syms []string) (<-chan MarkEvent, error) {
	out := make(chan MarkEvent, 256)
	wanted := make(map[string]bool, len(syms))
	for _, s := range syms {
		wanted[symbols.ToRaw(s)] = true
	}

	handler := func(events futures.WsAllMarkPriceEvent) {
		for _, ev := range events {
			if !wanted[ev.Symbol] {
				continue
			}
			select {
			case out <- MarkEvent{
				Symbol:      symbols.ToRaw(ev.Symbol),
				MarkPrice:   parseFloat(ev.MarkPrice),
				FundingRate: parseFloat(ev.FundingRate),
				Time:        time.UnixMilli(ev.Time),
			}:
			default:
				// Slow consumer: drop the tick, the next one supersedes it.
			}
		}
	}
	errHandler := func(err error) {
		b.logger.Error().Err(err).Msg("Mark price stream error")
	}

	doneC, stopC, err := futures.WsAllMarkPriceServe(handler, errHandler)
	if err != nil {
		return nil, classify(err)
	}

	go func() {
		select {
		case <-ctx.Done():
			close(stopC)
		case <-doneC:
		}
		close(out)
	}()
	return out, nil
}

// StreamUserData subscribes to normalized order updates. The listen key is
// refreshed every 30 minutes for as long as ctx lives.
func (b *BinanceFutures) StreamUserData(ctx context.Context) (<-chan OrderUpdate, error) {
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	out := make(chan OrderUpdate, 256)
	handler := func(event *futures.WsUserDataEvent) {
		if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		u := event.OrderTradeUpdate
		select {
		case out <- OrderUpdate{
			Symbol:      symbols.ToRaw(u.Symbol),
			ClientID:    u.ClientOrderID,
			Side:        Side(u.Side),
			Status:      string(u.Status),
			AvgPrice:    u.AveragePrice,
			FilledQty:   u.AccumulatedFilledQty,
			RealizedPnL: u.RealizedPnL,
			Time:        time.UnixMilli(event.Time),
		}:
		default:
			b.logger.Warn().Str("client_id", u.ClientOrderID).Msg("User data channel full, dropping order update")
		}
	}
	errHandler := func(err error) {
		b.logger.Error().Err(err).Msg("User data stream error")
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return nil, classify(err)
	}

	go func() {
		keepalive := time.NewTicker(30 * time.Minute)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				close(stopC)
				close(out)
				return
			case <-doneC:
				close(out)
				return
			case <-keepalive.C:
				if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
					b.logger.Warn().Err(err).Msg("Failed to keep user stream alive")
				}
			}
		}
	}()
	return out, nil
}

func convertOrder(rawSymbol string, o *futures.Order) *Order {
	return &Order{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		ClientID:     o.ClientOrderID,
		Symbol:       rawSymbol,
		Side:         Side(o.Side),
		PositionSide: PositionSide(o.PositionSide),
		Type:         OrderType(o.Type),
		Status:       string(o.Status),
		Price:        o.Price,
		AvgPrice:     o.AvgPrice,
		OrigQty:      o.OrigQuantity,
		ExecutedQty:  o.ExecutedQuantity,
		ReduceOnly:   o.ReduceOnly,
		UpdatedAt:    time.UnixMilli(o.UpdateTime),
	}
}

func isDuplicateClientID(apiErr *common.APIError) bool {
	return apiErr.Code == -4015 ||
		strings.Contains(strings.ToLower(apiErr.Message), "duplicate")
}

// classify wraps a venue error with a retryable/permanent decision
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		retryable := apiErr.Code == -1003 || // rate limit
			apiErr.Code == -1001 || // internal error
			apiErr.Code == -1007 // timeout
		return &Error{Code: apiErr.Code, Message: apiErr.Message, Retryable: retryable}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Message: err.Error(), Retryable: false}
	}
	// Transport failures and deadline overruns are worth one more try.
	return &Error{Message: err.Error(), Retryable: true}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
