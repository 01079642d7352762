package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/cooldown"
	"github.com/quorumtrade/quorum/internal/exchange"
	"github.com/quorumtrade/quorum/internal/risk"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/store"
)

type fakeTradeLog struct {
	mu      sync.Mutex
	records map[string]*store.TradeRecord
	nextID  int64
}

func newFakeTradeLog() *fakeTradeLog {
	return &fakeTradeLog{records: make(map[string]*store.TradeRecord)}
}

func (f *fakeTradeLog) Insert(ctx context.Context, tr *store.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	tr.ID = f.nextID
	copied := *tr
	f.records[tr.ClientID] = &copied
	return nil
}

func (f *fakeTradeLog) MarkFilled(ctx context.Context, clientID, orderID string, price, qty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := f.records[clientID]
	tr.Status = store.TradeStatusFilled
	tr.OrderID = orderID
	tr.Price = price
	tr.Qty = qty
	return nil
}

func (f *fakeTradeLog) MarkFailed(ctx context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[clientID].Status = store.TradeStatusFailed
	return nil
}

func (f *fakeTradeLog) MarkCanceled(ctx context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[clientID].Status = store.TradeStatusCanceled
	return nil
}

func (f *fakeTradeLog) Pending(ctx context.Context) ([]*store.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*store.TradeRecord
	for _, tr := range f.records {
		if tr.Status == store.TradeStatusPending {
			pending = append(pending, tr)
		}
	}
	return pending, nil
}

func (f *fakeTradeLog) status(clientID string) store.TradeStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.records[clientID]
	if !ok {
		return ""
	}
	return tr.Status
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*TradeStatusEvent
}

func (f *fakePublisher) PublishTradeStatus(ev *TradeStatusEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) last() *TradeStatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil
	}
	return f.events[len(f.events)-1]
}

type gateTrades struct{}

func (gateTrades) RealizedPnLToday(ctx context.Context) (float64, error) { return 0, nil }
func (gateTrades) LossStreak(ctx context.Context) (int, error)           { return 0, nil }

type alwaysConnected struct{}

func (alwaysConnected) Connected() bool { return true }

type execFixture struct {
	cfg       *config.Config
	venue     *exchange.Mock
	trades    *fakeTradeLog
	signalCDs *cooldown.Tracker
	closeCDs  *cooldown.Tracker
	publisher *fakePublisher
	exec      *Executor
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	f := &execFixture{
		cfg: &config.Config{
			Trading: config.TradingConfig{
				Enabled:          true,
				Symbols:          []string{"BTCUSDT", "ETHUSDT"},
				HotSymbols:       []string{"BTCUSDT"},
				AmountUSDT:       100,
				AmountPct:        3,
				MaxPositionUSDT:  1000,
				MaxPositionPct:   30,
				Leverage:         5,
				MarginMode:       "cross",
				OnOpposite:       "close_then_open",
				TakeProfitPct:    5,
				StopLossPct:      2,
				CloseCooldownSec: 30,
			},
			Risk: config.RiskConfig{
				MinConfidenceOpen:  60,
				MinConfidenceClose: 50,
			},
			Debate: config.DebateConfig{SignalCooldownMin: 5},
		},
		venue:     exchange.NewMock(1000),
		trades:    newFakeTradeLog(),
		signalCDs: cooldown.NewTracker("signal"),
		closeCDs:  cooldown.NewTracker("close"),
		publisher: &fakePublisher{},
	}
	configFn := func() *config.Config { return f.cfg }
	gate := risk.NewGate(configFn, gateTrades{}, nil, f.signalCDs, alwaysConnected{})
	f.exec = New(configFn, f.venue, gate, f.trades, f.signalCDs, f.closeCDs, f.publisher)
	return f
}

func buySignal(id int64, symbol string, confidence int) *signal.Signal {
	return &signal.Signal{
		ID:         id,
		Symbol:     symbol,
		Signal:     signal.DirectionBuy,
		Confidence: confidence,
	}
}

func TestExecute_HappyBuy(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)

	out := f.exec.Execute(context.Background(), buySignal(1, "ETHUSDT", 72))
	require.Equal(t, StatusFilled, out.Status)
	// 3% of 1000 equity = 30 USDT at 3000 = 0.01.
	assert.Equal(t, 0.01, out.Qty)
	assert.Equal(t, 3000.0, out.Price)

	assert.Equal(t, store.TradeStatusFilled, f.trades.status("signal:1"))

	// TP and SL brackets rest on the venue, reduce-only.
	open, err := f.venue.OpenOrders(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)
	for _, o := range open {
		assert.True(t, o.ReduceOnly)
	}

	assert.True(t, f.signalCDs.IsActive(cooldown.Key("ETHUSDT", "BUY")), "fill must arm the signal cooldown")

	ev := f.publisher.last()
	require.NotNil(t, ev)
	assert.Equal(t, "trade_status", ev.Type)
	assert.Equal(t, StatusFilled, ev.Status)
	assert.Equal(t, int64(1), ev.SignalID)
}

func TestExecute_IdempotentBySignalID(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)

	first := f.exec.Execute(context.Background(), buySignal(5, "ETHUSDT", 72))
	second := f.exec.Execute(context.Background(), buySignal(5, "ETHUSDT", 72))
	assert.Same(t, first, second)

	positions, _ := f.venue.FetchPositions(context.Background())
	require.Len(t, positions, 1)
	assert.Equal(t, 0.01, positions[0].Qty, "repeat execute must not double the position")
}

func TestExecute_GateRejectSkips(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)

	out := f.exec.Execute(context.Background(), buySignal(2, "ETHUSDT", 40))
	require.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, risk.ReasonConfidenceFloor, out.Reason)

	positions, _ := f.venue.FetchPositions(context.Background())
	assert.Empty(t, positions, "gate reject must not touch the venue")
}

func TestExecute_AlreadyLongSkips(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)

	require.Equal(t, StatusFilled, f.exec.Execute(context.Background(), buySignal(3, "ETHUSDT", 72)).Status)

	// Cooldown would block first; clear it to reach intent resolution.
	f.signalCDs.Clear(context.Background(), cooldown.Key("ETHUSDT", "BUY"))
	out := f.exec.Execute(context.Background(), buySignal(4, "ETHUSDT", 72))
	require.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "already-long", out.Reason)
}

func TestExecute_SellClosesLong(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	require.Equal(t, StatusFilled, f.exec.Execute(context.Background(), buySignal(6, "ETHUSDT", 72)).Status)

	sell := &signal.Signal{ID: 7, Symbol: "ETHUSDT", Signal: signal.DirectionSell, Confidence: 80}
	out := f.exec.Execute(context.Background(), sell)
	require.Equal(t, StatusFilled, out.Status)

	positions, _ := f.venue.FetchPositions(context.Background())
	assert.Empty(t, positions)
	assert.True(t, f.closeCDs.IsActive("ETHUSDT"), "close fill must arm the close cooldown")
	assert.Equal(t, store.TradeStatusFilled, f.trades.status("signal:7:close"))
}

func TestExecute_CloseCooldownBlocksSell(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	require.Equal(t, StatusFilled, f.exec.Execute(context.Background(), buySignal(8, "ETHUSDT", 72)).Status)

	f.closeCDs.Arm(context.Background(), "ETHUSDT", 30*time.Second)
	sell := &signal.Signal{ID: 9, Symbol: "ETHUSDT", Signal: signal.DirectionSell, Confidence: 80}
	out := f.exec.Execute(context.Background(), sell)
	require.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "close-cooldown", out.Reason)
}

func TestExecute_SellWithoutPositionSkips(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)

	sell := &signal.Signal{ID: 10, Symbol: "ETHUSDT", Signal: signal.DirectionSell, Confidence: 80}
	out := f.exec.Execute(context.Background(), sell)
	require.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "no-position", out.Reason)
}

func TestExecute_PermanentVenueFailure(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	f.venue.FailNext = &exchange.Error{Code: -2019, Message: "Margin is insufficient"}

	out := f.exec.Execute(context.Background(), buySignal(11, "ETHUSDT", 72))
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, store.TradeStatusFailed, f.trades.status("signal:11"))
}

func TestExecute_RetryableFailureRecovers(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	f.venue.FailNext = &exchange.Error{Code: -1001, Message: "Internal error", Retryable: true}

	out := f.exec.Execute(context.Background(), buySignal(12, "ETHUSDT", 72))
	require.Equal(t, StatusFilled, out.Status, "a transient failure must be retried")
}

func TestExecute_CoarseStepBelowMinNotionalSkips(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	// 30 USDT at 3000 is 0.01; a 0.1 step quantizes it to zero.
	f.venue.SetFilters("ETHUSDT", &exchange.SymbolFilters{StepSize: 0.1, MinNotional: 5})

	out := f.exec.Execute(context.Background(), buySignal(30, "ETHUSDT", 72))
	require.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "below-min-notional", out.Reason)

	positions, _ := f.venue.FetchPositions(context.Background())
	assert.Empty(t, positions)
}

func TestExecute_MinNotionalFilterSkips(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	f.venue.SetFilters("ETHUSDT", &exchange.SymbolFilters{StepSize: 0.001, MinNotional: 50})

	out := f.exec.Execute(context.Background(), buySignal(31, "ETHUSDT", 72))
	require.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "below-min-notional", out.Reason)
}

func TestExecute_VenueStepSizesOrder(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	// 0.01 raw quantizes to 0.008 on a 0.004 grid, still above min notional.
	f.venue.SetFilters("ETHUSDT", &exchange.SymbolFilters{StepSize: 0.004, MinNotional: 5})

	out := f.exec.Execute(context.Background(), buySignal(32, "ETHUSDT", 72))
	require.Equal(t, StatusFilled, out.Status)
	assert.Equal(t, 0.008, out.Qty)
}

func TestPlaceWithRetry_UnknownStatusRecovers(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	f.venue.NextStatus = "PENDING_SETTLEMENT"
	f.venue.NextStatusTimes = 1

	order, err := f.exec.placeWithRetry(context.Background(), exchange.OrderRequest{
		Symbol: "ETHUSDT", Side: exchange.SideBuy, PositionSide: exchange.PositionSideLong,
		Type: exchange.OrderTypeMarket, Quantity: "0.01", ClientID: "signal:40",
	})
	require.NoError(t, err, "one unparseable status must be retried, not failed")
	assert.Equal(t, "FILLED", order.Status)
}

func TestPlaceWithRetry_UnknownStatusTwiceIsPermanent(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)
	f.venue.NextStatus = "PENDING_SETTLEMENT"
	f.venue.NextStatusTimes = 5

	_, err := f.exec.placeWithRetry(context.Background(), exchange.OrderRequest{
		Symbol: "ETHUSDT", Side: exchange.SideBuy, PositionSide: exchange.PositionSideLong,
		Type: exchange.OrderTypeMarket, Quantity: "0.01", ClientID: "signal:41",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable-status")
	assert.Equal(t, 3, f.venue.NextStatusTimes, "second strike must stop the retries")
}

func TestExecute_BuyFlipsShort(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)

	short := &signal.Signal{ID: 13, Symbol: "ETHUSDT", Signal: signal.DirectionShort, Confidence: 80}
	require.Equal(t, StatusFilled, f.exec.Execute(context.Background(), short).Status)
	f.signalCDs.Clear(context.Background(), cooldown.Key("ETHUSDT", "SHORT"))

	out := f.exec.Execute(context.Background(), buySignal(14, "ETHUSDT", 72))
	require.Equal(t, StatusFilled, out.Status)

	positions, _ := f.venue.FetchPositions(context.Background())
	require.Len(t, positions, 1)
	assert.Equal(t, exchange.PositionSideLong, positions[0].PositionSide)
}

func TestExecute_HoldSkips(t *testing.T) {
	f := newExecFixture(t)
	hold := &signal.Signal{ID: 15, Symbol: "ETHUSDT", Signal: signal.DirectionHold, Confidence: 50}
	out := f.exec.Execute(context.Background(), hold)
	require.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "hold", out.Reason)
}

func TestResult_NoRecord(t *testing.T) {
	f := newExecFixture(t)
	out := f.exec.Result(999)
	assert.Equal(t, StatusNoRecord, out.Status)
}

func TestSweepOrphans(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)

	// A reduce-only bracket with no backing position.
	_, err := f.venue.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "ETHUSDT", Side: exchange.SideSell, PositionSide: exchange.PositionSideLong,
		Type: exchange.OrderTypeStopMarket, Quantity: "0.01", StopPrice: "2900",
		ReduceOnly: true, ClientID: "sl:99",
	})
	require.NoError(t, err)

	require.NoError(t, f.exec.SweepOrphans(context.Background()))
	order, err := f.venue.GetOrder(context.Background(), "ETHUSDT", "sl:99")
	require.NoError(t, err)
	assert.Equal(t, "CANCELED", order.Status)
}

func TestReconcile(t *testing.T) {
	f := newExecFixture(t)
	f.venue.SetMark("ETHUSDT", 3000)

	// A pending record whose order filled on the venue before restart.
	filled, err := f.venue.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "ETHUSDT", Side: exchange.SideBuy, PositionSide: exchange.PositionSideLong,
		Type: exchange.OrderTypeMarket, Quantity: "0.01", ClientID: "signal:20",
	})
	require.NoError(t, err)
	require.True(t, filled.Filled())
	sigID := int64(20)
	require.NoError(t, f.trades.Insert(context.Background(), &store.TradeRecord{
		SignalID: &sigID, ClientID: "signal:20", Symbol: "ETHUSDT",
		Side: "BUY", PositionSide: store.PositionLong,
		Status: store.TradeStatusPending, OpenedAt: time.Now(),
	}))

	// A pending record the venue never saw.
	ghostID := int64(21)
	require.NoError(t, f.trades.Insert(context.Background(), &store.TradeRecord{
		SignalID: &ghostID, ClientID: "signal:21", Symbol: "ETHUSDT",
		Side: "BUY", PositionSide: store.PositionLong,
		Status: store.TradeStatusPending, OpenedAt: time.Now(),
	}))

	require.NoError(t, f.exec.Reconcile(context.Background()))
	assert.Equal(t, store.TradeStatusFilled, f.trades.status("signal:20"))
	assert.Equal(t, store.TradeStatusFailed, f.trades.status("signal:21"))
}
