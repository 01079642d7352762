package debate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtrade/quorum/internal/bus"
	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/cooldown"
	"github.com/quorumtrade/quorum/internal/llm"
	"github.com/quorumtrade/quorum/internal/market"
	"github.com/quorumtrade/quorum/internal/quota"
	"github.com/quorumtrade/quorum/internal/signal"
)

type fakeCompleter struct {
	model string
	reply string
	err   error
	calls atomic.Int32
}

func (f *fakeCompleter) CompleteText(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) Model() string { return f.model }

type fakeSnapshots struct {
	snap *market.Snapshot
	err  error
}

func (f *fakeSnapshots) Snapshot(ctx context.Context, symbol string) (*market.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

type fakeSignalStore struct {
	mu       sync.Mutex
	inserted []*signal.Signal
	err      error
}

func (f *fakeSignalStore) Insert(ctx context.Context, sig *signal.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	sig.ID = int64(41 + len(f.inserted))
	f.inserted = append(f.inserted, sig)
	return nil
}

func (f *fakeSignalStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type fakeQuota struct{ tier quota.Tier }

func (f *fakeQuota) Tier() quota.Tier { return f.tier }

func opinionReply(dir string, conf int) string {
	return fmt.Sprintf(`{"signal":"%s","confidence":%d,"reason":"as argued","risk_level":"中"}`, dir, conf)
}

type debateFixture struct {
	orch      *Orchestrator
	cfg       *config.Config
	roles     map[string]*fakeCompleter
	referee   *fakeCompleter
	quota     *fakeQuota
	cooldowns *cooldown.Tracker
	store     *fakeSignalStore
	bus       *bus.Bus
	executed  []*signal.Signal
}

func newDebateFixture(t *testing.T) *debateFixture {
	t.Helper()

	cfg := &config.Config{
		LLM: config.LLMConfig{RoleTimeoutSec: 1, RefereeTimeout: 1},
		Debate: config.DebateConfig{
			TotalTimeoutSec:   5,
			SignalCooldownMin: 30,
			Language:          "en-US",
		},
		Trading: config.TradingConfig{
			Symbols:    []string{"BTCUSDT", "ETHUSDT"},
			HotSymbols: []string{"BTCUSDT"},
		},
	}
	for _, name := range []string{"bull", "bear", "quant", "macro", "contrarian"} {
		cfg.Debate.Roles = append(cfg.Debate.Roles, config.RoleConfig{
			Name: name, Title: name, Emoji: "🤖", Model: name, Directives: "argue your corner",
		})
	}

	f := &debateFixture{
		cfg:       cfg,
		roles:     make(map[string]*fakeCompleter),
		referee:   &fakeCompleter{model: "reasoner", reply: opinionReply("HOLD", 50)},
		quota:     &fakeQuota{tier: quota.TierNormal},
		cooldowns: cooldown.NewTracker("signal"),
		store:     &fakeSignalStore{},
		bus:       bus.New(),
	}
	for _, role := range cfg.Debate.Roles {
		f.roles[role.Name] = &fakeCompleter{model: role.Model, reply: opinionReply("HOLD", 50)}
	}
	f.bus.OnExecute(func(ctx context.Context, sig *signal.Signal) {
		f.executed = append(f.executed, sig)
	})

	snap := &market.Snapshot{
		Symbol:    "BTCUSDT",
		Price:     50000,
		Regime:    market.RegimeTrendUp,
		Candles:   []market.Candle{{OpenTime: time.Now(), Open: 49900, High: 50100, Low: 49800, Close: 50000, Volume: 12}},
		FetchedAt: time.Now(),
	}

	factory := func(model string) Completer { return f.roles[model] }
	f.orch = New(func() *config.Config { return f.cfg }, &fakeSnapshots{snap: snap}, factory,
		f.referee, f.quota, f.cooldowns, f.store, f.bus)
	return f
}

func (f *debateFixture) roleCalls() int {
	total := 0
	for _, r := range f.roles {
		total += int(r.calls.Load())
	}
	return total
}

func TestRunDebate_HappyPathBuy(t *testing.T) {
	f := newDebateFixture(t)
	for _, r := range f.roles {
		r.reply = opinionReply("BUY", 80)
	}
	f.referee.reply = `{"signal":"BUY","confidence":72,"reason":"trend and flow agree","risk_level":"中","tp_price":52500,"sl_price":49000}`

	sig, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, int64(41), sig.ID)
	assert.Equal(t, signal.DirectionBuy, sig.Signal)
	assert.Equal(t, 72, sig.Confidence)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, 50000.0, sig.PriceAtSignal)
	assert.Equal(t, "trend_up", sig.Regime)
	assert.Equal(t, 52500.0, sig.TPPrice)
	assert.Empty(t, sig.ErrorText)
	assert.False(t, sig.ParsedByFallback)

	require.Len(t, sig.RoleOpinions, 5)
	for i := 1; i < len(sig.RoleOpinions); i++ {
		assert.Less(t, sig.RoleOpinions[i-1].Name, sig.RoleOpinions[i].Name, "opinions sorted by role name")
	}
	assert.NotEmpty(t, sig.RoleOpinions[0].InputMessages)

	require.Len(t, f.executed, 1, "actionable signals reach the executor synchronously")
	assert.Same(t, sig, f.executed[0])
	assert.Equal(t, 1, f.store.count())
	assert.True(t, f.cooldowns.IsActive(cooldown.Key("BTCUSDT", "BUY")), "the cooldown is keyed per action")
	assert.True(t, f.cooldowns.ActiveForSymbol("BTCUSDT"), "debate success arms the signal cooldown")
}

func TestRunDebate_RefereeFailureMajorityFallback(t *testing.T) {
	f := newDebateFixture(t)
	f.roles["bull"].reply = opinionReply("BUY", 80)
	f.roles["bear"].reply = opinionReply("BUY", 70)
	f.roles["quant"].reply = opinionReply("HOLD", 50)
	f.roles["macro"].reply = opinionReply("BUY", 65)
	f.roles["contrarian"].reply = opinionReply("SHORT", 20)
	f.referee.err = errors.New("upstream timeout")

	sig, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, signal.DirectionBuy, sig.Signal)
	assert.Equal(t, 70, sig.Confidence, "confidence is the median of the majority side")
	assert.Equal(t, "referee_failed_majority_fallback", sig.ErrorText)
	assert.True(t, sig.ParsedByFallback)
	assert.Equal(t, 1, f.store.count())
}

func TestRunDebate_MajorityTieHolds(t *testing.T) {
	f := newDebateFixture(t)
	f.roles["bull"].reply = opinionReply("BUY", 80)
	f.roles["bear"].reply = opinionReply("BUY", 70)
	f.roles["quant"].reply = opinionReply("SHORT", 60)
	f.roles["macro"].reply = opinionReply("SHORT", 55)
	f.roles["contrarian"].err = errors.New("down")
	f.referee.err = errors.New("down")

	sig, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, signal.DirectionHold, sig.Signal)
	assert.Empty(t, f.executed, "HOLD never reaches the executor")
}

func TestRunDebate_CooldownBlocksScheduled(t *testing.T) {
	f := newDebateFixture(t)
	f.cooldowns.Arm(context.Background(), "BTCUSDT", time.Hour)

	_, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.ErrorIs(t, err, ErrCooldownActive)
	assert.Zero(t, f.roleCalls(), "a blocked debate makes no LLM calls")
	assert.Zero(t, f.store.count())
}

func TestRunDebate_ManualBypassesCooldown(t *testing.T) {
	f := newDebateFixture(t)
	f.cooldowns.Arm(context.Background(), "BTCUSDT", time.Hour)

	sig, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, signal.DirectionHold, sig.Signal)
	assert.Equal(t, 1, f.store.count())
}

func TestRunDebate_QuotaExhaustedBlocksScheduled(t *testing.T) {
	f := newDebateFixture(t)
	f.quota.tier = quota.TierExhausted

	_, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Zero(t, f.roleCalls())

	_, err = f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerManual)
	assert.NoError(t, err, "manual debates run even when the quota is exhausted")
}

func TestRunDebate_QuotaCriticalDropsColdSymbols(t *testing.T) {
	f := newDebateFixture(t)
	f.quota.tier = quota.TierCritical

	_, err := f.orch.RunDebate(context.Background(), "ETHUSDT", TriggerScheduled)
	require.ErrorIs(t, err, ErrQuotaCritical)

	_, err = f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	assert.NoError(t, err, "hot symbols keep debating under critical quota")
}

func TestRunDebate_AllRolesFailedAborts(t *testing.T) {
	f := newDebateFixture(t)
	for _, r := range f.roles {
		r.err = errors.New("provider down")
	}

	_, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.ErrorIs(t, err, ErrAllRolesFailed)
	assert.Zero(t, int(f.referee.calls.Load()), "no referee call without opinions")
	assert.Zero(t, f.store.count())
}

func TestRunDebate_FailedRoleBecomesSyntheticHold(t *testing.T) {
	f := newDebateFixture(t)
	for _, r := range f.roles {
		r.reply = opinionReply("BUY", 75)
	}
	f.roles["quant"].err = errors.New("rate limited")
	f.referee.reply = opinionReply("BUY", 70)

	sig, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.NoError(t, err)

	var quantOp *signal.RoleOpinion
	for i := range sig.RoleOpinions {
		if sig.RoleOpinions[i].Name == "quant" {
			quantOp = &sig.RoleOpinions[i]
		}
	}
	require.NotNil(t, quantOp)
	assert.Equal(t, signal.DirectionHold, quantOp.Signal)
	assert.Zero(t, quantOp.Confidence)
	assert.Contains(t, quantOp.Analysis, "rate limited")

	// The verdict records the thinned panel but is not a fallback verdict.
	assert.Equal(t, "1/5 roles failed: quant", sig.ErrorText)
	assert.False(t, sig.ParsedByFallback)
}

func TestRunDebate_PartialFailureAppendsToFallbackText(t *testing.T) {
	f := newDebateFixture(t)
	for _, r := range f.roles {
		r.reply = opinionReply("BUY", 75)
	}
	f.roles["macro"].err = errors.New("timeout")
	f.referee.err = errors.New("upstream down")

	sig, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, signal.DirectionBuy, sig.Signal)
	assert.Equal(t, "referee_failed_majority_fallback; 1/5 roles failed: macro", sig.ErrorText)
	assert.True(t, sig.ParsedByFallback)
}

func TestRunDebate_SnapshotErrorIsTyped(t *testing.T) {
	f := newDebateFixture(t)
	f.orch.snapshots = &fakeSnapshots{err: errors.New("venue 503")}

	_, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.ErrorIs(t, err, ErrSnapshotUnavailable)
	assert.Zero(t, f.store.count())
}

func TestRunDebate_PersistErrorStopsEmits(t *testing.T) {
	f := newDebateFixture(t)
	f.referee.reply = opinionReply("BUY", 70)
	f.store.err = errors.New("db down")

	_, err := f.orch.RunDebate(context.Background(), "BTCUSDT", TriggerScheduled)
	require.Error(t, err)
	assert.Empty(t, f.executed, "nothing executes when the signal could not be persisted")
	assert.False(t, f.cooldowns.ActiveForSymbol("BTCUSDT"))
}
