// Package quota tracks daily LLM spend. Every completed or failed provider
// call lands here through the llm.UsageRecorder hook; the accountant keeps
// one DailyBudget row per local calendar day and derives the quota tier from
// it.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/llm"
	"github.com/quorumtrade/quorum/internal/metrics"
)

// Tier is the quota state derived from daily usage
type Tier string

const (
	TierNormal    Tier = "normal"    // usage < 80%
	TierWarn      Tier = "warn"      // 80-90%
	TierCritical  Tier = "critical"  // 90-100%, cold symbols dropped
	TierExhausted Tier = "exhausted" // >= 100%, manual debates only
)

func (t Tier) gaugeValue() float64 {
	switch t {
	case TierWarn:
		return 1
	case TierCritical:
		return 2
	case TierExhausted:
		return 3
	default:
		return 0
	}
}

// DailyBudget is one day's accumulated usage
type DailyBudget struct {
	Date         string         `json:"date"` // local calendar day, 2006-01-02
	TotalCalls   int            `json:"total_calls"`
	CallsByModel map[string]int `json:"calls_by_model"`
	TokensIn     int64          `json:"tokens_in"`
	TokensOut    int64          `json:"tokens_out"`
	CostUSD      float64        `json:"estimated_cost"`
	CallLimit    int            `json:"call_limit"`
	CostLimitUSD float64        `json:"cost_limit_usd"`
	Tier         Tier           `json:"tier"`
}

// Usage returns spend as a fraction of the binding limit. With both limits
// unset the budget never binds and usage is always zero.
func (b *DailyBudget) Usage() float64 {
	var frac float64
	if b.CallLimit > 0 {
		frac = float64(b.TotalCalls) / float64(b.CallLimit)
	}
	if b.CostLimitUSD > 0 {
		if c := b.CostUSD / b.CostLimitUSD; c > frac {
			frac = c
		}
	}
	return frac
}

func tierFor(usage float64) Tier {
	switch {
	case usage >= 1.0:
		return TierExhausted
	case usage >= 0.9:
		return TierCritical
	case usage >= 0.8:
		return TierWarn
	default:
		return TierNormal
	}
}

// Store persists DailyBudget rows. internal/store implements this.
type Store interface {
	LoadBudget(ctx context.Context, date string) (*DailyBudget, error)
	SaveBudget(ctx context.Context, budget *DailyBudget) error
}

// TierChangeFunc observes tier transitions (broadcast, Telegram)
type TierChangeFunc func(old, new Tier, budget DailyBudget)

// Accountant maintains the current day's budget row
type Accountant struct {
	mu           sync.Mutex
	cfg          config.QuotaConfig
	priceInPer1K map[string]float64
	priceOutPer1 map[string]float64
	store        Store
	current      *DailyBudget
	onTierChange TierChangeFunc
	now          func() time.Time
	logger       zerolog.Logger
}

// NewAccountant creates an accountant. store may be nil (no persistence).
func NewAccountant(cfg config.QuotaConfig, llmCfg config.LLMConfig, store Store) *Accountant {
	a := &Accountant{
		cfg:          cfg,
		priceInPer1K: llmCfg.PriceInPer1K,
		priceOutPer1: llmCfg.PriceOutPer1K,
		store:        store,
		now:          time.Now,
		logger:       config.NewLogger("quota"),
	}
	a.current = a.freshBudget(a.today())
	return a
}

// OnTierChange installs the tier transition observer
func (a *Accountant) OnTierChange(fn TierChangeFunc) {
	a.mu.Lock()
	a.onTierChange = fn
	a.mu.Unlock()
}

// SetClock overrides the time source (tests)
func (a *Accountant) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Restore loads today's budget row so usage survives restart
func (a *Accountant) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	budget, err := a.store.LoadBudget(ctx, a.today())
	if err != nil {
		return err
	}
	if budget == nil {
		return nil
	}

	a.mu.Lock()
	budget.CallLimit = a.cfg.DailyCallLimit
	budget.CostLimitUSD = a.cfg.DailyCostUSD
	budget.Tier = tierFor(budget.Usage())
	if budget.CallsByModel == nil {
		budget.CallsByModel = make(map[string]int)
	}
	a.current = budget
	metrics.QuotaTier.Set(budget.Tier.gaugeValue())
	a.mu.Unlock()

	a.logger.Info().
		Str("date", budget.Date).
		Int("calls", budget.TotalCalls).
		Float64("cost_usd", budget.CostUSD).
		Str("tier", string(budget.Tier)).
		Msg("Daily budget restored")
	return nil
}

// Record implements llm.UsageRecorder. Failed calls still count: the provider
// charged for them or they burned a call slot either way.
func (a *Accountant) Record(report llm.CallReport) {
	cost := a.costOf(report.Model, report.PromptTokens, report.CompletionTokens)

	a.mu.Lock()
	a.rollIfNeeded()

	b := a.current
	b.TotalCalls++
	b.CallsByModel[report.Model]++
	b.TokensIn += int64(report.PromptTokens)
	b.TokensOut += int64(report.CompletionTokens)
	b.CostUSD += cost

	oldTier := b.Tier
	b.Tier = tierFor(b.Usage())
	snapshot := *b
	changed := b.Tier != oldTier
	onChange := a.onTierChange
	a.mu.Unlock()

	metrics.QuotaTier.Set(snapshot.Tier.gaugeValue())
	if cost > 0 {
		metrics.LLMCostUSD.Add(cost)
	}

	if changed {
		a.logger.Warn().
			Str("from", string(oldTier)).
			Str("to", string(snapshot.Tier)).
			Float64("usage", snapshot.Usage()).
			Msg("Quota tier changed")
		if onChange != nil {
			onChange(oldTier, snapshot.Tier, snapshot)
		}
	}

	a.persist(&snapshot)
}

// Tier returns the current quota tier
func (a *Accountant) Tier() Tier {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollIfNeeded()
	return a.current.Tier
}

// Snapshot returns a copy of today's budget
func (a *Accountant) Snapshot() DailyBudget {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollIfNeeded()
	b := *a.current
	callsByModel := make(map[string]int, len(b.CallsByModel))
	for model, n := range b.CallsByModel {
		callsByModel[model] = n
	}
	b.CallsByModel = callsByModel
	return b
}

// Rollover forces a day boundary check; the scheduler runs this at midnight
func (a *Accountant) Rollover(ctx context.Context) {
	a.mu.Lock()
	rolled := a.rollIfNeeded()
	snapshot := *a.current
	a.mu.Unlock()

	if rolled {
		a.logger.Info().Str("date", snapshot.Date).Msg("Daily budget rolled over")
		metrics.QuotaTier.Set(snapshot.Tier.gaugeValue())
		a.persist(&snapshot)
	}
}

// rollIfNeeded must be called with the lock held
func (a *Accountant) rollIfNeeded() bool {
	today := a.today()
	if a.current.Date == today {
		return false
	}
	old := *a.current
	a.current = a.freshBudget(today)
	go a.persist(&old)
	return true
}

func (a *Accountant) today() string {
	return a.now().Format("2006-01-02")
}

func (a *Accountant) freshBudget(date string) *DailyBudget {
	return &DailyBudget{
		Date:         date,
		CallsByModel: make(map[string]int),
		CallLimit:    a.cfg.DailyCallLimit,
		CostLimitUSD: a.cfg.DailyCostUSD,
		Tier:         TierNormal,
	}
}

func (a *Accountant) costOf(model string, tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000.0*a.priceInPer1K[model] +
		float64(tokensOut)/1000.0*a.priceOutPer1[model]
}

func (a *Accountant) persist(budget *DailyBudget) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.SaveBudget(ctx, budget); err != nil {
		a.logger.Warn().Err(err).Str("date", budget.Date).Msg("Failed to persist daily budget")
	}
}
