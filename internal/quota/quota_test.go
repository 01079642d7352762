package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/llm"
)

type memoryStore struct {
	mu    sync.Mutex
	saved map[string]DailyBudget
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: make(map[string]DailyBudget)}
}

func (m *memoryStore) LoadBudget(ctx context.Context, date string) (*DailyBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.saved[date]; ok {
		copied := b
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryStore) SaveBudget(ctx context.Context, budget *DailyBudget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[budget.Date] = *budget
	return nil
}

func newTestAccountant(callLimit int, costLimit float64) *Accountant {
	return NewAccountant(
		config.QuotaConfig{DailyCallLimit: callLimit, DailyCostUSD: costLimit},
		config.LLMConfig{
			PriceInPer1K:  map[string]float64{"deepseek-chat": 0.001},
			PriceOutPer1K: map[string]float64{"deepseek-chat": 0.002},
		},
		nil,
	)
}

func TestAccountant_TierTransitions(t *testing.T) {
	a := newTestAccountant(10, 0)

	report := llm.CallReport{Model: "deepseek-chat", PromptTokens: 100, CompletionTokens: 50, OK: true}

	for i := 0; i < 7; i++ {
		a.Record(report)
	}
	if got := a.Tier(); got != TierNormal {
		t.Errorf("tier at 70%% = %s, want normal", got)
	}

	a.Record(report) // 8/10
	if got := a.Tier(); got != TierWarn {
		t.Errorf("tier at 80%% = %s, want warn", got)
	}

	a.Record(report) // 9/10
	if got := a.Tier(); got != TierCritical {
		t.Errorf("tier at 90%% = %s, want critical", got)
	}

	a.Record(report) // 10/10
	if got := a.Tier(); got != TierExhausted {
		t.Errorf("tier at 100%% = %s, want exhausted", got)
	}
}

func TestAccountant_CostEstimation(t *testing.T) {
	a := newTestAccountant(0, 1.0)

	a.Record(llm.CallReport{Model: "deepseek-chat", PromptTokens: 1000, CompletionTokens: 1000, OK: true})

	b := a.Snapshot()
	want := 0.001 + 0.002
	if b.CostUSD < want-1e-9 || b.CostUSD > want+1e-9 {
		t.Errorf("cost = %f, want %f", b.CostUSD, want)
	}
	// Unknown models cost nothing but still count calls.
	a.Record(llm.CallReport{Model: "mystery", PromptTokens: 1000, CompletionTokens: 1000, OK: true})
	if got := a.Snapshot().CostUSD; got != b.CostUSD {
		t.Errorf("unknown model changed cost: %f", got)
	}
	if got := a.Snapshot().TotalCalls; got != 2 {
		t.Errorf("total calls = %d, want 2", got)
	}
}

func TestAccountant_FailedCallsCount(t *testing.T) {
	a := newTestAccountant(2, 0)

	a.Record(llm.CallReport{Model: "deepseek-chat", OK: false})
	a.Record(llm.CallReport{Model: "deepseek-chat", OK: false})

	if got := a.Tier(); got != TierExhausted {
		t.Errorf("tier = %s, want exhausted after two failed calls", got)
	}
}

func TestAccountant_TierChangeCallback(t *testing.T) {
	a := newTestAccountant(5, 0)

	var mu sync.Mutex
	var transitions []Tier
	a.OnTierChange(func(old, new Tier, budget DailyBudget) {
		mu.Lock()
		transitions = append(transitions, new)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		a.Record(llm.CallReport{Model: "deepseek-chat", OK: true})
	}

	mu.Lock()
	defer mu.Unlock()
	// 4/5 = 80% warn, 5/5 = 100% exhausted. Critical is skipped.
	if len(transitions) != 2 || transitions[0] != TierWarn || transitions[1] != TierExhausted {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestAccountant_MidnightRollover(t *testing.T) {
	a := newTestAccountant(5, 0)

	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.Local)
	a.SetClock(func() time.Time { return day })

	for i := 0; i < 5; i++ {
		a.Record(llm.CallReport{Model: "deepseek-chat", OK: true})
	}
	if got := a.Tier(); got != TierExhausted {
		t.Fatalf("tier = %s, want exhausted", got)
	}

	day = day.Add(2 * time.Hour) // past local midnight
	a.Rollover(context.Background())

	if got := a.Tier(); got != TierNormal {
		t.Errorf("tier after rollover = %s, want normal", got)
	}
	if got := a.Snapshot().TotalCalls; got != 0 {
		t.Errorf("calls after rollover = %d, want 0", got)
	}
}

func TestAccountant_Restore(t *testing.T) {
	store := newMemoryStore()
	date := time.Now().Format("2006-01-02")
	store.saved[date] = DailyBudget{
		Date:         date,
		TotalCalls:   9,
		CallsByModel: map[string]int{"deepseek-chat": 9},
	}

	a := NewAccountant(
		config.QuotaConfig{DailyCallLimit: 10},
		config.LLMConfig{},
		store,
	)
	if err := a.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := a.Tier(); got != TierCritical {
		t.Errorf("tier after restore = %s, want critical", got)
	}
}
