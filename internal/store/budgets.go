package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/quota"
)

// BudgetStore persists DailyBudget rows. Implements quota.Store.
type BudgetStore struct {
	pool   PoolIface
	logger zerolog.Logger
}

// LoadBudget fetches one day's budget row, nil when absent
func (s *BudgetStore) LoadBudget(ctx context.Context, date string) (*quota.DailyBudget, error) {
	var (
		b            quota.DailyBudget
		callsByModel []byte
		tier         string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT date, total_calls, calls_by_model, tokens_in, tokens_out, estimated_cost, tier
		FROM daily_budgets WHERE date = $1
	`, date).Scan(&b.Date, &b.TotalCalls, &callsByModel, &b.TokensIn, &b.TokensOut, &b.CostUSD, &tier)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load daily budget: %w", err)
	}

	b.Tier = quota.Tier(tier)
	if len(callsByModel) > 0 {
		if err := json.Unmarshal(callsByModel, &b.CallsByModel); err != nil {
			return nil, fmt.Errorf("failed to unmarshal calls_by_model: %w", err)
		}
	}
	return &b, nil
}

// SaveBudget upserts one day's budget row
func (s *BudgetStore) SaveBudget(ctx context.Context, budget *quota.DailyBudget) error {
	callsByModel, err := json.Marshal(budget.CallsByModel)
	if err != nil {
		return fmt.Errorf("failed to marshal calls_by_model: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO daily_budgets (date, total_calls, calls_by_model, tokens_in, tokens_out, estimated_cost, tier)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date) DO UPDATE SET
			total_calls = EXCLUDED.total_calls,
			calls_by_model = EXCLUDED.calls_by_model,
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			estimated_cost = EXCLUDED.estimated_cost,
			tier = EXCLUDED.tier
	`, budget.Date, budget.TotalCalls, callsByModel, budget.TokensIn, budget.TokensOut, budget.CostUSD, string(budget.Tier))
	if err != nil {
		s.logger.Error().Err(err).Str("date", budget.Date).Msg("Failed to save daily budget")
		return fmt.Errorf("failed to save daily budget: %w", err)
	}
	return nil
}
