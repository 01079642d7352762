package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/signal"
)

// SignalStore persists debate verdicts. Rows are append-only; signal content
// is never updated after insert.
type SignalStore struct {
	pool   PoolIface
	logger zerolog.Logger
}

// Insert writes a signal and fills in its assigned id
func (s *SignalStore) Insert(ctx context.Context, sig *signal.Signal) error {
	opinions, err := json.Marshal(sig.RoleOpinions)
	if err != nil {
		return fmt.Errorf("failed to marshal role opinions: %w", err)
	}
	timings, err := json.Marshal(sig.StageTimestamps)
	if err != nil {
		return fmt.Errorf("failed to marshal stage timings: %w", err)
	}

	query := `
		INSERT INTO signals (
			symbol, created_at, signal, confidence, risk_level, reason,
			risk_assessment, final_raw_output, role_opinions, stage_timings,
			price_at_signal, regime, tp_price, sl_price, leverage,
			error_text, parsed_by_fallback
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		) RETURNING id
	`

	err = s.pool.QueryRow(ctx, query,
		sig.Symbol,
		sig.CreatedAt,
		string(sig.Signal),
		sig.Confidence,
		string(sig.RiskLevel),
		sig.Reason,
		sig.RiskAssessment,
		sig.FinalRawOutput,
		opinions,
		timings,
		sig.PriceAtSignal,
		sig.Regime,
		sig.TPPrice,
		sig.SLPrice,
		sig.Leverage,
		sig.ErrorText,
		sig.ParsedByFallback,
	).Scan(&sig.ID)

	if err != nil {
		s.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("Failed to insert signal")
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// Recent returns the newest signals, optionally filtered by symbol
func (s *SignalStore) Recent(ctx context.Context, symbol string, limit int) ([]*signal.Signal, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, symbol, created_at, signal, confidence, risk_level, reason,
		       risk_assessment, final_raw_output, role_opinions, stage_timings,
		       price_at_signal, regime, tp_price, sl_price, leverage,
		       error_text, parsed_by_fallback
		FROM signals
	`
	args := []interface{}{}
	if symbol != "" {
		query += " WHERE symbol = $1 ORDER BY created_at DESC LIMIT $2"
		args = append(args, symbol, limit)
	} else {
		query += " ORDER BY created_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []*signal.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// Get fetches one signal by id
func (s *SignalStore) Get(ctx context.Context, id int64) (*signal.Signal, error) {
	query := `
		SELECT id, symbol, created_at, signal, confidence, risk_level, reason,
		       risk_assessment, final_raw_output, role_opinions, stage_timings,
		       price_at_signal, regime, tp_price, sl_price, leverage,
		       error_text, parsed_by_fallback
		FROM signals WHERE id = $1
	`
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	return scanSignal(rows)
}

func scanSignal(rows pgx.Rows) (*signal.Signal, error) {
	var (
		sig       signal.Signal
		direction string
		riskLevel string
		opinions  []byte
		timings   []byte
	)
	err := rows.Scan(
		&sig.ID,
		&sig.Symbol,
		&sig.CreatedAt,
		&direction,
		&sig.Confidence,
		&riskLevel,
		&sig.Reason,
		&sig.RiskAssessment,
		&sig.FinalRawOutput,
		&opinions,
		&timings,
		&sig.PriceAtSignal,
		&sig.Regime,
		&sig.TPPrice,
		&sig.SLPrice,
		&sig.Leverage,
		&sig.ErrorText,
		&sig.ParsedByFallback,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}
	sig.Signal = signal.Direction(direction)
	sig.RiskLevel = signal.RiskLevel(riskLevel)
	if len(opinions) > 0 {
		if err := json.Unmarshal(opinions, &sig.RoleOpinions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal role opinions: %w", err)
		}
	}
	if len(timings) > 0 {
		if err := json.Unmarshal(timings, &sig.StageTimestamps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stage timings: %w", err)
		}
	}
	return &sig, nil
}
