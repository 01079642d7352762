package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// TradeStatus is the order lifecycle state (monotonic transitions only)
type TradeStatus string

const (
	TradeStatusPending  TradeStatus = "pending"
	TradeStatusFilled   TradeStatus = "filled"
	TradeStatusPartial  TradeStatus = "partial"
	TradeStatusCanceled TradeStatus = "canceled"
	TradeStatusFailed   TradeStatus = "failed"
)

// PositionSide distinguishes the two hedge-mode sides
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// TradeRecord is one exchange order lifecycle row
type TradeRecord struct {
	ID           int64
	SignalID     *int64
	OrderID      string
	ClientID     string
	Symbol       string
	Side         string // BUY or SELL
	PositionSide PositionSide
	Price        float64
	Qty          float64
	Status       TradeStatus
	Reason       string // "signal BUY", "tp", "sl", "trailing", "timeout", "manual", "riskgate", "adverse-reversal"
	PnLUSDT      *float64
	PnLPct       *float64
	Leverage     int
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

// IsClose reports whether this record reduces a position
func (t *TradeRecord) IsClose() bool {
	switch t.Reason {
	case "tp", "sl", "trailing", "timeout", "manual", "adverse-reversal":
		return true
	}
	// Signal-driven closes carry the closing direction in the reason.
	return t.Reason == "signal SELL" || t.Reason == "signal COVER"
}

// RoundTrip is a matched opening and closing trade pair
type RoundTrip struct {
	Symbol  string
	Open    *TradeRecord
	Close   *TradeRecord
	PnLUSDT float64
}

// TradeStore persists TradeRecord rows, append-only
type TradeStore struct {
	pool   PoolIface
	logger zerolog.Logger
}

// Insert writes a new trade record (normally status=pending, before the
// venue call) and fills in its assigned id
func (s *TradeStore) Insert(ctx context.Context, tr *TradeRecord) error {
	query := `
		INSERT INTO trade_records (
			signal_id, order_id, client_id, symbol, side, position_side,
			price, qty, status, reason, pnl_usdt, pnl_pct, leverage,
			opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		) RETURNING id
	`
	err := s.pool.QueryRow(ctx, query,
		tr.SignalID,
		tr.OrderID,
		tr.ClientID,
		tr.Symbol,
		tr.Side,
		string(tr.PositionSide),
		tr.Price,
		tr.Qty,
		string(tr.Status),
		tr.Reason,
		tr.PnLUSDT,
		tr.PnLPct,
		tr.Leverage,
		tr.OpenedAt,
		tr.ClosedAt,
	).Scan(&tr.ID)

	if err != nil {
		s.logger.Error().Err(err).Str("client_id", tr.ClientID).Msg("Failed to insert trade record")
		return fmt.Errorf("failed to insert trade record: %w", err)
	}
	return nil
}

// MarkFilled transitions a pending or partial record to filled with the
// venue's fill price and quantity
func (s *TradeStore) MarkFilled(ctx context.Context, clientID, orderID string, price, qty float64) error {
	return s.transition(ctx, clientID, TradeStatusFilled, `
		UPDATE trade_records
		SET status = 'filled', order_id = $2, price = $3, qty = $4
		WHERE client_id = $1 AND status IN ('pending', 'partial')
	`, clientID, orderID, price, qty)
}

// MarkFailed transitions a pending record to failed
func (s *TradeStore) MarkFailed(ctx context.Context, clientID string) error {
	return s.transition(ctx, clientID, TradeStatusFailed, `
		UPDATE trade_records
		SET status = 'failed', closed_at = now()
		WHERE client_id = $1 AND status IN ('pending', 'partial')
	`, clientID)
}

// MarkCanceled transitions a pending record to canceled
func (s *TradeStore) MarkCanceled(ctx context.Context, clientID string) error {
	return s.transition(ctx, clientID, TradeStatusCanceled, `
		UPDATE trade_records
		SET status = 'canceled', closed_at = now()
		WHERE client_id = $1 AND status IN ('pending', 'partial')
	`, clientID)
}

// SetPnL records realized PnL and the close timestamp on a filled closing record
func (s *TradeStore) SetPnL(ctx context.Context, clientID string, pnlUSDT, pnlPct float64, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trade_records
		SET pnl_usdt = $2, pnl_pct = $3, closed_at = $4
		WHERE client_id = $1 AND status = 'filled'
	`, clientID, pnlUSDT, pnlPct, closedAt)
	if err != nil {
		return fmt.Errorf("failed to set pnl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no filled trade record for client_id %s", clientID)
	}
	return nil
}

func (s *TradeStore) transition(ctx context.Context, clientID string, to TradeStatus, query string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition trade to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown client id or a non-monotonic transition attempt.
		return fmt.Errorf("trade %s: no row eligible for transition to %s", clientID, to)
	}
	return nil
}

// Pending returns records awaiting venue reconciliation
func (s *TradeStore) Pending(ctx context.Context) ([]*TradeRecord, error) {
	return s.query(ctx, `
		SELECT id, signal_id, order_id, client_id, symbol, side, position_side,
		       price, qty, status, reason, pnl_usdt, pnl_pct, leverage,
		       opened_at, closed_at
		FROM trade_records
		WHERE status IN ('pending', 'partial')
		ORDER BY opened_at ASC
	`)
}

// Recent returns the newest trade records for a symbol ("" for all)
func (s *TradeStore) Recent(ctx context.Context, symbol string, limit int) ([]*TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if symbol != "" {
		return s.query(ctx, `
			SELECT id, signal_id, order_id, client_id, symbol, side, position_side,
			       price, qty, status, reason, pnl_usdt, pnl_pct, leverage,
			       opened_at, closed_at
			FROM trade_records
			WHERE symbol = $1
			ORDER BY opened_at DESC LIMIT $2
		`, symbol, limit)
	}
	return s.query(ctx, `
		SELECT id, signal_id, order_id, client_id, symbol, side, position_side,
		       price, qty, status, reason, pnl_usdt, pnl_pct, leverage,
		       opened_at, closed_at
		FROM trade_records
		ORDER BY opened_at DESC LIMIT $1
	`, limit)
}

// RealizedPnLToday sums realized PnL for closes since local midnight
func (s *TradeStore) RealizedPnLToday(ctx context.Context) (float64, error) {
	var pnl float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl_usdt), 0)
		FROM trade_records
		WHERE pnl_usdt IS NOT NULL
		  AND closed_at >= date_trunc('day', now())
	`).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return pnl, nil
}

// LossStreak counts consecutive losing closes, newest first
func (s *TradeStore) LossStreak(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pnl_usdt
		FROM trade_records
		WHERE pnl_usdt IS NOT NULL AND status = 'filled'
		ORDER BY closed_at DESC
		LIMIT 50
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query loss streak: %w", err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return 0, fmt.Errorf("failed to scan pnl: %w", err)
		}
		if pnl >= 0 {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// RoundTrips pairs filled opens with filled closes FIFO by opened_at
func (s *TradeStore) RoundTrips(ctx context.Context, symbol string, limit int) ([]*RoundTrip, error) {
	trades, err := s.query(ctx, `
		SELECT id, signal_id, order_id, client_id, symbol, side, position_side,
		       price, qty, status, reason, pnl_usdt, pnl_pct, leverage,
		       opened_at, closed_at
		FROM trade_records
		WHERE symbol = $1 AND status = 'filled'
		ORDER BY opened_at ASC
	`, symbol)
	if err != nil {
		return nil, err
	}

	var opens []*TradeRecord
	var trips []*RoundTrip
	for _, tr := range trades {
		if tr.IsClose() {
			if len(opens) == 0 {
				continue
			}
			open := opens[0]
			opens = opens[1:]
			trip := &RoundTrip{Symbol: symbol, Open: open, Close: tr}
			if tr.PnLUSDT != nil {
				trip.PnLUSDT = *tr.PnLUSDT
			}
			trips = append(trips, trip)
		} else {
			opens = append(opens, tr)
		}
	}
	if limit > 0 && len(trips) > limit {
		trips = trips[len(trips)-limit:]
	}
	return trips, nil
}

func (s *TradeStore) query(ctx context.Context, query string, args ...interface{}) ([]*TradeRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade records: %w", err)
	}
	defer rows.Close()

	var trades []*TradeRecord
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func scanTrade(rows pgx.Rows) (*TradeRecord, error) {
	var (
		tr           TradeRecord
		orderID      *string
		positionSide string
		status       string
	)
	err := rows.Scan(
		&tr.ID,
		&tr.SignalID,
		&orderID,
		&tr.ClientID,
		&tr.Symbol,
		&tr.Side,
		&positionSide,
		&tr.Price,
		&tr.Qty,
		&status,
		&tr.Reason,
		&tr.PnLUSDT,
		&tr.PnLPct,
		&tr.Leverage,
		&tr.OpenedAt,
		&tr.ClosedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan trade record: %w", err)
	}
	if orderID != nil {
		tr.OrderID = *orderID
	}
	tr.PositionSide = PositionSide(positionSide)
	tr.Status = TradeStatus(status)
	return &tr, nil
}
