package executor

import (
	"context"
	"strings"
)

// Reconcile resolves pending trade records left over from a previous run by
// querying the venue for each record's client id. Call once at startup.
func (e *Executor) Reconcile(ctx context.Context) error {
	pending, err := e.trades.Pending(ctx)
	if err != nil {
		return err
	}
	for _, tr := range pending {
		order, err := e.venue.GetOrder(ctx, tr.Symbol, tr.ClientID)
		if err != nil {
			// Unknown to the venue: the order was never accepted.
			if dbErr := e.trades.MarkFailed(ctx, tr.ClientID); dbErr != nil {
				e.logger.Error().Err(dbErr).Str("client_id", tr.ClientID).Msg("Failed to resolve pending trade")
			}
			e.logger.Warn().Str("client_id", tr.ClientID).Msg("Pending trade not found on venue, marked failed")
			continue
		}
		switch {
		case order.Filled():
			if dbErr := e.trades.MarkFilled(ctx, tr.ClientID, order.OrderID, parseFloat(order.AvgPrice), parseFloat(order.ExecutedQty)); dbErr != nil {
				e.logger.Error().Err(dbErr).Str("client_id", tr.ClientID).Msg("Failed to resolve pending trade")
			}
		case order.Status == "CANCELED" || order.Status == "EXPIRED" || order.Status == "REJECTED":
			if dbErr := e.trades.MarkCanceled(ctx, tr.ClientID); dbErr != nil {
				e.logger.Error().Err(dbErr).Str("client_id", tr.ClientID).Msg("Failed to resolve pending trade")
			}
		default:
			e.logger.Info().Str("client_id", tr.ClientID).Str("status", order.Status).Msg("Pending trade still open on venue")
		}
	}
	e.logger.Info().Int("pending", len(pending)).Msg("Startup reconciliation complete")
	return nil
}

// SweepOrphans cancels reduce-only bracket orders whose position is gone.
// The scheduler runs this periodically.
func (e *Executor) SweepOrphans(ctx context.Context) error {
	positions, err := e.venue.FetchPositions(ctx)
	if err != nil {
		return err
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
	}

	open, err := e.venue.OpenOrders(ctx, "")
	if err != nil {
		return err
	}

	swept := 0
	for _, o := range open {
		if !o.ReduceOnly {
			continue
		}
		if !strings.HasPrefix(o.ClientID, "tp:") && !strings.HasPrefix(o.ClientID, "sl:") {
			continue
		}
		if held[o.Symbol] {
			continue
		}
		if err := e.venue.CancelOrder(ctx, o.Symbol, o.ClientID); err != nil {
			e.logger.Warn().Err(err).Str("client_id", o.ClientID).Msg("Failed to cancel orphan order")
			continue
		}
		swept++
		e.logger.Info().Str("client_id", o.ClientID).Str("symbol", o.Symbol).Msg("Orphan bracket order canceled")
	}
	if swept == 0 {
		e.logger.Debug().Msg("Orphan sweep found nothing")
	}
	return nil
}
