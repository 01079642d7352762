package main

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/bus"
	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/debate"
	"github.com/quorumtrade/quorum/internal/exchange"
	"github.com/quorumtrade/quorum/internal/executor"
	"github.com/quorumtrade/quorum/internal/quota"
	"github.com/quorumtrade/quorum/internal/scheduler"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/store"
	"github.com/quorumtrade/quorum/internal/supervisor"
	"github.com/quorumtrade/quorum/internal/ws"
)

// priceTriggerPct is the unsigned move from the last reference price that
// enqueues a price-triggered debate
const priceTriggerPct = 2.0

// pricesBroadcastEvery throttles the prices fan-out to WS clients
const pricesBroadcastEvery = 2 * time.Second

// venueHealth tracks venue reachability for the risk gate. The health task
// refreshes it on every run.
type venueHealth struct {
	up atomic.Bool
}

func (h *venueHealth) Connected() bool { return h.up.Load() }
func (h *venueHealth) Set(up bool)     { h.up.Store(up) }

// addTasks registers the engine's periodic triggers
func addTasks(sched *scheduler.Scheduler, cfg *config.Config, orch *debate.Orchestrator,
	exec *executor.Executor, accountant *quota.Accountant, st *store.Store,
	venue exchange.Exchange, health *venueHealth, logger zerolog.Logger) {

	hot := cfg.Trading.HotSymbols
	cold := subtract(cfg.Trading.Symbols, hot)

	if len(hot) > 0 {
		sched.Add(&scheduler.Task{
			Name:     "debates-hot",
			Interval: minutesOr(cfg.Scheduler.HotIntervalMin, 15),
			Run:      debateRound(orch, hot, logger),
		})
	}
	if len(cold) > 0 {
		sched.Add(&scheduler.Task{
			Name:     "debates-cold",
			Interval: minutesOr(cfg.Scheduler.ColdIntervalMin, 60),
			Run:      debateRound(orch, cold, logger),
		})
	}

	sched.Add(&scheduler.Task{
		Name:         "orphan-sweep",
		Interval:     minutesOr(cfg.Trading.OrphanSweepMin, 5),
		InitialDelay: 5 * time.Second,
		Run:          exec.SweepOrphans,
	})

	sched.Add(&scheduler.Task{
		Name:  "budget-rollover",
		Daily: true,
		Run: func(ctx context.Context) error {
			accountant.Rollover(ctx)
			return nil
		},
	})

	sched.Add(&scheduler.Task{
		Name:     "health",
		Interval: secondsOr(cfg.Scheduler.HealthIntervalS, 60),
		Run: func(ctx context.Context) error {
			venueUp := venue.Ping(ctx) == nil
			health.Set(venueUp)
			dbErr := st.Health(ctx)
			if reaped, err := st.Locks.ReapExpired(ctx); err == nil && reaped > 0 {
				logger.Debug().Int64("reaped", reaped).Msg("Expired scheduler locks removed")
			}
			logger.Info().
				Bool("venue", venueUp).
				Bool("database", dbErr == nil).
				Str("quota_tier", string(accountant.Tier())).
				Msg("Health")
			return nil
		},
	})
}

// debateRound runs one scheduled debate per symbol. Admission rejections are
// routine and never count as task failures.
func debateRound(orch *debate.Orchestrator, symbols []string, logger zerolog.Logger) scheduler.TaskFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for _, symbol := range symbols {
			_, err := orch.RunDebate(ctx, symbol, debate.TriggerScheduled)
			switch {
			case err == nil:
			case errors.Is(err, debate.ErrCooldownActive),
				errors.Is(err, debate.ErrQuotaExhausted),
				errors.Is(err, debate.ErrQuotaCritical):
				logger.Debug().Err(err).Str("symbol", symbol).Msg("Scheduled debate not admitted")
			default:
				logger.Warn().Err(err).Str("symbol", symbol).Msg("Scheduled debate failed")
				lastErr = err
			}
		}
		return lastErr
	}
}

// trackPosition hands a freshly opened position to the supervisor
func trackPosition(sup *supervisor.Supervisor, sig *signal.Signal, out *executor.Outcome, cfg *config.Config) {
	side := exchange.PositionSideLong
	if sig.Signal == signal.DirectionShort {
		side = exchange.PositionSideShort
	}

	leverage := cfg.Trading.Leverage
	if sig.Leverage > 0 {
		leverage = sig.Leverage
	}
	if leverage <= 0 {
		leverage = 1
	}

	tp, sl := sig.TPPrice, sig.SLPrice
	lev := float64(leverage)
	if tp == 0 {
		if side == exchange.PositionSideLong {
			tp = out.Price * (1 + cfg.Trading.TakeProfitPct/100/lev)
		} else {
			tp = out.Price * (1 - cfg.Trading.TakeProfitPct/100/lev)
		}
	}
	if sl == 0 {
		if side == exchange.PositionSideLong {
			sl = out.Price * (1 - cfg.Trading.StopLossPct/100/lev)
		} else {
			sl = out.Price * (1 + cfg.Trading.StopLossPct/100/lev)
		}
	}

	sup.Track(out.Symbol, side, out.Qty, out.Price, tp, sl, leverage, sig.ID)
}

// watchMarks fans the mark stream out to WS clients and raises price
// triggers when a symbol moves past the threshold since its last reference.
func watchMarks(ctx context.Context, venue exchange.Exchange, cfg *config.Config,
	publisher *ws.Publisher, b *bus.Bus, logger zerolog.Logger) {

	marks, err := venue.StreamMarks(ctx, cfg.Trading.Symbols)
	if err != nil {
		logger.Warn().Err(err).Msg("Mark stream unavailable, price broadcast disabled")
		return
	}

	latest := make(map[string]float64)
	reference := make(map[string]float64)
	ticker := time.NewTicker(pricesBroadcastEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-marks:
			if !ok {
				return
			}
			latest[ev.Symbol] = ev.MarkPrice

			ref := reference[ev.Symbol]
			if ref == 0 {
				reference[ev.Symbol] = ev.MarkPrice
				continue
			}
			movePct := (ev.MarkPrice - ref) / ref * 100
			switch {
			case movePct >= priceTriggerPct:
				b.EmitPriceTrigger(ev.Symbol, ev.MarkPrice, "surge")
				reference[ev.Symbol] = ev.MarkPrice
			case movePct <= -priceTriggerPct:
				b.EmitPriceTrigger(ev.Symbol, ev.MarkPrice, "plunge")
				reference[ev.Symbol] = ev.MarkPrice
			}
		case <-ticker.C:
			if len(latest) == 0 {
				continue
			}
			prices := make(map[string]float64, len(latest))
			for sym, price := range latest {
				prices[sym] = price
			}
			publisher.PublishPrices(prices)
		}
	}
}

func subtract(all, remove []string) []string {
	removed := make(map[string]bool, len(remove))
	for _, s := range remove {
		removed[s] = true
	}
	var out []string
	for _, s := range all {
		if !removed[s] {
			out = append(out, s)
		}
	}
	return out
}

func minutesOr(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Minute
}

func secondsOr(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
