// The engine binary runs the full signal pipeline: scheduled LLM debates,
// risk-gated execution, position supervision, and the HTTP/WS surface.
//
// Startup walks nine phases (config, database, accountant, venue, market
// feeds, supervisor, callbacks, scheduler, HTTP); shutdown reverses them
// with a bounded grace per phase.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quorumtrade/quorum/internal/alerts"
	"github.com/quorumtrade/quorum/internal/api"
	"github.com/quorumtrade/quorum/internal/bus"
	"github.com/quorumtrade/quorum/internal/config"
	"github.com/quorumtrade/quorum/internal/cooldown"
	"github.com/quorumtrade/quorum/internal/debate"
	"github.com/quorumtrade/quorum/internal/exchange"
	"github.com/quorumtrade/quorum/internal/executor"
	"github.com/quorumtrade/quorum/internal/llm"
	"github.com/quorumtrade/quorum/internal/market"
	"github.com/quorumtrade/quorum/internal/quota"
	"github.com/quorumtrade/quorum/internal/risk"
	"github.com/quorumtrade/quorum/internal/scheduler"
	"github.com/quorumtrade/quorum/internal/signal"
	"github.com/quorumtrade/quorum/internal/store"
	"github.com/quorumtrade/quorum/internal/supervisor"
	"github.com/quorumtrade/quorum/internal/ws"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitVenue     = 2
	exitSchema    = 3
	exitScheduler = 4
)

const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (optional, env vars apply on top)")
	flag.Parse()

	// Phase 1: configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration rejected: %v\n", err)
		return exitConfig
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("engine")
	logger.Info().
		Str("name", cfg.App.Name).
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Engine starting")

	configFn := func() *config.Config { return cfg }

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Phase 2: database
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		logger.Error().Err(err).Msg("Database bootstrap failed")
		return exitSchema
	}
	defer st.Close()

	// Phase 3: quota accountant and notifier
	accountant := quota.NewAccountant(cfg.Quota, cfg.LLM, st.Budgets)
	if err := accountant.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not restore today's budget, starting fresh")
	}

	notifier, err := alerts.New(cfg.Alerts)
	if err != nil {
		logger.Warn().Err(err).Msg("Telegram notifier unavailable, continuing without it")
	}

	// Phase 4: venue adapter
	rawVenue, health, code := connectVenue(ctx, cfg, logger)
	if code != exitOK {
		return code
	}
	breakers := risk.NewBreakers()
	var venue exchange.Exchange = exchange.NewGuarded(rawVenue, breakers.Exchange())

	// Phase 5: market feeds
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, snapshot cache disabled")
			redisClient = nil
		}
	}
	provider := market.NewProvider(venue, market.NewSnapshotCache(redisClient, 0))

	// Phase 6: cooldowns, broadcast hubs, supervisor
	signalCDs := cooldown.NewTracker("signal", cooldown.WithPersister(st.Cooldowns))
	closeCDs := cooldown.NewTracker("close", cooldown.WithPersister(st.Cooldowns))
	if err := signalCDs.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not restore signal cooldowns")
	}
	if err := closeCDs.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not restore close cooldowns")
	}

	marketHub := ws.NewHub("market", cfg.WS)
	signalHub := ws.NewHub("signals", cfg.WS)
	publisher := ws.NewPublisher(marketHub, signalHub)
	heartbeatStop := make(chan struct{})
	go marketHub.RunHeartbeat(heartbeatStop)
	go signalHub.RunHeartbeat(heartbeatStop)

	sup := supervisor.New(configFn, venue, st.Trades, closeCDs, publisher)
	if err := sup.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Could not adopt venue positions")
	}
	go func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Supervisor loop ended")
		}
	}()

	// Phase 7: callbacks
	gate := risk.NewGate(configFn, st.Trades, accountant, signalCDs, health)
	exec := executor.New(configFn, venue, gate, st.Trades, signalCDs, closeCDs, publisher)
	if err := exec.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("Pending-order reconciliation failed")
	}

	engineBus := bus.New()
	orch := debate.New(configFn, provider,
		debate.NewClientFactory(cfg.LLM, accountant, breakers.LLM()),
		llm.NewReasonerClient(cfg.LLM, accountant).WithBreaker(breakers.LLM()),
		accountant, signalCDs, st.Signals, engineBus)

	engineBus.OnSignal(func(sig *signal.Signal) {
		publisher.PublishNewSignal(sig)
		notifier.NotifySignal(sig)
	})
	engineBus.OnExecute(func(ctx context.Context, sig *signal.Signal) {
		out := exec.Execute(ctx, sig)
		switch out.Status {
		case executor.StatusFilled:
			notifier.NotifyTradeFilled(out.Symbol, out.Side, out.Price, out.Qty)
			if sig.Signal.IsOpening() {
				trackPosition(sup, sig, out, cfg)
			}
		case executor.StatusFailed:
			notifier.NotifyTradeFailed(out.Symbol, out.Side, out.Reason)
		}
	})
	engineBus.OnPriceTrigger(func(symbol string, price float64, thresholdKind string) {
		go func() {
			if _, err := orch.RunDebate(context.Background(), symbol, debate.TriggerPrice); err != nil {
				logger.Debug().Err(err).Str("symbol", symbol).Str("kind", thresholdKind).Msg("Price-triggered debate not run")
			}
		}()
	})

	accountant.OnTierChange(func(old, new quota.Tier, budget quota.DailyBudget) {
		notifier.NotifyTierChange(old, new, budget)
		signalHub.Broadcast("quota_tier", budget)
	})

	go watchMarks(ctx, venue, cfg, publisher, engineBus, logger)

	// Phase 8: scheduler
	sched := scheduler.New(cfg.Scheduler, st.Locks)
	addTasks(sched, cfg, orch, exec, accountant, st, venue, health, logger)
	sched.Start(ctx)

	// Phase 9: HTTP surface
	apiServer := api.NewServer(cfg.API, api.Deps{
		Debater:   orch,
		Signals:   st.Signals,
		Positions: sup,
		MarketHub: marketHub,
		SignalHub: signalHub,
		MarkOf: func(symbol string) float64 {
			price, _, err := venue.MarkPrice(context.Background(), symbol)
			if err != nil {
				return 0
			}
			return price
		},
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}()

	notifier.NotifyEngine("Engine started", fmt.Sprintf("%s %s (%s)", cfg.App.Name, cfg.App.Version, cfg.App.Environment))
	logger.Info().Msg("Engine running")

	exitCode := exitOK
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-sched.Fatal():
		logger.Error().Err(err).Msg("Scheduler unrecoverable, shutting down")
		notifier.NotifyEngine("Engine fatal", err.Error())
		exitCode = exitScheduler
	}

	// Shutdown, reverse of startup. Each phase gets its slice of the grace.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server did not stop cleanly")
	}
	sched.Stop()
	engineBus.Reset()
	close(heartbeatStop)
	marketHub.CloseAll()
	signalHub.CloseAll()
	stop() // ends the supervisor loop and venue streams
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Debug().Err(err).Msg("Redis close error")
		}
	}

	notifier.NotifyEngine("Engine stopped", "clean shutdown")
	logger.Info().Int("exit_code", exitCode).Msg("Engine stopped")
	return exitCode
}

// connectVenue builds the venue adapter. Ambiguous configuration rejects the
// start; a failed handshake is fatal only when the venue is required.
func connectVenue(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (exchange.Exchange, *venueHealth, int) {
	venue, err := exchange.NewBinanceFutures(cfg.Exchange)
	if err != nil {
		logger.Error().Err(err).Msg("Venue configuration rejected")
		return nil, nil, exitConfig
	}

	health := &venueHealth{}
	if err := venue.Ping(ctx); err != nil {
		if cfg.Exchange.Required {
			logger.Error().Err(err).Msg("Venue handshake failed and exchange is required")
			return nil, nil, exitVenue
		}
		logger.Warn().Err(err).Msg("Venue unreachable, starting disconnected")
	} else {
		health.Set(true)
		logger.Info().Bool("testnet", *cfg.Exchange.Testnet).Msg("Venue connected")
	}
	return venue, health, exitOK
}
