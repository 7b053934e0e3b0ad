package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"binance-bot-fleet/config"
	"binance-bot-fleet/internal/api"
	"binance-bot-fleet/internal/auth"
	"binance-bot-fleet/internal/autopilot"
	"binance-bot-fleet/internal/bot"
	"binance-bot-fleet/internal/candles"
	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/events"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/logging"
	"binance-bot-fleet/internal/memory"
	"binance-bot-fleet/internal/news"
	"binance-bot-fleet/internal/strategy"
	"binance-bot-fleet/internal/tools"
)

// Exit codes: 0 orderly shutdown, 1 fatal init error, 2 invariant violation
// detected during startup.
const (
	exitOK        = 0
	exitInitError = 1
	exitInvariant = 2
)

// storage is the union of persistence surfaces the process wires together.
// Both the Postgres repository and the in-memory mock store satisfy it.
type storage interface {
	bot.Repo
	candles.Store
	memory.Repo
	api.Storage

	ListBots(ctx context.Context) ([]*database.BotRecord, error)
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInitError
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
	logger := log.With().Str("component", "main").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence. Mock mode runs fully in memory, no Postgres required.
	var store storage
	var db *database.DB
	if cfg.Exchange.MockMode {
		logger.Warn().Msg("mock mode: trades are simulated, state is not persisted")
		store = database.NewInMemoryStore()
	} else {
		db, err = database.NewDB(ctx, cfg.Storage.DSN())
		if err != nil {
			logger.Error().Err(err).Msg("database connection failed")
			return exitInitError
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Error().Err(err).Msg("migrations failed")
			return exitInitError
		}
		store = database.NewRepository(db)
	}

	// Exchange adapter, optionally fronted by the redis market-data cache.
	var venue exchange.Client
	if cfg.Exchange.MockMode {
		venue = exchange.NewMock()
	} else {
		venue = exchange.NewBinance(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
			cfg.Exchange.BaseURL, log.With().Str("component", "exchange").Logger())
	}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		venue = exchange.NewCachedClient(venue, rdb,
			log.With().Str("component", "exchange_cache").Logger())
	}
	if err := venue.Ping(ctx); err != nil {
		// Degraded start: exchange-dependent operations will fail until the
		// venue is reachable, but the facade and storage stay up.
		logger.Warn().Err(err).Msg("exchange unreachable at startup")
	}

	bus := events.NewBus()
	registry := strategy.DefaultRegistry()

	tracker := candles.NewTracker(store, venue)
	tracker.StartGC(ctx, 6*time.Hour)

	mem := memory.NewStore(store, 0)
	mem.StartCompaction(ctx, 24*time.Hour)

	manager := bot.NewManager(bot.Deps{
		Exchange:   venue,
		Strategies: registry,
		Tracker:    tracker,
		Memory:     mem,
		Repo:       store,
		Bus:        bus,
		Risk: bot.RiskParams{
			StopLossPct: cfg.Risk.StopLossPct,
			TPMinPct:    cfg.Risk.TPMinPct,
			TPTrailPct:  cfg.Risk.TPTrailPct,
			FeeRate:     cfg.Trading.FeeRate,
		},
	})
	if err := restoreBots(ctx, store, manager); err != nil {
		logger.Error().Err(err).Msg("persisted bot state is inconsistent")
		return exitInvariant
	}

	var scorer news.Scorer
	if cfg.News.BaseURL != "" {
		scorer = news.NewClient(cfg.News.BaseURL, cfg.News.APIKey)
	}
	controller := autopilot.New(autopilot.Config{
		AnalysisInterval: cfg.Controller.AnalysisInterval,
		MaxAutonomous:    cfg.Controller.MaxAutonomous,
		TopK:             cfg.Controller.TopCandidates,
		MinScore:         cfg.Controller.MinScore,
		MinBudget:        cfg.Controller.MinBudget,
		MaxPositionSize:  cfg.Trading.MaxPositionSize,
		ReapAge:          cfg.Controller.ReapAge,
		DefaultAmount:    cfg.Trading.DefaultAmount,
	}, venue, registry, manager, mem, scorer, bus)
	if cfg.Controller.MaxAutonomous > 0 {
		go controller.Run(ctx)
	} else {
		logger.Info().Msg("autopilot disabled, MAX_AUTONOMOUS is 0")
	}

	surface := tools.NewSurface(tools.Deps{
		Exchange:   venue,
		Manager:    manager,
		Controller: controller,
		Tracker:    tracker,
		Memory:     mem,
		Trades:     store,
	})

	var authManager *auth.Manager
	if cfg.Tools.JWTSecret != "" {
		authManager = auth.NewManager(cfg.Tools.JWTSecret)
	} else {
		logger.Warn().Msg("TOOL_JWT_SECRET unset, order execution tools are locked out")
	}

	server := api.NewServer(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		Production:      cfg.Server.ProductionMode,
		DefaultStrategy: cfg.Trading.DefaultStrategy,
		DefaultSymbol:   cfg.Trading.DefaultSymbol,
		DefaultAmount:   cfg.Trading.DefaultAmount,
		MaxPositionSize: cfg.Trading.MaxPositionSize,
	}, api.Deps{
		Manager:    manager,
		Controller: controller,
		Strategies: registry,
		Tools:      surface,
		Tracker:    tracker,
		Memory:     mem,
		Exchange:   venue,
		Storage:    store,
		Bus:        bus,
		Auth:       authManager,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		logger.Error().Err(err).Msg("api server failed")
		return exitInitError
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	manager.StopAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
	logger.Info().Msg("shutdown complete")
	return exitOK
}

// restoreBots re-registers persisted bots in the Idle state. They are not
// restarted automatically; a bot stored with an impossible configuration
// means the collection was corrupted outside this process.
func restoreBots(ctx context.Context, store storage, manager *bot.Manager) error {
	records, err := store.ListBots(ctx)
	if err != nil {
		// Storage reads degrade to empty rather than blocking startup.
		log.Warn().Err(err).Msg("bot restore skipped, storage unavailable")
		return nil
	}
	for _, record := range records {
		cfg := bot.Config{
			ID:              record.ID,
			Symbol:          record.Symbol,
			Strategy:        record.Strategy,
			Timeframe:       record.Timeframe,
			Mode:            exchange.TradingMode(record.TradingMode),
			AllocatedAmount: record.AllocatedAmount,
			Autonomous:      record.Autonomous,
			CreatedBy:       record.CreatedBy,
		}
		if _, err := manager.Create(ctx, cfg); err != nil {
			return errs.Wrap(errs.KindInvariant,
				fmt.Sprintf("stored bot %s is invalid", record.ID), err)
		}
	}
	if len(records) > 0 {
		log.Info().Int("count", len(records)).Msg("persisted bots restored in Idle state")
	}
	return nil
}
