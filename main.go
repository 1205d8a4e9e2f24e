package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"spot-core/internal/api"
	"spot-core/internal/engine"
	"spot-core/internal/events"
	"spot-core/internal/market"
	"spot-core/internal/monitor"
	"spot-core/internal/order"
	"spot-core/internal/persistence"
	"spot-core/internal/precision"
	"spot-core/internal/risk"
	"spot-core/internal/settings"
	"spot-core/internal/state"
	"spot-core/internal/strategy"
	"spot-core/internal/telemetry"
	"spot-core/pkg/cache"
	"spot-core/pkg/clock"
	"spot-core/pkg/config"
	"spot-core/pkg/db"
	exspot "spot-core/pkg/exchanges/binance/spot"
	exchange "spot-core/pkg/exchanges/common"
	"spot-core/pkg/logger"
	marketbinance "spot-core/pkg/market/binance"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogJSON)
	defer logger.Sync()
	log := logger.Named("main")
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	log.Info("spot-core starting",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("mock_feed", cfg.UseMockFeed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("db init failed", zap.Error(err))
	}
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal("db migrations failed", zap.Error(err))
	}

	if err := seedSettings(ctx, database, cfg.SettingsFile); err != nil {
		log.Fatal("settings seed failed", zap.String("file", cfg.SettingsFile), zap.Error(err))
	}

	spotClient := exspot.New(exspot.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})
	if !cfg.DryRun {
		authCtx, authCancel := context.WithTimeout(ctx, 10*time.Second)
		err := spotClient.CheckAccount(authCtx)
		authCancel()
		if err != nil {
			log.Fatal("exchange auth failed", zap.Error(err))
		}
		log.Info("exchange account verified")
	}
	if cfg.SyncLotSizes {
		rules, err := spotClient.LotSizeRules(ctx)
		if err != nil {
			log.Warn("lot size sync failed; keeping stored rules", zap.Error(err))
		} else if n, err := settings.ImportExchangeRules(ctx, database, rules); err != nil {
			log.Warn("lot size import failed", zap.Error(err))
		} else {
			log.Info("lot sizes imported from exchange", zap.Int("symbols", n))
		}
	}

	clk := clock.Real{}
	bus := events.NewBus()
	prices := cache.NewPriceCache()
	normalizer := precision.New(nil)

	writer := persistence.NewBatchWriter(database.DB, 100, time.Second)
	ledger := state.NewLedger(database, writer, clk)
	if err := ledger.Load(ctx); err != nil {
		log.Fatal("position ledger load failed", zap.Error(err))
	}
	limits := risk.NewLimits(database, clk)
	if err := limits.Load(ctx); err != nil {
		log.Warn("risk metrics load failed; starting from zero", zap.Error(err))
	}

	reloader := settings.NewReloader(settings.NewStore(database), cfg.SettingsReloadInterval)

	var gateway exchange.Gateway = spotClient
	mode := "LIVE"
	if cfg.DryRun {
		gateway = order.NewDryRunGateway(prices, order.DryRunConfig{
			FeeRate:     cfg.DryRunFeeRate,
			SlippageBps: cfg.DryRunSlippageBps,
			Latency:     cfg.DryRunLatency,
		})
		mode = "DRY_RUN"
	}

	executor := order.NewExecutor(order.Config{
		Gateway:    gateway,
		Normalizer: normalizer,
		Ledger:     ledger,
		Limits:     limits,
		Settings:   reloader,
		DB:         database,
		Bus:        bus,
		Clock:      clk,
		Timeout:    cfg.OrderTimeout,
	})

	pipeline := engine.NewPipeline(reloader, strategy.NewEngine(clk), ledger, executor, bus)

	var source market.TickSource
	var lastPrices exchange.PriceSource
	if cfg.UseMockFeed {
		mock := &market.MockSource{Interval: time.Second}
		source = mock
		lastPrices = mock
	} else {
		source = market.NewBinanceSource(marketbinance.NewStreamClient(cfg.BinanceTestnet))
		lastPrices = spotClient
	}
	streams := market.NewManager(market.Config{
		Source:     source,
		Handler:    pipeline.OnTick,
		Positions:  ledger,
		Prices:     lastPrices,
		Cache:      prices,
		Bus:        bus,
		MaxHistory: cfg.MaxPriceHistory,
		Mailbox:    cfg.TickBuffer,
	})
	streams.Start(ctx)

	reloader.OnChange(func(snap settings.Snapshot) {
		normalizer.SetRules(precision.RulesFromLotSizes(snap.LotSizes))
		limits.SetLimits(snap.Bot.MaxDailyLoss, snap.Bot.MaxDailyTrades)
		active := snap.ActiveSymbols()
		streams.Sync(active)
		bus.Publish(events.EventSettingsUpdated, events.SettingsPayload{
			ActiveSymbols:  active,
			TradingEnabled: snap.Bot.TradingEnabled,
			LotSizes:       len(snap.LotSizes),
			FetchedAt:      snap.FetchedAt,
		})
	})
	snap, err := reloader.Init(ctx)
	if err != nil {
		log.Fatal("settings init failed", zap.Error(err))
	}
	log.Info("settings loaded",
		zap.Strings("symbols", snap.ActiveSymbols()),
		zap.Bool("trading_enabled", snap.Bot.TradingEnabled),
		zap.Int("open_positions", ledger.Count()))
	reloader.Start(ctx)

	metrics := monitor.NewSystemMetrics()
	mon := &monitor.Monitor{Bus: bus, Metrics: metrics, Alerts: monitor.LogSink{Log: logger.Named("alerts")}}
	mon.Start(ctx)

	startTelemetry(ctx, cfg, bus)

	svc := engine.NewImpl(engine.Config{
		Ledger:   ledger,
		Executor: executor,
		Limits:   limits,
		Reloader: reloader,
		Streams:  streams,
		Prices:   prices,
		DB:       database,
		Meta: engine.SystemStatus{
			Mode:        mode,
			DryRun:      cfg.DryRun,
			Venue:       "binance-spot",
			UseMockFeed: cfg.UseMockFeed,
			Version:     version,
		},
	})

	server := api.NewServer(svc, bus, metrics)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatal("api server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	cancel()
	streams.Close()
	executor.Close()
	if err := writer.Close(); err != nil {
		log.Warn("batch writer close", zap.Error(err))
	}
	if err := database.Close(); err != nil {
		log.Warn("db close", zap.Error(err))
	}
}

// seedSettings provisions the settings tables from path when the file exists.
func seedSettings(ctx context.Context, database *db.Database, path string) error {
	if path == "" {
		return nil
	}
	f, err := settings.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return settings.Seed(ctx, database, f)
}

// startTelemetry attaches the optional InfluxDB and Redis sinks to the bus.
// A sink that cannot reach its backend is skipped.
func startTelemetry(ctx context.Context, cfg *config.Config, bus *events.Bus) {
	log := logger.Named("telemetry")
	if cfg.InfluxURL != "" {
		sink, err := telemetry.NewInfluxSink(ctx, telemetry.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			log.Warn("influx sink disabled", zap.Error(err))
		} else {
			go telemetry.Run(ctx, bus, sink, 1024, telemetry.InfluxTopics...)
		}
	}
	if cfg.RedisAddr != "" {
		sink, err := telemetry.NewRedisSink(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			log.Warn("redis sink disabled", zap.Error(err))
		} else {
			go telemetry.Run(ctx, bus, sink, 1024)
		}
	}
}
