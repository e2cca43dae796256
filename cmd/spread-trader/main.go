package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"spreadbot/internal/api"
	"spreadbot/internal/broker"
	"spreadbot/internal/config"
	"spreadbot/internal/engine"
	"spreadbot/internal/metrics"
	"spreadbot/internal/store"
	"spreadbot/internal/stream"
	"spreadbot/internal/util"
)

const wsPath = "/trade-api/ws/v2"

func main() {
	cfgPath := "config/spreadbot.yaml"
	if p := os.Getenv("SPREADBOT_CONFIG"); p != "" {
		cfgPath = p
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfgPath = ""
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("spread-trader exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()

	b, events, err := newBroker(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	logger.Info("spread-trader starting", "broker", b.Name(), "paper_mode", cfg.Trading.PaperMode,
		"environment", cfg.Kalshi.Environment)

	// -- Journal --
	for _, dir := range []string{cfg.Storage.DataDir, filepath.Dir(cfg.Storage.SQLitePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	exporter := store.NewParquetExporter(cfg.Storage.DataDir)

	// -- Engine --
	om := engine.NewOrderManager(b, logger, m)
	om.SetJournal(db)
	events.AddListener(om)
	pt := engine.NewPositionTracker(b, logger)
	rm := engine.NewRiskManager(b, pt, cfg.EngineParams(), logger, m)
	eng := engine.NewEngine(b, om, pt, rm, logger, m)
	eng.SetJournal(db)
	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	// -- Operator surface --
	hub := api.NewHub(logger)
	om.OnOrderUpdate(hub)
	health := api.NewHealthService(eng, logger)
	handlers := api.NewHandlers(eng, db, m, health, hub, logger)
	srv := api.NewServer(cfg, handlers.Handler(), health, logger)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); hub.Run(ctx) }()
	go func() { defer wg.Done(); health.Run(ctx, 5*time.Second) }()
	go func() { defer wg.Done(); monitor(ctx, cfg, eng, db, exporter, logger) }()

	err = srv.ListenAndServe(ctx)
	bg := context.WithoutCancel(ctx)
	if n := eng.CancelAllPending(bg, ""); n > 0 {
		logger.Info("cancelled resting orders on shutdown", "count", n)
	}
	wg.Wait()
	exportDay(bg, exporter, db, time.Now(), logger)
	return err
}

// newBroker returns the order gateway and the event source that feeds the
// order manager. Paper mode uses the in-process simulator.
func newBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (broker.Broker, stream.Source, error) {
	if cfg.Trading.PaperMode {
		sim := broker.NewSimulatorBroker(cfg.Trading.PaperBalance)
		sim.SetAutoFill(true, 500*time.Millisecond)
		return sim, sim, nil
	}

	signer, err := broker.LoadRSASigner(cfg.Kalshi.APIKey, cfg.Kalshi.PrivateKeyPath)
	if err != nil {
		return nil, nil, err
	}
	limiter := util.NewRateLimiter(cfg.RateLimits.Read, cfg.RateLimits.Write)
	kb, err := broker.NewKalshiBroker(cfg.Kalshi.BaseURL, signer, limiter,
		broker.WithLogger(logger), broker.WithMetrics(m))
	if err != nil {
		return nil, nil, err
	}

	client := stream.NewClient(cfg.StreamConfig(func() (http.Header, error) {
		h := http.Header{}
		if err := signer.Sign(h, http.MethodGet, wsPath, time.Now()); err != nil {
			return nil, err
		}
		return h, nil
	}), logger, m)
	if cfg.Stream.Enabled {
		if err := client.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connecting stream: %w", err)
		}
		for _, ch := range []string{stream.ChannelFill, stream.ChannelOrderUpdate} {
			if err := client.Subscribe(ch, nil); err != nil {
				return nil, nil, fmt.Errorf("subscribing to %s: %w", ch, err)
			}
		}
		go func() {
			<-ctx.Done()
			client.Disconnect()
		}()
	} else {
		logger.Warn("stream disabled, fills are detected by polling only")
	}
	return kb, client, nil
}

// monitor periodically syncs positions with the exchange, reports stop
// losses and exports the trade journal to Parquet when the UTC day changes.
func monitor(ctx context.Context, cfg *config.Config, eng *engine.Engine, trades store.TradeStore, exporter *store.ParquetExporter, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.ScanInterval())
	defer ticker.Stop()

	day := util.UTCDay(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := eng.SyncPositions(ctx); err != nil {
				logger.Warn("position sync failed", "error", err)
			}
			if signals := eng.CheckStopLosses(); len(signals) > 0 {
				logger.Warn("positions past stop loss", "count", len(signals))
			}
			if today := util.UTCDay(now); !today.Equal(day) {
				exportDay(ctx, exporter, trades, day, logger)
				day = today
			}
		}
	}
}

func exportDay(ctx context.Context, exporter *store.ParquetExporter, trades store.TradeStore, day time.Time, logger *slog.Logger) {
	n, err := exporter.ExportDay(ctx, trades, day)
	if err != nil {
		logger.Error("parquet export failed", "day", util.DayKey(day), "error", err)
		return
	}
	if n > 0 {
		logger.Info("exported trades", "day", util.DayKey(day), "count", n)
	}
}
