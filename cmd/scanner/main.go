package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures_orchestrator/internal/alert"
	"futures_orchestrator/internal/config"
	"futures_orchestrator/internal/core"
	"futures_orchestrator/internal/exchange/binance"
	"futures_orchestrator/internal/exchange/filters"
	"futures_orchestrator/internal/executor"
	"futures_orchestrator/internal/infrastructure/metrics"
	"futures_orchestrator/internal/recovery"
	"futures_orchestrator/internal/scanner"
	"futures_orchestrator/internal/watchdog"
	"futures_orchestrator/pkg/concurrency"
	"futures_orchestrator/pkg/logging"
	"futures_orchestrator/pkg/procutil"
	"futures_orchestrator/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scanner version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting scanner",
		"version", version,
		"exchange", cfg.Exchange.Name,
		"ticker_list", cfg.Files.TickerList)

	tel, err := telemetry.Setup("scanner")
	if err != nil {
		logger.Warn("Telemetry setup failed, continuing without it", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	pidFile, err := procutil.WritePIDFile(cfg.Files.ScannerPIDFile)
	if err != nil {
		logger.Fatal("Failed to write PID file", "error", err)
	}
	defer pidFile.Remove()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	alerts := alert.NewManager(logger)
	alerts.AddChannel(alert.NewTelegramChannel(cfg.Notifier.TelegramBotToken, cfg.Notifier.TelegramChatID))

	exchange := binance.New(&cfg.Exchange, logger)
	if err := exchange.CheckHealth(ctx); err != nil {
		logger.Warn("Exchange health check failed (will continue)", "error", err)
	} else {
		logger.Info("Exchange health check passed", "exchange", exchange.GetName())
	}

	filterCache := filters.NewCache(exchange, logger)

	params, err := config.NewParamsStore(cfg.Files.TradingParams, logger)
	if err != nil {
		logger.Fatal("Failed to load trading params", "error", err)
	}

	// The scanner reads the watchdog state file read-only; the watchdog
	// stays the sole writer.
	stateReader := watchdog.NewSnapshotReader(cfg.Files.StateFile)

	coordinator := recovery.NewCoordinator(exchange, stateReader, alerts, logger)
	availability, _, err := coordinator.Reconcile(ctx)
	if err != nil {
		logger.Error("Startup reconciliation failed, starting with an empty availability table", "error", err)
		alerts.Notify(ctx, "Reconciliation failed", err.Error(), core.AlertError, nil)
		availability = recovery.NewTable()
	}

	queue := watchdog.NewFileQueue(cfg.Files.RequestQueue, logger)

	exec := executor.New(exchange, filterCache, queue, availability, stateReader, alerts, cfg.App.QuoteAsset, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "scanner",
		MaxWorkers:  cfg.Concurrency.ScannerPoolSize,
		MaxCapacity: cfg.Concurrency.ScannerPoolBuffer,
	}, logger)
	defer pool.Stop()

	analyzer := scanner.NewFileSignalSource(cfg.Files.SignalDir, logger)

	batchInterval := time.Duration(params.Current().PollIntervalSeconds) * time.Second
	refresh := func(ctx context.Context) error {
		return coordinator.RefreshAvailability(ctx, availability)
	}
	scheduler := scanner.NewScheduler(analyzer, exec, params, cfg.Files.TickerList, pool, batchInterval, refresh, logger)

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.ScannerMetricsPort, exchange.CheckHealth, logger)
		metricsServer.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Scanner exited with error", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Scanner stopped")
}
