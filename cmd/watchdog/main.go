package main

import (
	"context"
	"errors"
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
	"futures_orchestrator/internal/infrastructure/metrics"
	"futures_orchestrator/internal/recovery"
	"futures_orchestrator/internal/watchdog"
	apperrors "futures_orchestrator/pkg/errors"
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
		fmt.Printf("watchdog version %s (built %s)\n", version, buildTime)
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

	logger.Info("Starting orders watchdog",
		"version", version,
		"exchange", cfg.Exchange.Name,
		"state_file", cfg.Files.StateFile)

	tel, err := telemetry.Setup("orders_watchdog")
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

	pidFile, err := procutil.WritePIDFile(cfg.Files.WatchdogPIDFile)
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

	store := watchdog.NewStore(cfg.Files.StateFile, logger)
	if err := store.Load(); err != nil {
		if errors.Is(err, apperrors.ErrStateLoadFailed) {
			logger.Error("State and backup both unreadable, starting empty", "error", err)
			alerts.Notify(ctx, "Watchdog state load failed",
				"Neither the state file nor its backup could be read; starting with an empty live set.",
				core.AlertCritical, nil)
		} else {
			logger.Fatal("Failed to load state", "error", err)
		}
	}

	queue := watchdog.NewFileQueue(cfg.Files.RequestQueue, logger)

	params, err := config.NewParamsStore(cfg.Files.TradingParams, logger)
	if err != nil {
		logger.Fatal("Failed to load trading params", "error", err)
	}

	history, err := watchdog.OpenHistory(cfg.Files.HistoryDB, logger)
	if err != nil {
		logger.Warn("History journal unavailable", "error", err)
		history, _ = watchdog.OpenHistory("", logger)
	}
	defer history.Close()

	// Startup reconciliation: report-only for the watchdog, the loop
	// resumes with the loaded state unchanged.
	coordinator := recovery.NewCoordinator(exchange, store, alerts, logger)
	if _, _, err := coordinator.Reconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", "error", err)
		alerts.Notify(ctx, "Reconciliation failed", err.Error(), core.AlertError, nil)
	}

	wd := watchdog.NewCore(exchange, filterCache, store, queue, alerts, history, params, logger)

	if cfg.App.MarkPriceStream {
		var symbols []string
		seen := make(map[string]struct{})
		for _, w := range store.List() {
			if _, dup := seen[w.Symbol]; !dup {
				seen[w.Symbol] = struct{}{}
				symbols = append(symbols, w.Symbol)
			}
		}
		if len(symbols) > 0 {
			if err := exchange.StartMarkPriceStream(ctx, symbols, wd.OnMarkPrice); err != nil {
				logger.Warn("Mark price stream unavailable, polling only", "error", err)
			}
		}
	}

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.WatchdogMetricsPort, exchange.CheckHealth, logger)
		metricsServer.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wd.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Watchdog exited with error", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Orders watchdog stopped")
}
