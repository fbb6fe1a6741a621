// Package scanner hosts the batch scheduler of the scanner process: it
// repeatedly runs the signal analyzer over the configured ticker list and
// feeds admissible signals to the executor.
package scanner

import (
	"context"
	"errors"
	"time"

	"futures_orchestrator/internal/config"
	"futures_orchestrator/internal/core"
	"futures_orchestrator/internal/executor"
	"futures_orchestrator/pkg/concurrency"
)

// Analyzer produces at most one signal per symbol per batch. A nil signal
// with a nil error means no trade.
type Analyzer interface {
	Analyze(ctx context.Context, symbol string) (*core.TradingSignal, error)
}

// Scheduler drives analysis batches over the ticker list. The ticker list
// and the scalar trading parameters are re-read at every batch boundary;
// one batch always runs against a single consistent parameter snapshot.
type Scheduler struct {
	analyzer    Analyzer
	executor    *executor.Executor
	params      *config.ParamsStore
	tickersPath string
	pool        *concurrency.WorkerPool
	logger      core.ILogger

	// refreshAvailability recomputes the symbol availability view before a
	// batch, so symbols whose positions closed since startup admit again.
	refreshAvailability func(ctx context.Context) error

	batchInterval time.Duration
}

// NewScheduler creates a batch scheduler. refreshAvailability may be nil.
func NewScheduler(
	analyzer Analyzer,
	exec *executor.Executor,
	params *config.ParamsStore,
	tickersPath string,
	pool *concurrency.WorkerPool,
	batchInterval time.Duration,
	refreshAvailability func(ctx context.Context) error,
	logger core.ILogger,
) *Scheduler {
	if batchInterval <= 0 {
		batchInterval = 60 * time.Second
	}
	return &Scheduler{
		analyzer:            analyzer,
		executor:            exec,
		params:              params,
		tickersPath:         tickersPath,
		pool:                pool,
		batchInterval:       batchInterval,
		refreshAvailability: refreshAvailability,
		logger:              logger.WithField("component", "scheduler"),
	}
}

// Run executes batches until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scanner scheduler starting", "interval", s.batchInterval.String())

	for {
		s.runBatch(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Scanner scheduler stopped")
			return nil
		case <-time.After(s.batchInterval):
		}
	}
}

// runBatch fans one analysis pass over the ticker list and waits for it
func (s *Scheduler) runBatch(ctx context.Context) {
	params := s.params.Reload()

	if s.refreshAvailability != nil {
		if err := s.refreshAvailability(ctx); err != nil {
			// The previous table stays in force; blocking is conservative
			s.logger.Warn("Availability refresh failed, keeping previous table", "error", err)
		}
	}

	symbols, err := config.LoadTickerList(s.tickersPath)
	if err != nil {
		s.logger.Error("Failed to load ticker list, skipping batch", "error", err)
		return
	}
	if len(symbols) == 0 {
		s.logger.Warn("Ticker list is empty, skipping batch")
		return
	}

	start := time.Now()
	group := s.pool.Group()
	for _, symbol := range symbols {
		sym := symbol
		group.Submit(func() {
			s.scanSymbol(ctx, sym, params)
		})
	}
	group.Wait()

	s.logger.Info("Batch complete",
		"symbols", len(symbols),
		"elapsed", time.Since(start).String())
}

func (s *Scheduler) scanSymbol(ctx context.Context, symbol string, params *config.TradingParams) {
	if ctx.Err() != nil {
		return
	}

	signal, err := s.analyzer.Analyze(ctx, symbol)
	if err != nil {
		s.logger.Error("Analysis failed", "symbol", symbol, "error", err)
		return
	}
	if signal == nil {
		return
	}

	watched, err := s.executor.Execute(ctx, signal, params)
	if err != nil {
		var ae *executor.AdmissionError
		if errors.As(err, &ae) {
			// Expected refusals; already counted and logged at debug
			return
		}
		s.logger.Error("Signal execution failed", "symbol", symbol, "error", err)
		return
	}

	s.logger.Info("Signal executed",
		"symbol", symbol,
		"order_id", watched.OrderID,
		"direction", string(watched.SignalType))
}
