package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"futures_orchestrator/internal/config"
	"futures_orchestrator/internal/core"
	"futures_orchestrator/internal/exchange/filters"
	"futures_orchestrator/internal/executor"
	"futures_orchestrator/internal/mock"
	"futures_orchestrator/internal/recovery"
	"futures_orchestrator/pkg/concurrency"
	"futures_orchestrator/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAnalyzer struct {
	mu      sync.Mutex
	symbols []string
}

func (a *countingAnalyzer) Analyze(_ context.Context, symbol string) (*core.TradingSignal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.symbols = append(a.symbols, symbol)
	return nil, nil
}

func (a *countingAnalyzer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.symbols)
}

type emptyState struct{}

func (emptyState) LiveOrders(string) ([]*core.WatchedOrder, error) { return nil, nil }

func newSchedulerRig(t *testing.T, refresh func(ctx context.Context) error) (*Scheduler, *countingAnalyzer) {
	t.Helper()
	dir := t.TempDir()

	paramsPath := filepath.Join(dir, "params.conf")
	require.NoError(t, os.WriteFile(paramsPath, nil, 0o644))
	params, err := config.NewParamsStore(paramsPath, logging.Nop())
	require.NoError(t, err)

	tickersPath := filepath.Join(dir, "tickers.txt")
	require.NoError(t, os.WriteFile(tickersPath, []byte("BTCUSDT\nETHUSDT\n"), 0o644))

	ex := mock.NewExchange("BTCUSDT", "ETHUSDT")
	exec := executor.New(ex, filters.NewCache(ex, logging.Nop()), mock.NewQueue(),
		recovery.NewTable(), emptyState{}, mock.NewNotifier(), "USDT", logging.Nop())

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "scanner",
		MaxWorkers:  2,
		MaxCapacity: 16,
	}, logging.Nop())
	t.Cleanup(pool.Stop)

	analyzer := &countingAnalyzer{}
	s := NewScheduler(analyzer, exec, params, tickersPath, pool, 0, refresh, logging.Nop())
	return s, analyzer
}

func TestSchedulerRefreshesAvailabilityEachBatch(t *testing.T) {
	var refreshed atomic.Int32
	s, analyzer := newSchedulerRig(t, func(context.Context) error {
		refreshed.Add(1)
		return nil
	})

	s.runBatch(context.Background())
	s.runBatch(context.Background())

	assert.Equal(t, int32(2), refreshed.Load())
	assert.Equal(t, 4, analyzer.count(), "two symbols per batch")
}

func TestSchedulerBatchSurvivesRefreshFailure(t *testing.T) {
	s, analyzer := newSchedulerRig(t, func(context.Context) error {
		return errors.New("exchange unreachable")
	})

	s.runBatch(context.Background())

	// The batch still runs against the previous availability view
	assert.Equal(t, 2, analyzer.count())
}

func TestSchedulerNilRefreshIsAllowed(t *testing.T) {
	s, analyzer := newSchedulerRig(t, nil)
	s.runBatch(context.Background())
	assert.Equal(t, 2, analyzer.count())
}
