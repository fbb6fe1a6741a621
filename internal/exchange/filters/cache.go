// Package filters caches per-symbol exchange trading rules and applies
// them to outbound prices and quantities.
package filters

import (
	"context"
	"fmt"
	"sync"

	"futures_orchestrator/internal/core"

	"github.com/shopspring/decimal"
)

// Cache implements core.IFilterCache on top of an exchange. Filters are
// fetched on first use and kept until invalidated; a precision rejection
// from the exchange is the signal to invalidate and re-fetch.
type Cache struct {
	exchange core.IExchange
	logger   core.ILogger

	mu      sync.RWMutex
	entries map[string]*core.SymbolFilters
}

// NewCache creates an empty filter cache
func NewCache(exchange core.IExchange, logger core.ILogger) *Cache {
	return &Cache{
		exchange: exchange,
		logger:   logger.WithField("component", "filter_cache"),
		entries:  make(map[string]*core.SymbolFilters),
	}
}

// Get returns the filters for symbol, fetching from the exchange on a miss
func (c *Cache) Get(ctx context.Context, symbol string) (*core.SymbolFilters, error) {
	c.mu.RLock()
	f, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	fetched, err := c.exchange.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Another goroutine may have fetched concurrently; last write wins,
	// both carry the same exchange rules.
	c.entries[symbol] = fetched
	c.mu.Unlock()

	c.logger.Debug("Cached symbol filters",
		"symbol", symbol,
		"tick_size", fetched.TickSize.String(),
		"step_size", fetched.StepSize.String())
	return fetched, nil
}

// QuantizePrice rounds price half-up to the nearest tick_size multiple
func (c *Cache) QuantizePrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error) {
	f, err := c.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if f.TickSize.IsZero() {
		return decimal.Zero, fmt.Errorf("zero tick size for %s", symbol)
	}
	// DivRound rounds half away from zero; prices are positive so this is
	// half-up on the tick grid.
	ticks := price.DivRound(f.TickSize, 0)
	return ticks.Mul(f.TickSize), nil
}

// QuantizeQty rounds qty down to the nearest step_size multiple. Rounding
// down never spends more than the computed risk allows.
func (c *Cache) QuantizeQty(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	f, err := c.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if f.StepSize.IsZero() {
		return decimal.Zero, fmt.Errorf("zero step size for %s", symbol)
	}
	steps := qty.Div(f.StepSize).Floor()
	return steps.Mul(f.StepSize), nil
}

// Invalidate drops the cached filters for symbol so the next use re-fetches
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
	c.logger.Info("Invalidated symbol filters", "symbol", symbol)
}
