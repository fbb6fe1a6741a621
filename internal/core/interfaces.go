// Package core defines the core interfaces for the trading orchestrator
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchange defines the futures-exchange capabilities the orchestrator requires
type IExchange interface {
	// Identity
	GetName() string
	CheckHealth(ctx context.Context) error

	// Account operations
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetPositions(ctx context.Context, symbol string) ([]*Position, error)

	// Order operations
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// Symbol metadata
	GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error

	// Market data
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	StartMarkPriceStream(ctx context.Context, symbols []string, callback func(update *MarkPriceUpdate)) error
}

// IFilterCache provides exchange-precision quanta and quantization
type IFilterCache interface {
	Get(ctx context.Context, symbol string) (*SymbolFilters, error)
	QuantizePrice(ctx context.Context, symbol string, price decimal.Decimal) (decimal.Decimal, error)
	QuantizeQty(ctx context.Context, symbol string, qty decimal.Decimal) (decimal.Decimal, error)
	Invalidate(symbol string)
}

// INotifier is the best-effort human notification capability.
// Failures are logged, never surfaced to the trading path.
type INotifier interface {
	Notify(ctx context.Context, title, message string, level AlertLevel, fields map[string]string)
}

// AlertLevel grades notifier messages
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// IRequestQueue is the durable one-way channel from executor to watchdog
type IRequestQueue interface {
	Enqueue(req *WatchRequest) error
	Drain() ([]*WatchRequest, error)
}

// IAvailability answers whether a symbol may admit a new entry order
type IAvailability interface {
	Check(symbol string) (blocked bool, reason string)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
