// Package core defines the domain types shared by the scanner and watchdog processes
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SignalType is the strategic direction of a trade
type SignalType string

const (
	SignalLong  SignalType = "LONG"
	SignalShort SignalType = "SHORT"
)

// OrderSide is the side of an individual order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the closing side for an entry side
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide identifies the hedge-mode position bucket
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH"
)

// OrderType is the exchange order-type vocabulary
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce values supported by the exchange
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the exchange-reported status of an order
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// WatchStatus is the watchdog-side state of a WatchedOrder
type WatchStatus string

const (
	WatchNew             WatchStatus = "NEW"
	WatchPartiallyFilled WatchStatus = "PARTIALLY_FILLED"
	WatchFilled          WatchStatus = "FILLED"
	WatchClosed          WatchStatus = "CLOSED"
	WatchCancelled       WatchStatus = "CANCELLED"
	WatchRejected        WatchStatus = "REJECTED"
)

// IsTerminal reports whether the state removes the order from the live set
func (s WatchStatus) IsTerminal() bool {
	return s == WatchClosed || s == WatchCancelled || s == WatchRejected
}

// TradingSignal is the transient input to the order executor.
// It is produced by the external analyzer, consumed once, and never stored.
type TradingSignal struct {
	Symbol     string
	Direction  SignalType
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Confidence float64
	SignalID   string
	Source     string
}

// Validate checks the price-ordering invariants of the signal
func (s *TradingSignal) Validate() error {
	if s.Symbol == "" || s.Symbol != strings.ToUpper(s.Symbol) {
		return fmt.Errorf("invalid symbol %q", s.Symbol)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", s.Confidence)
	}
	switch s.Direction {
	case SignalLong:
		if !(s.StopLoss.LessThan(s.EntryPrice) && s.EntryPrice.LessThan(s.TakeProfit)) {
			return fmt.Errorf("LONG requires sl < entry < tp, got sl=%s entry=%s tp=%s",
				s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	case SignalShort:
		if !(s.TakeProfit.LessThan(s.EntryPrice) && s.EntryPrice.LessThan(s.StopLoss)) {
			return fmt.Errorf("SHORT requires tp < entry < sl, got sl=%s entry=%s tp=%s",
				s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	default:
		return fmt.Errorf("unknown direction %q", s.Direction)
	}
	return nil
}

// PositionSideFor maps the signal direction to the hedge-mode position side
func (s *TradingSignal) PositionSideFor() PositionSide {
	if s.Direction == SignalShort {
		return PositionShort
	}
	return PositionLong
}

// EntrySide maps the signal direction to the entry order side
func (s *TradingSignal) EntrySide() OrderSide {
	if s.Direction == SignalShort {
		return SideSell
	}
	return SideBuy
}

// SymbolFilters holds the exchange trading rules for one symbol
type SymbolFilters struct {
	Symbol        string
	TickSize      decimal.Decimal
	StepSize      decimal.Decimal
	MinNotional   decimal.Decimal
	PriceDecimals int32
	QtyDecimals   int32
}

// PlaceOrderRequest describes one outbound order placement
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   TimeInForce
	ReduceOnly    bool
	PositionSide  PositionSide
	ClientOrderID string
}

// Order is the exchange view of an order
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	Status        OrderStatus
	TimeInForce   TimeInForce
	ReduceOnly    bool
	PositionSide  PositionSide
	UpdateTime    time.Time
}

// Position is one account position as reported by the exchange
type Position struct {
	Symbol           string
	PositionAmt      decimal.Decimal // signed in one-way mode, unsigned per side in hedge mode
	EntryPrice       decimal.Decimal
	UnrealizedProfit decimal.Decimal
	PositionSide     PositionSide
	Leverage         int
}

// Balance is one asset balance in the futures wallet
type Balance struct {
	Asset     string
	Balance   decimal.Decimal
	Available decimal.Decimal
}

// AccountInfo is the authoritative account snapshot
type AccountInfo struct {
	Balances  []Balance
	Positions []Position
}

// WatchedOrder is the persistent record of one entry order and its exit management.
// The executor creates it; the watchdog owns it after the queue handoff.
type WatchedOrder struct {
	OrderID           string          `json:"order_id"`
	ClientOrderID     string          `json:"client_order_id,omitempty"`
	Symbol            string          `json:"symbol"`
	Side              OrderSide       `json:"side"`
	PositionSide      PositionSide    `json:"position_side"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	Status            WatchStatus     `json:"status"`
	SignalType        SignalType      `json:"signal_type"`
	StopLoss          decimal.Decimal `json:"stop_loss"`
	TakeProfit        decimal.Decimal `json:"take_profit"`
	SLOrderID         string          `json:"sl_order_id,omitempty"`
	TPOrderID         string          `json:"tp_order_id,omitempty"`
	EntryPriceFilled  decimal.Decimal `json:"entry_price_filled"`
	PositionSize      decimal.Decimal `json:"position_size"`
	TrailingTriggered bool            `json:"trailing_triggered"`
	CreatedAt         time.Time       `json:"created_at"`
	FilledAt          *time.Time      `json:"filled_at,omitempty"`
	SLTPAttempts      int             `json:"sl_tp_attempts"`
}

// Clone returns a deep copy safe to hand across goroutines
func (w *WatchedOrder) Clone() *WatchedOrder {
	c := *w
	if w.FilledAt != nil {
		t := *w.FilledAt
		c.FilledAt = &t
	}
	return &c
}

// HasBothLegs reports whether both protective exit orders are placed
func (w *WatchedOrder) HasBothLegs() bool {
	return w.SLOrderID != "" && w.TPOrderID != ""
}

// Watch request actions carried over the file queue
const (
	ActionAddOrder    = "add_order"
	ActionRemoveOrder = "remove_order"
	ActionManualClose = "manual_close"
)

// WatchRequest is one element of the executor-to-watchdog file queue
type WatchRequest struct {
	Action    string        `json:"action"`
	Data      *WatchedOrder `json:"data,omitempty"`
	OrderID   string        `json:"order_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// MarkPriceUpdate is one tick from the mark-price stream
type MarkPriceUpdate struct {
	Symbol    string
	MarkPrice decimal.Decimal
	Timestamp time.Time
}
