// Package mock provides an in-memory exchange for tests
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"futures_orchestrator/internal/core"
	apperrors "futures_orchestrator/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange is an in-memory core.IExchange. Orders are accepted as NEW and
// transitioned explicitly by tests via FillOrder / RejectOrder.
type Exchange struct {
	mu sync.Mutex

	orders    map[string]*core.Order // keyed by order id
	byClient  map[string]string      // client order id -> order id
	nextID    int64
	balances  map[string]decimal.Decimal
	positions []*core.Position
	filters   map[string]*core.SymbolFilters
	marks     map[string]decimal.Decimal
	leverage  map[string]int

	// Failure injection
	PlaceOrderErr  error
	CancelOrderErr error
	GetOrderErr    error
	HealthErr      error
	BalanceErr     error
	LeverageErr    error

	// PlaceOrderHook runs before each placement; returning an error rejects
	// the order. Used to fail specific legs.
	PlaceOrderHook func(req *core.PlaceOrderRequest) error

	placed []*core.PlaceOrderRequest
}

// NewExchange creates a mock exchange with a default USDT balance and
// permissive filters for the given symbols.
func NewExchange(symbols ...string) *Exchange {
	e := &Exchange{
		orders:   make(map[string]*core.Order),
		byClient: make(map[string]string),
		nextID:   1000,
		balances: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
		filters:  make(map[string]*core.SymbolFilters),
		marks:    make(map[string]decimal.Decimal),
		leverage: make(map[string]int),
	}
	for _, s := range symbols {
		e.filters[s] = &core.SymbolFilters{
			Symbol:        s,
			TickSize:      decimal.RequireFromString("0.01"),
			StepSize:      decimal.RequireFromString("0.001"),
			MinNotional:   decimal.NewFromInt(5),
			PriceDecimals: 2,
			QtyDecimals:   3,
		}
	}
	return e
}

func (e *Exchange) GetName() string { return "mock" }

func (e *Exchange) CheckHealth(ctx context.Context) error { return e.HealthErr }

// SetBalance sets the available balance for an asset
func (e *Exchange) SetBalance(asset string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = amount
}

// SetFilters overrides the filters for one symbol
func (e *Exchange) SetFilters(f *core.SymbolFilters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[f.Symbol] = f
}

// SetMarkPrice sets the mark price returned for symbol
func (e *Exchange) SetMarkPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marks[symbol] = price
}

// SetPositions replaces the position list
func (e *Exchange) SetPositions(positions []*core.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = positions
}

// PlacedRequests returns a copy of every placement request seen
func (e *Exchange) PlacedRequests() []*core.PlaceOrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.PlaceOrderRequest, len(e.placed))
	copy(out, e.placed)
	return out
}

func (e *Exchange) GetAccountInfo(ctx context.Context) (*core.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := &core.AccountInfo{}
	for asset, bal := range e.balances {
		info.Balances = append(info.Balances, core.Balance{Asset: asset, Balance: bal, Available: bal})
	}
	for _, p := range e.positions {
		info.Positions = append(info.Positions, *p)
	}
	return info, nil
}

func (e *Exchange) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if e.BalanceErr != nil {
		return decimal.Zero, e.BalanceErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset], nil
}

func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]*core.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if symbol == "" {
		out := make([]*core.Position, len(e.positions))
		copy(out, e.positions)
		return out, nil
	}
	var out []*core.Position
	for _, p := range e.positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	if e.PlaceOrderErr != nil {
		return nil, e.PlaceOrderErr
	}
	if e.PlaceOrderHook != nil {
		if err := e.PlaceOrderHook(req); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if _, dup := e.byClient[req.ClientOrderID]; dup {
			return nil, apperrors.ErrDuplicateOrder
		}
	}

	e.nextID++
	order := &core.Order{
		OrderID:       strconv.FormatInt(e.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQty:       req.Quantity,
		Status:        core.OrderStatusNew,
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
		PositionSide:  req.PositionSide,
		UpdateTime:    time.Now(),
	}
	// Market orders fill immediately at the mark price
	if req.Type == core.OrderTypeMarket {
		order.Status = core.OrderStatusFilled
		order.ExecutedQty = req.Quantity
		order.AvgPrice = e.marks[req.Symbol]
	}

	e.orders[order.OrderID] = order
	if req.ClientOrderID != "" {
		e.byClient[req.ClientOrderID] = order.OrderID
	}
	e.placed = append(e.placed, req)

	cp := *order
	return &cp, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if e.CancelOrderErr != nil {
		return e.CancelOrderErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if order.Status == core.OrderStatusFilled {
		return fmt.Errorf("%w: already filled", apperrors.ErrOrderRejected)
	}
	order.Status = core.OrderStatusCanceled
	order.UpdateTime = time.Now()
	return nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*core.Order, error) {
	if e.GetOrderErr != nil {
		return nil, e.GetOrderErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := orderID
	if id == "" && clientOrderID != "" {
		id = e.byClient[clientOrderID]
	}
	order, ok := e.orders[id]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*core.Order
	for _, o := range e.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if o.Status == core.OrderStatusNew || o.Status == core.OrderStatusPartiallyFilled {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (e *Exchange) GetSymbolFilters(ctx context.Context, symbol string) (*core.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.filters[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, symbol)
	}
	cp := *f
	return &cp, nil
}

func (e *Exchange) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	if e.LeverageErr != nil {
		return e.LeverageErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

// Leverage returns the last leverage set for symbol
func (e *Exchange) Leverage(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverage[symbol]
}

func (e *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.marks[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no mark price for %s", apperrors.ErrUnknownSymbol, symbol)
	}
	return p, nil
}

func (e *Exchange) StartMarkPriceStream(ctx context.Context, symbols []string, callback func(update *core.MarkPriceUpdate)) error {
	return nil
}

// FillOrder marks an order filled at the given average price
func (e *Exchange) FillOrder(orderID string, avgPrice decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orders[orderID]; ok {
		o.Status = core.OrderStatusFilled
		o.ExecutedQty = o.OrigQty
		o.AvgPrice = avgPrice
		o.UpdateTime = time.Now()
	}
}

// PartiallyFillOrder marks an order partially filled
func (e *Exchange) PartiallyFillOrder(orderID string, executed, avgPrice decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orders[orderID]; ok {
		o.Status = core.OrderStatusPartiallyFilled
		o.ExecutedQty = executed
		o.AvgPrice = avgPrice
		o.UpdateTime = time.Now()
	}
}

// RejectOrder marks an order rejected
func (e *Exchange) RejectOrder(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orders[orderID]; ok {
		o.Status = core.OrderStatusRejected
		o.UpdateTime = time.Now()
	}
}

// ExpireOrder marks an order expired (the exchange cancelled it)
func (e *Exchange) ExpireOrder(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orders[orderID]; ok {
		o.Status = core.OrderStatusExpired
		o.UpdateTime = time.Now()
	}
}

// OrderStatus returns the current status for assertions
func (e *Exchange) OrderStatus(orderID string) core.OrderStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		return o.Status
	}
	return ""
}
