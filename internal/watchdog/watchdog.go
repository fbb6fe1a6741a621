package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures_orchestrator/internal/config"
	"futures_orchestrator/internal/core"
	apperrors "futures_orchestrator/pkg/errors"
	"futures_orchestrator/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// markTTL bounds how old a streamed mark price may be before the poll falls
// back to the REST endpoint.
const markTTL = 10 * time.Second

type markEntry struct {
	price decimal.Decimal
	at    time.Time
}

// Core drives WatchedOrders through their state machine. All state
// mutations happen on the Run loop; polling is the correctness floor and
// the mark-price stream only accelerates the trailing check.
type Core struct {
	exchange core.IExchange
	filters  core.IFilterCache
	store    *Store
	queue    core.IRequestQueue
	notifier core.INotifier
	history  *History
	params   *config.ParamsStore
	logger   core.ILogger

	markMu sync.RWMutex
	marks  map[string]markEntry
}

// NewCore creates the watchdog core
func NewCore(
	exchange core.IExchange,
	filters core.IFilterCache,
	store *Store,
	queue core.IRequestQueue,
	notifier core.INotifier,
	history *History,
	params *config.ParamsStore,
	logger core.ILogger,
) *Core {
	return &Core{
		exchange: exchange,
		filters:  filters,
		store:    store,
		queue:    queue,
		notifier: notifier,
		history:  history,
		params:   params,
		logger:   logger.WithField("component", "watchdog"),
		marks:    make(map[string]markEntry),
	}
}

// OnMarkPrice feeds a streamed mark-price tick into the cache
func (c *Core) OnMarkPrice(update *core.MarkPriceUpdate) {
	c.markMu.Lock()
	c.marks[update.Symbol] = markEntry{price: update.MarkPrice, at: time.Now()}
	c.markMu.Unlock()
}

// Run executes the poll loop until ctx is cancelled. On shutdown it
// finishes the current iteration and performs one final persist.
func (c *Core) Run(ctx context.Context) error {
	c.logger.Info("Watchdog loop starting", "orders", c.store.Len())

	for {
		params := c.params.Reload()

		c.drainQueue(ctx)
		c.pollAll(ctx, params)

		select {
		case <-ctx.Done():
			if err := c.store.Persist(); err != nil {
				c.logger.Error("Final persist failed", "error", err)
			}
			c.logger.Info("Watchdog loop stopped")
			return nil
		case <-time.After(time.Duration(params.PollIntervalSeconds) * time.Second):
		}
	}
}

// drainQueue consumes every pending request. A failing item is logged and
// surfaced, never requeued: a poison message must not halt the drain.
func (c *Core) drainQueue(ctx context.Context) {
	requests, err := c.queue.Drain()
	if err != nil {
		c.logger.Error("Queue drain failed", "error", err)
		c.notifier.Notify(ctx, "Request queue drain failed", err.Error(), core.AlertError, nil)
		return
	}

	for _, req := range requests {
		if err := c.processRequest(ctx, req); err != nil {
			c.logger.Error("Request processing failed",
				"action", req.Action, "order_id", req.OrderID, "error", err)
			c.notifier.Notify(ctx, "Watch request failed", err.Error(), core.AlertError, map[string]string{
				"action": req.Action,
			})
		}
	}
}

func (c *Core) processRequest(ctx context.Context, req *core.WatchRequest) error {
	switch req.Action {
	case core.ActionAddOrder:
		if req.Data == nil {
			return fmt.Errorf("add_order request without payload")
		}
		err := c.store.Add(req.Data)
		if errors.Is(err, apperrors.ErrDuplicateWatch) {
			// At-least-once delivery; the redelivered copy is dropped.
			c.logger.Debug("Duplicate add_order ignored", "order_id", req.Data.OrderID)
			return nil
		}
		if err == nil {
			c.logger.Info("Order accepted for watching",
				"order_id", req.Data.OrderID, "symbol", req.Data.Symbol)
		}
		return err

	case core.ActionRemoveOrder:
		return c.store.Remove(req.OrderID)

	case core.ActionManualClose:
		w, ok := c.store.Get(req.OrderID)
		if !ok {
			return fmt.Errorf("manual_close for unknown order %s", req.OrderID)
		}
		return c.manualClose(ctx, w)

	default:
		return fmt.Errorf("unknown queue action %q", req.Action)
	}
}

// manualClose flattens the order's position at market and retires the record
func (c *Core) manualClose(ctx context.Context, w *core.WatchedOrder) error {
	if w.Status == core.WatchFilled && !w.PositionSize.IsZero() {
		_, err := c.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
			Symbol:       w.Symbol,
			Side:         w.Side.Opposite(),
			Type:         core.OrderTypeMarket,
			Quantity:     w.PositionSize,
			ReduceOnly:   true,
			PositionSide: w.PositionSide,
		})
		if err != nil {
			return fmt.Errorf("manual close order failed: %w", err)
		}
	} else {
		c.cancelQuiet(ctx, w.Symbol, w.OrderID)
	}

	c.cancelLegs(ctx, w)
	c.notifier.Notify(ctx, "Manual close executed",
		fmt.Sprintf("Order %s on %s closed on operator request", w.OrderID, w.Symbol),
		core.AlertWarning, nil)
	return c.retire(ctx, w, core.WatchClosed)
}

// pollAll runs the per-order poll procedure over the live set
func (c *Core) pollAll(ctx context.Context, params *config.TradingParams) {
	for _, w := range c.store.List() {
		if ctx.Err() != nil {
			return
		}
		if err := c.pollOrder(ctx, w, params); err != nil {
			c.logger.Error("Poll failed for order",
				"order_id", w.OrderID, "symbol", w.Symbol, "error", err)
		}
	}
}

// pollOrder applies one state-machine step for one order
func (c *Core) pollOrder(ctx context.Context, w *core.WatchedOrder, params *config.TradingParams) error {
	if w.Status == core.WatchNew || w.Status == core.WatchPartiallyFilled {
		if err := c.pollEntry(ctx, w); err != nil {
			return err
		}
	}

	if w.Status != core.WatchFilled {
		return nil
	}

	if !w.HasBothLegs() {
		c.ensureExitLegs(ctx, w, params)
	}

	if w.HasBothLegs() {
		closed, err := c.checkExits(ctx, w)
		if err != nil || closed {
			return err
		}
		if !w.TrailingTriggered {
			return c.checkTrailing(ctx, w, params)
		}
	}
	return nil
}

// pollEntry refreshes the entry-order status from the exchange and applies
// the NEW / PARTIALLY_FILLED / FILLED / CANCELLED / REJECTED transitions.
func (c *Core) pollEntry(ctx context.Context, w *core.WatchedOrder) error {
	order, err := c.exchange.GetOrder(ctx, w.Symbol, w.OrderID, w.ClientOrderID)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		// The entry no longer exists and nothing indicates execution.
		c.logger.Warn("Entry order vanished from exchange, treating as cancelled",
			"order_id", w.OrderID, "symbol", w.Symbol)
		return c.retire(ctx, w, core.WatchCancelled)
	}
	if err != nil {
		return err
	}

	switch order.Status {
	case core.OrderStatusNew:
		return nil

	case core.OrderStatusPartiallyFilled:
		if w.Status != core.WatchPartiallyFilled {
			w.Status = core.WatchPartiallyFilled
			c.logger.Info("Entry partially filled",
				"order_id", w.OrderID, "executed", order.ExecutedQty.String())
			return c.store.Update(w)
		}
		return nil

	case core.OrderStatusFilled:
		return c.markFilled(ctx, w, order)

	case core.OrderStatusCanceled, core.OrderStatusExpired:
		if order.ExecutedQty.IsPositive() {
			// Cancelled after a partial execution: a real position exists
			// and still needs protective legs.
			return c.markFilled(ctx, w, order)
		}
		c.logger.Info("Entry order cancelled at exchange", "order_id", w.OrderID)
		return c.retire(ctx, w, core.WatchCancelled)

	case core.OrderStatusRejected:
		c.logger.Warn("Entry order rejected at exchange", "order_id", w.OrderID)
		c.notifier.Notify(ctx, "Entry order rejected",
			fmt.Sprintf("Order %s on %s was rejected by the exchange", w.OrderID, w.Symbol),
			core.AlertWarning, nil)
		return c.retire(ctx, w, core.WatchRejected)

	default:
		return fmt.Errorf("unexpected exchange status %q for order %s", order.Status, w.OrderID)
	}
}

func (c *Core) markFilled(ctx context.Context, w *core.WatchedOrder, order *core.Order) error {
	now := time.Now().UTC()
	w.Status = core.WatchFilled
	w.EntryPriceFilled = order.AvgPrice
	w.PositionSize = order.ExecutedQty
	w.FilledAt = &now

	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", w.Symbol),
	))
	c.logger.Info("Entry order filled",
		"order_id", w.OrderID,
		"symbol", w.Symbol,
		"avg_price", order.AvgPrice.String(),
		"size", order.ExecutedQty.String())
	return c.store.Update(w)
}

// ensureExitLegs places the missing SL and TP legs. Failures increment the
// bounded attempt counter; exhausting it surfaces a fault and leaves the
// order FILLED pending manual resolution.
func (c *Core) ensureExitLegs(ctx context.Context, w *core.WatchedOrder, params *config.TradingParams) {
	if w.SLTPAttempts >= params.MaxSLTPAttempts {
		return
	}

	var failed error
	if w.SLOrderID == "" {
		id, err := c.placeLeg(ctx, w, core.OrderTypeStopMarket, w.StopLoss, w.PositionSize)
		if err != nil {
			failed = fmt.Errorf("stop-loss leg: %w", err)
		} else {
			w.SLOrderID = id
		}
	}
	if failed == nil && w.TPOrderID == "" {
		id, err := c.placeLeg(ctx, w, core.OrderTypeTakeProfitMarket, w.TakeProfit, w.PositionSize)
		if err != nil {
			failed = fmt.Errorf("take-profit leg: %w", err)
		} else {
			w.TPOrderID = id
		}
	}

	if failed != nil {
		w.SLTPAttempts++
		c.logger.Error("Exit leg placement failed",
			"order_id", w.OrderID, "attempt", w.SLTPAttempts, "error", failed)
		if w.SLTPAttempts >= params.MaxSLTPAttempts {
			c.notifier.Notify(ctx, "Exit leg placement exhausted",
				fmt.Sprintf("Order %s on %s has no complete SL/TP protection after %d attempts; manual resolution required.",
					w.OrderID, w.Symbol, w.SLTPAttempts),
				core.AlertCritical, map[string]string{
					"symbol":   w.Symbol,
					"order_id": w.OrderID,
				})
		}
	}

	if err := c.store.Update(w); err != nil {
		c.logger.Error("Failed to persist after leg placement", "order_id", w.OrderID, "error", err)
	}
}

// placeLeg submits one reduce-only protective exit order
func (c *Core) placeLeg(ctx context.Context, w *core.WatchedOrder, legType core.OrderType, trigger, qty decimal.Decimal) (string, error) {
	stopPrice, err := c.filters.QuantizePrice(ctx, w.Symbol, trigger)
	if err != nil {
		return "", err
	}
	order, err := c.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:       w.Symbol,
		Side:         w.Side.Opposite(),
		Type:         legType,
		Quantity:     qty,
		StopPrice:    stopPrice,
		ReduceOnly:   true,
		PositionSide: w.PositionSide,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrPrecisionViolation) {
			// Stale filters are the only way this path produces precision
			// errors; refresh and let the next attempt requantize.
			c.filters.Invalidate(w.Symbol)
		}
		return "", err
	}

	telemetry.GetGlobalMetrics().ExitLegsPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("leg", string(legType)),
		attribute.String("symbol", w.Symbol),
	))
	c.logger.Info("Exit leg placed",
		"order_id", w.OrderID,
		"leg", string(legType),
		"stop_price", stopPrice.String(),
		"quantity", qty.String())
	return order.OrderID, nil
}

// checkExits implements the simulated one-cancels-other pairing and the
// external-close detection. Returns true if the order reached CLOSED.
func (c *Core) checkExits(ctx context.Context, w *core.WatchedOrder) (bool, error) {
	slStatus, err := c.legStatus(ctx, w.Symbol, w.SLOrderID)
	if err != nil {
		return false, err
	}
	tpStatus, err := c.legStatus(ctx, w.Symbol, w.TPOrderID)
	if err != nil {
		return false, err
	}

	slFilled := slStatus == core.OrderStatusFilled
	tpFilled := tpStatus == core.OrderStatusFilled

	switch {
	case slFilled && tpFilled:
		// Both legs filled within one poll interval; the position is flat
		// either way and there is nothing left to cancel.
		c.notifyClosed(ctx, w, "Both exit legs filled")
	case slFilled:
		c.cancelQuiet(ctx, w.Symbol, w.TPOrderID)
		c.notifyClosed(ctx, w, "Stop loss hit")
	case tpFilled:
		c.cancelQuiet(ctx, w.Symbol, w.SLOrderID)
		c.notifyClosed(ctx, w, "Take profit hit")
	default:
		return c.checkExternalClose(ctx, w)
	}

	return true, c.retire(ctx, w, core.WatchClosed)
}

// checkExternalClose detects a position flattened outside the watchdog
func (c *Core) checkExternalClose(ctx context.Context, w *core.WatchedOrder) (bool, error) {
	positions, err := c.exchange.GetPositions(ctx, w.Symbol)
	if err != nil {
		return false, err
	}

	for _, p := range positions {
		if p.PositionSide != w.PositionSide {
			continue
		}
		if !p.PositionAmt.IsZero() {
			return false, nil
		}
	}

	// Position is flat yet neither leg filled: an operator or another
	// system closed it. Cancel both legs and retire.
	c.cancelLegs(ctx, w)
	telemetry.GetGlobalMetrics().ExternalClosesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", w.Symbol),
	))
	c.notifier.Notify(ctx, "External close detected",
		fmt.Sprintf("External close detected for %s (order %s); exit legs cancelled.", w.Symbol, w.OrderID),
		core.AlertWarning, map[string]string{"symbol": w.Symbol, "order_id": w.OrderID})

	return true, c.retire(ctx, w, core.WatchClosed)
}

// legStatus fetches an exit-leg status, mapping a vanished order to CANCELED
func (c *Core) legStatus(ctx context.Context, symbol, orderID string) (core.OrderStatus, error) {
	if orderID == "" {
		return "", nil
	}
	order, err := c.exchange.GetOrder(ctx, symbol, orderID, "")
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return core.OrderStatusCanceled, nil
	}
	if err != nil {
		return "", err
	}
	return order.Status, nil
}

func (c *Core) cancelLegs(ctx context.Context, w *core.WatchedOrder) {
	c.cancelQuiet(ctx, w.Symbol, w.SLOrderID)
	c.cancelQuiet(ctx, w.Symbol, w.TPOrderID)
}

// cancelQuiet cancels an order, tolerating it being already gone
func (c *Core) cancelQuiet(ctx context.Context, symbol, orderID string) {
	if orderID == "" {
		return
	}
	err := c.exchange.CancelOrder(ctx, symbol, orderID)
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		c.logger.Warn("Cancel failed", "symbol", symbol, "order_id", orderID, "error", err)
	}
}

func (c *Core) notifyClosed(ctx context.Context, w *core.WatchedOrder, reason string) {
	c.logger.Info("Position closed", "order_id", w.OrderID, "symbol", w.Symbol, "reason", reason)
	c.notifier.Notify(ctx, "Position closed",
		fmt.Sprintf("%s: %s (order %s)", w.Symbol, reason, w.OrderID),
		core.AlertInfo, map[string]string{"symbol": w.Symbol, "order_id": w.OrderID})
}

// retire performs a terminal transition: journal, metrics, removal
func (c *Core) retire(ctx context.Context, w *core.WatchedOrder, final core.WatchStatus) error {
	w.Status = final
	c.history.Record(w, final)

	if final == core.WatchCancelled || final == core.WatchRejected {
		telemetry.GetGlobalMetrics().OrdersCancelledTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", w.Symbol),
			attribute.String("status", string(final)),
		))
	}
	return c.store.Remove(w.OrderID)
}

// markPrice returns the freshest known mark price for symbol, preferring a
// recent stream tick over a REST round trip.
func (c *Core) markPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.markMu.RLock()
	entry, ok := c.marks[symbol]
	c.markMu.RUnlock()
	if ok && time.Since(entry.at) < markTTL {
		return entry.price, nil
	}
	return c.exchange.GetMarkPrice(ctx, symbol)
}
