package watchdog

import (
	"context"
	"fmt"

	"futures_orchestrator/internal/config"
	"futures_orchestrator/internal/core"
	"futures_orchestrator/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// checkTrailing runs the one-shot trailing step for a filled order with both
// exit legs live: once the mark price has traveled the trigger fraction of
// the distance to take-profit, the close fraction of the position is taken
// at market and the stop is moved up to the SL fraction of the path.
//
// With the default parameters this is the "80/80/50" step: at 80% of the way
// to TP, close 80%, move the stop to entry + 50% of the path.
func (c *Core) checkTrailing(ctx context.Context, w *core.WatchedOrder, params *config.TradingParams) error {
	entry := w.EntryPriceFilled
	if entry.IsZero() || w.PositionSize.IsZero() {
		return nil
	}

	target, err := c.filters.QuantizePrice(ctx, w.Symbol, w.TakeProfit)
	if err != nil {
		return err
	}
	distance := target.Sub(entry).Abs()
	if distance.IsZero() {
		return nil
	}

	price, err := c.markPrice(ctx, w.Symbol)
	if err != nil {
		return err
	}

	var traveled decimal.Decimal
	if w.SignalType == core.SignalLong {
		traveled = price.Sub(entry)
	} else {
		traveled = entry.Sub(price)
	}
	fraction := traveled.Div(distance)
	if fraction.LessThan(params.TrailingTriggerFraction) {
		return nil
	}

	c.logger.Info("Trailing trigger reached",
		"order_id", w.OrderID,
		"symbol", w.Symbol,
		"mark_price", price.String(),
		"fraction", fraction.StringFixed(4))

	closeQty, err := c.filters.QuantizeQty(ctx, w.Symbol, w.PositionSize.Mul(params.TrailingCloseFraction))
	if err != nil {
		return err
	}
	remaining := w.PositionSize.Sub(closeQty)

	// 1. Reduce the position at market. Until this succeeds nothing has
	// changed and the whole step retries on the next tick.
	if closeQty.IsPositive() {
		_, err := c.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
			Symbol:       w.Symbol,
			Side:         w.Side.Opposite(),
			Type:         core.OrderTypeMarket,
			Quantity:     closeQty,
			ReduceOnly:   true,
			PositionSide: w.PositionSide,
		})
		if err != nil {
			return fmt.Errorf("trailing partial close failed: %w", err)
		}
	}

	// Compute the new stop on the entry side of the path
	var newStop decimal.Decimal
	offset := distance.Mul(params.TrailingSLFraction)
	if w.SignalType == core.SignalLong {
		newStop = entry.Add(offset)
	} else {
		newStop = entry.Sub(offset)
	}
	newStopQ, err := c.filters.QuantizePrice(ctx, w.Symbol, newStop)
	if err != nil {
		return err
	}

	// The partial close is irreversible: latch the engage and persist before
	// touching the legs, so a crash here resumes with the reduced position
	// and the new stop target rather than re-closing.
	w.PositionSize = remaining
	w.StopLoss = newStopQ
	w.TrailingTriggered = true
	w.SLTPAttempts = 0
	if err := c.store.Update(w); err != nil {
		return err
	}

	telemetry.GetGlobalMetrics().TrailingEngagedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", w.Symbol),
	))
	c.notifier.Notify(ctx, "Trailing engaged",
		fmt.Sprintf("Trailing engaged on %s: %s%% closed at ~%s, new SL = %s",
			w.Symbol,
			params.TrailingCloseFraction.Mul(decimal.NewFromInt(100)).StringFixed(0),
			price.String(), newStopQ.String()),
		core.AlertInfo, map[string]string{
			"symbol":   w.Symbol,
			"order_id": w.OrderID,
		})

	if remaining.IsZero() {
		// The close fraction consumed the whole position
		c.cancelLegs(ctx, w)
		c.notifyClosed(ctx, w, "Trailing closed full position")
		return c.retire(ctx, w, core.WatchClosed)
	}

	// 2-5. Replace both legs for the remaining quantity. A failed replace
	// leaves the leg id empty; the regular leg-placement path retries it on
	// every tick under the attempt bound.
	c.cancelQuiet(ctx, w.Symbol, w.SLOrderID)
	w.SLOrderID = ""
	c.cancelQuiet(ctx, w.Symbol, w.TPOrderID)
	w.TPOrderID = ""

	if id, err := c.placeLeg(ctx, w, core.OrderTypeStopMarket, w.StopLoss, remaining); err != nil {
		c.logger.Error("New stop-loss placement failed after trailing close", "order_id", w.OrderID, "error", err)
		c.notifier.Notify(ctx, "Position temporarily unprotected",
			fmt.Sprintf("Trailing on %s cancelled the old stop but the new stop at %s failed to place; retrying every poll.",
				w.Symbol, newStopQ.String()),
			core.AlertCritical, map[string]string{"symbol": w.Symbol, "order_id": w.OrderID})
	} else {
		w.SLOrderID = id
	}

	if id, err := c.placeLeg(ctx, w, core.OrderTypeTakeProfitMarket, w.TakeProfit, remaining); err != nil {
		c.logger.Error("Take-profit replace failed after trailing close", "order_id", w.OrderID, "error", err)
	} else {
		w.TPOrderID = id
	}

	return c.store.Update(w)
}
