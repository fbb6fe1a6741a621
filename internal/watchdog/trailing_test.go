package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures_orchestrator/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// filledWithLegs builds a FILLED LONG order with both exit legs live:
// entry 45000, SL 44000, TP 47000, size 0.01.
func filledWithLegs(t *testing.T, rig *testRig) *core.WatchedOrder {
	t.Helper()
	ctx := context.Background()

	w := sampleOrder("", "BTCUSDT")
	order, err := rig.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:       "BTCUSDT",
		Side:         core.SideBuy,
		Type:         core.OrderTypeLimit,
		Quantity:     decimal.RequireFromString("0.01"),
		Price:        w.Price,
		TimeInForce:  core.TimeInForceGTC,
		PositionSide: core.PositionLong,
	})
	require.NoError(t, err)
	w.OrderID = order.OrderID
	w.Quantity = decimal.RequireFromString("0.01")
	require.NoError(t, rig.store.Add(w))

	rig.exchange.FillOrder(w.OrderID, decimal.RequireFromString("45000"))
	rig.exchange.SetPositions([]*core.Position{{
		Symbol:       "BTCUSDT",
		PositionAmt:  decimal.RequireFromString("0.01"),
		EntryPrice:   decimal.RequireFromString("45000"),
		PositionSide: core.PositionLong,
	}})
	rig.exchange.SetMarkPrice("BTCUSDT", decimal.RequireFromString("45000"))

	require.NoError(t, rig.core.pollOrder(context.Background(), w, rig.params))
	got, ok := rig.store.Get(w.OrderID)
	require.True(t, ok)
	require.True(t, got.HasBothLegs())
	return got
}

func TestTrailingEngagesAtTrigger(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	w := filledWithLegs(t, rig)
	oldSL := w.SLOrderID
	oldTP := w.TPOrderID

	// D = 2000; 45000 + 0.80*2000 = 46600 is exactly the trigger
	rig.exchange.SetMarkPrice("BTCUSDT", decimal.RequireFromString("46600"))
	require.NoError(t, rig.core.checkTrailing(ctx, w, rig.params))

	got, ok := rig.store.Get(w.OrderID)
	require.True(t, ok)
	assert.True(t, got.TrailingTriggered)
	assert.True(t, got.PositionSize.Equal(decimal.RequireFromString("0.002")),
		"remaining size %s", got.PositionSize)
	assert.True(t, got.StopLoss.Equal(decimal.RequireFromString("46000")),
		"new stop %s", got.StopLoss)
	assert.NotEqual(t, oldSL, got.SLOrderID)
	assert.NotEqual(t, oldTP, got.TPOrderID)

	// The old legs were cancelled and replaced
	assert.Equal(t, core.OrderStatusCanceled, rig.exchange.OrderStatus(oldSL))
	assert.Equal(t, core.OrderStatusCanceled, rig.exchange.OrderStatus(oldTP))

	// The market reduce closed 80% and the new legs carry the remainder
	var marketClose, newSL, newTP *core.PlaceOrderRequest
	for _, req := range rig.exchange.PlacedRequests() {
		switch {
		case req.Type == core.OrderTypeMarket && req.ReduceOnly:
			marketClose = req
		case req.Type == core.OrderTypeStopMarket && req.Quantity.Equal(decimal.RequireFromString("0.002")):
			newSL = req
		case req.Type == core.OrderTypeTakeProfitMarket && req.Quantity.Equal(decimal.RequireFromString("0.002")):
			newTP = req
		}
	}
	require.NotNil(t, marketClose)
	assert.True(t, marketClose.Quantity.Equal(decimal.RequireFromString("0.008")))
	assert.Equal(t, core.SideSell, marketClose.Side)
	require.NotNil(t, newSL)
	assert.True(t, newSL.StopPrice.Equal(decimal.RequireFromString("46000")))
	require.NotNil(t, newTP)
	assert.True(t, newTP.StopPrice.Equal(decimal.RequireFromString("47000")))

	assert.True(t, rig.notifier.HasTitle("Trailing engaged"))
}

func TestTrailingDoesNotEngageBelowTrigger(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	w := filledWithLegs(t, rig)

	// f = 1599.8/2000 = 0.7999
	rig.exchange.SetMarkPrice("BTCUSDT", decimal.RequireFromString("46599.8"))
	require.NoError(t, rig.core.checkTrailing(ctx, w, rig.params))

	got, _ := rig.store.Get(w.OrderID)
	assert.False(t, got.TrailingTriggered)
	assert.True(t, got.PositionSize.Equal(decimal.RequireFromString("0.01")))
}

func TestTrailingIsOneShot(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	w := filledWithLegs(t, rig)

	rig.exchange.SetMarkPrice("BTCUSDT", decimal.RequireFromString("46600"))
	require.NoError(t, rig.core.checkTrailing(ctx, w, rig.params))

	got, _ := rig.store.Get(w.OrderID)
	require.True(t, got.TrailingTriggered)
	placedBefore := len(rig.exchange.PlacedRequests())

	// The poll path skips the trailing check once the latch is set
	require.NoError(t, rig.core.pollOrder(ctx, got, rig.params))
	assert.Equal(t, placedBefore, len(rig.exchange.PlacedRequests()))
}

func TestTrailingShort(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// SHORT at 45000 with TP 43000 and SL 46000
	w := &core.WatchedOrder{
		Symbol:       "BTCUSDT",
		Side:         core.SideSell,
		PositionSide: core.PositionShort,
		Quantity:     decimal.RequireFromString("0.01"),
		Price:        decimal.RequireFromString("45000"),
		Status:       core.WatchNew,
		SignalType:   core.SignalShort,
		StopLoss:     decimal.RequireFromString("46000"),
		TakeProfit:   decimal.RequireFromString("43000"),
		CreatedAt:    time.Now().UTC(),
	}
	order, err := rig.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:       "BTCUSDT",
		Side:         core.SideSell,
		Type:         core.OrderTypeLimit,
		Quantity:     w.Quantity,
		Price:        w.Price,
		TimeInForce:  core.TimeInForceGTC,
		PositionSide: core.PositionShort,
	})
	require.NoError(t, err)
	w.OrderID = order.OrderID
	require.NoError(t, rig.store.Add(w))

	rig.exchange.FillOrder(w.OrderID, decimal.RequireFromString("45000"))
	rig.exchange.SetPositions([]*core.Position{{
		Symbol:       "BTCUSDT",
		PositionAmt:  decimal.RequireFromString("0.01"),
		EntryPrice:   decimal.RequireFromString("45000"),
		PositionSide: core.PositionShort,
	}})
	rig.exchange.SetMarkPrice("BTCUSDT", decimal.RequireFromString("45000"))
	require.NoError(t, rig.core.pollOrder(ctx, w, rig.params))
	w, _ = rig.store.Get(w.OrderID)

	// D = 2000 down; 45000 - 1600 = 43400 is f = 0.80
	rig.exchange.SetMarkPrice("BTCUSDT", decimal.RequireFromString("43400"))
	require.NoError(t, rig.core.checkTrailing(ctx, w, rig.params))

	got, _ := rig.store.Get(w.OrderID)
	require.True(t, got.TrailingTriggered)
	// New stop halfway down the path: 45000 - 0.50*2000 = 44000
	assert.True(t, got.StopLoss.Equal(decimal.RequireFromString("44000")), "new stop %s", got.StopLoss)

	// The market close buys back
	var marketClose *core.PlaceOrderRequest
	for _, req := range rig.exchange.PlacedRequests() {
		if req.Type == core.OrderTypeMarket && req.ReduceOnly {
			marketClose = req
		}
	}
	require.NotNil(t, marketClose)
	assert.Equal(t, core.SideBuy, marketClose.Side)
}

func TestTrailingRetriesWhenPartialCloseFails(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	w := filledWithLegs(t, rig)

	rig.exchange.PlaceOrderHook = func(req *core.PlaceOrderRequest) error {
		if req.Type == core.OrderTypeMarket {
			return errors.New("synthetic market close failure")
		}
		return nil
	}
	rig.exchange.SetMarkPrice("BTCUSDT", decimal.RequireFromString("46600"))
	err := rig.core.checkTrailing(ctx, w, rig.params)
	assert.Error(t, err)

	// Nothing changed; the step retries wholesale next tick
	got, _ := rig.store.Get(w.OrderID)
	assert.False(t, got.TrailingTriggered)
	assert.True(t, got.PositionSize.Equal(decimal.RequireFromString("0.01")))
	assert.NotEmpty(t, got.SLOrderID)
	assert.NotEmpty(t, got.TPOrderID)
}

func TestTrailingNewStopFailureAlerts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	w := filledWithLegs(t, rig)

	rig.exchange.PlaceOrderHook = func(req *core.PlaceOrderRequest) error {
		if req.Type == core.OrderTypeStopMarket && req.Quantity.Equal(decimal.RequireFromString("0.002")) {
			return errors.New("synthetic stop placement failure")
		}
		return nil
	}
	rig.exchange.SetMarkPrice("BTCUSDT", decimal.RequireFromString("46600"))
	require.NoError(t, rig.core.checkTrailing(ctx, w, rig.params))

	got, _ := rig.store.Get(w.OrderID)
	assert.True(t, got.TrailingTriggered)
	assert.Empty(t, got.SLOrderID, "failed stop must stay empty for the retry path")
	assert.True(t, rig.notifier.HasTitle("Position temporarily unprotected"))

	// The regular leg path retries the stop on the next poll
	rig.exchange.PlaceOrderHook = nil
	require.NoError(t, rig.core.pollOrder(ctx, got, rig.params))
	got, _ = rig.store.Get(w.OrderID)
	assert.NotEmpty(t, got.SLOrderID)
}
