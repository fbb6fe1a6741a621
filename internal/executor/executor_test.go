package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures_orchestrator/internal/config"
	"futures_orchestrator/internal/core"
	"futures_orchestrator/internal/exchange/filters"
	"futures_orchestrator/internal/mock"
	"futures_orchestrator/pkg/logging"
	"futures_orchestrator/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAvailability struct {
	blocked map[string]string
}

func (s *stubAvailability) Check(symbol string) (bool, string) {
	reason, ok := s.blocked[symbol]
	return ok, reason
}

type stubState struct {
	orders map[string][]*core.WatchedOrder
	err    error
}

func (s *stubState) LiveOrders(symbol string) ([]*core.WatchedOrder, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.orders[symbol], nil
}

type execRig struct {
	exec         *Executor
	exchange     *mock.Exchange
	queue        *mock.Queue
	notifier     *mock.Notifier
	availability *stubAvailability
	state        *stubState
	params       *config.TradingParams
}

func newExecRig(t *testing.T) *execRig {
	t.Helper()
	ex := mock.NewExchange("BTCUSDT")
	queue := mock.NewQueue()
	notifier := mock.NewNotifier()
	availability := &stubAvailability{blocked: map[string]string{}}
	state := &stubState{orders: map[string][]*core.WatchedOrder{}}

	e := New(ex, filters.NewCache(ex, logging.Nop()), queue, availability, state, notifier, "USDT", logging.Nop())
	// Keep the enqueue retry tight so failure tests stay fast
	e.enqueueRetry = retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	return &execRig{
		exec:         e,
		exchange:     ex,
		queue:        queue,
		notifier:     notifier,
		availability: availability,
		state:        state,
		params:       config.DefaultTradingParams(),
	}
}

func longSignal(entry string) *core.TradingSignal {
	e := decimal.RequireFromString(entry)
	return &core.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  core.SignalLong,
		EntryPrice: e,
		StopLoss:   e.Sub(decimal.NewFromInt(1000)),
		TakeProfit: e.Add(decimal.NewFromInt(2000)),
		Confidence: 0.9,
		SignalID:   "sig-" + entry,
		Source:     "test",
	}
}

func shortSignal(entry string) *core.TradingSignal {
	e := decimal.RequireFromString(entry)
	return &core.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  core.SignalShort,
		EntryPrice: e,
		StopLoss:   e.Add(decimal.NewFromInt(1000)),
		TakeProfit: e.Sub(decimal.NewFromInt(2000)),
		Confidence: 0.9,
		SignalID:   "sig-short-" + entry,
		Source:     "test",
	}
}

func admissionKind(t *testing.T, err error) AdmissionKind {
	t.Helper()
	var ae *AdmissionError
	require.ErrorAs(t, err, &ae)
	return ae.Kind
}

func TestExecuteSizesFromRiskBudget(t *testing.T) {
	rig := newExecRig(t)
	rig.exchange.SetBalance("USDT", decimal.NewFromInt(1000))

	// risk = 1000 * 2% = 20 USDT; notional = 20 * 10x = 200;
	// qty = 200 / 45000 = 0.00444.. floored to 0.004 by the step size
	w, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.NoError(t, err)
	assert.True(t, w.Quantity.Equal(decimal.RequireFromString("0.004")), "qty %s", w.Quantity)
	assert.True(t, w.Price.Equal(decimal.RequireFromString("45000")))
	assert.NotEmpty(t, w.OrderID)
	assert.NotEmpty(t, w.ClientOrderID)

	require.Len(t, rig.exchange.PlacedRequests(), 1)
	req := rig.exchange.PlacedRequests()[0]
	assert.Equal(t, core.OrderTypeLimit, req.Type)
	assert.Equal(t, core.SideBuy, req.Side)
	assert.Equal(t, core.TimeInForceGTC, req.TimeInForce)
	assert.Equal(t, core.PositionLong, req.PositionSide)
	assert.Equal(t, w.ClientOrderID, req.ClientOrderID)

	assert.Equal(t, 10, rig.exchange.Leverage("BTCUSDT"))
	assert.Equal(t, 1, rig.queue.Depth())
}

func TestExecuteRejectsBlockedSymbol(t *testing.T) {
	rig := newExecRig(t)
	rig.availability.blocked["BTCUSDT"] = "open position"

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	assert.Equal(t, AdmissionSymbolBlocked, admissionKind(t, err))
	assert.Empty(t, rig.exchange.PlacedRequests())
	assert.Equal(t, 0, rig.queue.Depth())
}

func TestExecuteRejectsAtConcurrencyCap(t *testing.T) {
	rig := newExecRig(t)
	rig.state.orders["BTCUSDT"] = []*core.WatchedOrder{{
		OrderID:    "900",
		Symbol:     "BTCUSDT",
		SignalType: core.SignalLong,
		Price:      decimal.RequireFromString("46000"),
		Status:     core.WatchNew,
	}}

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	assert.Equal(t, AdmissionConcurrencyLimit, admissionKind(t, err))
	assert.Empty(t, rig.exchange.PlacedRequests())
}

func TestExecutePositionCountsTowardCap(t *testing.T) {
	rig := newExecRig(t)
	rig.exchange.SetPositions([]*core.Position{{
		Symbol:       "BTCUSDT",
		PositionAmt:  decimal.RequireFromString("0.01"),
		EntryPrice:   decimal.RequireFromString("46000"),
		PositionSide: core.PositionLong,
	}})

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	assert.Equal(t, AdmissionConcurrencyLimit, admissionKind(t, err))
}

func TestExecutePriceQualityGate(t *testing.T) {
	rig := newExecRig(t)
	rig.params.MaxConcurrentOrders = 5
	rig.state.orders["BTCUSDT"] = []*core.WatchedOrder{{
		OrderID:    "900",
		Symbol:     "BTCUSDT",
		SignalType: core.SignalLong,
		Price:      decimal.RequireFromString("45000"),
		Status:     core.WatchNew,
	}}

	// A LONG entry at or above the existing reference is refused
	_, err := rig.exec.Execute(context.Background(), longSignal("45100"), rig.params)
	assert.Equal(t, AdmissionPriceQualityReject, admissionKind(t, err))
	_, err = rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	assert.Equal(t, AdmissionPriceQualityReject, admissionKind(t, err))

	// Strictly below is admitted
	w, err := rig.exec.Execute(context.Background(), longSignal("44900"), rig.params)
	require.NoError(t, err)
	assert.True(t, w.Price.Equal(decimal.RequireFromString("44900")))
}

func TestExecutePriceQualityGateShort(t *testing.T) {
	rig := newExecRig(t)
	rig.params.MaxConcurrentOrders = 5
	rig.state.orders["BTCUSDT"] = []*core.WatchedOrder{{
		OrderID:    "900",
		Symbol:     "BTCUSDT",
		SignalType: core.SignalShort,
		Price:      decimal.RequireFromString("45000"),
		Status:     core.WatchNew,
	}}

	_, err := rig.exec.Execute(context.Background(), shortSignal("44900"), rig.params)
	assert.Equal(t, AdmissionPriceQualityReject, admissionKind(t, err))

	w, err := rig.exec.Execute(context.Background(), shortSignal("45100"), rig.params)
	require.NoError(t, err)
	assert.True(t, w.Price.Equal(decimal.RequireFromString("45100")))
}

func TestExecuteOppositeDirectionIgnoredByPriceGate(t *testing.T) {
	rig := newExecRig(t)
	rig.params.MaxConcurrentOrders = 5
	rig.state.orders["BTCUSDT"] = []*core.WatchedOrder{{
		OrderID:    "900",
		Symbol:     "BTCUSDT",
		SignalType: core.SignalShort,
		Price:      decimal.RequireFromString("44000"),
		Status:     core.WatchNew,
	}}

	// The SHORT reference does not constrain a LONG entry
	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.NoError(t, err)
}

func TestExecuteRejectsUndersizedPosition(t *testing.T) {
	rig := newExecRig(t)
	// risk = 10 * 2% = 0.2; notional = 2 USDT; qty floors to zero
	rig.exchange.SetBalance("USDT", decimal.NewFromInt(10))

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	assert.Equal(t, AdmissionUndersizedPosition, admissionKind(t, err))
	assert.Empty(t, rig.exchange.PlacedRequests())
}

func TestExecuteRejectsInvalidSignal(t *testing.T) {
	rig := newExecRig(t)
	s := longSignal("45000")
	s.StopLoss = decimal.RequireFromString("46000") // above entry on a LONG

	_, err := rig.exec.Execute(context.Background(), s, rig.params)
	assert.Equal(t, AdmissionInvalidSignal, admissionKind(t, err))
}

func TestExecuteSessionOrdersCountTowardCap(t *testing.T) {
	rig := newExecRig(t)

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.NoError(t, err)

	// The first order has not been drained by the watchdog yet, but the
	// session-pending set still enforces the cap of one.
	_, err = rig.exec.Execute(context.Background(), longSignal("44000"), rig.params)
	assert.Equal(t, AdmissionConcurrencyLimit, admissionKind(t, err))
}

func TestExecutePendingReleasedAfterWatchdogDrain(t *testing.T) {
	rig := newExecRig(t)

	w, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.NoError(t, err)

	// The snapshot catches up: the watchdog now tracks the order, so the
	// state file is authoritative and the session copy is released. The
	// cap still holds while the order is live.
	rig.state.orders["BTCUSDT"] = []*core.WatchedOrder{w}
	_, err = rig.exec.Execute(context.Background(), longSignal("44000"), rig.params)
	assert.Equal(t, AdmissionConcurrencyLimit, admissionKind(t, err))

	// The watchdog retires the order. The symbol must admit again; a
	// sticky session copy would block it for the life of the process.
	rig.state.orders["BTCUSDT"] = nil
	_, err = rig.exec.Execute(context.Background(), longSignal("44000"), rig.params)
	require.NoError(t, err)
}

func TestExecutePendingExpiresAfterDrainHorizon(t *testing.T) {
	rig := newExecRig(t)

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.NoError(t, err)

	// Filled and retired between two scans: the snapshot never showed the
	// order live. Past the drain horizon the session copy expires.
	rig.exec.pendingMu.Lock()
	rig.exec.pending["BTCUSDT"][0].CreatedAt = time.Now().Add(-10 * time.Minute)
	rig.exec.pendingMu.Unlock()

	_, err = rig.exec.Execute(context.Background(), longSignal("44000"), rig.params)
	require.NoError(t, err)
}

func TestExecuteLeverageAppliedOnce(t *testing.T) {
	rig := newExecRig(t)
	rig.params.MaxConcurrentOrders = 5

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.NoError(t, err)
	assert.Equal(t, 10, rig.exchange.Leverage("BTCUSDT"))

	// A second admission skips the leverage call entirely; an injected
	// failure proves it is never reached.
	rig.exchange.LeverageErr = errors.New("synthetic leverage failure")
	_, err = rig.exec.Execute(context.Background(), longSignal("44000"), rig.params)
	require.NoError(t, err)
}

func TestExecuteCancelsOrphanOnEnqueueFailure(t *testing.T) {
	rig := newExecRig(t)
	rig.queue.EnqueueErr = errors.New("disk full")

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.Error(t, err)
	assert.False(t, IsAdmissionError(err))

	// The placed entry order was cancelled, not left unmanaged
	require.Len(t, rig.exchange.PlacedRequests(), 1)
	orders, listErr := rig.exchange.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, listErr)
	assert.Empty(t, orders)
	assert.True(t, rig.notifier.HasTitle("Entry order cancelled after registration failure"))

	// The failed submission does not poison the cap for the next signal
	rig.queue.EnqueueErr = nil
	_, err = rig.exec.Execute(context.Background(), longSignal("44000"), rig.params)
	require.NoError(t, err)
}

func TestExecuteOrphanCancelFailureEscalates(t *testing.T) {
	rig := newExecRig(t)
	rig.queue.EnqueueErr = errors.New("disk full")
	rig.exchange.CancelOrderErr = errors.New("exchange unreachable")

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.Error(t, err)
	assert.True(t, rig.notifier.HasTitle("Orphan entry order"))
}

func TestExecuteStateReadFailureIsNotAdmission(t *testing.T) {
	rig := newExecRig(t)
	rig.state.err = errors.New("state file unreadable")

	_, err := rig.exec.Execute(context.Background(), longSignal("45000"), rig.params)
	require.Error(t, err)
	assert.False(t, IsAdmissionError(err))
	assert.Empty(t, rig.exchange.PlacedRequests())
}
