// Package executor implements admission control and entry-order submission.
//
// A signal passes through an ordered pipeline: symbol availability, per-symbol
// concurrency cap, price-quality gate, position sizing, leverage alignment,
// price quantization, submission, and registration with the watchdog. The
// pipeline short-circuits on the first failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures_orchestrator/internal/config"
	"futures_orchestrator/internal/core"
	"futures_orchestrator/pkg/retry"
	"futures_orchestrator/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AdmissionKind classifies why a signal was refused before any exchange action
type AdmissionKind string

const (
	AdmissionSymbolBlocked      AdmissionKind = "symbol_blocked"
	AdmissionConcurrencyLimit   AdmissionKind = "concurrency_limit_reached"
	AdmissionPriceQualityReject AdmissionKind = "price_quality_rejected"
	AdmissionUndersizedPosition AdmissionKind = "undersized_position"
	AdmissionInvalidSignal      AdmissionKind = "invalid_signal"
)

// AdmissionError is a local refusal; no exchange action was taken
type AdmissionError struct {
	Kind   AdmissionKind
	Symbol string
	Detail string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission refused (%s) for %s: %s", e.Kind, e.Symbol, e.Detail)
}

// IsAdmissionError reports whether err is a pipeline refusal
func IsAdmissionError(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}

// StateReader exposes the watchdog's live order set to the scanner process.
// The scanner reads the watchdog state file read-only; it never mutates it.
type StateReader interface {
	LiveOrders(symbol string) ([]*core.WatchedOrder, error)
}

// Executor accepts trading signals and places entry orders
type Executor struct {
	exchange     core.IExchange
	filters      core.IFilterCache
	queue        core.IRequestQueue
	availability core.IAvailability
	state        StateReader
	notifier     core.INotifier
	logger       core.ILogger

	quoteAsset string

	// Per-symbol admission locks. Admission for the same symbol must see a
	// consistent (positions, orders, pending) view; distinct symbols run in
	// parallel.
	symbolMu sync.Map // symbol -> *sync.Mutex

	// Orders placed this session that the watchdog may not have drained yet.
	// They count toward concurrency and price-quality checks. An entry is
	// released once the watchdog snapshot reports the order (the state file
	// is authoritative from then on) or once it outlives drainHorizon,
	// whichever comes first.
	pendingMu    sync.Mutex
	pending      map[string][]*core.WatchedOrder // symbol -> orders
	drainHorizon time.Duration

	// Leverage last applied per symbol, to skip redundant change calls
	leverageMu sync.Mutex
	leverage   map[string]int

	enqueueRetry retry.Policy
}

// New creates an executor
func New(
	exchange core.IExchange,
	filters core.IFilterCache,
	queue core.IRequestQueue,
	availability core.IAvailability,
	state StateReader,
	notifier core.INotifier,
	quoteAsset string,
	logger core.ILogger,
) *Executor {
	return &Executor{
		exchange:     exchange,
		filters:      filters,
		queue:        queue,
		availability: availability,
		state:        state,
		notifier:     notifier,
		logger:       logger.WithField("component", "executor"),
		quoteAsset:   quoteAsset,
		pending:      make(map[string][]*core.WatchedOrder),
		drainHorizon: 5 * time.Minute,
		leverage:     make(map[string]int),
		enqueueRetry: retry.Policy{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
}

func (e *Executor) lockSymbol(symbol string) *sync.Mutex {
	v, _ := e.symbolMu.LoadOrStore(symbol, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Execute runs the full admission pipeline for one signal using the given
// parameter snapshot. On success the entry order is live on the exchange and
// registered with the watchdog.
func (e *Executor) Execute(ctx context.Context, signal *core.TradingSignal, params *config.TradingParams) (*core.WatchedOrder, error) {
	if err := signal.Validate(); err != nil {
		return nil, e.reject(ctx, &AdmissionError{Kind: AdmissionInvalidSignal, Symbol: signal.Symbol, Detail: err.Error()})
	}

	mu := e.lockSymbol(signal.Symbol)
	mu.Lock()
	defer mu.Unlock()

	logger := e.logger.WithFields(map[string]interface{}{
		"symbol":    signal.Symbol,
		"direction": signal.Direction,
		"signal_id": signal.SignalID,
	})

	// 1. Symbol availability
	if blocked, reason := e.availability.Check(signal.Symbol); blocked {
		return nil, e.reject(ctx, &AdmissionError{Kind: AdmissionSymbolBlocked, Symbol: signal.Symbol, Detail: reason})
	}

	live, err := e.liveOrdersFor(signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read live orders for %s: %w", signal.Symbol, err)
	}
	positions, err := e.exchange.GetPositions(ctx, signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for %s: %w", signal.Symbol, err)
	}

	// 2. Concurrency cap: nonzero positions plus live entry orders.
	// Protective exit legs are not entry orders and are not counted.
	count := len(live)
	for _, p := range positions {
		if !p.PositionAmt.IsZero() {
			count++
		}
	}
	if count >= params.MaxConcurrentOrders {
		return nil, e.reject(ctx, &AdmissionError{
			Kind:   AdmissionConcurrencyLimit,
			Symbol: signal.Symbol,
			Detail: fmt.Sprintf("%d active >= cap %d", count, params.MaxConcurrentOrders),
		})
	}

	// 3. Price-quality gate
	if ae := e.checkPriceQuality(signal, live, positions); ae != nil {
		return nil, e.reject(ctx, ae)
	}

	// 4. Position sizing
	qty, err := e.sizePosition(ctx, signal, params)
	if err != nil {
		var ae *AdmissionError
		if errors.As(err, &ae) {
			return nil, e.reject(ctx, ae)
		}
		return nil, err
	}

	// 5. Leverage alignment. The endpoint may omit the leverage echo; a
	// successful call is trusted without verification.
	if e.knownLeverage(signal.Symbol) != params.Leverage {
		if err := e.exchange.ChangeLeverage(ctx, signal.Symbol, params.Leverage); err != nil {
			return nil, fmt.Errorf("failed to set leverage %dx on %s: %w", params.Leverage, signal.Symbol, err)
		}
		e.setKnownLeverage(signal.Symbol, params.Leverage)
		logger.Info("Leverage applied", "leverage", params.Leverage)
	}

	// 6. Quantize all prices before anything crosses the exchange boundary
	entryPrice, err := e.filters.QuantizePrice(ctx, signal.Symbol, signal.EntryPrice)
	if err != nil {
		return nil, err
	}
	stopLoss, err := e.filters.QuantizePrice(ctx, signal.Symbol, signal.StopLoss)
	if err != nil {
		return nil, err
	}
	takeProfit, err := e.filters.QuantizePrice(ctx, signal.Symbol, signal.TakeProfit)
	if err != nil {
		return nil, err
	}

	// 7. Submit the entry order. The correlation id is generated before
	// submission so a timed-out placement stays reconcilable.
	clientOrderID := uuid.NewString()
	order, err := e.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:        signal.Symbol,
		Side:          signal.EntrySide(),
		Type:          core.OrderTypeLimit,
		Quantity:      qty,
		Price:         entryPrice,
		TimeInForce:   core.TimeInForceGTC,
		PositionSide:  signal.PositionSideFor(),
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		logger.Error("Entry order rejected by exchange", "error", err)
		return nil, fmt.Errorf("entry order placement failed: %w", err)
	}

	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", signal.Symbol),
		attribute.String("direction", string(signal.Direction)),
	))
	logger.Info("Entry order placed",
		"order_id", order.OrderID,
		"price", entryPrice.String(),
		"quantity", qty.String())

	// 8. Register with the watchdog
	watched := &core.WatchedOrder{
		OrderID:       order.OrderID,
		ClientOrderID: clientOrderID,
		Symbol:        signal.Symbol,
		Side:          signal.EntrySide(),
		PositionSide:  signal.PositionSideFor(),
		Quantity:      qty,
		Price:         entryPrice,
		Status:        core.WatchNew,
		SignalType:    signal.Direction,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.enqueueWithRetry(ctx, watched); err != nil {
		e.handleOrphan(ctx, watched, err)
		return nil, fmt.Errorf("enqueue failed after order placement: %w", err)
	}

	e.pendingMu.Lock()
	e.pending[signal.Symbol] = append(e.pending[signal.Symbol], watched)
	e.pendingMu.Unlock()

	return watched, nil
}

// liveOrdersFor merges the watchdog's live set with orders submitted this
// session that may not have been drained yet. Pending entries the snapshot
// has caught up with are released here, as are entries past the drain
// horizon; otherwise a retired order would count toward the concurrency cap
// for the life of the process.
func (e *Executor) liveOrdersFor(symbol string) ([]*core.WatchedOrder, error) {
	live, err := e.state.LiveOrders(symbol)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(live))
	for _, w := range live {
		seen[w.OrderID] = struct{}{}
	}

	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	var kept []*core.WatchedOrder
	for _, w := range e.pending[symbol] {
		if _, drained := seen[w.OrderID]; drained {
			continue
		}
		if time.Since(w.CreatedAt) > e.drainHorizon {
			continue
		}
		kept = append(kept, w)
		live = append(live, w)
	}
	if len(kept) == 0 {
		delete(e.pending, symbol)
	} else {
		e.pending[symbol] = kept
	}
	return live, nil
}

// checkPriceQuality enforces strictly-better entries relative to every live
// same-direction order and the current same-direction position.
func (e *Executor) checkPriceQuality(signal *core.TradingSignal, live []*core.WatchedOrder, positions []*core.Position) *AdmissionError {
	var refs []decimal.Decimal
	for _, w := range live {
		if w.SignalType == signal.Direction {
			refs = append(refs, w.Price)
		}
	}
	for _, p := range positions {
		if p.PositionAmt.IsZero() {
			continue
		}
		if p.PositionSide == signal.PositionSideFor() {
			refs = append(refs, p.EntryPrice)
		}
	}
	if len(refs) == 0 {
		return nil
	}

	best := refs[0]
	for _, r := range refs[1:] {
		if signal.Direction == core.SignalLong && r.LessThan(best) {
			best = r
		}
		if signal.Direction == core.SignalShort && r.GreaterThan(best) {
			best = r
		}
	}

	ok := false
	if signal.Direction == core.SignalLong {
		ok = signal.EntryPrice.LessThan(best)
	} else {
		ok = signal.EntryPrice.GreaterThan(best)
	}
	if !ok {
		return &AdmissionError{
			Kind:   AdmissionPriceQualityReject,
			Symbol: signal.Symbol,
			Detail: fmt.Sprintf("entry %s not strictly better than existing %s", signal.EntryPrice, best),
		}
	}
	return nil
}

// sizePosition computes the quantized entry quantity from the risk budget
func (e *Executor) sizePosition(ctx context.Context, signal *core.TradingSignal, params *config.TradingParams) (decimal.Decimal, error) {
	balance, err := e.exchange.GetAvailableBalance(ctx, e.quoteAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read %s balance: %w", e.quoteAsset, err)
	}

	riskAmount := balance.Mul(params.RiskPercent).Div(decimal.NewFromInt(100))
	rawQty := riskAmount.Mul(decimal.NewFromInt(int64(params.Leverage))).Div(signal.EntryPrice)

	qty, err := e.filters.QuantizeQty(ctx, signal.Symbol, rawQty)
	if err != nil {
		return decimal.Zero, err
	}

	f, err := e.filters.Get(ctx, signal.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	notional := qty.Mul(signal.EntryPrice)
	if qty.IsZero() || notional.LessThan(f.MinNotional) {
		return decimal.Zero, &AdmissionError{
			Kind:   AdmissionUndersizedPosition,
			Symbol: signal.Symbol,
			Detail: fmt.Sprintf("qty %s notional %s below min %s", qty, notional, f.MinNotional),
		}
	}
	return qty, nil
}

// enqueueWithRetry pushes the add_order request, retrying within a bounded
// deadline. The queue is local disk; failures here are abnormal.
func (e *Executor) enqueueWithRetry(ctx context.Context, watched *core.WatchedOrder) error {
	req := &core.WatchRequest{
		Action:    core.ActionAddOrder,
		Data:      watched,
		Timestamp: time.Now().UTC(),
	}
	return retry.Do(ctx, e.enqueueRetry, func(error) bool { return true }, func() error {
		return e.queue.Enqueue(req)
	})
}

// handleOrphan runs the orphan-prevention branch: a placed exchange order
// that could not be registered must not be left unmanaged.
func (e *Executor) handleOrphan(ctx context.Context, watched *core.WatchedOrder, cause error) {
	e.logger.Error("CRITICAL: enqueue failed after placement, cancelling entry order",
		"symbol", watched.Symbol,
		"order_id", watched.OrderID,
		"error", cause)

	cancelErr := e.exchange.CancelOrder(ctx, watched.Symbol, watched.OrderID)
	fields := map[string]string{
		"symbol":   watched.Symbol,
		"order_id": watched.OrderID,
		"cause":    cause.Error(),
	}
	if cancelErr != nil {
		fields["cancel_error"] = cancelErr.Error()
		e.notifier.Notify(ctx, "Orphan entry order",
			"Watchdog registration failed and the cancel attempt also failed; manual intervention required.",
			core.AlertCritical, fields)
		return
	}
	e.notifier.Notify(ctx, "Entry order cancelled after registration failure",
		"The entry order was placed but could not be handed to the watchdog; it has been cancelled.",
		core.AlertCritical, fields)
}

func (e *Executor) reject(ctx context.Context, ae *AdmissionError) error {
	telemetry.GetGlobalMetrics().AdmissionRejectsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(ae.Kind)),
		attribute.String("symbol", ae.Symbol),
	))
	e.logger.Debug("Signal refused", "kind", string(ae.Kind), "symbol", ae.Symbol, "detail", ae.Detail)
	return ae
}

func (e *Executor) knownLeverage(symbol string) int {
	e.leverageMu.Lock()
	defer e.leverageMu.Unlock()
	return e.leverage[symbol]
}

func (e *Executor) setKnownLeverage(symbol string, lev int) {
	e.leverageMu.Lock()
	defer e.leverageMu.Unlock()
	e.leverage[symbol] = lev
}
