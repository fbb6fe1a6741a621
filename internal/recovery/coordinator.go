// Package recovery reconstructs the per-symbol trading availability view at
// process startup by reconciling persisted watchdog state against the
// exchange's authoritative positions and open orders.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"futures_orchestrator/internal/core"
	apperrors "futures_orchestrator/pkg/errors"
	"futures_orchestrator/pkg/telemetry"
)

// StateSource exposes the live WatchedOrder set; both processes read it
// (the watchdog from its store, the scanner from the state file read-only).
type StateSource interface {
	LiveOrders(symbol string) ([]*core.WatchedOrder, error)
}

// Table is the Symbol Availability Table: symbol -> available or blocked.
// It implements core.IAvailability. Symbols absent from the table are
// available.
type Table struct {
	mu      sync.RWMutex
	blocked map[string]string // symbol -> reason
}

// NewTable creates an empty table (everything available)
func NewTable() *Table {
	return &Table{blocked: make(map[string]string)}
}

// Check reports whether symbol is blocked from admitting new entries
func (t *Table) Check(symbol string) (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reason, blocked := t.blocked[symbol]
	return blocked, reason
}

// Block marks a symbol blocked
func (t *Table) Block(symbol, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[symbol] = reason
}

// Replace swaps the full blocked set in one step, so a batch never observes
// a half-applied refresh.
func (t *Table) Replace(blocked map[string]string) {
	next := make(map[string]string, len(blocked))
	for sym, reason := range blocked {
		next[sym] = reason
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = next
}

// Anomaly kinds reported by reconciliation
const (
	AnomalyStaleWatch = "stale_watch" // watched order not found open on the exchange
	AnomalyOrphanLegs = "orphan_legs" // exchange orders with no watched order
)

// Anomaly is one reconciliation discrepancy
type Anomaly struct {
	Kind    string
	Symbol  string
	OrderID string
	Detail  string
}

// SymbolBrief is the per-symbol line of the startup report
type SymbolBrief struct {
	Symbol       string
	PositionSize string
	LiveOrders   int
}

// Report is the observability output of one reconciliation run. It is not a
// control surface; the availability table is.
type Report struct {
	WatchedSymbols  []string
	PositionSymbols []string
	OrphanSymbols   []string
	Anomalies       []Anomaly
	Briefs          []SymbolBrief
}

// Coordinator performs the startup reconciliation
type Coordinator struct {
	exchange core.IExchange
	state    StateSource
	notifier core.INotifier
	logger   core.ILogger
}

// NewCoordinator creates a recovery coordinator
func NewCoordinator(exchange core.IExchange, state StateSource, notifier core.INotifier, logger core.ILogger) *Coordinator {
	return &Coordinator{
		exchange: exchange,
		state:    state,
		notifier: notifier,
		logger:   logger.WithField("component", "recovery"),
	}
}

// Reconcile computes the availability table and the discrepancy report,
// publishes anomaly metrics, and emits the startup notifier summary.
func (c *Coordinator) Reconcile(ctx context.Context) (*Table, *Report, error) {
	watched, err := c.state.LiveOrders("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load persisted state: %w", err)
	}

	positions, err := c.exchange.GetPositions(ctx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query positions: %w", err)
	}

	openOrders, err := c.exchange.GetOpenOrders(ctx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query open orders: %w", err)
	}

	watchedBySymbol := make(map[string][]*core.WatchedOrder)
	watchedIDs := make(map[string]*core.WatchedOrder)
	for _, w := range watched {
		watchedBySymbol[w.Symbol] = append(watchedBySymbol[w.Symbol], w)
		watchedIDs[w.OrderID] = w
		if w.SLOrderID != "" {
			watchedIDs[w.SLOrderID] = w
		}
		if w.TPOrderID != "" {
			watchedIDs[w.TPOrderID] = w
		}
	}

	positionSize := make(map[string]string)
	for _, p := range positions {
		if p.PositionAmt.IsZero() {
			continue
		}
		positionSize[p.Symbol] = p.PositionAmt.String()
	}

	openBySymbol := make(map[string][]*core.Order)
	openIDs := make(map[string]struct{})
	for _, o := range openOrders {
		openBySymbol[o.Symbol] = append(openBySymbol[o.Symbol], o)
		openIDs[o.OrderID] = struct{}{}
	}

	report := &Report{}
	table := NewTable()

	// Availability: a symbol with a position or a live watched order is
	// blocked; everything else admits new entries.
	for sym := range watchedBySymbol {
		table.Block(sym, "live watched order")
		report.WatchedSymbols = append(report.WatchedSymbols, sym)
	}
	for sym := range positionSize {
		table.Block(sym, "open position")
		report.PositionSymbols = append(report.PositionSymbols, sym)
	}

	// Stale watches: a watched entry order that is neither open on the
	// exchange nor already marked filled locally. Classified by direct
	// order lookup.
	for _, w := range watched {
		if w.Status == core.WatchFilled {
			continue
		}
		if _, open := openIDs[w.OrderID]; open {
			continue
		}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:    AnomalyStaleWatch,
			Symbol:  w.Symbol,
			OrderID: w.OrderID,
			Detail:  c.classifyMissing(ctx, w),
		})
	}

	// Orphan legs: open exchange orders no watched order references.
	// Commonly left behind by manual intervention; annotated, never
	// auto-adopted.
	orphanSymbols := make(map[string]struct{})
	for _, o := range openOrders {
		if _, known := watchedIDs[o.OrderID]; known {
			continue
		}
		orphanSymbols[o.Symbol] = struct{}{}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:    AnomalyOrphanLegs,
			Symbol:  o.Symbol,
			OrderID: o.OrderID,
			Detail:  fmt.Sprintf("%s %s open on exchange with no watched order", o.Type, o.Side),
		})
	}
	for sym := range orphanSymbols {
		report.OrphanSymbols = append(report.OrphanSymbols, sym)
	}

	// Per-symbol brief over every symbol that appeared anywhere
	allSymbols := make(map[string]struct{})
	for sym := range watchedBySymbol {
		allSymbols[sym] = struct{}{}
	}
	for sym := range positionSize {
		allSymbols[sym] = struct{}{}
	}
	for sym := range orphanSymbols {
		allSymbols[sym] = struct{}{}
	}
	for sym := range allSymbols {
		size := positionSize[sym]
		if size == "" {
			size = "0"
		}
		report.Briefs = append(report.Briefs, SymbolBrief{
			Symbol:       sym,
			PositionSize: size,
			LiveOrders:   len(openBySymbol[sym]),
		})
	}

	sort.Strings(report.WatchedSymbols)
	sort.Strings(report.PositionSymbols)
	sort.Strings(report.OrphanSymbols)
	sort.Slice(report.Briefs, func(i, j int) bool { return report.Briefs[i].Symbol < report.Briefs[j].Symbol })

	c.publish(ctx, report)
	return table, report, nil
}

// RefreshAvailability recomputes the availability view into table. It is the
// light per-batch counterpart of Reconcile: positions and the live watched
// set are re-read, anomaly classification is not repeated. A symbol blocked
// at startup becomes available again once its position closes and its
// watched orders retire.
func (c *Coordinator) RefreshAvailability(ctx context.Context, table *Table) error {
	watched, err := c.state.LiveOrders("")
	if err != nil {
		return fmt.Errorf("failed to read live watched orders: %w", err)
	}
	positions, err := c.exchange.GetPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to query positions: %w", err)
	}

	blocked := make(map[string]string)
	for _, w := range watched {
		blocked[w.Symbol] = "live watched order"
	}
	for _, p := range positions {
		if !p.PositionAmt.IsZero() {
			blocked[p.Symbol] = "open position"
		}
	}
	table.Replace(blocked)
	return nil
}

// classifyMissing resolves why a watched entry order is not open anymore
func (c *Coordinator) classifyMissing(ctx context.Context, w *core.WatchedOrder) string {
	order, err := c.exchange.GetOrder(ctx, w.Symbol, w.OrderID, w.ClientOrderID)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return "unknown to exchange"
	}
	if err != nil {
		return fmt.Sprintf("lookup failed: %v", err)
	}
	return fmt.Sprintf("exchange reports %s", order.Status)
}

func (c *Coordinator) publish(ctx context.Context, report *Report) {
	counts := map[string]int64{AnomalyStaleWatch: 0, AnomalyOrphanLegs: 0}
	for _, a := range report.Anomalies {
		counts[a.Kind]++
	}
	m := telemetry.GetGlobalMetrics()
	for kind, n := range counts {
		m.SetReconcileAnomalies(kind, n)
	}

	c.logger.Info("Reconciliation complete",
		"watched_symbols", len(report.WatchedSymbols),
		"position_symbols", len(report.PositionSymbols),
		"orphan_symbols", len(report.OrphanSymbols),
		"anomalies", len(report.Anomalies))

	var sb strings.Builder
	fmt.Fprintf(&sb, "Watched: %d, positions: %d, orphan symbols: %d, anomalies: %d\n",
		len(report.WatchedSymbols), len(report.PositionSymbols),
		len(report.OrphanSymbols), len(report.Anomalies))
	for _, b := range report.Briefs {
		fmt.Fprintf(&sb, "%s: position %s, %d open order(s)\n", b.Symbol, b.PositionSize, b.LiveOrders)
	}
	for _, a := range report.Anomalies {
		fmt.Fprintf(&sb, "[%s] %s order %s: %s\n", a.Kind, a.Symbol, a.OrderID, a.Detail)
	}

	level := core.AlertInfo
	if len(report.Anomalies) > 0 {
		level = core.AlertWarning
	}
	c.notifier.Notify(ctx, "Startup reconciliation", sb.String(), level, nil)
}
