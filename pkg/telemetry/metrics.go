package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricOrdersPlacedTotal     = "orchestrator_entry_orders_placed_total"
	MetricOrdersFilledTotal     = "orchestrator_entry_orders_filled_total"
	MetricOrdersCancelledTotal  = "orchestrator_entry_orders_cancelled_total"
	MetricAdmissionRejectsTotal = "orchestrator_admission_rejects_total"
	MetricExitLegsPlacedTotal   = "orchestrator_exit_legs_placed_total"
	MetricTrailingEngagedTotal  = "orchestrator_trailing_engaged_total"
	MetricExternalClosesTotal   = "orchestrator_external_closes_total"
	MetricReconcileAnomalies    = "orchestrator_reconcile_anomalies"
	MetricWatchedOrdersLive     = "orchestrator_watched_orders_live"
	MetricNotifierSendsTotal    = "orchestrator_notifier_sends_total"
	MetricLatencyExchange       = "orchestrator_latency_exchange_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal     metric.Int64Counter
	OrdersFilledTotal     metric.Int64Counter
	OrdersCancelledTotal  metric.Int64Counter
	AdmissionRejectsTotal metric.Int64Counter
	ExitLegsPlacedTotal   metric.Int64Counter
	TrailingEngagedTotal  metric.Int64Counter
	ExternalClosesTotal   metric.Int64Counter
	NotifierSendsTotal    metric.Int64Counter
	LatencyExchange       metric.Float64Histogram
	WatchedOrdersLive     metric.Int64ObservableGauge
	ReconcileAnomalies    metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	liveWatchedMap  map[string]int64
	anomalyCountMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			liveWatchedMap:  make(map[string]int64),
			anomalyCountMap: make(map[string]int64),
		}
		// Instruments start on a noop meter so callers never hit a nil
		// instrument before Setup wires the real provider.
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("noop"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total entry orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total entry orders filled"))
	if err != nil {
		return err
	}

	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total entry orders cancelled or rejected"))
	if err != nil {
		return err
	}

	m.AdmissionRejectsTotal, err = meter.Int64Counter(MetricAdmissionRejectsTotal, metric.WithDescription("Signals rejected by the admission pipeline, by kind"))
	if err != nil {
		return err
	}

	m.ExitLegsPlacedTotal, err = meter.Int64Counter(MetricExitLegsPlacedTotal, metric.WithDescription("Protective SL/TP legs placed, by leg"))
	if err != nil {
		return err
	}

	m.TrailingEngagedTotal, err = meter.Int64Counter(MetricTrailingEngagedTotal, metric.WithDescription("Trailing-stop procedures engaged"))
	if err != nil {
		return err
	}

	m.ExternalClosesTotal, err = meter.Int64Counter(MetricExternalClosesTotal, metric.WithDescription("Positions closed outside the watchdog"))
	if err != nil {
		return err
	}

	m.NotifierSendsTotal, err = meter.Int64Counter(MetricNotifierSendsTotal, metric.WithDescription("Notifier messages emitted, by level"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.WatchedOrdersLive, err = meter.Int64ObservableGauge(MetricWatchedOrdersLive, metric.WithDescription("Currently live watched orders per symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.liveWatchedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReconcileAnomalies, err = meter.Int64ObservableGauge(MetricReconcileAnomalies, metric.WithDescription("Discrepancies found by the last reconciliation run"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for kind, val := range m.anomalyCountMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("kind", kind)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetLiveWatched updates the live watched-order gauge for one symbol
func (m *MetricsHolder) SetLiveWatched(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveWatchedMap[symbol] = count
}

// SetReconcileAnomalies updates the anomaly gauge for one discrepancy kind
func (m *MetricsHolder) SetReconcileAnomalies(kind string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalyCountMap[kind] = count
}
