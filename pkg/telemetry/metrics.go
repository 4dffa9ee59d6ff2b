package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal    = "gridbot_orders_placed_total"
	MetricOrdersFilledTotal    = "gridbot_orders_filled_total"
	MetricOrdersCancelledTotal = "gridbot_orders_cancelled_total"
	MetricOrdersActive         = "gridbot_orders_active"
	MetricReconcileTicksTotal  = "gridbot_reconcile_ticks_total"
	MetricTicksSkippedTotal    = "gridbot_reconcile_ticks_skipped_total"
	MetricPnLUnrealized        = "gridbot_pnl_unrealized"
	MetricPnLRealizedTotal     = "gridbot_pnl_realized_total"
	MetricLatencyExchange      = "gridbot_latency_exchange_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersCancelledTotal metric.Int64Counter
	OrdersActive         metric.Int64ObservableGauge
	ReconcileTicksTotal  metric.Int64Counter
	TicksSkippedTotal    metric.Int64Counter
	PnLUnrealized        metric.Float64ObservableGauge
	PnLRealizedTotal     metric.Float64UpDownCounter
	LatencyExchange      metric.Float64Histogram

	// State for observable gauges
	mu               sync.RWMutex
	activeOrdersMap  map[string]int64
	unrealizedPnLMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeOrdersMap:  make(map[string]int64),
			unrealizedPnLMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total limit orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total fills observed"))
	if err != nil {
		return err
	}

	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders cancelled"))
	if err != nil {
		return err
	}

	m.ReconcileTicksTotal, err = meter.Int64Counter(MetricReconcileTicksTotal, metric.WithDescription("Total reconciliation ticks executed"))
	if err != nil {
		return err
	}

	m.TicksSkippedTotal, err = meter.Int64Counter(MetricTicksSkippedTotal, metric.WithDescription("Ticks skipped by the API outage guard"))
	if err != nil {
		return err
	}

	// Up/down: buy fills subtract quote, sell fills add it.
	m.PnLRealizedTotal, err = meter.Float64UpDownCounter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}
