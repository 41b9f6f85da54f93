package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCyclesTotal        = "reconciler_cycles_total"
	MetricDiscrepanciesTotal = "reconciler_discrepancies_total"
	MetricCorrectionsTotal   = "reconciler_corrections_total"
	MetricCycleDuration      = "reconciler_cycle_duration_seconds"
	MetricOpenOrders         = "reconciler_open_orders"
	MetricTrackedPositions   = "reconciler_tracked_positions"
	MetricPositionDivergence = "reconciler_position_divergence"
	MetricCircuitBreakerOpen = "reconciler_circuit_breaker_open"
	MetricVenuePollLatency   = "reconciler_venue_poll_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	CyclesTotal        metric.Int64Counter
	DiscrepanciesTotal metric.Int64Counter
	CorrectionsTotal   metric.Int64Counter
	CycleDuration      metric.Float64Histogram
	VenuePollLatency   metric.Float64Histogram
	OpenOrders         metric.Int64ObservableGauge
	TrackedPositions   metric.Int64ObservableGauge
	PositionDivergence metric.Float64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge

	// State for observable gauges
	mu            sync.RWMutex
	openOrdersMap map[string]int64
	trackedPosMap map[string]int64
	divergenceMap map[string]float64
	cbOpenMap     map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap: make(map[string]int64),
			trackedPosMap: make(map[string]int64),
			divergenceMap: make(map[string]float64),
			cbOpenMap:     make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CyclesTotal, err = meter.Int64Counter(MetricCyclesTotal, metric.WithDescription("Total reconciliation cycles by outcome"))
	if err != nil {
		return err
	}

	m.DiscrepanciesTotal, err = meter.Int64Counter(MetricDiscrepanciesTotal, metric.WithDescription("Total discrepancies detected by kind"))
	if err != nil {
		return err
	}

	m.CorrectionsTotal, err = meter.Int64Counter(MetricCorrectionsTotal, metric.WithDescription("Total ledger corrections applied"))
	if err != nil {
		return err
	}

	m.CycleDuration, err = meter.Float64Histogram(MetricCycleDuration, metric.WithDescription("Duration of reconciliation cycles"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.VenuePollLatency, err = meter.Float64Histogram(MetricVenuePollLatency, metric.WithDescription("Latency of venue state polls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OpenOrders, err = meter.Int64ObservableGauge(MetricOpenOrders, metric.WithDescription("Open orders tracked in the local ledger"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TrackedPositions, err = meter.Int64ObservableGauge(MetricTrackedPositions, metric.WithDescription("Instruments with tracked positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.trackedPosMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionDivergence, err = meter.Float64ObservableGauge(MetricPositionDivergence, metric.WithDescription("Absolute local/venue position divergence"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for instrument, val := range m.divergenceMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", instrument)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to record counters with their standard attributes

func (m *MetricsHolder) RecordCycle(ctx context.Context, account, status string) {
	if m.CyclesTotal == nil {
		return
	}
	m.CyclesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("status", status),
	))
}

func (m *MetricsHolder) RecordDiscrepancy(ctx context.Context, account, kind, scope string) {
	if m.DiscrepanciesTotal == nil {
		return
	}
	m.DiscrepanciesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("kind", kind),
		attribute.String("scope", scope),
	))
}

func (m *MetricsHolder) RecordCorrections(ctx context.Context, account string, n int64) {
	if m.CorrectionsTotal == nil || n == 0 {
		return
	}
	m.CorrectionsTotal.Add(ctx, n, metric.WithAttributes(attribute.String("account", account)))
}

func (m *MetricsHolder) ObserveCycleDuration(ctx context.Context, account string, seconds float64) {
	if m.CycleDuration == nil {
		return
	}
	m.CycleDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("account", account)))
}

func (m *MetricsHolder) ObservePollLatency(ctx context.Context, venue string, millis float64) {
	if m.VenuePollLatency == nil {
		return
	}
	m.VenuePollLatency.Record(ctx, millis, metric.WithAttributes(attribute.String("venue", venue)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenOrders(account string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[account] = count
}

func (m *MetricsHolder) SetTrackedPositions(account string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackedPosMap[account] = count
}

func (m *MetricsHolder) SetPositionDivergence(instrument string, divergence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.divergenceMap[instrument] = divergence
}

func (m *MetricsHolder) SetCircuitBreakerOpen(account string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[account] = val
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionDivergence() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.divergenceMap {
		res[k] = v
	}
	return res
}
