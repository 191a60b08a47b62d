package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricAdmissionsTotal     = "exec_gateway_admissions_total"
	MetricGateRefusalsTotal   = "exec_gateway_gate_refusals_total"
	MetricOrdersCreatedTotal  = "exec_gateway_orders_created_total"
	MetricOrdersFilledTotal   = "exec_gateway_orders_filled_total"
	MetricFilledQtyTotal      = "exec_gateway_filled_qty_total"
	MetricWebhookEventsTotal  = "exec_gateway_webhook_events_total"
	MetricModificationsTotal  = "exec_gateway_modifications_total"
	MetricSlicesDispatched    = "exec_gateway_slices_dispatched_total"
	MetricReconcileRunsTotal  = "exec_gateway_reconcile_runs_total"
	MetricLatencyBroker       = "exec_gateway_latency_broker_ms"
	MetricLatencyAdmission    = "exec_gateway_latency_admission_ms"
	MetricKillSwitchEngaged   = "exec_gateway_kill_switch_engaged"
	MetricCircuitBreakerOpen  = "exec_gateway_circuit_breaker_open"
	MetricPositionSize        = "exec_gateway_position_size"
	MetricReservedQty         = "exec_gateway_reserved_qty"
	MetricPendingSlices       = "exec_gateway_pending_slices"
	MetricComponentDegraded   = "exec_gateway_component_degraded"
	MetricReconcileInProgress = "exec_gateway_reconcile_in_progress"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	AdmissionsTotal    metric.Int64Counter
	GateRefusalsTotal  metric.Int64Counter
	OrdersCreatedTotal metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	FilledQtyTotal     metric.Float64Counter
	WebhookEventsTotal metric.Int64Counter
	ModificationsTotal metric.Int64Counter
	SlicesDispatched   metric.Int64Counter
	ReconcileRunsTotal metric.Int64Counter
	LatencyBroker      metric.Float64Histogram
	LatencyAdmission   metric.Float64Histogram

	KillSwitchEngaged   metric.Int64ObservableGauge
	CircuitBreakerOpen  metric.Int64ObservableGauge
	PositionSize        metric.Float64ObservableGauge
	ReservedQty         metric.Float64ObservableGauge
	PendingSlices       metric.Int64ObservableGauge
	ComponentDegraded   metric.Int64ObservableGauge
	ReconcileInProgress metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	killSwitchMap   map[string]int64
	cbOpenMap       map[string]int64
	positionSizeMap map[string]float64
	reservedQtyMap  map[string]float64
	pendingSliceMap map[string]int64
	degradedMap     map[string]int64
	reconcileMap    map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			killSwitchMap:   make(map[string]int64),
			cbOpenMap:       make(map[string]int64),
			positionSizeMap: make(map[string]float64),
			reservedQtyMap:  make(map[string]float64),
			pendingSliceMap: make(map[string]int64),
			degradedMap:     make(map[string]int64),
			reconcileMap:    make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.AdmissionsTotal, err = meter.Int64Counter(MetricAdmissionsTotal, metric.WithDescription("Total admission attempts by outcome"))
	if err != nil {
		return err
	}

	m.GateRefusalsTotal, err = meter.Int64Counter(MetricGateRefusalsTotal, metric.WithDescription("Admission refusals by gate"))
	if err != nil {
		return err
	}

	m.OrdersCreatedTotal, err = meter.Int64Counter(MetricOrdersCreatedTotal, metric.WithDescription("Orders persisted to the ledger by execution style"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Orders that reached terminal filled status"))
	if err != nil {
		return err
	}

	m.FilledQtyTotal, err = meter.Float64Counter(MetricFilledQtyTotal, metric.WithDescription("Cumulative filled quantity in shares"))
	if err != nil {
		return err
	}

	m.WebhookEventsTotal, err = meter.Int64Counter(MetricWebhookEventsTotal, metric.WithDescription("Broker webhook events by apply result"))
	if err != nil {
		return err
	}

	m.ModificationsTotal, err = meter.Int64Counter(MetricModificationsTotal, metric.WithDescription("Order modifications by outcome"))
	if err != nil {
		return err
	}

	m.SlicesDispatched, err = meter.Int64Counter(MetricSlicesDispatched, metric.WithDescription("Child slices dispatched by the scheduler"))
	if err != nil {
		return err
	}

	m.ReconcileRunsTotal, err = meter.Int64Counter(MetricReconcileRunsTotal, metric.WithDescription("Reconciliation passes by outcome"))
	if err != nil {
		return err
	}

	m.LatencyBroker, err = meter.Float64Histogram(MetricLatencyBroker, metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyAdmission, err = meter.Float64Histogram(MetricLatencyAdmission, metric.WithDescription("Time from intent receipt to dispatch or refusal"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.KillSwitchEngaged, err = meter.Int64ObservableGauge(MetricKillSwitchEngaged, metric.WithDescription("Kill switch engaged state (1=engaged, 0=clear)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for scope, val := range m.killSwitchMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("scope", scope)))
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
			for scope, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("scope", scope)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current signed position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReservedQty, err = meter.Float64ObservableGauge(MetricReservedQty, metric.WithDescription("Quantity held by active position reservations"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.reservedQtyMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PendingSlices, err = meter.Int64ObservableGauge(MetricPendingSlices, metric.WithDescription("Slices awaiting dispatch per parent order"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for parent, val := range m.pendingSliceMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("parent_order_id", parent)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ComponentDegraded, err = meter.Int64ObservableGauge(MetricComponentDegraded, metric.WithDescription("Component degraded state (1=degraded, 0=healthy)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for comp, val := range m.degradedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("component", comp)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReconcileInProgress, err = meter.Int64ObservableGauge(MetricReconcileInProgress, metric.WithDescription("Reconciliation in progress (1=reconciling, 0=complete)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for kind, val := range m.reconcileMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("kind", kind)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetKillSwitchEngaged(scope string, engaged bool) {
	val := int64(0)
	if engaged {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchMap[scope] = val
}

func (m *MetricsHolder) SetCircuitBreakerOpen(scope string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[scope] = val
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

func (m *MetricsHolder) SetReservedQty(symbol string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservedQtyMap[symbol] = qty
}

func (m *MetricsHolder) SetPendingSlices(parentOrderID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count <= 0 {
		delete(m.pendingSliceMap, parentOrderID)
		return
	}
	m.pendingSliceMap[parentOrderID] = count
}

func (m *MetricsHolder) SetComponentDegraded(component string, degraded bool) {
	val := int64(0)
	if degraded {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degradedMap[component] = val
}

func (m *MetricsHolder) SetReconcileInProgress(kind string, inProgress bool) {
	val := int64(0)
	if inProgress {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileMap[kind] = val
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetReservedQty() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.reservedQtyMap {
		res[k] = v
	}
	return res
}
