// Package core defines the domain types and interfaces for the execution gateway
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILedger is the transactional record store for orders, positions,
// modifications, and slicing plans. Multi-row consequences of a single event
// commit atomically through WithTx.
type ILedger interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	UpdateOrderBrokerID(ctx context.Context, clientOrderID, brokerOrderID string, submittedAt time.Time) error
	UpdateOrderStatusCAS(ctx context.Context, update *OrderUpdate) (bool, error)

	InsertPendingModification(ctx context.Context, rec *ModificationRecord) error
	UpdateModificationStatus(ctx context.Context, modificationID string, status ModificationStatus, errorMessage string) error
	GetModificationByIdempotencyKey(ctx context.Context, key string) (*ModificationRecord, error)
	GetNextModificationSeq(ctx context.Context) (int64, error)
	GetPendingModifications(ctx context.Context, olderThan time.Time) ([]*ModificationRecord, error)

	RegisterSlicingPlan(ctx context.Context, parent *Order, children []*Order, plan *SlicingPlan) error
	GetSlicingPlan(ctx context.Context, parentOrderID string) (*SlicingPlan, error)
	GetSlicesByParentID(ctx context.Context, parentOrderID string) ([]*Order, error)
	CancelPendingSlices(ctx context.Context, parentOrderID string) (int, error)

	GetPositionBySymbol(ctx context.Context, symbol string) (*Position, error)

	// WithTx runs fn inside one serializable transaction; fn sees row-locked
	// reads through the ILedgerTx handle.
	WithTx(ctx context.Context, fn func(tx ILedgerTx) error) error

	Close() error
}

// ILedgerTx is the in-transaction surface of the ledger
type ILedgerTx interface {
	GetOrderForUpdate(clientOrderID string) (*Order, error)
	GetPositionForUpdate(symbol string) (*Position, error)
	UpdateOrderStatusCAS(update *OrderUpdate) (bool, error)
	UpdatePositionOnFill(pos *Position) error
	AppendFill(clientOrderID string, fill Fill) (bool, error)
	InsertReplacementOrder(order *Order) error
	FinalizeModification(modificationID string, status ModificationStatus, errorMessage string) error
	SetOrderMetadata(clientOrderID string, meta OrderMetadata) error
}

// ICoordinator is the shared distributed state behind kill switch, breaker,
// quarantine, reservations, and best-effort cache invalidation
type ICoordinator interface {
	EngageKillSwitch(ctx context.Context, reason, operator, details string) error
	DisengageKillSwitch(ctx context.Context, operator, notes string) error
	KillSwitchState(ctx context.Context) (*KillSwitchStatus, error)
	KillSwitchHistory(ctx context.Context, limit int) ([]KillSwitchEvent, error)

	TripBreaker(ctx context.Context, reason string) error
	ResetBreaker(ctx context.Context) error
	BreakerState(ctx context.Context) (*CircuitBreakerStatus, error)

	IsSymbolQuarantined(ctx context.Context, symbol string) (bool, error)
	QuarantineSymbol(ctx context.Context, symbol string, ttl time.Duration) error

	// ReservePosition atomically checks |current + reserved + delta| against
	// the limit and records the token on success.
	ReservePosition(ctx context.Context, symbol, token string, side Side, qty, maxLimit, currentPosition decimal.Decimal, ttl time.Duration) (*ReserveResult, error)
	ConfirmReservation(ctx context.Context, symbol, token string) error
	ReleaseReservation(ctx context.Context, symbol, token string) error
	ActiveReservedQty(ctx context.Context, symbol string) (decimal.Decimal, error)

	InvalidatePerformanceCache(ctx context.Context, date string) error
	RegisterPerformanceCacheKey(ctx context.Context, date, key string) error

	SetReconcileOverride(ctx context.Context, operator, reason string, ttl time.Duration) error
	ReconcileOverride(ctx context.Context) (*OverrideCapability, error)

	Health(ctx context.Context) error
	Close() error
}

// IBrokerClient talks to the external broker. Implementations own bounded
// transport retries; exhaustion surfaces as a BrokerTransportError.
type IBrokerClient interface {
	GetName() string
	CheckHealth(ctx context.Context) error
	SubmitOrder(ctx context.Context, req *BrokerOrderRequest) (*BrokerAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ReplaceOrder(ctx context.Context, brokerOrderID string, params *ReplaceParams, newClientOrderID string) (*BrokerAck, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*BrokerOrder, error)
	GetOpenPosition(ctx context.Context, symbol string) (*BrokerPosition, error)
	GetOrders(ctx context.Context, filter OrdersFilter) ([]*BrokerOrder, error)
	GetLatestQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error)
}

// IKillSwitch is the gateway-facing kill switch
type IKillSwitch interface {
	Engage(ctx context.Context, reason, operator, details string) error
	Disengage(ctx context.Context, operator, notes string) error
	IsEngaged(ctx context.Context) (bool, error)
	GetStatus(ctx context.Context) (*KillSwitchStatus, error)
}

// ICircuitBreaker is the gateway-facing trading halt breaker
type ICircuitBreaker interface {
	IsTripped(ctx context.Context) (bool, error)
	Trip(ctx context.Context, reason string) error
	Reset(ctx context.Context) error
	GetStatus(ctx context.Context) (*CircuitBreakerStatus, error)
}

// IReservationService soft-reserves position headroom ahead of dispatch
type IReservationService interface {
	Reserve(ctx context.Context, symbol string, side Side, qty, maxLimit, currentPosition decimal.Decimal) (*ReserveResult, error)
	Confirm(ctx context.Context, symbol, token string) error
	Release(ctx context.Context, symbol, token string) error
	Health(ctx context.Context) error
}

// IRecoveryManager owns availability flags for the safety mechanisms and
// rebuilds them after coordinator outages
type IRecoveryManager interface {
	NeedsRecovery() bool
	IsUnavailable(component string) bool
	MarkUnavailable(component string, cause error)
	AttemptRecovery(ctx context.Context) error
}

// ISliceScheduler executes registered slicing plans on their timers
type ISliceScheduler interface {
	RegisterPlan(ctx context.Context, plan *SlicingPlan) error
	CancelRemainingSlices(ctx context.Context, parentOrderID string) (int, error)
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
}

// IReconciler gates position-increasing admissions until the local ledger
// agrees with the broker
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	State() ReconcileState
	StartupTimedOut() bool
	OverrideComplete(ctx context.Context, operator, reason string) error
	CheckReduceOnly(ctx context.Context, symbol string, side Side, qty int64) error
	TriggerManual(ctx context.Context) error
}

// IQuoteSource provides the freshest cached market quote for a symbol
type IQuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

// ILiquidityProvider resolves average daily volume for fat-finger ADV checks
type ILiquidityProvider interface {
	GetADV(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// IAlertSink receives operator-facing notifications; delivery is best-effort
type IAlertSink interface {
	Alert(ctx context.Context, title, message string, severity string, fields map[string]string)
}

// IHealthMonitor aggregates component liveness probes
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
