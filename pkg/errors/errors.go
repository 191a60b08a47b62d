// Package apperrors defines the error taxonomy shared across the gateway
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for safety-gate refusals and lookup failures
var (
	ErrKillSwitchEngaged        = errors.New("kill switch engaged")
	ErrCircuitBreakerTripped    = errors.New("circuit breaker tripped")
	ErrSymbolQuarantined        = errors.New("symbol quarantined")
	ErrReconciliationIncomplete = errors.New("startup reconciliation incomplete")
	ErrOrderNotFound            = errors.New("order not found")
	ErrPositionNotFound         = errors.New("position not found")
	ErrModificationNotFound     = errors.New("modification not found")
	ErrOrderTerminal            = errors.New("order is in a terminal state")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrDuplicateOrder           = errors.New("duplicate order")
	ErrPlanExists               = errors.New("slicing plan already registered")
)

// Kind classifies an error for transport mapping and retry decisions
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPermission
	KindNotFound
	KindSafetyGate
	KindAvailability
	KindFatFinger
	KindPositionLimit
	KindBrokerValidation
	KindBrokerRejection
	KindBrokerTransport
	KindConflict
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindSafetyGate:
		return "safety_gate"
	case KindAvailability:
		return "availability"
	case KindFatFinger:
		return "fat_finger"
	case KindPositionLimit:
		return "position_limit"
	case KindBrokerValidation:
		return "broker_validation"
	case KindBrokerRejection:
		return "broker_rejection"
	case KindBrokerTransport:
		return "broker_transport"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ValidationError reports an input that violates type, price, or TIF rules
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// SafetyGateError reports a refusal by a named admission gate
type SafetyGateError struct {
	Gate   string
	Reason string
	Err    error
}

func (e *SafetyGateError) Error() string {
	return fmt.Sprintf("safety gate '%s' refused order: %s", e.Gate, e.Reason)
}

func (e *SafetyGateError) Unwrap() error { return e.Err }

// AvailabilityError reports a safety mechanism or collaborator that cannot be
// consulted; the gateway fails closed on these.
type AvailabilityError struct {
	Component string
	Err       error
}

func (e *AvailabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s unavailable: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("%s unavailable", e.Component)
}

func (e *AvailabilityError) Unwrap() error { return e.Err }

// Breach records a single fat-finger threshold violation
type Breach struct {
	Check     string `json:"check"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
}

// FatFingerError aggregates all threshold breaches found for one order
type FatFingerError struct {
	Symbol   string
	Breaches []Breach
}

func (e *FatFingerError) Error() string {
	return fmt.Sprintf("fat-finger check failed for %s: %d breach(es)", e.Symbol, len(e.Breaches))
}

// PositionLimitError reports a refused reservation
type PositionLimitError struct {
	Symbol   string
	Side     string
	Qty      string
	Current  string
	Reserved string
	Limit    string
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit refused %s %s %s: current=%s reserved=%s limit=%s",
		e.Side, e.Qty, e.Symbol, e.Current, e.Reserved, e.Limit)
}

// StrategyScopeError reports a caller reaching outside its strategy scope.
// Transports map it to not-found to avoid leaking existence.
type StrategyScopeError struct {
	StrategyID string
	Resource   string
}

func (e *StrategyScopeError) Error() string {
	return fmt.Sprintf("strategy '%s' has no access to %s", e.StrategyID, e.Resource)
}

// BrokerValidationError — the broker deemed the request malformed; permanent
type BrokerValidationError struct {
	Code    int
	Message string
}

func (e *BrokerValidationError) Error() string {
	return fmt.Sprintf("broker validation error (code %d): %s", e.Code, e.Message)
}

// BrokerRejectionError — the broker declined the order; permanent
type BrokerRejectionError struct {
	Code    int
	Message string
}

func (e *BrokerRejectionError) Error() string {
	return fmt.Sprintf("broker rejected order (code %d): %s", e.Code, e.Message)
}

// BrokerTransportError — network or timeout failure talking to the broker;
// retriable after the broker client has exhausted its own bounded retries
type BrokerTransportError struct {
	Op  string
	Err error
}

func (e *BrokerTransportError) Error() string {
	return fmt.Sprintf("broker transport failure during %s: %v", e.Op, e.Err)
}

func (e *BrokerTransportError) Unwrap() error { return e.Err }

// ConflictError reports lock contention or a stale idempotency record
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// InternalConsistencyError reports a finalization failure after a broker-side
// success; a background reconciler converges these.
type InternalConsistencyError struct {
	Op  string
	Err error
}

func (e *InternalConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency failure during %s: %v", e.Op, e.Err)
}

func (e *InternalConsistencyError) Unwrap() error { return e.Err }

// KindOf classifies any error into the taxonomy
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		vErr  *ValidationError
		sErr  *SafetyGateError
		aErr  *AvailabilityError
		fErr  *FatFingerError
		pErr  *PositionLimitError
		scErr *StrategyScopeError
		bvErr *BrokerValidationError
		brErr *BrokerRejectionError
		btErr *BrokerTransportError
		cErr  *ConflictError
		icErr *InternalConsistencyError
	)

	switch {
	case errors.As(err, &vErr):
		return KindValidation
	case errors.As(err, &scErr):
		return KindPermission
	case errors.As(err, &fErr):
		return KindFatFinger
	case errors.As(err, &pErr):
		return KindPositionLimit
	case errors.As(err, &bvErr):
		return KindBrokerValidation
	case errors.As(err, &brErr):
		return KindBrokerRejection
	case errors.As(err, &btErr):
		return KindBrokerTransport
	case errors.As(err, &cErr):
		return KindConflict
	case errors.As(err, &icErr):
		return KindInternal
	case errors.As(err, &aErr):
		return KindAvailability
	case errors.As(err, &sErr):
		return KindSafetyGate
	}

	switch {
	case errors.Is(err, ErrKillSwitchEngaged),
		errors.Is(err, ErrCircuitBreakerTripped),
		errors.Is(err, ErrSymbolQuarantined),
		errors.Is(err, ErrReconciliationIncomplete):
		return KindSafetyGate
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrPositionNotFound),
		errors.Is(err, ErrModificationNotFound),
		errors.Is(err, ErrReservationNotFound):
		return KindNotFound
	case errors.Is(err, ErrOrderTerminal),
		errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, ErrPlanExists):
		return KindConflict
	}

	return KindUnknown
}

// HTTPStatus maps an error kind to the HTTP-equivalent code transports use
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindFatFinger:
		return 400
	case KindPermission, KindNotFound:
		return 404
	case KindSafetyGate, KindPositionLimit, KindConflict:
		return 409
	case KindAvailability:
		return 503
	case KindBrokerValidation, KindBrokerRejection:
		return 422
	case KindBrokerTransport:
		return 502
	case KindInternal:
		return 500
	default:
		return 500
	}
}

// IsRetriable reports whether a caller may retry the same request unchanged
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindAvailability, KindBrokerTransport, KindConflict, KindSafetyGate:
		return true
	default:
		return false
	}
}
