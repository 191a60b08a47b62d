package safety

import (
	"context"

	"exec_gateway/internal/core"
	"exec_gateway/pkg/telemetry"
)

// CircuitBreaker halts admissions on systemic failure signals. Unlike the
// kill switch it is tripped by software (reconciliation divergence, repeated
// broker faults), not only by operators. State lives in the Coordinator.
type CircuitBreaker struct {
	coord  core.ICoordinator
	alerts core.IAlertSink
	logger core.ILogger
}

// NewCircuitBreaker builds the breaker over the shared coordinator
func NewCircuitBreaker(coord core.ICoordinator, alerts core.IAlertSink, logger core.ILogger) *CircuitBreaker {
	return &CircuitBreaker{
		coord:  coord,
		alerts: alerts,
		logger: logger.WithField("component", "circuit_breaker"),
	}
}

// IsTripped doubles as the liveness probe for the recovery manager
func (cb *CircuitBreaker) IsTripped(ctx context.Context) (bool, error) {
	state, err := cb.coord.BreakerState(ctx)
	if err != nil {
		return false, err
	}
	return state.Tripped, nil
}

// Trip opens the breaker and blocks all new order flow
func (cb *CircuitBreaker) Trip(ctx context.Context, reason string) error {
	if err := cb.coord.TripBreaker(ctx, reason); err != nil {
		return err
	}
	cb.logger.Warn("Circuit breaker tripped", "reason", reason)
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", true)
	if cb.alerts != nil {
		cb.alerts.Alert(ctx, "Circuit breaker tripped", reason, "CRITICAL", nil)
	}
	return nil
}

// Reset closes the breaker
func (cb *CircuitBreaker) Reset(ctx context.Context) error {
	if err := cb.coord.ResetBreaker(ctx); err != nil {
		return err
	}
	cb.logger.Info("Circuit breaker reset")
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
	return nil
}

// GetStatus returns the full coordinator-held state
func (cb *CircuitBreaker) GetStatus(ctx context.Context) (*core.CircuitBreakerStatus, error) {
	return cb.coord.BreakerState(ctx)
}
