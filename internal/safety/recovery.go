package safety

import (
	"context"
	"sync"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/telemetry"
)

// Component names tracked by the recovery manager
const (
	ComponentKillSwitch     = "kill_switch"
	ComponentCircuitBreaker = "circuit_breaker"
	ComponentReservation    = "position_reservation"
	ComponentSliceScheduler = "slice_scheduler"
)

// Factories rebuild components whose instances were lost during an outage
type Factories struct {
	KillSwitch     func() core.IKillSwitch
	CircuitBreaker func() core.ICircuitBreaker
	Reservation    func() core.IReservationService
	SliceScheduler func() core.ISliceScheduler
}

// RecoveryManager is the single authority for safety-mechanism availability.
// Every flag defaults to unavailable until the component's liveness probe
// passes; admission consults NeedsRecovery before anything else. The slice
// scheduler is tracked but never blocks admission: it is a productivity
// component, recovered opportunistically whenever kill switch and breaker
// are healthy.
type RecoveryManager struct {
	mu sync.Mutex

	coord     core.ICoordinator
	factories Factories
	logger    core.ILogger

	killSwitch  core.IKillSwitch
	breaker     core.ICircuitBreaker
	reservation core.IReservationService
	scheduler   core.ISliceScheduler

	unavailable map[string]bool
}

// NewRecoveryManager starts with every component flagged unavailable
func NewRecoveryManager(coord core.ICoordinator, factories Factories, logger core.ILogger) *RecoveryManager {
	rm := &RecoveryManager{
		coord:     coord,
		factories: factories,
		logger:    logger.WithField("component", "recovery_manager"),
		unavailable: map[string]bool{
			ComponentKillSwitch:     true,
			ComponentCircuitBreaker: true,
			ComponentReservation:    true,
			ComponentSliceScheduler: true,
		},
	}
	for name, degraded := range rm.unavailable {
		telemetry.GetGlobalMetrics().SetComponentDegraded(name, degraded)
	}
	return rm
}

// KillSwitch returns the current instance; nil while unrecovered
func (rm *RecoveryManager) KillSwitch() core.IKillSwitch {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.killSwitch
}

// CircuitBreaker returns the current instance; nil while unrecovered
func (rm *RecoveryManager) CircuitBreaker() core.ICircuitBreaker {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.breaker
}

// Reservation returns the current instance; nil while unrecovered
func (rm *RecoveryManager) Reservation() core.IReservationService {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.reservation
}

// Scheduler returns the current instance; nil while unrecovered
func (rm *RecoveryManager) Scheduler() core.ISliceScheduler {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.scheduler
}

// NeedsRecovery is true while any safety component is flagged unavailable or
// has no instance. Missing references fail closed.
func (rm *RecoveryManager) NeedsRecovery() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.unavailable[ComponentKillSwitch] || rm.killSwitch == nil {
		return true
	}
	if rm.unavailable[ComponentCircuitBreaker] || rm.breaker == nil {
		return true
	}
	if rm.unavailable[ComponentReservation] || rm.reservation == nil {
		return true
	}
	return false
}

// IsUnavailable reports a single component's flag
func (rm *RecoveryManager) IsUnavailable(component string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.unavailable[component]
}

// MarkUnavailable re-flags a component after a runtime error
func (rm *RecoveryManager) MarkUnavailable(component string, cause error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.unavailable[component] {
		rm.logger.Error("Component marked unavailable", "target", component, "error", cause)
	}
	rm.unavailable[component] = true
	telemetry.GetGlobalMetrics().SetComponentDegraded(component, true)
}

// AttemptRecovery re-probes unavailable components under one lock, in order
// {kill switch, circuit breaker, reservation, scheduler}. Coordinator health
// is checked first: nothing recovers while the shared state is unreachable.
func (rm *RecoveryManager) AttemptRecovery(ctx context.Context) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := rm.coord.Health(ctx); err != nil {
		rm.logger.Warn("Recovery blocked: coordinator unhealthy", "error", err)
		return &apperrors.AvailabilityError{Component: "coordinator", Err: err}
	}

	rm.recoverKillSwitch(ctx)
	rm.recoverBreaker(ctx)
	rm.recoverReservation(ctx)
	rm.recoverScheduler(ctx)

	if rm.unavailable[ComponentKillSwitch] || rm.unavailable[ComponentCircuitBreaker] || rm.unavailable[ComponentReservation] {
		return &apperrors.AvailabilityError{Component: "safety mechanisms"}
	}
	return nil
}

func (rm *RecoveryManager) recoverKillSwitch(ctx context.Context) {
	if rm.killSwitch == nil && rm.factories.KillSwitch != nil {
		rm.killSwitch = rm.factories.KillSwitch()
	}
	if rm.killSwitch == nil {
		return
	}
	if _, err := rm.killSwitch.IsEngaged(ctx); err != nil {
		rm.setFlag(ComponentKillSwitch, true, err)
		return
	}
	rm.setFlag(ComponentKillSwitch, false, nil)
}

func (rm *RecoveryManager) recoverBreaker(ctx context.Context) {
	if rm.breaker == nil && rm.factories.CircuitBreaker != nil {
		rm.breaker = rm.factories.CircuitBreaker()
	}
	if rm.breaker == nil {
		return
	}
	if _, err := rm.breaker.IsTripped(ctx); err != nil {
		rm.setFlag(ComponentCircuitBreaker, true, err)
		return
	}
	rm.setFlag(ComponentCircuitBreaker, false, nil)
}

func (rm *RecoveryManager) recoverReservation(ctx context.Context) {
	if rm.reservation == nil && rm.factories.Reservation != nil {
		rm.reservation = rm.factories.Reservation()
	}
	if rm.reservation == nil {
		return
	}
	if err := rm.reservation.Health(ctx); err != nil {
		rm.setFlag(ComponentReservation, true, err)
		return
	}
	rm.setFlag(ComponentReservation, false, nil)
}

// recoverScheduler runs whenever kill switch and breaker are healthy,
// regardless of the reservation flag.
func (rm *RecoveryManager) recoverScheduler(ctx context.Context) {
	if rm.unavailable[ComponentKillSwitch] || rm.unavailable[ComponentCircuitBreaker] {
		return
	}
	if rm.scheduler == nil && rm.factories.SliceScheduler != nil {
		rm.scheduler = rm.factories.SliceScheduler()
	}
	if rm.scheduler == nil {
		return
	}
	if !rm.scheduler.IsRunning() {
		if err := rm.scheduler.Start(ctx); err != nil {
			rm.setFlag(ComponentSliceScheduler, true, err)
			return
		}
	}
	rm.setFlag(ComponentSliceScheduler, false, nil)
}

// setFlag updates one flag; caller holds rm.mu
func (rm *RecoveryManager) setFlag(component string, degraded bool, cause error) {
	prev := rm.unavailable[component]
	rm.unavailable[component] = degraded
	telemetry.GetGlobalMetrics().SetComponentDegraded(component, degraded)
	if prev && !degraded {
		rm.logger.Info("Component recovered", "target", component)
	}
	if !prev && degraded {
		rm.logger.Error("Component failed liveness probe", "target", component, "error", cause)
	}
}
