package slicing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/pkg/concurrency"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/telemetry"
)

// Gate-refused slices re-arm a few times before canceling: a brief
// kill-switch or breaker engagement should pause a plan, not destroy it.
const (
	maxGateDeferrals      = 3
	defaultGateDeferDelay = 30 * time.Second
)

// SliceScheduler arms one timer per pending slice and pushes due slices
// through the dispatch pipeline on a worker pool. Dispatch re-runs the
// safety gates: a plan registered before a kill-switch engage must not keep
// leaking orders after it.
type SliceScheduler struct {
	ledger      core.ILedger
	broker      core.IBrokerClient
	reservation core.IReservationService
	killSwitch  core.IKillSwitch
	breaker     core.ICircuitBreaker
	coordinator core.ICoordinator
	recovery    core.IRecoveryManager
	reconciler  core.IReconciler
	riskCfg     config.RiskConfig
	logger      core.ILogger

	pool           *concurrency.WorkerPool
	gateDeferDelay time.Duration

	mu        sync.Mutex
	running   bool
	timers    map[string][]*time.Timer  // parent_order_id -> armed slice timers
	deferrals map[string]map[string]int // parent_order_id -> client_order_id -> gate deferrals
	ctx       context.Context
	cancel    context.CancelFunc
}

// SchedulerDeps bundles the collaborators the scheduler dispatches through
type SchedulerDeps struct {
	Ledger      core.ILedger
	Broker      core.IBrokerClient
	Reservation core.IReservationService
	KillSwitch  core.IKillSwitch
	Breaker     core.ICircuitBreaker
	Coordinator core.ICoordinator
	Recovery    core.IRecoveryManager
	Reconciler  core.IReconciler
}

// NewSliceScheduler builds the scheduler and its worker pool
func NewSliceScheduler(deps SchedulerDeps, riskCfg config.RiskConfig, concCfg config.ConcurrencyConfig, logger core.ILogger) *SliceScheduler {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "slice_scheduler",
		MaxWorkers:  concCfg.SchedulerPoolSize,
		MaxCapacity: concCfg.SchedulerPoolBuffer,
	}, logger)

	return &SliceScheduler{
		ledger:         deps.Ledger,
		broker:         deps.Broker,
		reservation:    deps.Reservation,
		killSwitch:     deps.KillSwitch,
		breaker:        deps.Breaker,
		coordinator:    deps.Coordinator,
		recovery:       deps.Recovery,
		reconciler:     deps.Reconciler,
		riskCfg:        riskCfg,
		logger:         logger.WithField("component", "slice_scheduler"),
		pool:           pool,
		gateDeferDelay: defaultGateDeferDelay,
		timers:         make(map[string][]*time.Timer),
		deferrals:      make(map[string]map[string]int),
	}
}

// Start enables dispatch. Safe to call repeatedly; the recovery manager
// calls it opportunistically whenever the safety components are healthy.
func (s *SliceScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.logger.Info("Slice scheduler started")
	return nil
}

// Stop disarms all timers and halts dispatch
func (s *SliceScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, timers := range s.timers {
		for _, t := range timers {
			t.Stop()
		}
	}
	s.timers = make(map[string][]*time.Timer)
	s.deferrals = make(map[string]map[string]int)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Info("Slice scheduler stopped")
	return nil
}

// IsRunning reports whether dispatch is enabled
func (s *SliceScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RegisterPlan arms a timer for every slice still pending. The plan rows
// must already be persisted; re-registering an executing plan is a no-op
// for slices whose timers are already armed because dispatch itself checks
// the child row before submitting.
func (s *SliceScheduler) RegisterPlan(ctx context.Context, plan *core.SlicingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return &apperrors.AvailabilityError{Component: "slice_scheduler"}
	}

	now := time.Now().UTC()
	pending := 0
	for _, slice := range plan.Slices {
		if core.IsTerminalStatus(slice.Status) {
			continue
		}
		pending++
		delay := slice.ScheduledTime.Sub(now)
		if delay < 0 {
			delay = 0
		}
		parentID := plan.ParentOrderID
		clientOrderID := slice.ClientOrderID
		sliceNum := slice.SliceNum
		timer := time.AfterFunc(delay, func() {
			s.enqueue(parentID, clientOrderID, sliceNum)
		})
		s.timers[plan.ParentOrderID] = append(s.timers[plan.ParentOrderID], timer)
	}

	telemetry.GetGlobalMetrics().SetPendingSlices(plan.ParentOrderID, int64(pending))
	s.logger.Info("Slicing plan registered",
		"parent_order_id", plan.ParentOrderID,
		"total_slices", plan.TotalSlices,
		"pending", pending)
	return nil
}

// CancelRemainingSlices disarms the parent's timers and cancels every child
// that has not reached the broker
func (s *SliceScheduler) CancelRemainingSlices(ctx context.Context, parentOrderID string) (int, error) {
	s.mu.Lock()
	for _, t := range s.timers[parentOrderID] {
		t.Stop()
	}
	delete(s.timers, parentOrderID)
	delete(s.deferrals, parentOrderID)
	s.mu.Unlock()

	n, err := s.ledger.CancelPendingSlices(ctx, parentOrderID)
	if err != nil {
		return 0, err
	}
	telemetry.GetGlobalMetrics().SetPendingSlices(parentOrderID, 0)
	s.logger.Info("Remaining slices canceled", "parent_order_id", parentOrderID, "count", n)
	return n, nil
}

func (s *SliceScheduler) enqueue(parentOrderID, clientOrderID string, sliceNum int) {
	s.mu.Lock()
	running := s.running
	ctx := s.ctx
	s.mu.Unlock()
	if !running {
		return
	}

	err := s.pool.Submit(func() {
		s.dispatch(ctx, parentOrderID, clientOrderID, sliceNum)
	})
	if err != nil {
		s.logger.Error("Slice dispatch pool saturated",
			"parent_order_id", parentOrderID, "slice_num", sliceNum, "error", err)
	}
}

// dispatch runs one due slice through the gate and reserve/submit/confirm
// sequence
func (s *SliceScheduler) dispatch(ctx context.Context, parentOrderID, clientOrderID string, sliceNum int) {
	log := s.logger.WithFields(map[string]interface{}{
		"parent_order_id": parentOrderID,
		"client_order_id": clientOrderID,
		"slice_num":       sliceNum,
	})

	order, err := s.ledger.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		log.Error("Slice lookup failed", "error", err)
		return
	}
	if order.IsTerminal() || order.BrokerOrderID != "" {
		// Canceled or already dispatched while the timer was armed
		return
	}

	if err := s.checkGates(ctx, order); err != nil {
		if apperrors.KindOf(err) == apperrors.KindAvailability {
			log.Warn("Slice gates unavailable, retained pending", "error", err)
			return
		}
		if s.deferSlice(parentOrderID, clientOrderID, sliceNum) {
			log.Warn("Slice refused by gates, deferred", "error", err)
			return
		}
		log.Warn("Slice refused by gates past the deferral budget, canceling", "error", err)
		s.markSlice(ctx, order, core.StatusCanceled)
		return
	}

	position, err := s.ledger.GetPositionBySymbol(ctx, order.Symbol)
	if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
		log.Error("Position lookup failed, retained pending", "error", err)
		return
	}
	current := decimalZeroIfNil(position)

	res, err := s.reservation.Reserve(ctx, order.Symbol, order.Side, order.Qty, s.maxPositionFor(order.Symbol), current)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAvailability {
			log.Warn("Reservation unavailable, retained pending", "error", err)
			return
		}
		log.Warn("Slice refused by position limit, canceling", "error", err)
		s.markSlice(ctx, order, core.StatusCanceled)
		return
	}

	ack, err := s.broker.SubmitOrder(ctx, &core.BrokerOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		OrderType:     order.OrderType,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
	})
	if err != nil {
		relErr := s.reservation.Release(ctx, order.Symbol, res.Token)
		if relErr != nil {
			log.Error("Reservation release failed after submit error", "error", relErr)
		}
		var bve *apperrors.BrokerValidationError
		var bre *apperrors.BrokerRejectionError
		if errors.As(err, &bve) || errors.As(err, &bre) {
			log.Warn("Slice rejected by broker", "error", err)
			s.markSlice(ctx, order, core.StatusRejected)
			return
		}
		// The broker client exhausted its transport retries: keep pending_new,
		// resubmission is idempotent
		log.Error("Slice submit failed, retained pending", "error", err)
		return
	}

	if err := s.ledger.UpdateOrderBrokerID(ctx, clientOrderID, ack.BrokerOrderID, ack.SubmittedAt); err != nil {
		log.Error("Broker id record failed", "broker_order_id", ack.BrokerOrderID, "error", err)
	}
	if err := s.reservation.Confirm(ctx, order.Symbol, res.Token); err != nil {
		log.Warn("Reservation confirm failed", "error", err)
	}
	s.clearDeferrals(parentOrderID, clientOrderID)

	if mh := telemetry.GetGlobalMetrics(); mh.SlicesDispatched != nil {
		mh.SlicesDispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", order.Symbol)))
	}
	log.Info("Slice dispatched", "broker_order_id", ack.BrokerOrderID, "qty", order.Qty.String())
}

func (s *SliceScheduler) checkGates(ctx context.Context, order *core.Order) error {
	if s.recovery != nil && s.recovery.NeedsRecovery() {
		return &apperrors.AvailabilityError{Component: "safety_mechanisms"}
	}

	engaged, err := s.killSwitch.IsEngaged(ctx)
	if err != nil {
		return &apperrors.AvailabilityError{Component: "kill_switch", Err: err}
	}
	if engaged {
		return &apperrors.SafetyGateError{Gate: "kill_switch", Reason: "engaged", Err: apperrors.ErrKillSwitchEngaged}
	}

	tripped, err := s.breaker.IsTripped(ctx)
	if err != nil {
		return &apperrors.AvailabilityError{Component: "circuit_breaker", Err: err}
	}
	if tripped {
		return &apperrors.SafetyGateError{Gate: "circuit_breaker", Reason: "tripped", Err: apperrors.ErrCircuitBreakerTripped}
	}

	quarantined, err := s.coordinator.IsSymbolQuarantined(ctx, order.Symbol)
	if err != nil {
		return &apperrors.AvailabilityError{Component: "quarantine check", Err: err}
	}
	if quarantined {
		return &apperrors.SafetyGateError{Gate: "quarantine", Reason: order.Symbol + " quarantined", Err: apperrors.ErrSymbolQuarantined}
	}

	if s.reconciler != nil {
		qty := order.Qty.IntPart()
		if err := s.reconciler.CheckReduceOnly(ctx, order.Symbol, order.Side, qty); err != nil {
			return err
		}
	}
	return nil
}

// deferSlice re-arms a gate-refused slice within the deferral budget
func (s *SliceScheduler) deferSlice(parentOrderID, clientOrderID string, sliceNum int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	counts := s.deferrals[parentOrderID]
	if counts == nil {
		counts = make(map[string]int)
		s.deferrals[parentOrderID] = counts
	}
	if counts[clientOrderID] >= maxGateDeferrals {
		delete(counts, clientOrderID)
		return false
	}
	counts[clientOrderID]++
	timer := time.AfterFunc(s.gateDeferDelay, func() {
		s.enqueue(parentOrderID, clientOrderID, sliceNum)
	})
	s.timers[parentOrderID] = append(s.timers[parentOrderID], timer)
	return true
}

func (s *SliceScheduler) clearDeferrals(parentOrderID, clientOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counts := s.deferrals[parentOrderID]; counts != nil {
		delete(counts, clientOrderID)
		if len(counts) == 0 {
			delete(s.deferrals, parentOrderID)
		}
	}
}

func (s *SliceScheduler) markSlice(ctx context.Context, order *core.Order, status core.OrderStatus) {
	_, err := s.ledger.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		Status:          status,
		BrokerUpdatedAt: time.Now().UTC(),
		Source:          core.SourceManual,
	})
	if err != nil {
		s.logger.Error("Slice status update failed",
			"client_order_id", order.ClientOrderID, "status", string(status), "error", err)
	}
}

func (s *SliceScheduler) maxPositionFor(symbol string) decimal.Decimal {
	if override, ok := s.riskCfg.MaxPositionOverride[symbol]; ok {
		return decimal.NewFromFloat(override)
	}
	return decimal.NewFromFloat(s.riskCfg.MaxPositionDefault)
}

func decimalZeroIfNil(pos *core.Position) decimal.Decimal {
	if pos == nil {
		return decimal.Zero
	}
	return pos.Qty
}
