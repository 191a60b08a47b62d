// Package admission runs every inbound order through the safety gate
// pipeline: availability, kill switch, circuit breaker, quarantine,
// reconciliation, fat-finger, position reservation, idempotent persistence,
// and broker dispatch.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/internal/idgen"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/telemetry"
)

// Pipeline is the order admission path. Every refusal is a typed error; the
// only state it leaves behind on failure is the persisted order row on
// broker-rejected dispatches, which the record needs anyway.
type Pipeline struct {
	appCfg      config.AppConfig
	riskCfg     config.RiskConfig
	ledger      core.ILedger
	coordinator core.ICoordinator
	broker      core.IBrokerClient
	killSwitch  core.IKillSwitch
	breaker     core.ICircuitBreaker
	recovery    core.IRecoveryManager
	reconciler  core.IReconciler
	reservation core.IReservationService
	fatFinger   FatFingerChecker
	logger      core.ILogger
}

// FatFingerChecker validates one request against the size thresholds
type FatFingerChecker interface {
	Check(ctx context.Context, req *core.OrderRequest) error
}

// Deps bundles the pipeline collaborators
type Deps struct {
	Ledger      core.ILedger
	Coordinator core.ICoordinator
	Broker      core.IBrokerClient
	KillSwitch  core.IKillSwitch
	Breaker     core.ICircuitBreaker
	Recovery    core.IRecoveryManager
	Reconciler  core.IReconciler
	Reservation core.IReservationService
	FatFinger   FatFingerChecker
}

// NewPipeline builds the admission pipeline
func NewPipeline(appCfg config.AppConfig, riskCfg config.RiskConfig, deps Deps, logger core.ILogger) *Pipeline {
	return &Pipeline{
		appCfg:      appCfg,
		riskCfg:     riskCfg,
		ledger:      deps.Ledger,
		coordinator: deps.Coordinator,
		broker:      deps.Broker,
		killSwitch:  deps.KillSwitch,
		breaker:     deps.Breaker,
		recovery:    deps.Recovery,
		reconciler:  deps.Reconciler,
		reservation: deps.Reservation,
		fatFinger:   deps.FatFinger,
		logger:      logger.WithField("component", "admission"),
	}
}

// Submit runs the full gate sequence for one order request
func (p *Pipeline) Submit(ctx context.Context, req *core.OrderRequest, auth core.AuthContext) (*core.SubmitResult, error) {
	start := time.Now()
	result, err := p.submit(ctx, req, auth)
	p.observe(ctx, start, err)
	return result, err
}

func (p *Pipeline) submit(ctx context.Context, req *core.OrderRequest, auth core.AuthContext) (*core.SubmitResult, error) {
	if req.StrategyID == "" {
		req.StrategyID = auth.StrategyID
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if auth.StrategyID != "" && req.StrategyID != auth.StrategyID {
		return nil, &apperrors.StrategyScopeError{StrategyID: auth.StrategyID, Resource: "strategy " + req.StrategyID}
	}

	if err := p.checkGates(ctx, req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	clientOrderID := idgen.FromRequest(req, now)
	log := p.logger.WithField("client_order_id", clientOrderID)

	dryRun := p.appCfg.DryRun
	var token string
	if !dryRun {
		res, err := p.reserve(ctx, req)
		if err != nil {
			return nil, err
		}
		token = res.Token
	}

	// Idempotent replay: same semantic order on the same trade date maps to
	// the same id, so a stored row answers the retry.
	if existing, err := p.ledger.GetOrderByClientID(ctx, clientOrderID); err == nil {
		p.release(ctx, req.Symbol, token)
		log.Info("Idempotent replay", "status", string(existing.Status))
		return &core.SubmitResult{Order: existing, Idempotent: true}, nil
	} else if !errors.Is(err, apperrors.ErrOrderNotFound) {
		p.release(ctx, req.Symbol, token)
		return nil, err
	}

	order := p.buildOrder(req, clientOrderID, now, dryRun)
	if err := p.ledger.CreateOrder(ctx, order); err != nil {
		p.release(ctx, req.Symbol, token)
		if errors.Is(err, apperrors.ErrDuplicateOrder) {
			existing, getErr := p.ledger.GetOrderByClientID(ctx, clientOrderID)
			if getErr != nil {
				return nil, getErr
			}
			log.Info("Idempotency race resolved to stored row")
			return &core.SubmitResult{Order: existing, Idempotent: true}, nil
		}
		return nil, err
	}

	if mh := telemetry.GetGlobalMetrics(); mh.OrdersCreatedTotal != nil {
		mh.OrdersCreatedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("execution_style", string(order.ExecutionStyle))))
	}

	if dryRun {
		log.Info("Dry-run order recorded", "symbol", req.Symbol, "qty", req.Qty)
		return &core.SubmitResult{Order: order, Message: "dry_run: order validated but not sent to broker"}, nil
	}

	return p.dispatch(ctx, order, token, log)
}

// checkGates runs gates 1-6; the pipeline stops at the first refusal
func (p *Pipeline) checkGates(ctx context.Context, req *core.OrderRequest) error {
	if p.recovery != nil && p.recovery.NeedsRecovery() {
		p.refused(ctx, "availability")
		return &apperrors.AvailabilityError{Component: "safety_mechanisms"}
	}

	engaged, err := p.killSwitch.IsEngaged(ctx)
	if err != nil {
		p.refused(ctx, "availability")
		if p.recovery != nil {
			p.recovery.MarkUnavailable("kill_switch", err)
		}
		return &apperrors.AvailabilityError{Component: "kill_switch", Err: err}
	}
	if engaged {
		p.refused(ctx, "kill_switch")
		return &apperrors.SafetyGateError{Gate: "kill_switch", Reason: "engaged", Err: apperrors.ErrKillSwitchEngaged}
	}

	tripped, err := p.breaker.IsTripped(ctx)
	if err != nil {
		p.refused(ctx, "availability")
		if p.recovery != nil {
			p.recovery.MarkUnavailable("circuit_breaker", err)
		}
		return &apperrors.AvailabilityError{Component: "circuit_breaker", Err: err}
	}
	if tripped {
		p.refused(ctx, "circuit_breaker")
		return &apperrors.SafetyGateError{Gate: "circuit_breaker", Reason: "tripped", Err: apperrors.ErrCircuitBreakerTripped}
	}

	quarantined, err := p.coordinator.IsSymbolQuarantined(ctx, req.Symbol)
	if err != nil {
		p.refused(ctx, "availability")
		return &apperrors.AvailabilityError{Component: "quarantine check", Err: err}
	}
	if quarantined {
		p.refused(ctx, "quarantine")
		return &apperrors.SafetyGateError{Gate: "quarantine", Reason: req.Symbol + " quarantined", Err: apperrors.ErrSymbolQuarantined}
	}

	if p.reconciler != nil {
		if err := p.reconciler.CheckReduceOnly(ctx, req.Symbol, req.Side, req.Qty); err != nil {
			p.refused(ctx, "reconciliation")
			return err
		}
	}

	if err := p.fatFinger.Check(ctx, req); err != nil {
		p.refused(ctx, "fat_finger")
		return err
	}

	return nil
}

func (p *Pipeline) reserve(ctx context.Context, req *core.OrderRequest) (*core.ReserveResult, error) {
	current := decimal.Zero
	pos, err := p.ledger.GetPositionBySymbol(ctx, req.Symbol)
	if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
		return nil, err
	}
	if pos != nil {
		current = pos.Qty
	}

	res, err := p.reservation.Reserve(ctx, req.Symbol, req.Side, req.QtyDecimal(), p.maxPositionFor(req.Symbol), current)
	if err != nil {
		p.refused(ctx, "position_limit")
		return nil, err
	}
	return res, nil
}

// dispatch submits a live order to the broker and settles the reservation
func (p *Pipeline) dispatch(ctx context.Context, order *core.Order, token string, log core.ILogger) (*core.SubmitResult, error) {
	brokerStart := time.Now()
	// The broker client owns transport retries; a failure here is already
	// post-exhaustion and the caller resubmits under the same id.
	ack, err := p.broker.SubmitOrder(ctx, &core.BrokerOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		OrderType:     order.OrderType,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
	})
	if mh := telemetry.GetGlobalMetrics(); mh.LatencyBroker != nil {
		mh.LatencyBroker.Record(ctx, float64(time.Since(brokerStart).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "submit_order")))
	}

	if err != nil {
		p.release(ctx, order.Symbol, token)

		var bve *apperrors.BrokerValidationError
		var bre *apperrors.BrokerRejectionError
		if errors.As(err, &bve) || errors.As(err, &bre) {
			// The broker saw and declined the order: terminal
			if _, casErr := p.ledger.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
				ClientOrderID:   order.ClientOrderID,
				Status:          core.StatusRejected,
				BrokerUpdatedAt: time.Now().UTC(),
				Source:          core.SourceManual,
			}); casErr != nil {
				log.Error("Rejected status record failed", "error", casErr)
			}
			log.Warn("Order rejected by broker", "error", err)
			return nil, err
		}

		// Outcome unknown: the row stays pending_new and a retried submit with
		// the same id is harmless.
		log.Error("Broker dispatch failed", "error", err)
		return nil, err
	}

	if err := p.ledger.UpdateOrderBrokerID(ctx, order.ClientOrderID, ack.BrokerOrderID, ack.SubmittedAt); err != nil {
		log.Error("Broker id record failed", "broker_order_id", ack.BrokerOrderID, "error", err)
	}
	if err := p.reservation.Confirm(ctx, order.Symbol, token); err != nil {
		log.Warn("Reservation confirm failed", "error", err)
	}

	order.BrokerOrderID = ack.BrokerOrderID
	submittedAt := ack.SubmittedAt
	order.SubmittedAt = &submittedAt
	log.Info("Order dispatched",
		"symbol", order.Symbol,
		"side", string(order.Side),
		"qty", order.Qty.String(),
		"broker_order_id", ack.BrokerOrderID)
	return &core.SubmitResult{Order: order}, nil
}

func (p *Pipeline) buildOrder(req *core.OrderRequest, clientOrderID string, now time.Time, dryRun bool) *core.Order {
	status := core.StatusPendingNew
	if dryRun {
		status = core.StatusDryRun
	}
	style := req.ExecutionStyle
	if style == "" {
		style = core.StyleInstant
	}
	return &core.Order{
		ClientOrderID:  clientOrderID,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.QtyDecimal(),
		OrderType:      req.OrderType,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		TimeInForce:    req.TimeInForce,
		ExecutionStyle: style,
		Status:         status,
		StatusRank:     core.StatusRank(status),
		FilledQty:      decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (p *Pipeline) release(ctx context.Context, symbol, token string) {
	if token == "" {
		return
	}
	if err := p.reservation.Release(ctx, symbol, token); err != nil {
		p.logger.Error("Reservation release failed", "symbol", symbol, "token", token, "error", err)
	}
}

func (p *Pipeline) maxPositionFor(symbol string) decimal.Decimal {
	if override, ok := p.riskCfg.MaxPositionOverride[symbol]; ok {
		return decimal.NewFromFloat(override)
	}
	return decimal.NewFromFloat(p.riskCfg.MaxPositionDefault)
}

func (p *Pipeline) refused(ctx context.Context, gate string) {
	if mh := telemetry.GetGlobalMetrics(); mh.GateRefusalsTotal != nil {
		mh.GateRefusalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
	}
}

func (p *Pipeline) observe(ctx context.Context, start time.Time, err error) {
	outcome := "admitted"
	if err != nil {
		outcome = apperrors.KindOf(err).String()
	}
	mh := telemetry.GetGlobalMetrics()
	if mh.AdmissionsTotal != nil {
		mh.AdmissionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if mh.LatencyAdmission != nil {
		mh.LatencyAdmission.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}
