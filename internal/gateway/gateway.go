// Package gateway composes the execution components behind one facade. All
// operator and strategy entry points pass through here; strategy scoping is
// enforced with not-found answers so callers cannot probe foreign orders.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/internal/idgen"
	"exec_gateway/internal/ledger"
	"exec_gateway/internal/modification"
	"exec_gateway/internal/slicing"
	"exec_gateway/internal/webhook"
	apperrors "exec_gateway/pkg/errors"
)

// Gateway is the composed execution surface
type Gateway struct {
	appCfg       config.AppConfig
	ledger       core.ILedger
	coordinator  core.ICoordinator
	broker       core.IBrokerClient
	admission    OrderSubmitter
	modification *modification.Engine
	slicer       *slicing.TwapSlicer
	scheduler    core.ISliceScheduler
	ingestor     *webhook.Ingestor
	killSwitch   core.IKillSwitch
	breaker      core.ICircuitBreaker
	reconciler   core.IReconciler
	logger       core.ILogger
}

// OrderSubmitter is the admission pipeline surface the gateway delegates to
type OrderSubmitter interface {
	Submit(ctx context.Context, req *core.OrderRequest, auth core.AuthContext) (*core.SubmitResult, error)
}

// Deps bundles the gateway collaborators
type Deps struct {
	Ledger       core.ILedger
	Coordinator  core.ICoordinator
	Broker       core.IBrokerClient
	Admission    OrderSubmitter
	Modification *modification.Engine
	Slicer       *slicing.TwapSlicer
	Scheduler    core.ISliceScheduler
	Ingestor     *webhook.Ingestor
	KillSwitch   core.IKillSwitch
	Breaker      core.ICircuitBreaker
	Reconciler   core.IReconciler
}

// NewGateway builds the facade
func NewGateway(appCfg config.AppConfig, deps Deps, logger core.ILogger) *Gateway {
	return &Gateway{
		appCfg:       appCfg,
		ledger:       deps.Ledger,
		coordinator:  deps.Coordinator,
		broker:       deps.Broker,
		admission:    deps.Admission,
		modification: deps.Modification,
		slicer:       deps.Slicer,
		scheduler:    deps.Scheduler,
		ingestor:     deps.Ingestor,
		killSwitch:   deps.KillSwitch,
		breaker:      deps.Breaker,
		reconciler:   deps.Reconciler,
		logger:       logger.WithField("component", "gateway"),
	}
}

// SubmitOrder admits one instant order. TWAP requests must use
// SubmitSlicedOrder; routing them here would silently skip decomposition.
func (g *Gateway) SubmitOrder(ctx context.Context, req *core.OrderRequest, auth core.AuthContext) (*core.SubmitResult, error) {
	if req.ExecutionStyle == core.StyleTWAP {
		return nil, &apperrors.ValidationError{
			Field: "execution_style", Value: string(req.ExecutionStyle),
			Message: "twap orders must be submitted through the sliced endpoint",
		}
	}
	return g.admission.Submit(ctx, req, auth)
}

// GetOrder returns one order scoped to the caller's strategy
func (g *Gateway) GetOrder(ctx context.Context, clientOrderID string, auth core.AuthContext) (*core.Order, error) {
	return g.scopedOrder(ctx, clientOrderID, auth)
}

// CancelOrder cancels one working order. Orders that never reached the
// broker cancel locally; everything else goes through the broker first and
// the ledger records the cancel, with webhook confirmation free to supersede.
func (g *Gateway) CancelOrder(ctx context.Context, clientOrderID string, auth core.AuthContext) (*core.Order, error) {
	order, err := g.scopedOrder(ctx, clientOrderID, auth)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return nil, apperrors.ErrOrderTerminal
	}

	if order.BrokerOrderID != "" {
		if err := g.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
			return nil, err
		}
	}

	applied, err := g.ledger.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		BrokerOrderID:   order.BrokerOrderID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Status:          core.StatusCanceled,
		FilledQty:       order.FilledQty,
		BrokerUpdatedAt: time.Now().UTC(),
		Source:          core.SourceManual,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		// A broker-side event already moved the order past canceled; the
		// stored row is the truth either way.
		g.logger.Info("Cancel superseded by broker state", "client_order_id", order.ClientOrderID)
	}
	return g.ledger.GetOrderByClientID(ctx, order.ClientOrderID)
}

// ModifyOrder runs the cancel/replace engine for one scoped order
func (g *Gateway) ModifyOrder(ctx context.Context, clientOrderID string, changes *core.ReplaceParams, idempotencyKey string, auth core.AuthContext) (*core.ModifyResult, error) {
	if _, err := g.scopedOrder(ctx, clientOrderID, auth); err != nil {
		return nil, err
	}
	return g.modification.Modify(ctx, clientOrderID, changes, idempotencyKey, auth)
}

// SubmitSlicedOrder decomposes a TWAP request, persists the plan, and arms
// the scheduler. Resubmitting the same request returns the stored plan.
func (g *Gateway) SubmitSlicedOrder(ctx context.Context, req *slicing.Request, auth core.AuthContext) (*core.SlicingPlan, error) {
	if req.StrategyID == "" {
		req.StrategyID = auth.StrategyID
	}
	if auth.StrategyID != "" && req.StrategyID != auth.StrategyID {
		return nil, &apperrors.StrategyScopeError{StrategyID: auth.StrategyID, Resource: "strategy " + req.StrategyID}
	}
	req.ExecutionStyle = core.StyleTWAP

	now := time.Now().UTC()
	parent, children, plan, err := g.slicer.BuildPlan(req, now)
	if err != nil {
		return nil, err
	}

	if g.appCfg.DryRun {
		// The deterministic plan is the whole answer in dry-run; nothing is
		// persisted and no timers arm.
		return plan, nil
	}

	if err := g.ledger.RegisterSlicingPlan(ctx, parent, children, plan); err != nil {
		if errors.Is(err, apperrors.ErrPlanExists) || ledger.IsUniqueViolation(err) {
			return g.ledger.GetSlicingPlan(ctx, plan.ParentOrderID)
		}
		return nil, err
	}
	if err := g.scheduler.RegisterPlan(ctx, plan); err != nil {
		return nil, err
	}

	g.logger.Info("Sliced order registered",
		"parent_order_id", plan.ParentOrderID,
		"symbol", plan.Symbol,
		"total_slices", plan.TotalSlices)
	return plan, nil
}

// CancelSlicesForParent disarms and cancels every pending slice of a plan
func (g *Gateway) CancelSlicesForParent(ctx context.Context, parentOrderID string, auth core.AuthContext) (int, error) {
	parent, err := g.scopedOrder(ctx, parentOrderID, auth)
	if err != nil {
		return 0, err
	}
	if !parent.IsTWAP() {
		return 0, &apperrors.ValidationError{Field: "parent_order_id", Value: parentOrderID, Message: "order is not a twap parent"}
	}
	return g.scheduler.CancelRemainingSlices(ctx, parentOrderID)
}

// GetSlicesForParent lists a plan's child orders in slice order
func (g *Gateway) GetSlicesForParent(ctx context.Context, parentOrderID string, auth core.AuthContext) ([]*core.Order, error) {
	if _, err := g.scopedOrder(ctx, parentOrderID, auth); err != nil {
		return nil, err
	}
	return g.ledger.GetSlicesByParentID(ctx, parentOrderID)
}

// IngestWebhook verifies and applies one raw broker webhook delivery
func (g *Gateway) IngestWebhook(ctx context.Context, raw []byte, signature string) error {
	return g.ingestor.Ingest(ctx, raw, signature)
}

// KillSwitchEngage halts all admissions
func (g *Gateway) KillSwitchEngage(ctx context.Context, reason, operator, details string) error {
	return g.killSwitch.Engage(ctx, reason, operator, details)
}

// KillSwitchDisengage resumes admissions
func (g *Gateway) KillSwitchDisengage(ctx context.Context, operator, notes string) error {
	return g.killSwitch.Disengage(ctx, operator, notes)
}

// KillSwitchStatus reports the current kill switch state
func (g *Gateway) KillSwitchStatus(ctx context.Context) (*core.KillSwitchStatus, error) {
	return g.killSwitch.GetStatus(ctx)
}

// OverrideReconciliation lets an operator open admissions before startup
// reconciliation completes; the capability is audited and expires
func (g *Gateway) OverrideReconciliation(ctx context.Context, operator, reason string) error {
	return g.reconciler.OverrideComplete(ctx, operator, reason)
}

// FlattenPosition submits a market order closing the symbol's open position.
// It is an operator action: the manual-operation id makes retries idempotent
// and it deliberately bypasses admission, because the whole point is to
// reduce risk even while gates refuse new exposure.
func (g *Gateway) FlattenPosition(ctx context.Context, symbol, operator string) (*core.Order, error) {
	if !core.ValidSymbol(symbol) {
		return nil, &apperrors.ValidationError{Field: "symbol", Value: symbol, Message: "must be 1-5 uppercase alphanumeric characters"}
	}
	if operator == "" {
		return nil, &apperrors.ValidationError{Field: "operator", Message: "required"}
	}

	pos, err := g.ledger.GetPositionBySymbol(ctx, symbol)
	if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
		return nil, err
	}
	if pos == nil || pos.Qty.IsZero() {
		return nil, &apperrors.ValidationError{Field: "symbol", Value: symbol, Message: "no open position to flatten"}
	}

	side := core.SideSell
	qty := pos.Qty
	if pos.Qty.IsNegative() {
		side = core.SideBuy
		qty = pos.Qty.Neg()
	}
	// Positions are opened in integral quantities; the ceil guards against a
	// fractional residue ever leaking in from broker fills.
	qtyInt := qty.Ceil().IntPart()

	now := time.Now().UTC()
	clientOrderID := idgen.ManualOperationID("flatten", symbol, side, qtyInt, operator, now)
	log := g.logger.WithField("client_order_id", clientOrderID)

	if existing, err := g.ledger.GetOrderByClientID(ctx, clientOrderID); err == nil {
		log.Info("Flatten replay answered from ledger")
		return existing, nil
	}

	order := &core.Order{
		ClientOrderID:  clientOrderID,
		StrategyID:     g.appCfg.StrategyID,
		Symbol:         symbol,
		Side:           side,
		Qty:            decimal.NewFromInt(qtyInt),
		OrderType:      core.OrderTypeMarket,
		TimeInForce:    core.TIFDay,
		ExecutionStyle: core.StyleInstant,
		Status:         core.StatusPendingNew,
		StatusRank:     core.StatusRank(core.StatusPendingNew),
		FilledQty:      decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.ledger.CreateOrder(ctx, order); err != nil {
		if ledger.IsUniqueViolation(err) {
			return g.ledger.GetOrderByClientID(ctx, clientOrderID)
		}
		return nil, err
	}

	ack, err := g.broker.SubmitOrder(ctx, &core.BrokerOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		OrderType:     order.OrderType,
		TimeInForce:   order.TimeInForce,
	})
	if err != nil {
		var bve *apperrors.BrokerValidationError
		var bre *apperrors.BrokerRejectionError
		if errors.As(err, &bve) || errors.As(err, &bre) {
			if _, casErr := g.ledger.UpdateOrderStatusCAS(ctx, &core.OrderUpdate{
				ClientOrderID:   order.ClientOrderID,
				Symbol:          order.Symbol,
				Side:            order.Side,
				Status:          core.StatusRejected,
				BrokerUpdatedAt: time.Now().UTC(),
				Source:          core.SourceManual,
			}); casErr != nil {
				log.Error("Rejected status record failed", "error", casErr)
			}
		}
		log.Error("Flatten dispatch failed", "symbol", symbol, "error", err)
		return nil, err
	}

	if err := g.ledger.UpdateOrderBrokerID(ctx, order.ClientOrderID, ack.BrokerOrderID, ack.SubmittedAt); err != nil {
		log.Error("Broker id record failed", "broker_order_id", ack.BrokerOrderID, "error", err)
	}
	order.BrokerOrderID = ack.BrokerOrderID
	submittedAt := ack.SubmittedAt
	order.SubmittedAt = &submittedAt

	log.Info("Position flatten dispatched",
		"symbol", symbol,
		"side", string(side),
		"qty", order.Qty.String(),
		"operator", operator)
	return order, nil
}

// scopedOrder fetches an order and answers not-found when the caller's
// strategy does not own it
func (g *Gateway) scopedOrder(ctx context.Context, clientOrderID string, auth core.AuthContext) (*core.Order, error) {
	order, err := g.ledger.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if auth.StrategyID != "" && order.StrategyID != auth.StrategyID {
		return nil, apperrors.ErrOrderNotFound
	}
	return order, nil
}
