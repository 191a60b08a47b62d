// Package reconcile converges the local ledger with the broker's view on
// startup and on a periodic sweep, and gates position-increasing admissions
// to reduce-only until convergence.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/internal/ledger"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/telemetry"
)

// overrideTTL bounds how long an operator override keeps admissions open
// without a completed reconciliation pass
const overrideTTL = time.Hour

// StartupReconciler pulls the broker's recent order timeline into the ledger
// through the CAS merge and resolves stuck modification records against the
// broker by their replacement client id. Until the first pass completes,
// admissions are reduce-only.
type StartupReconciler struct {
	cfg         config.ReconciliationConfig
	modCfg      config.ModificationConfig
	ledger      core.ILedger
	broker      core.IBrokerClient
	coordinator core.ICoordinator
	alerts      core.IAlertSink
	logger      core.ILogger

	mu        sync.Mutex
	state     core.ReconcileState
	startedAt time.Time
	timedOut  bool
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the reconciler collaborators
type Deps struct {
	Ledger      core.ILedger
	Broker      core.IBrokerClient
	Coordinator core.ICoordinator
	Alerts      core.IAlertSink
}

// NewStartupReconciler builds the reconciler; Start begins the first pass
func NewStartupReconciler(cfg config.ReconciliationConfig, modCfg config.ModificationConfig, deps Deps, logger core.ILogger) *StartupReconciler {
	return &StartupReconciler{
		cfg:         cfg,
		modCfg:      modCfg,
		ledger:      deps.Ledger,
		broker:      deps.Broker,
		coordinator: deps.Coordinator,
		alerts:      deps.Alerts,
		logger:      logger.WithField("component", "reconciler"),
		state:       core.ReconcileInProgress,
	}
}

// Start launches the startup pass and the periodic sweep loop
func (r *StartupReconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.state = core.ReconcileInProgress
	r.startedAt = time.Now().UTC()
	r.timedOut = false
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	telemetry.GetGlobalMetrics().SetReconcileInProgress("startup", true)

	r.wg.Add(1)
	go r.runLoop()
	r.logger.Info("Reconciler started",
		"startup_timeout_seconds", r.cfg.StartupTimeoutSeconds,
		"interval_seconds", r.cfg.IntervalSeconds)
	return nil
}

// Stop halts the loop; the reconciliation state is preserved
func (r *StartupReconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.logger.Info("Reconciler stopped")
	return nil
}

// State reports the current reconciliation phase
func (r *StartupReconciler) State() core.ReconcileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartupTimedOut reports whether the first pass overran its deadline. The
// flag is advisory: the gateway stays reduce-only and keeps retrying.
func (r *StartupReconciler) StartupTimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

// OverrideComplete grants a TTL-bounded operator capability that opens
// admissions without a completed pass. The grant is audited in the
// Coordinator so every gateway process honors and expires it together.
func (r *StartupReconciler) OverrideComplete(ctx context.Context, operator, reason string) error {
	if operator == "" || reason == "" {
		return &apperrors.ValidationError{Field: "operator", Message: "operator and reason are required for a reconciliation override"}
	}
	if err := r.coordinator.SetReconcileOverride(ctx, operator, reason, overrideTTL); err != nil {
		return &apperrors.AvailabilityError{Component: "coordinator", Err: err}
	}

	r.mu.Lock()
	if r.state != core.ReconcileComplete {
		r.state = core.ReconcileOverrideActive
	}
	r.mu.Unlock()

	r.logger.Warn("Reconciliation override granted",
		"operator", operator,
		"reason", reason,
		"ttl", overrideTTL.String())
	if r.alerts != nil {
		r.alerts.Alert(ctx, "Reconciliation override", "Operator bypassed startup reconciliation", "warning",
			map[string]string{"operator": operator, "reason": reason})
	}
	return nil
}

// TriggerManual runs one reconciliation pass synchronously
func (r *StartupReconciler) TriggerManual(ctx context.Context) error {
	return r.runPass(ctx)
}

// CheckReduceOnly admits (side, qty) while reconciliation is incomplete only
// when it shrinks the broker's authoritative position, net of pending
// same-side open quantity. A broker position lookup failure fails the
// request; an open-orders failure degrades the pending quantity to zero.
func (r *StartupReconciler) CheckReduceOnly(ctx context.Context, symbol string, side core.Side, qty int64) error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state == core.ReconcileComplete {
		return nil
	}

	if override, err := r.coordinator.ReconcileOverride(ctx); err == nil && override.Active(time.Now().UTC()) {
		return nil
	}

	pos, err := r.broker.GetOpenPosition(ctx, symbol)
	if err != nil {
		return &apperrors.AvailabilityError{Component: "broker position lookup", Err: err}
	}

	pending := r.pendingOpenQty(ctx, symbol, side)
	q := decimal.NewFromInt(qty)

	allowed := false
	switch {
	case pos.Qty.IsPositive() && side == core.SideSell:
		allowed = q.LessThanOrEqual(pos.Qty.Sub(pending))
	case pos.Qty.IsNegative() && side == core.SideBuy:
		allowed = q.LessThanOrEqual(pos.Qty.Abs().Sub(pending))
	}
	if !allowed {
		return &apperrors.SafetyGateError{
			Gate:   "reconciliation",
			Reason: fmt.Sprintf("reduce-only: %s %d %s exceeds closable position %s", side, qty, symbol, pos.Qty),
			Err:    apperrors.ErrReconciliationIncomplete,
		}
	}
	return nil
}

// pendingOpenQty sums unfilled same-side open quantity already working at
// the broker, so queued closes are not double-counted as headroom
func (r *StartupReconciler) pendingOpenQty(ctx context.Context, symbol string, side core.Side) decimal.Decimal {
	orders, err := r.broker.GetOrders(ctx, core.OrdersFilter{Status: "open", Limit: 500})
	if err != nil {
		r.logger.Warn("Open orders lookup failed, pending qty degraded to zero", "symbol", symbol, "error", err)
		return decimal.Zero
	}
	total := decimal.Zero
	for _, o := range orders {
		if o.Symbol != symbol || o.Side != side {
			continue
		}
		remaining := o.Qty.Sub(o.FilledQty)
		if remaining.IsPositive() {
			total = total.Add(remaining)
		}
	}
	return total
}

func (r *StartupReconciler) runLoop() {
	defer r.wg.Done()

	interval := time.Duration(r.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	deadline := time.NewTimer(time.Duration(r.cfg.StartupTimeoutSeconds) * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.attemptPass()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-deadline.C:
			r.noteTimeout()
		case <-ticker.C:
			r.attemptPass()
		}
	}
}

func (r *StartupReconciler) attemptPass() {
	ctx, cancel := context.WithTimeout(r.ctx, time.Duration(r.cfg.StartupTimeoutSeconds)*time.Second)
	defer cancel()
	if err := r.runPass(ctx); err != nil {
		r.logger.Error("Reconciliation pass failed", "error", err)
	}
}

func (r *StartupReconciler) noteTimeout() {
	r.mu.Lock()
	if r.state == core.ReconcileComplete {
		r.mu.Unlock()
		return
	}
	r.timedOut = true
	r.mu.Unlock()

	r.logger.Error("Startup reconciliation overran its deadline, gateway remains reduce-only",
		"timeout_seconds", r.cfg.StartupTimeoutSeconds)
	if r.alerts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.alerts.Alert(ctx, "Reconciliation timeout",
			"Startup reconciliation did not complete in time; admissions are reduce-only", "critical", nil)
	}
}

// runPass replays the broker's recent order timeline through the CAS merge,
// resolves stuck modifications, and marks reconciliation complete
func (r *StartupReconciler) runPass(ctx context.Context) error {
	start := time.Now()
	lookback := time.Duration(r.cfg.OrderLookbackHours) * time.Hour
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}

	orders, err := r.broker.GetOrders(ctx, core.OrdersFilter{
		Status: "all",
		Limit:  500,
		After:  start.Add(-lookback),
	})
	if err != nil {
		r.observePass(ctx, "error")
		return err
	}

	merged := 0
	for _, bo := range orders {
		applied, mergeErr := r.ledger.UpdateOrderStatusCAS(ctx, brokerOrderUpdate(bo))
		if mergeErr != nil {
			if errors.Is(mergeErr, apperrors.ErrOrderNotFound) {
				continue
			}
			r.observePass(ctx, "error")
			return mergeErr
		}
		if applied {
			merged++
		}
	}

	if err := r.sweepModifications(ctx); err != nil {
		r.observePass(ctx, "error")
		return err
	}

	r.mu.Lock()
	first := r.state != core.ReconcileComplete
	r.state = core.ReconcileComplete
	r.mu.Unlock()

	if first {
		telemetry.GetGlobalMetrics().SetReconcileInProgress("startup", false)
		r.logger.Info("Reconciliation complete",
			"broker_orders", len(orders),
			"merged", merged,
			"elapsed_ms", time.Since(start).Milliseconds())
	}
	r.observePass(ctx, "complete")
	return nil
}

// sweepModifications resolves pending and submitted_unconfirmed records by
// asking the broker for the replacement client id: found means the replace
// landed and is finalized; not-found means it never reached the broker.
func (r *StartupReconciler) sweepModifications(ctx context.Context) error {
	age := time.Duration(r.modCfg.PendingAgeSeconds) * time.Second
	if age <= 0 {
		age = 2 * time.Minute
	}
	recs, err := r.ledger.GetPendingModifications(ctx, time.Now().UTC().Add(-age))
	if err != nil {
		return err
	}

	for _, rec := range recs {
		bo, lookErr := r.broker.GetOrderByClientID(ctx, rec.NewClientOrderID)
		switch {
		case lookErr == nil:
			if finErr := r.finalizeModification(ctx, rec, bo); finErr != nil {
				r.logger.Error("Stuck modification finalize failed",
					"modification_id", rec.ModificationID, "error", finErr)
			}
		case errors.Is(lookErr, apperrors.ErrOrderNotFound):
			if updErr := r.ledger.UpdateModificationStatus(ctx, rec.ModificationID, core.ModFailed,
				"replacement never reached the broker"); updErr != nil {
				r.logger.Error("Stuck modification failure record failed",
					"modification_id", rec.ModificationID, "error", updErr)
			} else {
				r.logger.Warn("Stuck modification marked failed",
					"modification_id", rec.ModificationID,
					"new_client_order_id", rec.NewClientOrderID)
			}
		default:
			// Transport trouble; the next sweep retries
			r.logger.Warn("Stuck modification lookup failed",
				"modification_id", rec.ModificationID, "error", lookErr)
		}
	}
	return nil
}

// finalizeModification commits the broker-confirmed replacement the same way
// the modification engine would have: record completed, original replaced,
// replacement row present, metadata linked both ways
func (r *StartupReconciler) finalizeModification(ctx context.Context, rec *core.ModificationRecord, bo *core.BrokerOrder) error {
	original, err := r.ledger.GetOrderByClientID(ctx, rec.OriginalClientOrderID)
	if err != nil {
		return err
	}
	replacement := replacementFromBroker(original, rec, bo)

	err = r.ledger.WithTx(ctx, func(tx core.ILedgerTx) error {
		if err := tx.FinalizeModification(rec.ModificationID, core.ModCompleted, ""); err != nil {
			return err
		}
		if _, err := tx.UpdateOrderStatusCAS(&core.OrderUpdate{
			ClientOrderID:   original.ClientOrderID,
			Status:          core.StatusReplaced,
			BrokerUpdatedAt: bo.UpdatedAt,
			Source:          core.SourceReconciliation,
		}); err != nil {
			return err
		}
		if err := tx.InsertReplacementOrder(replacement); err != nil && !ledger.IsUniqueViolation(err) {
			return err
		}

		origMeta := original.Metadata
		origMeta.ReplacedBy = replacement.ClientOrderID
		if err := tx.SetOrderMetadata(original.ClientOrderID, origMeta); err != nil {
			return err
		}
		newMeta := core.OrderMetadata{Replaces: original.ClientOrderID}
		return tx.SetOrderMetadata(replacement.ClientOrderID, newMeta)
	})
	if err != nil {
		return err
	}

	r.logger.Info("Stuck modification finalized",
		"modification_id", rec.ModificationID,
		"original", rec.OriginalClientOrderID,
		"replacement", rec.NewClientOrderID)
	return nil
}

// replacementFromBroker rebuilds the replacement row from the original order,
// the recorded field changes, and the broker's authoritative state
func replacementFromBroker(original *core.Order, rec *core.ModificationRecord, bo *core.BrokerOrder) *core.Order {
	now := time.Now().UTC()
	replacement := &core.Order{
		ClientOrderID:   rec.NewClientOrderID,
		StrategyID:      original.StrategyID,
		Symbol:          original.Symbol,
		Side:            original.Side,
		Qty:             bo.Qty,
		OrderType:       original.OrderType,
		LimitPrice:      original.LimitPrice,
		StopPrice:       original.StopPrice,
		TimeInForce:     original.TimeInForce,
		ExecutionStyle:  original.ExecutionStyle,
		Status:          bo.Status,
		StatusRank:      core.StatusRank(bo.Status),
		BrokerOrderID:   bo.BrokerOrderID,
		FilledQty:       bo.FilledQty,
		FilledAvgPrice:  bo.FilledAvgPrice,
		BrokerUpdatedAt: bo.UpdatedAt,
		Source:          core.SourceReconciliation,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for field, change := range rec.Changes {
		switch field {
		case "limit_price":
			if p, err := decimal.NewFromString(change.New); err == nil {
				replacement.LimitPrice = &p
			}
		case "stop_price":
			if p, err := decimal.NewFromString(change.New); err == nil {
				replacement.StopPrice = &p
			}
		case "time_in_force":
			replacement.TimeInForce = core.TimeInForce(change.New)
		case "qty":
			if q, err := strconv.ParseInt(change.New, 10, 64); err == nil && bo.Qty.IsZero() {
				replacement.Qty = decimal.NewFromInt(q)
			}
		}
	}
	return replacement
}

// brokerOrderUpdate normalizes a queried broker order for the CAS merge
func brokerOrderUpdate(bo *core.BrokerOrder) *core.OrderUpdate {
	return &core.OrderUpdate{
		ClientOrderID:   bo.ClientOrderID,
		BrokerOrderID:   bo.BrokerOrderID,
		Symbol:          bo.Symbol,
		Side:            bo.Side,
		Status:          bo.Status,
		FilledQty:       bo.FilledQty,
		FilledAvgPrice:  bo.FilledAvgPrice,
		BrokerUpdatedAt: bo.UpdatedAt,
		Source:          core.SourceReconciliation,
	}
}

func (r *StartupReconciler) observePass(ctx context.Context, outcome string) {
	if mh := telemetry.GetGlobalMetrics(); mh.ReconcileRunsTotal != nil {
		mh.ReconcileRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
