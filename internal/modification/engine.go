// Package modification implements idempotent order modification through the
// broker's cancel/replace primitive.
package modification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/internal/idgen"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/telemetry"
)

// Engine serializes modifications per order and drives the pending →
// completed/failed/submitted_unconfirmed record lifecycle. The in-process
// keyed lock is sufficient for a single-writer gateway; cross-process safety
// rests on the idempotency_key unique constraint.
type Engine struct {
	ledger      core.ILedger
	broker      core.IBrokerClient
	killSwitch  core.IKillSwitch
	breaker     core.ICircuitBreaker
	coordinator core.ICoordinator
	reservation core.IReservationService
	riskCfg     config.RiskConfig
	lockTimeout time.Duration
	logger      core.ILogger

	locks *keyedLocks
}

// Deps bundles the engine collaborators
type Deps struct {
	Ledger      core.ILedger
	Broker      core.IBrokerClient
	KillSwitch  core.IKillSwitch
	Breaker     core.ICircuitBreaker
	Coordinator core.ICoordinator
	Reservation core.IReservationService
}

// NewEngine builds the modification engine
func NewEngine(cfg config.ModificationConfig, riskCfg config.RiskConfig, deps Deps, logger core.ILogger) *Engine {
	return &Engine{
		ledger:      deps.Ledger,
		broker:      deps.Broker,
		killSwitch:  deps.KillSwitch,
		breaker:     deps.Breaker,
		coordinator: deps.Coordinator,
		reservation: deps.Reservation,
		riskCfg:     riskCfg,
		lockTimeout: time.Duration(cfg.LockTimeoutSeconds) * time.Second,
		logger:      logger.WithField("component", "modification"),
		locks:       newKeyedLocks(),
	}
}

// Modify replaces the original order with changed fields. Repeating the
// call with the same idempotency key returns the recorded outcome instead
// of acting twice.
func (e *Engine) Modify(ctx context.Context, originalID string, changes *core.ReplaceParams, idempotencyKey string, auth core.AuthContext) (*core.ModifyResult, error) {
	if idempotencyKey == "" {
		return nil, &apperrors.ValidationError{Field: "idempotency_key", Message: "required"}
	}
	if changes == nil || (changes.Qty == nil && changes.LimitPrice == nil && changes.StopPrice == nil && changes.TimeInForce == nil) {
		return nil, &apperrors.ValidationError{Field: "changes", Message: "at least one field must change"}
	}

	if !e.locks.acquire(originalID, e.lockTimeout) {
		return nil, &apperrors.ConflictError{Resource: "order " + originalID, Reason: "modification lock timeout"}
	}
	defer e.locks.release(originalID)

	result, err := e.modifyLocked(ctx, originalID, changes, idempotencyKey, auth)
	e.observe(ctx, err)
	return result, err
}

func (e *Engine) modifyLocked(ctx context.Context, originalID string, changes *core.ReplaceParams, idempotencyKey string, auth core.AuthContext) (*core.ModifyResult, error) {
	if rec, err := e.ledger.GetModificationByIdempotencyKey(ctx, idempotencyKey); err == nil {
		return e.replay(ctx, rec)
	} else if !errors.Is(err, apperrors.ErrModificationNotFound) {
		return nil, err
	}

	original, err := e.ledger.GetOrderByClientID(ctx, originalID)
	if err != nil {
		return nil, err
	}
	// Cross-strategy lookups answer not-found rather than forbidden
	if auth.StrategyID != "" && original.StrategyID != auth.StrategyID {
		return nil, apperrors.ErrOrderNotFound
	}
	if original.IsTerminal() {
		return nil, apperrors.ErrOrderTerminal
	}
	if original.BrokerOrderID == "" {
		return nil, &apperrors.ConflictError{Resource: "order " + originalID, Reason: "not yet acknowledged by the broker"}
	}
	if original.IsTWAP() {
		return nil, &apperrors.ValidationError{Field: "client_order_id", Value: originalID, Message: "TWAP parents and slices are not modifiable"}
	}
	if err := validateChanges(original, changes); err != nil {
		return nil, err
	}

	token := ""
	if !isRiskReducing(original, changes) {
		if err := e.checkGates(ctx, original.Symbol); err != nil {
			return nil, err
		}
		token, err = e.reserveDelta(ctx, original, changes)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	newClientOrderID := idgen.ReplacementID(originalID, idempotencyKey, now)
	seq, err := e.ledger.GetNextModificationSeq(ctx)
	if err != nil {
		e.release(ctx, original.Symbol, token)
		return nil, err
	}

	rec := &core.ModificationRecord{
		ModificationID:        uuid.NewString(),
		Seq:                   seq,
		OriginalClientOrderID: originalID,
		NewClientOrderID:      newClientOrderID,
		IdempotencyKey:        idempotencyKey,
		Changes:               diffChanges(original, changes),
		Status:                core.ModPending,
		ModifiedAt:            now,
	}
	if err := e.ledger.InsertPendingModification(ctx, rec); err != nil {
		e.release(ctx, original.Symbol, token)
		// A concurrent writer with the same key won the insert race
		if stored, getErr := e.ledger.GetModificationByIdempotencyKey(ctx, idempotencyKey); getErr == nil {
			return e.replay(ctx, stored)
		}
		return nil, err
	}

	ack, err := e.broker.ReplaceOrder(ctx, original.BrokerOrderID, changes, newClientOrderID)
	if err != nil {
		var bte *apperrors.BrokerTransportError
		if errors.As(err, &bte) {
			// Outcome unknown: leave the record pending, the background sweep
			// resolves it against the broker by the new client id.
			e.logger.Error("Replace outcome unknown, record left pending",
				"modification_id", rec.ModificationID, "error", err)
			e.release(ctx, original.Symbol, token)
			return nil, err
		}
		if updErr := e.ledger.UpdateModificationStatus(ctx, rec.ModificationID, core.ModFailed, err.Error()); updErr != nil {
			e.logger.Error("Modification failure record failed", "modification_id", rec.ModificationID, "error", updErr)
		}
		e.release(ctx, original.Symbol, token)
		return nil, err
	}

	replacement := buildReplacement(original, changes, newClientOrderID, ack, now)
	if err := e.finalize(ctx, rec, original, replacement); err != nil {
		if updErr := e.ledger.UpdateModificationStatus(ctx, rec.ModificationID, core.ModSubmittedUnconfirmed, err.Error()); updErr != nil {
			e.logger.Error("Unconfirmed status record failed", "modification_id", rec.ModificationID, "error", updErr)
		}
		e.release(ctx, original.Symbol, token)
		return nil, &apperrors.InternalConsistencyError{Op: "modification finalize", Err: err}
	}

	if token != "" {
		if err := e.reservation.Confirm(ctx, original.Symbol, token); err != nil {
			e.logger.Warn("Reservation confirm failed", "token", token, "error", err)
		}
	}

	rec.Status = core.ModCompleted
	e.logger.Info("Order modified",
		"original", originalID,
		"replacement", newClientOrderID,
		"seq", seq)
	return &core.ModifyResult{Record: rec, Replacement: replacement}, nil
}

// replay maps a stored idempotency record onto the response contract
func (e *Engine) replay(ctx context.Context, rec *core.ModificationRecord) (*core.ModifyResult, error) {
	switch rec.Status {
	case core.ModPending, core.ModSubmittedUnconfirmed:
		return &core.ModifyResult{Record: rec, InFlight: true}, nil
	case core.ModCompleted:
		replacement, err := e.ledger.GetOrderByClientID(ctx, rec.NewClientOrderID)
		if err != nil {
			return nil, err
		}
		return &core.ModifyResult{Record: rec, Replacement: replacement}, nil
	default:
		return nil, &apperrors.ConflictError{
			Resource: "modification " + rec.ModificationID,
			Reason:   "previous attempt with this idempotency key failed: " + rec.ErrorMessage,
		}
	}
}

// finalize commits the replacement in one transaction: record completed,
// original replaced, replacement row inserted, metadata linked both ways
func (e *Engine) finalize(ctx context.Context, rec *core.ModificationRecord, original, replacement *core.Order) error {
	return e.ledger.WithTx(ctx, func(tx core.ILedgerTx) error {
		if err := tx.FinalizeModification(rec.ModificationID, core.ModCompleted, ""); err != nil {
			return err
		}
		applied, err := tx.UpdateOrderStatusCAS(&core.OrderUpdate{
			ClientOrderID:   original.ClientOrderID,
			Status:          core.StatusReplaced,
			BrokerUpdatedAt: replacement.CreatedAt,
			Source:          core.SourceManual,
		})
		if err != nil {
			return err
		}
		if !applied {
			// A fill won the race against the replace; the broker view wins
			return fmt.Errorf("original order %s advanced past replacement", original.ClientOrderID)
		}
		if err := tx.InsertReplacementOrder(replacement); err != nil {
			return err
		}

		origMeta := original.Metadata
		origMeta.ReplacedBy = replacement.ClientOrderID
		if err := tx.SetOrderMetadata(original.ClientOrderID, origMeta); err != nil {
			return err
		}
		newMeta := replacement.Metadata
		newMeta.Replaces = original.ClientOrderID
		return tx.SetOrderMetadata(replacement.ClientOrderID, newMeta)
	})
}

func (e *Engine) checkGates(ctx context.Context, symbol string) error {
	engaged, err := e.killSwitch.IsEngaged(ctx)
	if err != nil {
		return &apperrors.AvailabilityError{Component: "kill_switch", Err: err}
	}
	if engaged {
		return &apperrors.SafetyGateError{Gate: "kill_switch", Reason: "engaged", Err: apperrors.ErrKillSwitchEngaged}
	}
	tripped, err := e.breaker.IsTripped(ctx)
	if err != nil {
		return &apperrors.AvailabilityError{Component: "circuit_breaker", Err: err}
	}
	if tripped {
		return &apperrors.SafetyGateError{Gate: "circuit_breaker", Reason: "tripped", Err: apperrors.ErrCircuitBreakerTripped}
	}
	quarantined, err := e.coordinator.IsSymbolQuarantined(ctx, symbol)
	if err != nil {
		return &apperrors.AvailabilityError{Component: "quarantine check", Err: err}
	}
	if quarantined {
		return &apperrors.SafetyGateError{Gate: "quarantine", Reason: symbol + " quarantined", Err: apperrors.ErrSymbolQuarantined}
	}
	return nil
}

// reserveDelta holds headroom for the quantity increase only; unchanged or
// reduced size needs no new room
func (e *Engine) reserveDelta(ctx context.Context, original *core.Order, changes *core.ReplaceParams) (string, error) {
	if changes.Qty == nil {
		return "", nil
	}
	delta := decimal.NewFromInt(*changes.Qty).Sub(original.Qty)
	if !delta.IsPositive() {
		return "", nil
	}

	current := decimal.Zero
	pos, err := e.ledger.GetPositionBySymbol(ctx, original.Symbol)
	if err != nil && !errors.Is(err, apperrors.ErrPositionNotFound) {
		return "", err
	}
	if pos != nil {
		current = pos.Qty
	}

	res, err := e.reservation.Reserve(ctx, original.Symbol, original.Side, delta, e.maxPositionFor(original.Symbol), current)
	if err != nil {
		return "", err
	}
	return res.Token, nil
}

func (e *Engine) release(ctx context.Context, symbol, token string) {
	if token == "" {
		return
	}
	if err := e.reservation.Release(ctx, symbol, token); err != nil {
		e.logger.Error("Reservation release failed", "symbol", symbol, "token", token, "error", err)
	}
}

func (e *Engine) maxPositionFor(symbol string) decimal.Decimal {
	if override, ok := e.riskCfg.MaxPositionOverride[symbol]; ok {
		return decimal.NewFromFloat(override)
	}
	return decimal.NewFromFloat(e.riskCfg.MaxPositionDefault)
}

func (e *Engine) observe(ctx context.Context, err error) {
	outcome := "completed"
	if err != nil {
		outcome = apperrors.KindOf(err).String()
	}
	if mh := telemetry.GetGlobalMetrics(); mh.ModificationsTotal != nil {
		mh.ModificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// validateChanges enforces the field preconditions against the stored order
func validateChanges(original *core.Order, changes *core.ReplaceParams) error {
	if changes.Qty != nil {
		if *changes.Qty < 1 {
			return &apperrors.ValidationError{Field: "qty", Value: *changes.Qty, Message: "must be a positive integer"}
		}
		if decimal.NewFromInt(*changes.Qty).LessThan(original.FilledQty) {
			return &apperrors.ValidationError{
				Field: "qty", Value: *changes.Qty,
				Message: "may not drop below the filled quantity " + original.FilledQty.String(),
			}
		}
	}

	if original.OrderType == core.OrderTypeStopLimit {
		limit := original.LimitPrice
		stop := original.StopPrice
		if changes.LimitPrice != nil {
			limit = changes.LimitPrice
		}
		if changes.StopPrice != nil {
			stop = changes.StopPrice
		}
		if limit != nil && stop != nil {
			if original.Side == core.SideBuy && limit.LessThan(*stop) {
				return &apperrors.ValidationError{Field: "limit_price", Value: limit.String(), Message: "buy stop_limit requires limit >= stop"}
			}
			if original.Side == core.SideSell && limit.GreaterThan(*stop) {
				return &apperrors.ValidationError{Field: "limit_price", Value: limit.String(), Message: "sell stop_limit requires limit <= stop"}
			}
		}
	}

	if changes.LimitPrice != nil && !changes.LimitPrice.IsPositive() {
		return &apperrors.ValidationError{Field: "limit_price", Value: changes.LimitPrice.String(), Message: "must be positive"}
	}
	if changes.StopPrice != nil && !changes.StopPrice.IsPositive() {
		return &apperrors.ValidationError{Field: "stop_price", Value: changes.StopPrice.String(), Message: "must be positive"}
	}
	return nil
}

// isRiskReducing reports whether the modification only shrinks exposure: a
// quantity decrease with no other changes bypasses the halt gates
func isRiskReducing(original *core.Order, changes *core.ReplaceParams) bool {
	if changes.Qty == nil || changes.LimitPrice != nil || changes.StopPrice != nil || changes.TimeInForce != nil {
		return false
	}
	return decimal.NewFromInt(*changes.Qty).LessThan(original.Qty)
}

func diffChanges(original *core.Order, changes *core.ReplaceParams) map[string]core.FieldChange {
	out := make(map[string]core.FieldChange)
	if changes.Qty != nil {
		out["qty"] = core.FieldChange{Old: original.Qty.String(), New: decimal.NewFromInt(*changes.Qty).String()}
	}
	if changes.LimitPrice != nil {
		out["limit_price"] = core.FieldChange{Old: decimalString(original.LimitPrice), New: changes.LimitPrice.String()}
	}
	if changes.StopPrice != nil {
		out["stop_price"] = core.FieldChange{Old: decimalString(original.StopPrice), New: changes.StopPrice.String()}
	}
	if changes.TimeInForce != nil {
		out["time_in_force"] = core.FieldChange{Old: string(original.TimeInForce), New: string(*changes.TimeInForce)}
	}
	return out
}

func buildReplacement(original *core.Order, changes *core.ReplaceParams, newClientOrderID string, ack *core.BrokerAck, now time.Time) *core.Order {
	replacement := &core.Order{
		ClientOrderID:  newClientOrderID,
		StrategyID:     original.StrategyID,
		Symbol:         original.Symbol,
		Side:           original.Side,
		Qty:            original.Qty,
		OrderType:      original.OrderType,
		LimitPrice:     original.LimitPrice,
		StopPrice:      original.StopPrice,
		TimeInForce:    original.TimeInForce,
		ExecutionStyle: original.ExecutionStyle,
		Status:         core.StatusAccepted,
		StatusRank:     core.StatusRank(core.StatusAccepted),
		BrokerOrderID:  ack.BrokerOrderID,
		FilledQty:      original.FilledQty,
		FilledAvgPrice: original.FilledAvgPrice,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ack.Status != "" {
		replacement.Status = ack.Status
		replacement.StatusRank = core.StatusRank(ack.Status)
	}
	if changes.Qty != nil {
		replacement.Qty = decimal.NewFromInt(*changes.Qty)
	}
	if changes.LimitPrice != nil {
		replacement.LimitPrice = changes.LimitPrice
	}
	if changes.StopPrice != nil {
		replacement.StopPrice = changes.StopPrice
	}
	if changes.TimeInForce != nil {
		replacement.TimeInForce = *changes.TimeInForce
	}
	submittedAt := ack.SubmittedAt
	replacement.SubmittedAt = &submittedAt
	return replacement
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
