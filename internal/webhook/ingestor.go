// Package webhook ingests broker order events, by HTTP webhook or trade
// stream, and merges them into the ledger through the CAS tuple so reordered
// and replayed deliveries never roll state backwards.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
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

// ErrSignatureMismatch reports a webhook body whose HMAC does not match
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

const cacheInvalidateTimeout = 2 * time.Second

// Ingestor verifies, parses, and applies broker order events
type Ingestor struct {
	ledger      core.ILedger
	coordinator core.ICoordinator
	secret      []byte
	pool        *concurrency.WorkerPool
	logger      core.ILogger
}

// NewIngestor builds the ingestor. An empty webhook secret disables signature
// verification and is only acceptable in tests.
func NewIngestor(cfg config.WebhookConfig, conc config.ConcurrencyConfig, ledger core.ILedger, coordinator core.ICoordinator, logger core.ILogger) *Ingestor {
	in := &Ingestor{
		ledger:      ledger,
		coordinator: coordinator,
		logger:      logger.WithField("component", "webhook_ingestor"),
	}
	if cfg.Secret != "" {
		in.secret = []byte(cfg.Secret)
	}
	in.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "webhook_ingest",
		MaxWorkers:  conc.IngestPoolSize,
		MaxCapacity: conc.IngestPoolBuffer,
	}, logger)
	return in
}

// Stop drains the async apply pool
func (in *Ingestor) Stop() { in.pool.Stop() }

// Ingest verifies the signature, parses the envelope, and applies the update
func (in *Ingestor) Ingest(ctx context.Context, raw []byte, signature string) error {
	if err := in.verify(raw, signature); err != nil {
		in.observe(ctx, "signature_rejected")
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		in.observe(ctx, "unparseable")
		return &apperrors.ValidationError{Field: "body", Message: fmt.Sprintf("unparseable webhook body: %v", err)}
	}
	if env.Order.ClientOrderID == "" {
		in.observe(ctx, "unparseable")
		return &apperrors.ValidationError{Field: "order.client_order_id", Message: "required"}
	}

	update, ok := env.toOrderUpdate(time.Now().UTC())
	if !ok {
		// pending_cancel and friends carry no ledger transition
		in.observe(ctx, "ignored_status")
		return nil
	}
	return in.Apply(ctx, update)
}

// AsyncApply queues an update for background application. The trade stream
// handler uses this so slow ledger writes never stall the socket reader.
func (in *Ingestor) AsyncApply(update *core.OrderUpdate) {
	if err := in.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := in.Apply(ctx, update); err != nil {
			in.logger.Error("Stream update apply failed",
				"client_order_id", update.ClientOrderID, "status", update.Status, "error", err)
		}
	}); err != nil {
		in.logger.Error("Stream update dropped, ingest pool full",
			"client_order_id", update.ClientOrderID, "error", err)
	}
}

// Apply merges one normalized update inside a single ledger transaction:
// order row CAS, then fill append and position update when the event carries
// an execution. After commit the performance cache for the affected date is
// invalidated best-effort.
func (in *Ingestor) Apply(ctx context.Context, update *core.OrderUpdate) error {
	var (
		statusApplied bool
		fillApplied   bool
		unknownOrder  bool
	)

	err := in.ledger.WithTx(ctx, func(tx core.ILedgerTx) error {
		order, err := tx.GetOrderForUpdate(update.ClientOrderID)
		if err != nil {
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				unknownOrder = true
				return nil
			}
			return err
		}
		if update.Symbol == "" {
			update.Symbol = order.Symbol
		}
		if update.Side == "" {
			update.Side = order.Side
		}

		statusApplied, err = tx.UpdateOrderStatusCAS(update)
		if err != nil {
			return err
		}

		if !update.IsFill() {
			return nil
		}
		fillApplied, err = in.applyFill(tx, order, update)
		return err
	})
	if err != nil {
		in.observe(ctx, "error")
		return err
	}

	switch {
	case unknownOrder:
		// Broker events for orders placed outside the gateway are expected;
		// nothing to merge.
		in.logger.Warn("Update for unknown order dropped", "client_order_id", update.ClientOrderID)
		in.observe(ctx, "unknown_order")
		return nil
	case statusApplied || fillApplied:
		in.invalidateCache(update.BrokerUpdatedAt)
		in.observe(ctx, "applied")
	default:
		in.observe(ctx, "stale")
	}
	return nil
}

// applyFill appends the execution keyed by fill_id and folds it into the
// position row. Duplicate fill ids and non-advancing filled quantities are
// no-ops. order is the pre-CAS snapshot, so the filled_qty delta fallback
// sees the row as it was before this event.
func (in *Ingestor) applyFill(tx core.ILedgerTx, order *core.Order, update *core.OrderUpdate) (bool, error) {
	qty := update.FillQty
	if !qty.IsPositive() {
		qty = update.FilledQty.Sub(order.FilledQty)
	}
	if !qty.IsPositive() {
		return false, nil
	}

	price := update.FillPrice
	if price == nil {
		price = update.FilledAvgPrice
	}
	if price == nil || !price.IsPositive() {
		in.logger.Warn("Fill without a usable price skipped",
			"client_order_id", update.ClientOrderID, "fill_id", update.FillID)
		return false, nil
	}

	fillID := update.FillID
	if fillID == "" {
		// Deterministic surrogate keeps replays of id-less fills idempotent
		fillID = fmt.Sprintf("%s:%s", update.ClientOrderID, update.FilledQty.String())
	}

	added, err := tx.AppendFill(update.ClientOrderID, core.Fill{
		FillID:   fillID,
		Qty:      qty,
		Price:    *price,
		FilledAt: update.BrokerUpdatedAt,
	})
	if err != nil || !added {
		return false, err
	}

	pos, err := tx.GetPositionForUpdate(update.Symbol)
	if err != nil {
		return false, err
	}
	foldFill(pos, update.Side, qty, *price, update.BrokerUpdatedAt)
	if err := tx.UpdatePositionOnFill(pos); err != nil {
		return false, err
	}
	return true, nil
}

// foldFill applies one execution q@p to the position row. Same-side adds
// re-weight the average entry price; reductions realize P&L against the
// unchanged average; a cross through zero realizes the full old quantity and
// opens the remainder at p.
func foldFill(pos *core.Position, side core.Side, qty, price decimal.Decimal, at time.Time) {
	signed := qty
	if side == core.SideSell {
		signed = qty.Neg()
	}
	old := pos.Qty
	next := old.Add(signed)

	switch {
	case old.IsZero() || old.Sign() == signed.Sign():
		total := old.Abs().Add(qty)
		pos.AvgEntryPrice = old.Abs().Mul(pos.AvgEntryPrice).Add(qty.Mul(price)).Div(total)
		pos.Qty = next
	case next.IsZero() || next.Sign() == old.Sign():
		pos.RealizedPL = pos.RealizedPL.Add(closedPL(old, qty, pos.AvgEntryPrice, price))
		pos.Qty = next
		if next.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}
	default:
		pos.RealizedPL = pos.RealizedPL.Add(closedPL(old, old.Abs(), pos.AvgEntryPrice, price))
		pos.Qty = next
		pos.AvgEntryPrice = price
	}

	pos.UpdatedAt = time.Now().UTC()
	lastTrade := at
	pos.LastTradeAt = &lastTrade
}

// closedPL is (p − avg)·q for a long close, sign-flipped for a short close
func closedPL(old, closeQty, avg, price decimal.Decimal) decimal.Decimal {
	pl := price.Sub(avg).Mul(closeQty)
	if old.Sign() < 0 {
		return pl.Neg()
	}
	return pl
}

// verify checks the HMAC-SHA256 hex signature over the raw body in constant
// time. A "sha256=" prefix on the header value is tolerated.
func (in *Ingestor) verify(raw []byte, signature string) error {
	if len(in.secret) == 0 {
		return nil
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureMismatch
	}
	mac := hmac.New(sha256.New, in.secret)
	mac.Write(raw)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrSignatureMismatch
	}
	return nil
}

// invalidateCache drops cached performance aggregates for the event's UTC
// trade date. Failures only log; the cache self-heals on TTL.
func (in *Ingestor) invalidateCache(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheInvalidateTimeout)
	defer cancel()
	date := at.UTC().Format("2006-01-02")
	if err := in.coordinator.InvalidatePerformanceCache(ctx, date); err != nil {
		in.logger.Warn("Performance cache invalidation failed", "date", date, "error", err)
	}
}

func (in *Ingestor) observe(ctx context.Context, outcome string) {
	mh := telemetry.GetGlobalMetrics()
	if mh == nil || mh.WebhookEventsTotal == nil {
		return
	}
	mh.WebhookEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// envelope is the webhook wire body
type envelope struct {
	Event     string        `json:"event"`
	Timestamp string        `json:"timestamp"`
	Order     envelopeOrder `json:"order"`
	Qty       string        `json:"qty,omitempty"`
	Price     string        `json:"price,omitempty"`
	FillID    string        `json:"fill_id,omitempty"`
}

type envelopeOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// wireStatus maps broker status strings onto the order state machine
var wireStatus = map[string]core.OrderStatus{
	"pending_new":      core.StatusPendingNew,
	"accepted":         core.StatusAccepted,
	"new":              core.StatusNew,
	"partially_filled": core.StatusPartiallyFilled,
	"filled":           core.StatusFilled,
	"canceled":         core.StatusCanceled,
	"rejected":         core.StatusRejected,
	"expired":          core.StatusExpired,
	"replaced":         core.StatusReplaced,
}

// toOrderUpdate normalizes the envelope; ok is false for statuses that carry
// no ledger transition. The event timestamp is the first parseable of the
// order's updated_at, the envelope timestamp, else now.
func (e *envelope) toOrderUpdate(now time.Time) (*core.OrderUpdate, bool) {
	status, ok := wireStatus[e.Order.Status]
	if !ok {
		return nil, false
	}

	brokerUpdatedAt := now
	if at, err := time.Parse(time.RFC3339Nano, e.Order.UpdatedAt); err == nil {
		brokerUpdatedAt = at
	} else if at, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		brokerUpdatedAt = at
	}

	update := &core.OrderUpdate{
		ClientOrderID:   e.Order.ClientOrderID,
		BrokerOrderID:   e.Order.ID,
		Symbol:          e.Order.Symbol,
		Side:            core.Side(e.Order.Side),
		Status:          status,
		BrokerUpdatedAt: brokerUpdatedAt,
		Source:          core.SourceWebhook,
	}

	if filled, err := decimal.NewFromString(e.Order.FilledQty); err == nil {
		update.FilledQty = filled
	}
	if e.Order.FilledAvgPrice != "" {
		if avg, err := decimal.NewFromString(e.Order.FilledAvgPrice); err == nil {
			update.FilledAvgPrice = &avg
		}
	}

	if e.Event == "fill" || e.Event == "partial_fill" {
		update.FillID = e.FillID
		if qty, err := decimal.NewFromString(e.Qty); err == nil {
			update.FillQty = qty
		}
		if e.Price != "" {
			if price, err := decimal.NewFromString(e.Price); err == nil {
				update.FillPrice = &price
			}
		}
	}

	return update, true
}
