// Package idgen derives deterministic client order ids from semantic order
// fields so that retries and replays map onto the same identifier.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
)

const nullField = "null"

// tradeDateLayout is the ISO calendar date carried in the canonical string
const tradeDateLayout = "2006-01-02"

// Params are the semantic fields hashed into a client order id
type Params struct {
	Symbol      string
	Side        core.Side
	Qty         int64
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	OrderType   core.OrderType
	TimeInForce core.TimeInForce
	StrategyID  string
	TradeDate   time.Time
}

// ClientOrderID hashes the canonical field string into 24 lowercase hex chars.
// Prices are quantized to two decimals (half-up) so "150.0" and "150.00"
// collapse onto the same id; absent prices hash as the literal "null".
func ClientOrderID(p Params) string {
	canonical := strings.Join([]string{
		p.Symbol,
		string(p.Side),
		strconv.FormatInt(p.Qty, 10),
		quantizePrice(p.LimitPrice),
		quantizePrice(p.StopPrice),
		string(p.OrderType),
		string(p.TimeInForce),
		p.StrategyID,
		p.TradeDate.UTC().Format(tradeDateLayout),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:12])
}

// FromRequest derives the admission id for an order request
func FromRequest(req *core.OrderRequest, now time.Time) string {
	return ClientOrderID(Params{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		OrderType:   req.OrderType,
		TimeInForce: req.TimeInForce,
		StrategyID:  req.StrategyID,
		TradeDate:   req.EffectiveTradeDate(now),
	})
}

// ManualOperationID derives an id for operator-initiated flatten/close flows.
// These bypass admission, so the recipe is seeded by the action verb and the
// operator instead of strategy and order type.
func ManualOperationID(action, symbol string, side core.Side, qty int64, user string, tradeDate time.Time) string {
	canonical := strings.Join([]string{
		action,
		symbol,
		string(side),
		strconv.FormatInt(qty, 10),
		user,
		tradeDate.UTC().Format(tradeDateLayout),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:12])
}

// ReplacementID derives the client order id for the replacement created by a
// modification. The idempotency key is part of the recipe, so retrying the
// same modification targets the same replacement id while a second distinct
// modification of the same order gets a fresh one.
func ReplacementID(originalClientOrderID, idempotencyKey string, tradeDate time.Time) string {
	canonical := strings.Join([]string{
		originalClientOrderID,
		idempotencyKey,
		tradeDate.UTC().Format(tradeDateLayout),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:12])
}

// TwapParentTag is the strategy tag hashed into a TWAP parent id. Interval is
// always part of the tag so plans that differ only in pacing get distinct
// parents.
func TwapParentTag(durationMinutes, intervalSeconds int) string {
	return fmt.Sprintf("twap_parent_%dm_%ds", durationMinutes, intervalSeconds)
}

// TwapChildTag is the strategy tag hashed into slice i of a parent
func TwapChildTag(parentOrderID string, sliceNum int) string {
	return fmt.Sprintf("twap_slice_%s_%d", parentOrderID, sliceNum)
}

func quantizePrice(p *decimal.Decimal) string {
	if p == nil {
		return nullField
	}
	return p.StringFixed(2)
}
