package core

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	apperrors "exec_gateway/pkg/errors"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType enumerates supported order types
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce enumerates supported TIF values
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// ExecutionStyle selects the submission path
type ExecutionStyle string

const (
	StyleInstant ExecutionStyle = "instant"
	StyleTWAP    ExecutionStyle = "twap"
)

// OrderStatus is the order state machine
type OrderStatus string

const (
	StatusDryRun          OrderStatus = "dry_run"
	StatusPendingNew      OrderStatus = "pending_new"
	StatusAccepted        OrderStatus = "accepted"
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
	StatusReplaced        OrderStatus = "replaced"
)

// StatusRank totally orders the state machine for CAS merging. Terminal
// cancellation-class states rank below filled so a fill that was already in
// flight when a cancel landed still wins.
func StatusRank(s OrderStatus) int {
	switch s {
	case StatusDryRun:
		return 0
	case StatusPendingNew:
		return 10
	case StatusAccepted:
		return 20
	case StatusNew:
		return 30
	case StatusPartiallyFilled:
		return 40
	case StatusCanceled, StatusRejected, StatusExpired, StatusReplaced:
		return 50
	case StatusFilled:
		return 60
	default:
		return 0
	}
}

// IsTerminalStatus reports whether no further transitions are allowed
func IsTerminalStatus(s OrderStatus) bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusReplaced:
		return true
	default:
		return false
	}
}

// UpdateSource labels who produced a status update; ties in the CAS tuple
// resolve webhook > reconciliation > manual.
type UpdateSource string

const (
	SourceWebhook        UpdateSource = "webhook"
	SourceReconciliation UpdateSource = "reconciliation"
	SourceManual         UpdateSource = "manual"
)

// SourcePriority ranks an update source for CAS tie-breaking
func SourcePriority(s UpdateSource) int {
	switch s {
	case SourceWebhook:
		return 3
	case SourceReconciliation:
		return 2
	case SourceManual:
		return 1
	default:
		return 0
	}
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,5}$`)

// ValidSymbol reports whether s is a 1-5 char uppercase alphanumeric symbol
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// OrderRequest is a caller-submitted order before admission
type OrderRequest struct {
	Symbol         string
	Side           Side
	Qty            int64
	OrderType      OrderType
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	TimeInForce    TimeInForce
	ExecutionStyle ExecutionStyle
	StrategyID     string
	// TradeDate pins the idempotency date across midnight; zero means the UTC
	// date at submission.
	TradeDate time.Time
}

// Validate enforces the type/price/TIF rules before any gate runs
func (r *OrderRequest) Validate() error {
	if !ValidSymbol(r.Symbol) {
		return &apperrors.ValidationError{Field: "symbol", Value: r.Symbol, Message: "must be 1-5 uppercase alphanumeric characters"}
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return &apperrors.ValidationError{Field: "side", Value: string(r.Side), Message: "must be buy or sell"}
	}
	if r.Qty < 1 {
		return &apperrors.ValidationError{Field: "qty", Value: r.Qty, Message: "must be a positive integer"}
	}
	switch r.OrderType {
	case OrderTypeMarket:
		if r.LimitPrice != nil || r.StopPrice != nil {
			return &apperrors.ValidationError{Field: "order_type", Value: string(r.OrderType), Message: "market orders must not carry limit_price or stop_price"}
		}
	case OrderTypeLimit:
		if r.LimitPrice == nil {
			return &apperrors.ValidationError{Field: "limit_price", Message: "required for limit orders"}
		}
		if r.StopPrice != nil {
			return &apperrors.ValidationError{Field: "stop_price", Message: "not allowed for limit orders"}
		}
	case OrderTypeStop:
		if r.StopPrice == nil {
			return &apperrors.ValidationError{Field: "stop_price", Message: "required for stop orders"}
		}
		if r.LimitPrice != nil {
			return &apperrors.ValidationError{Field: "limit_price", Message: "not allowed for stop orders"}
		}
	case OrderTypeStopLimit:
		if r.LimitPrice == nil || r.StopPrice == nil {
			return &apperrors.ValidationError{Field: "order_type", Value: string(r.OrderType), Message: "stop_limit orders require both limit_price and stop_price"}
		}
	default:
		return &apperrors.ValidationError{Field: "order_type", Value: string(r.OrderType), Message: "must be one of market, limit, stop, stop_limit"}
	}
	if r.LimitPrice != nil && !r.LimitPrice.IsPositive() {
		return &apperrors.ValidationError{Field: "limit_price", Value: r.LimitPrice.String(), Message: "must be positive"}
	}
	if r.StopPrice != nil && !r.StopPrice.IsPositive() {
		return &apperrors.ValidationError{Field: "stop_price", Value: r.StopPrice.String(), Message: "must be positive"}
	}
	switch r.TimeInForce {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
	default:
		return &apperrors.ValidationError{Field: "time_in_force", Value: string(r.TimeInForce), Message: "must be one of day, gtc, ioc, fok"}
	}
	switch r.ExecutionStyle {
	case StyleInstant, StyleTWAP, "":
	default:
		return &apperrors.ValidationError{Field: "execution_style", Value: string(r.ExecutionStyle), Message: "must be instant or twap"}
	}
	return nil
}

// EffectiveTradeDate resolves the pinned trade date or falls back to now in UTC
func (r *OrderRequest) EffectiveTradeDate(now time.Time) time.Time {
	if !r.TradeDate.IsZero() {
		return r.TradeDate.UTC()
	}
	return now.UTC()
}

// QtyDecimal returns the submission quantity as a decimal
func (r *OrderRequest) QtyDecimal() decimal.Decimal {
	return decimal.NewFromInt(r.Qty)
}

// Order is the persisted order entity
type Order struct {
	ClientOrderID  string
	StrategyID     string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	OrderType      OrderType
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	TimeInForce    TimeInForce
	ExecutionStyle ExecutionStyle
	Status         OrderStatus
	BrokerOrderID  string
	RetryCount     int

	ParentOrderID *string
	SliceNum      *int
	TotalSlices   *int
	ScheduledTime *time.Time

	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	FilledAt       *time.Time

	StatusRank      int
	BrokerUpdatedAt time.Time
	Source          UpdateSource

	Metadata OrderMetadata

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
}

// IsTerminal reports whether the order reached a terminal status
func (o *Order) IsTerminal() bool { return IsTerminalStatus(o.Status) }

// IsTWAP reports whether the order is a TWAP parent or child
func (o *Order) IsTWAP() bool {
	return o.ExecutionStyle == StyleTWAP || o.ParentOrderID != nil || o.TotalSlices != nil
}

// OrderMetadata is the append-only metadata container. Fills live in a side
// table and are synthesized into Fills on read.
type OrderMetadata struct {
	Fills         []Fill `json:"fills,omitempty"`
	ReplacedBy    string `json:"replaced_by,omitempty"`
	Replaces      string `json:"replaces,omitempty"`
	ReplaceReason string `json:"replace_reason,omitempty"`
}

// Fill is one recorded execution against an order
type Fill struct {
	FillID   string          `json:"fill_id"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	FilledAt time.Time       `json:"filled_at"`
}

// Position is the per-symbol position row
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPL    decimal.Decimal
	UpdatedAt     time.Time
	LastTradeAt   *time.Time
}

// Reservation is an active position reservation held in the Coordinator
type Reservation struct {
	Token     string
	Symbol    string
	Side      Side
	Qty       decimal.Decimal
	Confirmed bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ReserveResult reports the outcome of a successful reserve call
type ReserveResult struct {
	Token            string
	PreviousPosition decimal.Decimal
	NewPosition      decimal.Decimal
}

// ModificationStatus is the in-place replacement lifecycle
type ModificationStatus string

const (
	ModPending              ModificationStatus = "pending"
	ModCompleted            ModificationStatus = "completed"
	ModFailed               ModificationStatus = "failed"
	ModSubmittedUnconfirmed ModificationStatus = "submitted_unconfirmed"
)

// FieldChange records one changed field on a modification
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ModificationRecord tracks one idempotent order replacement
type ModificationRecord struct {
	ModificationID        string
	Seq                   int64
	OriginalClientOrderID string
	NewClientOrderID      string
	IdempotencyKey        string
	Changes               map[string]FieldChange
	Status                ModificationStatus
	ErrorMessage          string
	ModifiedAt            time.Time
}

// SliceDetail is one scheduled child in a slicing plan
type SliceDetail struct {
	SliceNum      int
	Qty           int64
	ScheduledTime time.Time
	ClientOrderID string
	Status        OrderStatus
}

// SlicingPlan is the immutable TWAP decomposition of a parent order
type SlicingPlan struct {
	ParentOrderID   string
	Symbol          string
	Side            Side
	OrderType       OrderType
	LimitPrice      *decimal.Decimal
	StopPrice       *decimal.Decimal
	TimeInForce     TimeInForce
	TotalQty        int64
	TotalSlices     int
	DurationMinutes int
	IntervalSeconds int
	TradeDate       time.Time
	Slices          []SliceDetail
}

// KillSwitchStatus is the coordinator-held kill switch state
type KillSwitchStatus struct {
	Engaged   bool      `json:"engaged"`
	Reason    string    `json:"reason,omitempty"`
	Operator  string    `json:"operator,omitempty"`
	Details   string    `json:"details,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// KillSwitchEvent is one entry in the bounded kill switch history
type KillSwitchEvent struct {
	Engaged   bool      `json:"engaged"`
	Reason    string    `json:"reason,omitempty"`
	Operator  string    `json:"operator"`
	Notes     string    `json:"notes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CircuitBreakerStatus is the coordinator-held breaker state
type CircuitBreakerStatus struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// OverrideCapability is the operator-audited reconciliation override stored
// in the Coordinator with a bounded lifetime
type OverrideCapability struct {
	Operator  string    `json:"operator"`
	Reason    string    `json:"reason"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the capability is live at time now
func (o *OverrideCapability) Active(now time.Time) bool {
	return o != nil && now.Before(o.ExpiresAt)
}

// AuthContext identifies the caller; opaque to the core beyond scoping
type AuthContext struct {
	Subject    string
	StrategyID string
}

// SubmitResult is the admission pipeline response
type SubmitResult struct {
	Order      *Order
	Message    string
	Idempotent bool
}

// ModifyResult is the modification engine response
type ModifyResult struct {
	Record      *ModificationRecord
	Replacement *Order
	// InFlight marks an idempotent replay that found the modification still
	// pending (202-equivalent).
	InFlight bool
}

// Quote is a cached market quote used for fat-finger price context
type Quote struct {
	Symbol    string
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	LastPrice decimal.Decimal
	Timestamp time.Time
}

// MidPrice returns the bid/ask midpoint, falling back to the last trade
func (q *Quote) MidPrice() decimal.Decimal {
	if q.BidPrice.IsPositive() && q.AskPrice.IsPositive() {
		return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
	}
	return q.LastPrice
}

// OrderUpdate is a normalized broker-originated status event, whether it
// arrived by webhook, stream, or reconciliation query
type OrderUpdate struct {
	ClientOrderID   string
	BrokerOrderID   string
	Symbol          string
	Side            Side
	Status          OrderStatus
	FilledQty       decimal.Decimal
	FilledAvgPrice  *decimal.Decimal
	FillQty         decimal.Decimal
	FillPrice       *decimal.Decimal
	FillID          string
	BrokerUpdatedAt time.Time
	Source          UpdateSource
}

// IsFill reports whether the update carries an execution
func (u *OrderUpdate) IsFill() bool {
	return u.FillID != "" || u.Status == StatusFilled || u.Status == StatusPartiallyFilled
}

// BrokerOrderRequest is the payload handed to the broker client
type BrokerOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	OrderType     OrderType
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   TimeInForce
}

// BrokerAck is the broker response to a submit or replace
type BrokerAck struct {
	BrokerOrderID string
	ClientOrderID string
	Status        OrderStatus
	SubmittedAt   time.Time
}

// BrokerOrder is the broker's authoritative view of an order
type BrokerOrder struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	Status         OrderStatus
	UpdatedAt      time.Time
}

// BrokerPosition is the broker's authoritative open position
type BrokerPosition struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
}

// ReplaceParams carries the changed fields for a broker-mediated replace
type ReplaceParams struct {
	Qty         *int64
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce *TimeInForce
}

// OrdersFilter narrows a broker open-orders query
type OrdersFilter struct {
	Status string
	Limit  int
	After  time.Time
}

// ReconcileState is the startup reconciliation progress
type ReconcileState string

const (
	ReconcileInProgress     ReconcileState = "in_progress"
	ReconcileComplete       ReconcileState = "complete"
	ReconcileOverrideActive ReconcileState = "override_active"
)

// FatFingerLimits is one threshold set, either default or per-symbol
type FatFingerLimits struct {
	MaxNotional decimal.Decimal
	MaxQty      int64
	MaxADVPct   decimal.Decimal
}

// String renders limits for structured breach reporting
func (l FatFingerLimits) String() string {
	return fmt.Sprintf("notional<=%s qty<=%d adv_pct<=%s", l.MaxNotional, l.MaxQty, l.MaxADVPct)
}
