// Package slicing decomposes large parent orders into TWAP child slices and
// dispatches them on their timers through the same safety gates as direct
// admissions.
package slicing

import (
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	"exec_gateway/internal/idgen"
	apperrors "exec_gateway/pkg/errors"
)

// Request is a caller-submitted TWAP order before decomposition
type Request struct {
	core.OrderRequest
	DurationMinutes int
	IntervalSeconds int
}

// TwapSlicer builds deterministic slicing plans. It holds no state: the same
// request on the same trade date always yields the same parent and child
// ids, so retried submissions collapse onto one plan.
type TwapSlicer struct {
	cfg config.SlicerConfig
}

// NewTwapSlicer builds a slicer with the configured bounds
func NewTwapSlicer(cfg config.SlicerConfig) *TwapSlicer {
	return &TwapSlicer{cfg: cfg}
}

// BuildPlan validates the request and returns the parent order, ordered
// child orders, and the immutable plan. Quantities are front-loaded: with
// base = qty/n and rem = qty%n, the first rem slices carry base+1.
func (s *TwapSlicer) BuildPlan(req *Request, now time.Time) (*core.Order, []*core.Order, *core.SlicingPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if req.DurationMinutes < s.cfg.MinDurationMinutes || req.DurationMinutes > s.cfg.MaxDurationMinutes {
		return nil, nil, nil, &apperrors.ValidationError{
			Field: "duration_minutes", Value: req.DurationMinutes,
			Message: "outside configured duration bounds",
		}
	}
	if req.IntervalSeconds < s.cfg.MinIntervalSeconds || req.IntervalSeconds > s.cfg.MaxIntervalSeconds {
		return nil, nil, nil, &apperrors.ValidationError{
			Field: "interval_seconds", Value: req.IntervalSeconds,
			Message: "outside configured interval bounds",
		}
	}

	numSlices := (req.DurationMinutes*60 + req.IntervalSeconds - 1) / req.IntervalSeconds
	if numSlices < 1 {
		numSlices = 1
	}
	if numSlices < s.cfg.MinSlices {
		return nil, nil, nil, &apperrors.ValidationError{
			Field: "duration_minutes", Value: numSlices,
			Message: "plan produces fewer slices than the configured minimum",
		}
	}
	if req.Qty < int64(numSlices) {
		return nil, nil, nil, &apperrors.ValidationError{
			Field: "qty", Value: req.Qty,
			Message: "quantity smaller than the number of slices",
		}
	}

	base := req.Qty / int64(numSlices)
	rem := req.Qty % int64(numSlices)
	if base < int64(s.cfg.MinSliceQty) {
		return nil, nil, nil, &apperrors.ValidationError{
			Field: "qty", Value: base,
			Message: "slice quantity below the configured minimum",
		}
	}

	tradeDate := req.EffectiveTradeDate(now)
	parentID := idgen.ClientOrderID(idgen.Params{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		OrderType:   req.OrderType,
		TimeInForce: req.TimeInForce,
		StrategyID:  idgen.TwapParentTag(req.DurationMinutes, req.IntervalSeconds),
		TradeDate:   tradeDate,
	})

	nowUTC := now.UTC()
	total := numSlices
	parent := &core.Order{
		ClientOrderID:  parentID,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            decimal.NewFromInt(req.Qty),
		OrderType:      req.OrderType,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		TimeInForce:    req.TimeInForce,
		ExecutionStyle: core.StyleTWAP,
		Status:         core.StatusPendingNew,
		StatusRank:     core.StatusRank(core.StatusPendingNew),
		TotalSlices:    &total,
		FilledQty:      decimal.Zero,
		CreatedAt:      nowUTC,
		UpdatedAt:      nowUTC,
	}

	plan := &core.SlicingPlan{
		ParentOrderID:   parentID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       req.OrderType,
		LimitPrice:      req.LimitPrice,
		StopPrice:       req.StopPrice,
		TimeInForce:     req.TimeInForce,
		TotalQty:        req.Qty,
		TotalSlices:     numSlices,
		DurationMinutes: req.DurationMinutes,
		IntervalSeconds: req.IntervalSeconds,
		TradeDate:       tradeDate,
	}

	children := make([]*core.Order, 0, numSlices)
	for i := 0; i < numSlices; i++ {
		sliceQty := base
		if int64(i) < rem {
			sliceQty = base + 1
		}
		scheduled := nowUTC.Add(time.Duration(i) * time.Duration(req.IntervalSeconds) * time.Second)
		childID := idgen.ClientOrderID(idgen.Params{
			Symbol:      req.Symbol,
			Side:        req.Side,
			Qty:         sliceQty,
			LimitPrice:  req.LimitPrice,
			StopPrice:   req.StopPrice,
			OrderType:   req.OrderType,
			TimeInForce: req.TimeInForce,
			StrategyID:  idgen.TwapChildTag(parentID, i),
			TradeDate:   tradeDate,
		})

		sliceNum := i
		schedCopy := scheduled
		pid := parentID
		children = append(children, &core.Order{
			ClientOrderID:  childID,
			StrategyID:     req.StrategyID,
			Symbol:         req.Symbol,
			Side:           req.Side,
			Qty:            decimal.NewFromInt(sliceQty),
			OrderType:      req.OrderType,
			LimitPrice:     req.LimitPrice,
			StopPrice:      req.StopPrice,
			TimeInForce:    req.TimeInForce,
			ExecutionStyle: core.StyleTWAP,
			Status:         core.StatusPendingNew,
			StatusRank:     core.StatusRank(core.StatusPendingNew),
			ParentOrderID:  &pid,
			SliceNum:       &sliceNum,
			ScheduledTime:  &schedCopy,
			FilledQty:      decimal.Zero,
			CreatedAt:      nowUTC,
			UpdatedAt:      nowUTC,
		})
		plan.Slices = append(plan.Slices, core.SliceDetail{
			SliceNum:      i,
			Qty:           sliceQty,
			ScheduledTime: scheduled,
			ClientOrderID: childID,
			Status:        core.StatusPendingNew,
		})
	}

	return parent, children, plan, nil
}
