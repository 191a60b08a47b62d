// Package fatfinger rejects orders whose size, notional, or liquidity
// footprint exceeds calibrated thresholds before they reach the broker.
package fatfinger

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/config"
	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

// Validator applies the fat-finger thresholds for one order request
type Validator struct {
	defaults    core.FatFingerLimits
	overrides   map[string]core.FatFingerLimits
	maxPriceAge time.Duration
	quotes      core.IQuoteSource
	liquidity   core.ILiquidityProvider
	logger      core.ILogger
}

// NewValidator builds a validator from the risk section of the config
func NewValidator(cfg config.RiskConfig, quotes core.IQuoteSource, liquidity core.ILiquidityProvider, logger core.ILogger) *Validator {
	defaults := core.FatFingerLimits{
		MaxNotional: decimal.NewFromFloat(cfg.MaxNotional),
		MaxQty:      int64(cfg.MaxQty),
		MaxADVPct:   decimal.NewFromFloat(cfg.MaxADVPct),
	}

	overrides := make(map[string]core.FatFingerLimits, len(cfg.SymbolOverrides))
	for sym, ov := range cfg.SymbolOverrides {
		overrides[sym] = core.FatFingerLimits{
			MaxNotional: decimal.NewFromFloat(ov.MaxNotional),
			MaxQty:      int64(ov.MaxQty),
			MaxADVPct:   decimal.NewFromFloat(ov.MaxADVPct),
		}
	}

	return &Validator{
		defaults:    defaults,
		overrides:   overrides,
		maxPriceAge: time.Duration(cfg.MaxPriceAgeSeconds) * time.Second,
		quotes:      quotes,
		liquidity:   liquidity,
		logger:      logger,
	}
}

// LimitsFor resolves the thresholds for a symbol. Override fields left at
// zero inherit the defaults.
func (v *Validator) LimitsFor(symbol string) core.FatFingerLimits {
	limits := v.defaults
	ov, ok := v.overrides[symbol]
	if !ok {
		return limits
	}
	if ov.MaxNotional.IsPositive() {
		limits.MaxNotional = ov.MaxNotional
	}
	if ov.MaxQty > 0 {
		limits.MaxQty = ov.MaxQty
	}
	if ov.MaxADVPct.IsPositive() {
		limits.MaxADVPct = ov.MaxADVPct
	}
	return limits
}

// Check validates the request against the resolved thresholds. All breaches
// and missing-data flags are collected into one FatFingerError so the caller
// sees the full picture in a single refusal.
func (v *Validator) Check(ctx context.Context, req *core.OrderRequest) error {
	limits := v.LimitsFor(req.Symbol)
	var breaches []apperrors.Breach

	if limits.MaxQty > 0 && req.Qty > limits.MaxQty {
		breaches = append(breaches, apperrors.Breach{
			Check:     "qty",
			Threshold: strconv.FormatInt(limits.MaxQty, 10),
			Actual:    strconv.FormatInt(req.Qty, 10),
		})
	}

	price, priceBreach := v.priceContext(ctx, req)
	if priceBreach != nil {
		breaches = append(breaches, *priceBreach)
	} else if limits.MaxNotional.IsPositive() {
		notional := req.QtyDecimal().Mul(price)
		if notional.GreaterThan(limits.MaxNotional) {
			breaches = append(breaches, apperrors.Breach{
				Check:     "notional",
				Threshold: limits.MaxNotional.String(),
				Actual:    notional.String(),
			})
		}
	}

	if limits.MaxADVPct.IsPositive() {
		if b := v.checkADV(ctx, req, limits); b != nil {
			breaches = append(breaches, *b)
		}
	}

	if len(breaches) > 0 {
		v.logger.Warn("Fat-finger refusal",
			"symbol", req.Symbol,
			"side", string(req.Side),
			"qty", req.Qty,
			"breaches", len(breaches))
		return &apperrors.FatFingerError{Symbol: req.Symbol, Breaches: breaches}
	}

	return nil
}

// priceContext resolves the price used for the notional check: explicit limit
// price first, then stop price, then a sufficiently fresh cached quote.
func (v *Validator) priceContext(ctx context.Context, req *core.OrderRequest) (decimal.Decimal, *apperrors.Breach) {
	if req.LimitPrice != nil {
		return *req.LimitPrice, nil
	}
	if req.StopPrice != nil {
		return *req.StopPrice, nil
	}

	quote, err := v.quotes.GetQuote(ctx, req.Symbol)
	if err != nil || quote == nil {
		return decimal.Zero, &apperrors.Breach{
			Check:     "price_context",
			Threshold: "quote available",
			Actual:    "unavailable",
		}
	}
	age := time.Since(quote.Timestamp)
	if age > v.maxPriceAge {
		return decimal.Zero, &apperrors.Breach{
			Check:     "price_context",
			Threshold: "age<=" + v.maxPriceAge.String(),
			Actual:    "age=" + age.Truncate(time.Second).String(),
		}
	}
	mid := quote.MidPrice()
	if !mid.IsPositive() {
		return decimal.Zero, &apperrors.Breach{
			Check:     "price_context",
			Threshold: "positive price",
			Actual:    mid.String(),
		}
	}
	return mid, nil
}

func (v *Validator) checkADV(ctx context.Context, req *core.OrderRequest, limits core.FatFingerLimits) *apperrors.Breach {
	adv, err := v.liquidity.GetADV(ctx, req.Symbol)
	if err != nil {
		return &apperrors.Breach{
			Check:     "adv",
			Threshold: "adv available",
			Actual:    "unavailable",
		}
	}
	if !adv.IsPositive() {
		return &apperrors.Breach{
			Check:     "adv",
			Threshold: "positive adv",
			Actual:    adv.String(),
		}
	}

	maxByADV := adv.Mul(limits.MaxADVPct).Div(decimal.NewFromInt(100))
	if req.QtyDecimal().GreaterThan(maxByADV) {
		return &apperrors.Breach{
			Check:     "adv_pct",
			Threshold: maxByADV.String() + " (" + limits.MaxADVPct.String() + "% of " + adv.String() + ")",
			Actual:    strconv.FormatInt(req.Qty, 10),
		}
	}
	return nil
}
