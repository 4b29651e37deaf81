// Package risk implements the pre-trade circuit breaker: pure, deterministic
// limit checks a proposed order must pass before execution. The caller supplies
// a fresh exposure snapshot per call; this package never persists or mutates
// shared state, so concurrent checks need no synchronization.
package risk

import (
	"math"
	"strings"
)

// ErrCodeSafetyLimit is the fixed sentinel error code carried by every
// circuit-breaker denial. Sub-codes identify the specific limit.
const ErrCodeSafetyLimit = "SAFETY_LIMIT_EXCEEDED"

// Sub-codes for circuit-breaker denials.
const (
	SubCodeVolLimit      = "VOL_LIMIT_EXCEEDED"
	SubCodeSingleOrder   = "SINGLE_ORDER_NOTIONAL"
	SubCodePerName       = "PER_NAME_EXPOSURE"
	SubCodeTotalExposure = "TOTAL_EXPOSURE"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// ParseSide normalizes a side string. Unrecognized values return false.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, true
	case "sell":
		return SideSell, true
	default:
		return "", false
	}
}

// ParseOrderType normalizes an order-type string.
func ParseOrderType(s string) (OrderType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "market", "":
		return OrderMarket, true
	case "limit":
		return OrderLimit, true
	default:
		return "", false
	}
}

// TradeRequest is a proposed trade, constructed from validated arguments.
// Read-only once built.
type TradeRequest struct {
	Symbol    string
	Side      Side
	Quantity  float64
	Price     float64
	OrderType OrderType
}

// Notional returns quantity × price, the base-currency size of the order.
func (r TradeRequest) Notional() float64 {
	return r.Quantity * r.Price
}

// ExposureState is a caller-owned snapshot of current book exposure.
// BySymbol maps symbol → signed notional; TotalAbsoluteNotional is the
// non-negative sum of |notional| across all symbols.
type ExposureState struct {
	BySymbol              map[string]float64
	TotalAbsoluteNotional float64
}

// ExposureLimits holds the positive risk ceilings, all in one currency unit.
type ExposureLimits struct {
	MaxSingleOrderNotional   float64
	MaxNotionalPerName       float64
	MaxTotalAbsoluteNotional float64
	MaxVolScaledNotional     float64
}

// VolLookup returns the daily volatility estimate for a symbol, or false when
// no estimate is available.
type VolLookup func(symbol string) (float64, bool)

// Result is the outcome of a circuit-breaker check. A denial always carries
// ErrorCode, SubCode, Reason, and a Details map with the exact numeric inputs
// so the decision can be reproduced from the audit trail alone.
type Result struct {
	Allowed   bool
	ErrorCode string
	SubCode   string
	Reason    string
	Details   map[string]any
}

// Check evaluates a proposed trade against the supplied limits. Pure and
// deterministic: no I/O, no clock. Checks run in fixed order, first violation
// wins — structural validation first, then exposure math in increasing cost,
// volatility last because it depends on an optional external signal. A missing
// volatility skips the vol-scaled check entirely (fail-open); callers wanting
// fail-closed must supply a default volatility in their lookup.
func Check(req TradeRequest, exposure ExposureState, limits ExposureLimits, volLookup VolLookup) Result {
	if req.Quantity <= 0 || math.IsNaN(req.Price) || math.IsInf(req.Price, 0) {
		return denyRisk(SubCodeSingleOrder, "invalid quantity or price", map[string]any{
			"symbol":   req.Symbol,
			"quantity": req.Quantity,
			"price":    req.Price,
		})
	}

	notional := req.Notional()
	if math.Abs(notional) > limits.MaxSingleOrderNotional {
		return denyRisk(SubCodeSingleOrder, "order notional exceeds the single-order limit", map[string]any{
			"symbol":                    req.Symbol,
			"quantity":                  req.Quantity,
			"price":                     req.Price,
			"notional":                  notional,
			"max_single_order_notional": limits.MaxSingleOrderNotional,
		})
	}

	current := exposure.BySymbol[req.Symbol]
	signedDelta := notional
	if req.Side == SideSell {
		signedDelta = -notional
	}
	newNameNotional := current + signedDelta
	if math.Abs(newNameNotional) > limits.MaxNotionalPerName {
		return denyRisk(SubCodePerName, "projected per-name exposure exceeds the per-name limit", map[string]any{
			"symbol":                req.Symbol,
			"current_exposure":      current,
			"order_notional":        notional,
			"projected_exposure":    newNameNotional,
			"max_notional_per_name": limits.MaxNotionalPerName,
		})
	}

	projectedTotal := exposure.TotalAbsoluteNotional + (math.Abs(newNameNotional) - math.Abs(current))
	if projectedTotal > limits.MaxTotalAbsoluteNotional {
		return denyRisk(SubCodeTotalExposure, "projected total book exposure exceeds the book limit", map[string]any{
			"symbol":                      req.Symbol,
			"current_total":               exposure.TotalAbsoluteNotional,
			"projected_total":             projectedTotal,
			"max_total_absolute_notional": limits.MaxTotalAbsoluteNotional,
		})
	}

	if volLookup != nil {
		if vol, ok := volLookup(req.Symbol); ok && !math.IsNaN(vol) && !math.IsInf(vol, 0) && vol >= 0 {
			volScaled := math.Abs(notional) * vol
			if volScaled > limits.MaxVolScaledNotional {
				return denyRisk(SubCodeVolLimit, "volatility-scaled notional exceeds the risk budget", map[string]any{
					"symbol":                  req.Symbol,
					"notional":                notional,
					"daily_volatility":        vol,
					"vol_scaled_notional":     volScaled,
					"max_vol_scaled_notional": limits.MaxVolScaledNotional,
				})
			}
		}
	}

	return Result{Allowed: true}
}

func denyRisk(subCode, reason string, details map[string]any) Result {
	return Result{
		Allowed:   false,
		ErrorCode: ErrCodeSafetyLimit,
		SubCode:   subCode,
		Reason:    reason,
		Details:   details,
	}
}
