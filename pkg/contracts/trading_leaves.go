package contracts

import (
	"fmt"
	"math"
)

// Position is one entry of a trading result's "positions" field.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional"`
}

// Order is one entry of a trading result's "orders" field.
type Order struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Timestamp float64 `json:"timestamp"`
}

// tradingResult is the {returns, positions, orders} result shape the
// trading-domain leaves below operate on. These are ordinary CheckPost
// leaves over a map[string]any result, demonstrating how a
// domain-specific check plugs into the engine without the core package
// depending on trading semantics.
type tradingResult struct {
	Returns   []float64
	Positions []Position
	Orders    []Order
}

func parseTradingResult(result interface{}) (tradingResult, bool) {
	m, ok := result.(map[string]interface{})
	if !ok {
		return tradingResult{}, false
	}
	var out tradingResult
	if raw, ok := m["returns"].([]float64); ok {
		out.Returns = raw
	} else if raw, ok := m["returns"].([]interface{}); ok {
		for _, v := range raw {
			if f, ok := toFloat(v); ok {
				out.Returns = append(out.Returns, f)
			}
		}
	}
	if raw, ok := m["positions"].([]Position); ok {
		out.Positions = raw
	}
	if raw, ok := m["orders"].([]Order); ok {
		out.Orders = raw
	}
	return out, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// SharpeRatio denies post-execution if the result's trailing Sharpe
// ratio (mean return over standard deviation, unannualized) falls below
// MinRatio. Pre-condition is a pass-through since the ratio only exists
// after execution.
type SharpeRatio struct {
	MinRatio float64
}

func (SharpeRatio) CheckPre(*ExecutionContext, map[string]interface{}, StrictnessProvider) ValidationResult {
	return Approve("SharpeRatio")
}

func (s SharpeRatio) CheckPost(_ *ExecutionContext, _ map[string]interface{}, result interface{}) PostConditionResult {
	tr, ok := parseTradingResult(result)
	if !ok || len(tr.Returns) == 0 {
		return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
	}
	ratio := sharpeRatio(tr.Returns)
	if ratio < s.MinRatio {
		return PostConditionResult{
			Approved: false,
			Reason:   ReasonPostConditionFailed,
			Severity: SeverityError,
			Message:  fmt.Sprintf("Sharpe ratio %.3f below required minimum %.3f", ratio, s.MinRatio),
		}
	}
	return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
}

func sharpeRatio(returns []float64) float64 {
	n := float64(len(returns))
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= n
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= n
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}
	return mean / stddev
}

// PositionLimit denies post-execution if any single position's absolute
// notional exceeds MaxNotional.
type PositionLimit struct {
	MaxNotional float64
}

func (PositionLimit) CheckPre(*ExecutionContext, map[string]interface{}, StrictnessProvider) ValidationResult {
	return Approve("PositionLimit")
}

func (p PositionLimit) CheckPost(_ *ExecutionContext, _ map[string]interface{}, result interface{}) PostConditionResult {
	tr, ok := parseTradingResult(result)
	if !ok {
		return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
	}
	for _, pos := range tr.Positions {
		if math.Abs(pos.Notional) > p.MaxNotional {
			return PostConditionResult{
				Approved: false,
				Reason:   ReasonPostConditionFailed,
				Severity: SeverityError,
				Message:  fmt.Sprintf("position %s notional %.2f exceeds limit %.2f", pos.Symbol, pos.Notional, p.MaxNotional),
			}
		}
	}
	return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
}

// DrawdownLimit denies post-execution if the cumulative return series
// dips more than MaxDrawdown fraction below its running peak.
type DrawdownLimit struct {
	MaxDrawdown float64
}

func (DrawdownLimit) CheckPre(*ExecutionContext, map[string]interface{}, StrictnessProvider) ValidationResult {
	return Approve("DrawdownLimit")
}

func (d DrawdownLimit) CheckPost(_ *ExecutionContext, _ map[string]interface{}, result interface{}) PostConditionResult {
	tr, ok := parseTradingResult(result)
	if !ok || len(tr.Returns) == 0 {
		return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
	}
	drawdown := maxDrawdown(tr.Returns)
	if drawdown > d.MaxDrawdown {
		return PostConditionResult{
			Approved: false,
			Reason:   ReasonPostConditionFailed,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("drawdown %.3f exceeds limit %.3f", drawdown, d.MaxDrawdown),
		}
	}
	return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
}

func maxDrawdown(returns []float64) float64 {
	cumulative := 1.0
	peak := 1.0
	maxDD := 0.0
	for _, r := range returns {
		cumulative *= 1 + r
		if cumulative > peak {
			peak = cumulative
		}
		dd := (peak - cumulative) / peak
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// MarketManipulationCheck denies post-execution if the order sequence
// looks like layering/spoofing: many same-symbol orders on one side in
// rapid succession followed by none on the opposite side.
type MarketManipulationCheck struct {
	MaxSameSideOrdersPerWindow int
	WindowSeconds              float64
}

func (MarketManipulationCheck) CheckPre(*ExecutionContext, map[string]interface{}, StrictnessProvider) ValidationResult {
	return Approve("MarketManipulationCheck")
}

func (m MarketManipulationCheck) CheckPost(_ *ExecutionContext, _ map[string]interface{}, result interface{}) PostConditionResult {
	tr, ok := parseTradingResult(result)
	if !ok || len(tr.Orders) == 0 {
		return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
	}

	limit := m.MaxSameSideOrdersPerWindow
	if limit <= 0 {
		limit = 10
	}
	window := m.WindowSeconds
	if window <= 0 {
		window = 1.0
	}

	counts := map[string]int{}
	windowStart := map[string]float64{}
	for _, o := range tr.Orders {
		key := o.Symbol + ":" + o.Side
		if start, ok := windowStart[key]; !ok || o.Timestamp-start > window {
			windowStart[key] = o.Timestamp
			counts[key] = 1
			continue
		}
		counts[key]++
		if counts[key] > limit {
			return PostConditionResult{
				Approved: false,
				Reason:   ReasonPostConditionFailed,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("%s: %d same-side orders within %.1fs window suggests manipulation", key, counts[key], window),
			}
		}
	}
	return PostConditionResult{Approved: true, Reason: ReasonApproved, Severity: SeverityInfo}
}
