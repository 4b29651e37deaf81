// Package guardrail implements deterministic pre-execution compliance checks
// for agent tool calls. Every check is a pure predicate over the call's
// arguments — no clock, no randomness, no I/O — so that identical calls always
// produce identical results and denials are reproducible for audit.
package guardrail

import (
	"fmt"
	"math"
	"strings"
)

// Audit codes for guardrail denials. Stable identifiers; they must not change
// between releases because decision-log consumers key on them.
const (
	CodeBlocklistSymbol = "BLOCKLIST_SYMBOL"
	CodeBatchLimit      = "BATCH_LIMIT"
	CodeInvalidAmount   = "INVALID_AMOUNT"
	CodeAmountLimit     = "AMOUNT_LIMIT"
)

// ToolCallContext carries the validated arguments of a single tool call.
// Immutable after creation; the engine never mutates it.
type ToolCallContext struct {
	ToolName  string
	Args      map[string]any
	RequestID string
}

// Result is the outcome of a guardrail evaluation.
// Reason is set iff Allowed is false, and is safe to surface externally.
type Result struct {
	Allowed   bool
	Reason    string
	AuditCode string
}

// Engine evaluates a tool call against compliance rules.
type Engine interface {
	// Evaluate must be pure and deterministic for a given context.
	Evaluate(tc ToolCallContext) Result
}

// PostExecHook is an optional extension an Engine may implement to observe
// the final outcome of calls it allowed. It must not influence gating.
type PostExecHook interface {
	AfterExecution(tc ToolCallContext, outcome string)
}

// Config holds the externally supplied guardrail rule set.
type Config struct {
	BlockedSymbols []string
	MaxBatchSize   int
	MaxAmount      float64
}

// RuleEngine is the default Engine: blocklist, batch ceiling, amount ceiling,
// checked in that order with first-failure-wins semantics.
type RuleEngine struct {
	blocked      map[string]struct{}
	maxBatchSize int
	maxAmount    float64
}

// NewRuleEngine builds a RuleEngine. Blocklist matching is case-insensitive.
func NewRuleEngine(cfg Config) *RuleEngine {
	blocked := make(map[string]struct{}, len(cfg.BlockedSymbols))
	for _, s := range cfg.BlockedSymbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			blocked[s] = struct{}{}
		}
	}
	return &RuleEngine{
		blocked:      blocked,
		maxBatchSize: cfg.MaxBatchSize,
		maxAmount:    cfg.MaxAmount,
	}
}

// Evaluate runs the rule checks in fixed order. The first failing check wins.
func (e *RuleEngine) Evaluate(tc ToolCallContext) Result {
	if sym, ok := stringArg(tc.Args, "symbol"); ok {
		if e.isBlocked(sym) {
			return deny(CodeBlocklistSymbol, fmt.Sprintf("symbol %s is on the restricted list", strings.ToUpper(sym)))
		}
	}

	if syms, ok := stringSliceArg(tc.Args, "symbols"); ok {
		var offending []string
		for _, s := range syms {
			if e.isBlocked(s) {
				offending = append(offending, strings.ToUpper(s))
			}
		}
		if len(offending) > 0 {
			return deny(CodeBlocklistSymbol, fmt.Sprintf("symbols %s are on the restricted list", strings.Join(offending, ", ")))
		}
		if e.maxBatchSize > 0 && len(syms) > e.maxBatchSize {
			return deny(CodeBatchLimit, fmt.Sprintf("batch of %d symbols exceeds the maximum of %d", len(syms), e.maxBatchSize))
		}
	}

	if amount, ok := floatArg(tc.Args, "amount"); ok {
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
			return deny(CodeInvalidAmount, "amount must be a finite non-negative number")
		}
		if e.maxAmount > 0 && amount > e.maxAmount {
			return deny(CodeAmountLimit, fmt.Sprintf("amount %.2f exceeds the single-operation ceiling of %.2f", amount, e.maxAmount))
		}
	}

	return Result{Allowed: true}
}

func (e *RuleEngine) isBlocked(symbol string) bool {
	_, ok := e.blocked[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

func deny(code, reason string) Result {
	return Result{Allowed: false, Reason: reason, AuditCode: code}
}

// stringArg extracts a string argument if present.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// stringSliceArg extracts a sequence of strings. JSON decoding yields []any,
// so both []string and []any with string elements are accepted.
func stringSliceArg(args map[string]any, key string) ([]string, bool) {
	v, ok := args[key]
	if !ok {
		return nil, false
	}
	switch vv := v.(type) {
	case []string:
		return vv, true
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// floatArg extracts a numeric argument. JSON numbers decode as float64;
// integer-typed values from in-process callers are accepted too.
func floatArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
