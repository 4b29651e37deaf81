// Package tools defines the tool interface and registry for tradegate.
// Each tool declares its intent category so the dispatcher can record it in
// the decision log; trade tools additionally expose their parsed trade so the
// risk circuit breaker can evaluate them before execution.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/qtos-io/tradegate/internal/risk"
)

// Intent categories recorded with every gating decision.
const (
	IntentMarketData = "market_data"
	IntentTrading    = "trading"
	IntentAnalysis   = "analysis"
)

// Tool is the interface all tradegate tools must implement.
// Every tool is reached exclusively through the dispatcher — there is no
// ungated execution path.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "get_quote").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's
	// parameters, sent to MCP clients as the tool's input schema.
	InputSchema() map[string]any

	// Intent returns the tool's intent category for the decision log.
	Intent() string

	// Validate checks that args are well-formed before any gating runs.
	// Errors name the missing or invalid fields as corrective guidance.
	Validate(args map[string]any) error

	// Execute runs the tool with validated arguments.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// TradeCall is implemented by tools whose execution places a trade.
// The dispatcher runs the risk circuit breaker on the parsed request
// before the handler is ever invoked.
type TradeCall interface {
	TradeRequest(args map[string]any) (risk.TradeRequest, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// All returns all registered tools.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// RequireString extracts a required string argument, naming the field in the
// error so callers can correct the request.
func RequireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %s must be a non-empty string", key)
	}
	return s, nil
}

// RequireNumber extracts a required numeric argument.
func RequireNumber(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing required parameter: %s", key)
	}
	n, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("parameter %s must be a number", key)
	}
	return n, nil
}

// OptionalNumber extracts an optional numeric argument with a default.
func OptionalNumber(args map[string]any, key string, def float64) float64 {
	if v, ok := args[key]; ok {
		if n, ok := toFloat(v); ok {
			return n
		}
	}
	return def
}

// OptionalString extracts an optional string argument with a default.
func OptionalString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func toFloat(v any) (float64, bool) {
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
