package tools

import (
	"context"
	"strings"
	"testing"
)

type dummyTool struct{ name string }

func (d dummyTool) Name() string                  { return d.name }
func (d dummyTool) Description() string           { return "dummy" }
func (d dummyTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (d dummyTool) Intent() string                { return IntentAnalysis }
func (d dummyTool) Validate(map[string]any) error { return nil }
func (d dummyTool) Execute(context.Context, map[string]any) (*Result, error) {
	return &Result{Output: "ok", Success: true}, nil
}

// --- Registry ---

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(dummyTool{name: "a"})
	r.Register(dummyTool{name: "b"})

	if got := r.Get("a"); got == nil || got.Name() != "a" {
		t.Errorf("Get(a) = %v", got)
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}
	if len(r.List()) != 2 || len(r.All()) != 2 {
		t.Errorf("List/All = %v, %v", r.List(), r.All())
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration must panic")
		}
	}()
	r := NewRegistry()
	r.Register(dummyTool{name: "a"})
	r.Register(dummyTool{name: "a"})
}

// --- Argument helpers ---

func TestRequireString(t *testing.T) {
	if _, err := RequireString(map[string]any{}, "symbol"); err == nil {
		t.Error("missing key must error")
	}
	if _, err := RequireString(map[string]any{"symbol": ""}, "symbol"); err == nil {
		t.Error("empty string must error")
	}
	if _, err := RequireString(map[string]any{"symbol": 42}, "symbol"); err == nil {
		t.Error("non-string must error")
	}
	s, err := RequireString(map[string]any{"symbol": "SPY"}, "symbol")
	if err != nil || s != "SPY" {
		t.Errorf("RequireString = %q, %v", s, err)
	}
}

func TestRequireNumber(t *testing.T) {
	if _, err := RequireNumber(map[string]any{}, "amount"); err == nil {
		t.Error("missing key must error")
	}
	if _, err := RequireNumber(map[string]any{"amount": "10"}, "amount"); err == nil {
		t.Error("string must error")
	}
	// JSON numbers arrive as float64; in-process ints are accepted too.
	for _, v := range []any{float64(10), 10, int64(10), float32(10)} {
		n, err := RequireNumber(map[string]any{"amount": v}, "amount")
		if err != nil || n != 10 {
			t.Errorf("RequireNumber(%T) = %v, %v", v, n, err)
		}
	}
}

func TestOptionalHelpers(t *testing.T) {
	if got := OptionalNumber(map[string]any{}, "limit", 25); got != 25 {
		t.Errorf("OptionalNumber default = %v", got)
	}
	if got := OptionalNumber(map[string]any{"limit": 5.0}, "limit", 25); got != 5 {
		t.Errorf("OptionalNumber = %v", got)
	}
	if got := OptionalString(map[string]any{}, "order_type", "market"); got != "market" {
		t.Errorf("OptionalString default = %q", got)
	}
	if got := OptionalString(map[string]any{"order_type": "limit"}, "order_type", "market"); got != "limit" {
		t.Errorf("OptionalString = %q", got)
	}
}

// --- Output truncation ---

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("TruncateOutput unchanged = %q", got)
	}
	long := strings.Repeat("a", 200)
	got := TruncateOutput(long, 100)
	if len(got) != 100 {
		t.Errorf("truncated length = %d, want 100", len(got))
	}
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("missing truncation notice: %q", got[80:])
	}
}
