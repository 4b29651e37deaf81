package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/qtos-io/tradegate/internal/decision"
	"github.com/qtos-io/tradegate/internal/guardrail"
	"github.com/qtos-io/tradegate/internal/policy"
	"github.com/qtos-io/tradegate/internal/risk"
	"github.com/qtos-io/tradegate/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTool counts executions so tests can assert blocked calls never run.
type fakeTool struct {
	name     string
	intent   string
	mu       sync.Mutex
	calls    int
	output   string
	execErr  error
	trade    *risk.TradeRequest
	tradeErr error
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "test tool" }
func (f *fakeTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) Intent() string              { return f.intent }
func (f *fakeTool) Validate(map[string]any) error {
	return nil
}

func (f *fakeTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &tools.Result{Output: f.output, Success: true}, nil
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTradeTool additionally implements tools.TradeCall.
type fakeTradeTool struct{ fakeTool }

func (f *fakeTradeTool) TradeRequest(map[string]any) (risk.TradeRequest, error) {
	if f.tradeErr != nil {
		return risk.TradeRequest{}, f.tradeErr
	}
	return *f.trade, nil
}

type fakeRetriever struct {
	result policy.RetrievalResult
	mu     sync.Mutex
	calls  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string) policy.RetrievalResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	res := f.result
	res.Query = query
	return res
}

type memorySink struct {
	mu      sync.Mutex
	entries []decision.Entry
	err     error
}

func (s *memorySink) Append(_ context.Context, e decision.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}
func (s *memorySink) Close() error { return nil }

func (s *memorySink) all() []decision.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]decision.Entry(nil), s.entries...)
}

type harness struct {
	dispatcher *Dispatcher
	sink       *memorySink
	retriever  *fakeRetriever
}

func newHarness(t *testing.T, tool tools.Tool, opts func(*Config)) *harness {
	t.Helper()
	registry := tools.NewRegistry()
	registry.Register(tool)

	sink := &memorySink{}
	retriever := &fakeRetriever{}
	cfg := Config{
		Registry: registry,
		Guard: guardrail.NewRuleEngine(guardrail.Config{
			BlockedSymbols: []string{"GME"},
			MaxBatchSize:   3,
			MaxAmount:      1_000_000,
		}),
		Limits: risk.ExposureLimits{
			MaxSingleOrderNotional:   500_000,
			MaxNotionalPerName:       2_000_000,
			MaxTotalAbsoluteNotional: 25_000_000,
			MaxVolScaledNotional:     50_000,
		},
		Retriever: retriever,
		Recorder:  decision.NewRecorder(sink, sink, false, testLogger()),
	}
	if opts != nil {
		opts(&cfg)
	}
	return &harness{
		dispatcher: New(cfg, testLogger()),
		sink:       sink,
		retriever:  retriever,
	}
}

// --- Guardrail gate ---

func TestDispatch_GuardrailBlockSkipsHandler(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData, output: "ok"}
	h := newHarness(t, tool, nil)

	resp, err := h.dispatcher.Dispatch(context.Background(), "get_quote", map[string]any{"symbol": "GME"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.Blocked {
		t.Fatal("expected blocked response")
	}
	if resp.Code != guardrail.CodeBlocklistSymbol {
		t.Errorf("code = %q, want %q", resp.Code, guardrail.CodeBlocklistSymbol)
	}
	if tool.callCount() != 0 {
		t.Errorf("handler ran %d times for a blocked call", tool.callCount())
	}
	if h.retriever.calls != 0 {
		t.Error("retrieval should be skipped for guardrail-blocked calls")
	}

	entries := h.sink.all()
	if len(entries) != 2 { // One record, fanned to both streams.
		t.Fatalf("got %d sink appends, want 2", len(entries))
	}
	e := entries[0]
	if e.Outcome != decision.OutcomeBlocked {
		t.Errorf("outcome = %q", e.Outcome)
	}
	if e.ErrorCode != guardrail.CodeBlocklistSymbol {
		t.Errorf("error_code = %q", e.ErrorCode)
	}
	if e.PolicyResult.GuardrailAllowed {
		t.Error("policy_result.guardrail_allowed must be false")
	}
}

// --- Risk gate ---

func TestDispatch_RiskBlockSkipsHandler(t *testing.T) {
	tool := &fakeTradeTool{fakeTool{
		name:   "execute_trade",
		intent: tools.IntentTrading,
		output: "filled",
		trade:  &risk.TradeRequest{Symbol: "SPY", Side: risk.SideBuy, Quantity: 10_000, Price: 100},
	}}
	h := newHarness(t, tool, nil)

	resp, err := h.dispatcher.Dispatch(context.Background(), "execute_trade", map[string]any{"symbol": "SPY"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.Blocked {
		t.Fatal("expected blocked response")
	}
	if resp.Code != risk.ErrCodeSafetyLimit {
		t.Errorf("code = %q, want %q", resp.Code, risk.ErrCodeSafetyLimit)
	}
	if resp.SubCode != risk.SubCodeSingleOrder {
		t.Errorf("sub-code = %q, want %q", resp.SubCode, risk.SubCodeSingleOrder)
	}
	if resp.Details["notional"] != 1_000_000.0 {
		t.Errorf("details notional = %v", resp.Details["notional"])
	}
	if tool.callCount() != 0 {
		t.Error("handler must not run after a risk denial")
	}

	e := h.sink.all()[0]
	if !e.PolicyResult.GuardrailAllowed {
		t.Error("guardrails passed; the record must say so")
	}
	if e.ErrorSubCode != risk.SubCodeSingleOrder {
		t.Errorf("error_sub_code = %q", e.ErrorSubCode)
	}
}

func TestDispatch_RiskGateOnlyForTradeTools(t *testing.T) {
	// A non-trade tool with trade-sized args is not risk-checked.
	tool := &fakeTool{name: "run_backtest", intent: tools.IntentAnalysis, output: "report"}
	h := newHarness(t, tool, nil)

	resp, err := h.dispatcher.Dispatch(context.Background(), "run_backtest",
		map[string]any{"symbol": "SPY", "quantity": 1e9})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Blocked {
		t.Fatalf("non-trade tool blocked: %s", resp.Reason)
	}
}

func TestDispatch_ExposureSourceFeedsRiskCheck(t *testing.T) {
	tool := &fakeTradeTool{fakeTool{
		name:   "execute_trade",
		intent: tools.IntentTrading,
		trade:  &risk.TradeRequest{Symbol: "SPY", Side: risk.SideBuy, Quantity: 3_000, Price: 100},
	}}
	h := newHarness(t, tool, func(cfg *Config) {
		cfg.Exposure = StaticSource{State: risk.ExposureState{
			BySymbol:              map[string]float64{"SPY": 1_800_000},
			TotalAbsoluteNotional: 1_800_000,
		}}
	})

	resp, err := h.dispatcher.Dispatch(context.Background(), "execute_trade", map[string]any{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.SubCode != risk.SubCodePerName {
		t.Errorf("sub-code = %q, want %q", resp.SubCode, risk.SubCodePerName)
	}
}

// --- Retrieval splice ---

func TestDispatch_PolicyContextPrefixed(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData, output: "SPY last close 500.00"}
	h := newHarness(t, tool, nil)
	h.retriever.result = policy.RetrievalResult{Snippets: []policy.Snippet{
		{PolicyID: "pol-1", Title: "ETF guidance", Excerpt: "Index ETFs are unrestricted.", PolicyType: "compliance", Similarity: 0.88},
	}}

	resp, err := h.dispatcher.Dispatch(context.Background(), "get_quote", map[string]any{"symbol": "SPY"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(resp.Output, "ETF guidance") {
		t.Errorf("policy context missing from output:\n%s", resp.Output)
	}
	if !strings.HasSuffix(resp.Output, "SPY last close 500.00") {
		t.Errorf("handler output must follow the context block:\n%s", resp.Output)
	}
	idx := strings.Index(resp.Output, "ETF guidance")
	if out := strings.Index(resp.Output, "SPY last close"); out < idx {
		t.Error("context must be a prefix, not a suffix")
	}

	e := h.sink.all()[0]
	if e.PolicyResult.PolicySnippetCount != 1 {
		t.Errorf("policy_snippet_count = %d", e.PolicyResult.PolicySnippetCount)
	}
	if e.PolicyResult.TopSimilarity != 0.88 {
		t.Errorf("top_similarity = %v", e.PolicyResult.TopSimilarity)
	}
}

func TestDispatch_DegradedRetrievalDoesNotBlock(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData, output: "quote"}
	h := newHarness(t, tool, nil)
	h.retriever.result = policy.RetrievalResult{Err: "could not connect"}

	resp, err := h.dispatcher.Dispatch(context.Background(), "get_quote", map[string]any{"symbol": "SPY"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Blocked {
		t.Fatal("degraded retrieval must never block execution")
	}
	if resp.Output != "quote" {
		t.Errorf("output = %q, want bare handler output", resp.Output)
	}

	// The degradation message lands in the ledger so a broken retriever is
	// distinguishable from "no matching policies".
	entries := h.sink.all()
	if len(entries) == 0 {
		t.Fatal("expected a decision record")
	}
	if got := entries[0].PolicyResult.RetrievalError; got != "could not connect" {
		t.Errorf("recorded retrieval error = %q, want %q", got, "could not connect")
	}
	if entries[0].PolicyResult.PolicySnippetCount != 0 {
		t.Errorf("snippet count = %d, want 0", entries[0].PolicyResult.PolicySnippetCount)
	}
}

func TestDispatch_SuccessfulRetrievalRecordsNoError(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData, output: "quote"}
	h := newHarness(t, tool, nil)

	if _, err := h.dispatcher.Dispatch(context.Background(), "get_quote", map[string]any{"symbol": "SPY"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	entries := h.sink.all()
	if len(entries) == 0 {
		t.Fatal("expected a decision record")
	}
	if got := entries[0].PolicyResult.RetrievalError; got != "" {
		t.Errorf("recorded retrieval error = %q, want empty", got)
	}
}

func TestDispatch_NoRetrieverConfigured(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData, output: "quote"}
	h := newHarness(t, tool, func(cfg *Config) { cfg.Retriever = nil })

	resp, err := h.dispatcher.Dispatch(context.Background(), "get_quote", map[string]any{"symbol": "SPY"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Blocked || resp.Output != "quote" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

// --- Decision log ---

func TestDispatch_ExactlyOneRecordPerCall(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData, output: "ok"}
	h := newHarness(t, tool, nil)

	if _, err := h.dispatcher.Dispatch(context.Background(), "get_quote", map[string]any{"symbol": "SPY"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// The recorder fans one record out to two streams (same sink here).
	entries := h.sink.all()
	if len(entries) != 2 {
		t.Fatalf("got %d appends, want 2 (one record × two streams)", len(entries))
	}
	if entries[0].DecisionID != entries[1].DecisionID {
		t.Error("both streams must carry the same record")
	}
	e := entries[0]
	if e.EventType != decision.EventType {
		t.Errorf("event_type = %q, want %q", e.EventType, decision.EventType)
	}
	if e.Outcome != decision.OutcomeExecuted {
		t.Errorf("outcome = %q", e.Outcome)
	}
	if e.IntentCategory != tools.IntentMarketData {
		t.Errorf("intent_category = %q", e.IntentCategory)
	}
	if !strings.HasPrefix(e.DecisionID, "get_quote-") {
		t.Errorf("decision_id = %q, want tool-name prefix", e.DecisionID)
	}
}

func TestDispatch_StrictAuditBlocksOnWriteFailure(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData, output: "ok"}
	registry := tools.NewRegistry()
	registry.Register(tool)
	failing := &memorySink{err: errors.New("disk full")}

	d := New(Config{
		Registry: registry,
		Guard:    guardrail.NewRuleEngine(guardrail.Config{}),
		Recorder: decision.NewRecorder(failing, failing, true, testLogger()),
	}, testLogger())

	resp, err := d.Dispatch(context.Background(), "get_quote", map[string]any{"symbol": "SPY"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.Blocked {
		t.Fatal("strict audit mode must block when the record cannot be written")
	}
	if tool.callCount() != 0 {
		t.Error("handler must not run without a durable record in strict mode")
	}
}

// --- Errors ---

func TestDispatch_UnknownTool(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData}
	h := newHarness(t, tool, nil)
	if _, err := h.dispatcher.Dispatch(context.Background(), "no_such_tool", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if len(h.sink.all()) != 0 {
		t.Error("unknown tools produce no decision record")
	}
}

func TestDispatch_HandlerErrorPropagates(t *testing.T) {
	tool := &fakeTool{name: "get_quote", intent: tools.IntentMarketData, execErr: errors.New("upstream down")}
	h := newHarness(t, tool, nil)
	if _, err := h.dispatcher.Dispatch(context.Background(), "get_quote", map[string]any{"symbol": "SPY"}); err == nil {
		t.Fatal("expected handler error")
	}
	// The approval was recorded before execution; the record stands.
	if len(h.sink.all()) != 2 {
		t.Error("approved call must be recorded even when execution fails")
	}
}

// --- Retrieval query ---

func TestRetrievalQuery(t *testing.T) {
	q := RetrievalQuery("execute_trade", map[string]any{
		"symbol":   "SPY",
		"side":     "buy",
		"quantity": 100.0,
		"note":     "",
	})
	if !strings.HasPrefix(q, "execute_trade") {
		t.Errorf("query must start with the tool name, got %q", q)
	}
	for _, want := range []string{"symbol: SPY", "side: buy", "quantity: 100"} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
	if strings.Contains(q, "note") {
		t.Error("empty arguments must be omitted")
	}
	// Key order is deterministic regardless of map iteration.
	for i := 0; i < 20; i++ {
		if got := RetrievalQuery("execute_trade", map[string]any{
			"symbol": "SPY", "side": "buy", "quantity": 100.0, "note": "",
		}); got != q {
			t.Fatal("query must be deterministic")
		}
	}
}

func TestRetrievalQuery_Truncated(t *testing.T) {
	q := RetrievalQuery("tool", map[string]any{"blob": strings.Repeat("x", 20_000)})
	if len(q) > maxQueryBytes {
		t.Errorf("query length %d exceeds cap %d", len(q), maxQueryBytes)
	}
}

func TestRetrievalQuery_TruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte runes placed so the byte cap would land mid-rune.
	q := RetrievalQuery("tool", map[string]any{"blob": strings.Repeat("é", 10_000)})
	if len(q) > maxQueryBytes {
		t.Errorf("query length %d exceeds cap %d", len(q), maxQueryBytes)
	}
	if !utf8.ValidString(q) {
		t.Error("truncated query is not valid UTF-8")
	}
}
