package market

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func priceRows(symbol string, closes ...float64) []map[string]any {
	rows := make([]map[string]any, len(closes))
	ts := time.Date(2026, 8, 1, 16, 0, 0, 0, time.UTC)
	for i, c := range closes {
		rows[i] = map[string]any{
			"symbol":    symbol,
			"timestamp": ts.Add(time.Duration(i) * 24 * time.Hour).Format(time.RFC3339),
			"open":      c - 1,
			"high":      c + 1,
			"low":       c - 2,
			"close":     c,
			"volume":    1000,
		}
	}
	return rows
}

func dataService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/prices/SPY", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(priceRows("SPY", 498, 500.25))
	})
	mux.HandleFunc("/prices/bulk", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Symbols []string `json:"symbols"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding bulk request: %v", err)
		}
		out := make(map[string]any, len(body.Symbols))
		for _, s := range body.Symbols {
			out[s] = priceRows(s, 100)
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/news/SPY", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") == "" {
			t.Error("news request missing limit")
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{{"title": "Fed holds rates", "symbol": "SPY"}})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no data", http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

// --- Client ---

func TestClient_Prices(t *testing.T) {
	srv := dataService(t)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	rows, err := c.Prices(context.Background(), "spy", 10)
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[1].Close != 500.25 {
		t.Errorf("close = %v", rows[1].Close)
	}
}

func TestClient_BulkPrices(t *testing.T) {
	srv := dataService(t)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	prices, err := c.BulkPrices(context.Background(), []string{"spy", "qqq"})
	if err != nil {
		t.Fatalf("BulkPrices: %v", err)
	}
	if len(prices["SPY"]) != 1 || len(prices["QQQ"]) != 1 {
		t.Errorf("bulk prices = %v", prices)
	}
}

func TestClient_UpstreamErrorIncludesStatus(t *testing.T) {
	srv := dataService(t)
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	_, err := c.Prices(context.Background(), "MISSING", 10)
	if err == nil {
		t.Fatal("expected error for unknown symbol")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the status code, got %v", err)
	}
}

// --- Tools ---

func TestQuoteTool_Execute(t *testing.T) {
	srv := dataService(t)
	defer srv.Close()

	tool := NewQuoteTool(NewClient(srv.URL, 5*time.Second, testLogger()), testLogger())
	if err := tool.Validate(map[string]any{"symbol": "SPY"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	res, err := tool.Execute(context.Background(), map[string]any{"symbol": "SPY"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("quote failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "500.25") {
		t.Errorf("output missing close: %q", res.Output)
	}
}

func TestQuoteTool_UpstreamErrorIsOutput(t *testing.T) {
	tool := NewQuoteTool(NewClient("http://127.0.0.1:1", time.Second, testLogger()), testLogger())
	res, err := tool.Execute(context.Background(), map[string]any{"symbol": "SPY"})
	if err != nil {
		t.Fatalf("upstream failures become output, not errors: %v", err)
	}
	if res.Success {
		t.Error("result should not be marked successful")
	}
	if !strings.Contains(res.Output, "Error fetching quote") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestQuotesTool_Validate(t *testing.T) {
	tool := NewQuotesTool(nil, testLogger())
	if err := tool.Validate(map[string]any{}); err == nil {
		t.Error("missing symbols must error")
	}
	if err := tool.Validate(map[string]any{"symbols": []any{}}); err == nil {
		t.Error("empty symbols must error")
	}
	if err := tool.Validate(map[string]any{"symbols": []any{"SPY", 42}}); err == nil {
		t.Error("non-string element must error")
	}
	if err := tool.Validate(map[string]any{"symbols": []any{"SPY", "QQQ"}}); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}
}

func TestQuotesTool_Execute(t *testing.T) {
	srv := dataService(t)
	defer srv.Close()

	tool := NewQuotesTool(NewClient(srv.URL, 5*time.Second, testLogger()), testLogger())
	res, err := tool.Execute(context.Background(), map[string]any{"symbols": []any{"SPY", "QQQ"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "SPY: 100.00") || !strings.Contains(res.Output, "QQQ: 100.00") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestNewsTool_Execute(t *testing.T) {
	srv := dataService(t)
	defer srv.Close()

	tool := NewNewsTool(NewClient(srv.URL, 5*time.Second, testLogger()), testLogger())
	res, err := tool.Execute(context.Background(), map[string]any{"symbol": "spy", "limit": 5.0})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "Fed holds rates") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestHistoryTool_ValidateLimit(t *testing.T) {
	tool := NewPricesTool(nil, testLogger())
	if err := tool.Validate(map[string]any{"symbol": "SPY", "limit": 0.0}); err == nil {
		t.Error("zero limit must error")
	}
	if err := tool.Validate(map[string]any{"symbol": "SPY"}); err != nil {
		t.Errorf("default limit rejected: %v", err)
	}
}
