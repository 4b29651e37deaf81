// Package trading implements the orchestrator-backed tools: trade execution,
// backtests, and decision runs. Trade tools expose their parsed request so the
// risk circuit breaker evaluates them before the orchestrator is ever called.
package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/qtos-io/tradegate/internal/risk"
)

// Client is a thin REST client for the trading orchestrator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an orchestrator client. Timeout bounds every request.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SubmitTrade posts an order to the orchestrator and returns its raw JSON
// response. Only called after the order has cleared every gate.
func (c *Client) SubmitTrade(ctx context.Context, req risk.TradeRequest) (string, error) {
	payload := map[string]any{
		"symbol":     req.Symbol,
		"side":       string(req.Side),
		"quantity":   req.Quantity,
		"price":      req.Price,
		"order_type": string(req.OrderType),
	}
	return c.post(ctx, "/trade", payload)
}

// RunBacktest posts a backtest request and returns the orchestrator's report.
func (c *Client) RunBacktest(ctx context.Context, payload map[string]any) (string, error) {
	return c.post(ctx, "/backtest", payload)
}

// RunDecision asks the orchestrator to produce a trading decision for a symbol.
func (c *Client) RunDecision(ctx context.Context, payload map[string]any) (string, error) {
	return c.post(ctx, "/decision", payload)
}

type accountResponse struct {
	Positions []struct {
		Symbol   string  `json:"symbol"`
		Notional float64 `json:"notional"`
	} `json:"positions"`
	TotalAbsoluteNotional float64 `json:"total_absolute_notional"`
}

// Snapshot fetches the orchestrator's account book as exposure state. It
// makes *Client usable as the dispatcher's live exposure source.
func (c *Client) Snapshot(ctx context.Context) (risk.ExposureState, error) {
	body, err := c.get(ctx, "/account/exposure")
	if err != nil {
		return risk.ExposureState{}, err
	}
	var acct accountResponse
	if err := json.Unmarshal([]byte(body), &acct); err != nil {
		return risk.ExposureState{}, fmt.Errorf("decoding account exposure: %w", err)
	}
	state := risk.ExposureState{
		BySymbol:              make(map[string]float64, len(acct.Positions)),
		TotalAbsoluteNotional: acct.TotalAbsoluteNotional,
	}
	for _, p := range acct.Positions {
		state.BySymbol[strings.ToUpper(p.Symbol)] = p.Notional
	}
	return state, nil
}

func (c *Client) get(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling orchestrator: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading orchestrator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("orchestrator %s returned %d: %s", req.URL.Path, resp.StatusCode, string(body))
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return string(body), nil
	}
	return buf.String(), nil
}
