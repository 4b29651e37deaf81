// Package market implements the data-service-backed tools: quote lookups,
// price history, news, and insider transactions. Handlers proxy the external
// data-service REST API; upstream errors become tool output text rather than
// Go errors so the agent sees what went wrong.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a thin REST client for the data service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a data-service client. Timeout bounds every request.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// PriceRow is one OHLCV row from the data service.
type PriceRow struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Prices fetches up to limit OHLCV rows for a symbol, oldest first.
func (c *Client) Prices(ctx context.Context, symbol string, limit int) ([]PriceRow, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	body, err := c.get(ctx, "/prices/"+strings.ToUpper(symbol), q)
	if err != nil {
		return nil, err
	}
	var rows []PriceRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding price rows: %w", err)
	}
	return rows, nil
}

// BulkPrices fetches price history for multiple symbols in one call.
func (c *Client) BulkPrices(ctx context.Context, symbols []string) (map[string][]PriceRow, error) {
	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}
	body, err := c.post(ctx, "/prices/bulk", map[string]any{"symbols": upper})
	if err != nil {
		return nil, err
	}
	var result map[string][]PriceRow
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding bulk price rows: %w", err)
	}
	return result, nil
}

// RawJSON fetches a path and returns indented JSON for direct tool output.
func (c *Client) RawJSON(ctx context.Context, path string, query url.Values) (string, error) {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		// Upstream sent something that is not JSON; pass it through as-is.
		return string(body), nil
	}
	return buf.String(), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling data service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading data service response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("data service %s returned %d: %s", req.URL.Path, resp.StatusCode, string(body))
	}
	return body, nil
}
