package market

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/qtos-io/tradegate/internal/tools"
)

// QuoteTool returns the latest close for a single symbol.
type QuoteTool struct {
	client *Client
	logger *slog.Logger
}

// NewQuoteTool creates the get_quote tool.
func NewQuoteTool(client *Client, logger *slog.Logger) *QuoteTool {
	return &QuoteTool{client: client, logger: logger}
}

func (t *QuoteTool) Name() string        { return "get_quote" }
func (t *QuoteTool) Description() string { return "Get the latest quote for a ticker symbol." }
func (t *QuoteTool) Intent() string      { return tools.IntentMarketData }

func (t *QuoteTool) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"symbol"},
		"properties": map[string]any{
			"symbol": map[string]any{"type": "string", "description": "Ticker symbol (e.g. SPY, AAPL)"},
		},
	}
}

func (t *QuoteTool) Validate(args map[string]any) error {
	_, err := tools.RequireString(args, "symbol")
	return err
}

func (t *QuoteTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	symbol, _ := tools.RequireString(args, "symbol")
	rows, err := t.client.Prices(ctx, symbol, 1)
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("Error fetching quote for %s: %v", strings.ToUpper(symbol), err)}, nil
	}
	if len(rows) == 0 {
		return &tools.Result{Output: fmt.Sprintf("No price data for %s", strings.ToUpper(symbol))}, nil
	}
	last := rows[len(rows)-1]
	return &tools.Result{
		Output: fmt.Sprintf("%s last close %.2f (high %.2f, low %.2f, volume %d) at %s",
			last.Symbol, last.Close, last.High, last.Low, last.Volume, last.Timestamp.Format("2006-01-02 15:04")),
		Success:  true,
		Metadata: map[string]any{"symbol": last.Symbol, "close": last.Close},
	}, nil
}

// QuotesTool returns latest closes for a batch of symbols.
type QuotesTool struct {
	client *Client
	logger *slog.Logger
}

// NewQuotesTool creates the get_quotes batch tool.
func NewQuotesTool(client *Client, logger *slog.Logger) *QuotesTool {
	return &QuotesTool{client: client, logger: logger}
}

func (t *QuotesTool) Name() string        { return "get_quotes" }
func (t *QuotesTool) Description() string { return "Get the latest quotes for a batch of ticker symbols." }
func (t *QuotesTool) Intent() string      { return tools.IntentMarketData }

func (t *QuotesTool) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"symbols"},
		"properties": map[string]any{
			"symbols": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Ticker symbols to quote",
			},
		},
	}
}

func (t *QuotesTool) Validate(args map[string]any) error {
	v, ok := args["symbols"]
	if !ok {
		return fmt.Errorf("missing required parameter: symbols")
	}
	list, ok := v.([]any)
	if !ok {
		if _, isStrings := v.([]string); !isStrings {
			return fmt.Errorf("parameter symbols must be an array of strings")
		}
		return nil
	}
	if len(list) == 0 {
		return fmt.Errorf("parameter symbols must not be empty")
	}
	for _, item := range list {
		if _, ok := item.(string); !ok {
			return fmt.Errorf("parameter symbols must contain only strings")
		}
	}
	return nil
}

func (t *QuotesTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	symbols := symbolList(args["symbols"])
	prices, err := t.client.BulkPrices(ctx, symbols)
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("Error fetching quotes: %v", err)}, nil
	}
	var sb strings.Builder
	for _, sym := range symbols {
		rows := prices[strings.ToUpper(sym)]
		if len(rows) == 0 {
			fmt.Fprintf(&sb, "%s: no data\n", strings.ToUpper(sym))
			continue
		}
		last := rows[len(rows)-1]
		fmt.Fprintf(&sb, "%s: %.2f\n", last.Symbol, last.Close)
	}
	return &tools.Result{Output: sb.String(), Success: true}, nil
}

func symbolList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// historyTool is the shared shape of the prices/news/insider passthrough
// tools; they differ only in endpoint and limits.
type historyTool struct {
	name        string
	description string
	path        string
	defLimit    int
	maxLimit    int
	client      *Client
	logger      *slog.Logger
}

func (t *historyTool) Name() string        { return t.name }
func (t *historyTool) Description() string { return t.description }
func (t *historyTool) Intent() string      { return tools.IntentMarketData }

func (t *historyTool) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"symbol"},
		"properties": map[string]any{
			"symbol": map[string]any{"type": "string", "description": "Ticker symbol"},
			"limit":  map[string]any{"type": "integer", "description": fmt.Sprintf("Max items to return (default %d)", t.defLimit)},
		},
	}
}

func (t *historyTool) Validate(args map[string]any) error {
	if _, err := tools.RequireString(args, "symbol"); err != nil {
		return err
	}
	if limit := tools.OptionalNumber(args, "limit", float64(t.defLimit)); limit < 1 {
		return fmt.Errorf("parameter limit must be at least 1")
	}
	return nil
}

func (t *historyTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	symbol, _ := tools.RequireString(args, "symbol")
	limit := int(tools.OptionalNumber(args, "limit", float64(t.defLimit)))
	if limit > t.maxLimit {
		limit = t.maxLimit
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	out, err := t.client.RawJSON(ctx, t.path+strings.ToUpper(symbol), q)
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("Error calling data service %s: %v", t.path, err)}, nil
	}
	return &tools.Result{Output: tools.TruncateOutput(out, tools.MaxOutputBytes), Success: true}, nil
}

// NewPricesTool creates the get_prices tool (OHLCV history).
func NewPricesTool(client *Client, logger *slog.Logger) tools.Tool {
	return &historyTool{
		name:        "get_prices",
		description: "Get OHLCV price history for a symbol from the data service.",
		path:        "/prices/",
		defLimit:    100,
		maxLimit:    1000,
		client:      client,
		logger:      logger,
	}
}

// NewNewsTool creates the get_news tool.
func NewNewsTool(client *Client, logger *slog.Logger) tools.Tool {
	return &historyTool{
		name:        "get_news",
		description: "Get recent news for a symbol from the data service.",
		path:        "/news/",
		defLimit:    20,
		maxLimit:    500,
		client:      client,
		logger:      logger,
	}
}

// NewInsiderTool creates the get_insider tool.
func NewInsiderTool(client *Client, logger *slog.Logger) tools.Tool {
	return &historyTool{
		name:        "get_insider",
		description: "Get recent insider transactions for a symbol from the data service.",
		path:        "/insider/",
		defLimit:    20,
		maxLimit:    500,
		client:      client,
		logger:      logger,
	}
}
