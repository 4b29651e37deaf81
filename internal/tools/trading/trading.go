package trading

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qtos-io/tradegate/internal/risk"
	"github.com/qtos-io/tradegate/internal/tools"
)

// ExecuteTradeTool submits an order through the orchestrator. It implements
// tools.TradeCall so the circuit breaker sees the parsed request first.
type ExecuteTradeTool struct {
	client *Client
	logger *slog.Logger
}

// NewExecuteTradeTool creates the execute_trade tool.
func NewExecuteTradeTool(client *Client, logger *slog.Logger) *ExecuteTradeTool {
	return &ExecuteTradeTool{client: client, logger: logger}
}

func (t *ExecuteTradeTool) Name() string { return "execute_trade" }
func (t *ExecuteTradeTool) Description() string {
	return "Submit a trade order for execution. Orders pass compliance and risk checks before reaching the broker."
}
func (t *ExecuteTradeTool) Intent() string { return tools.IntentTrading }

func (t *ExecuteTradeTool) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"symbol", "side", "quantity", "price"},
		"properties": map[string]any{
			"symbol":     map[string]any{"type": "string", "description": "Ticker symbol"},
			"side":       map[string]any{"type": "string", "enum": []string{"buy", "sell"}},
			"quantity":   map[string]any{"type": "number", "description": "Number of shares, must be positive"},
			"price":      map[string]any{"type": "number", "description": "Limit or reference price per share"},
			"order_type": map[string]any{"type": "string", "enum": []string{"market", "limit"}, "description": "Default: market"},
		},
	}
}

func (t *ExecuteTradeTool) Validate(args map[string]any) error {
	_, err := t.TradeRequest(args)
	return err
}

// TradeRequest parses and normalizes the order arguments.
func (t *ExecuteTradeTool) TradeRequest(args map[string]any) (risk.TradeRequest, error) {
	symbol, err := tools.RequireString(args, "symbol")
	if err != nil {
		return risk.TradeRequest{}, err
	}
	sideRaw, err := tools.RequireString(args, "side")
	if err != nil {
		return risk.TradeRequest{}, err
	}
	side, ok := risk.ParseSide(sideRaw)
	if !ok {
		return risk.TradeRequest{}, fmt.Errorf("parameter side must be \"buy\" or \"sell\", got %q", sideRaw)
	}
	quantity, err := tools.RequireNumber(args, "quantity")
	if err != nil {
		return risk.TradeRequest{}, err
	}
	price, err := tools.RequireNumber(args, "price")
	if err != nil {
		return risk.TradeRequest{}, err
	}
	orderType, ok := risk.ParseOrderType(tools.OptionalString(args, "order_type", ""))
	if !ok {
		return risk.TradeRequest{}, fmt.Errorf("parameter order_type must be \"market\" or \"limit\"")
	}
	return risk.TradeRequest{
		Symbol:    strings.ToUpper(symbol),
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		OrderType: orderType,
	}, nil
}

func (t *ExecuteTradeTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	req, err := t.TradeRequest(args)
	if err != nil {
		return nil, err
	}
	out, err := t.client.SubmitTrade(ctx, req)
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("Trade submission failed: %v", err)}, nil
	}
	t.logger.Info("trade submitted",
		"symbol", req.Symbol,
		"side", string(req.Side),
		"notional", req.Notional())
	return &tools.Result{
		Output:  out,
		Success: true,
		Metadata: map[string]any{
			"symbol":   req.Symbol,
			"side":     string(req.Side),
			"notional": req.Notional(),
		},
	}, nil
}

// BacktestTool proxies backtest runs to the orchestrator.
type BacktestTool struct {
	client *Client
	logger *slog.Logger
}

// NewBacktestTool creates the run_backtest tool.
func NewBacktestTool(client *Client, logger *slog.Logger) *BacktestTool {
	return &BacktestTool{client: client, logger: logger}
}

func (t *BacktestTool) Name() string { return "run_backtest" }
func (t *BacktestTool) Description() string {
	return "Run a strategy backtest over a symbol and date range."
}
func (t *BacktestTool) Intent() string { return tools.IntentAnalysis }

func (t *BacktestTool) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"symbol", "strategy"},
		"properties": map[string]any{
			"symbol":     map[string]any{"type": "string", "description": "Ticker symbol"},
			"strategy":   map[string]any{"type": "string", "description": "Strategy identifier"},
			"start_date": map[string]any{"type": "string", "description": "ISO date, e.g. 2024-01-01"},
			"end_date":   map[string]any{"type": "string", "description": "ISO date"},
			"capital":    map[string]any{"type": "number", "description": "Starting capital. Default: 100000"},
		},
	}
}

func (t *BacktestTool) Validate(args map[string]any) error {
	if _, err := tools.RequireString(args, "symbol"); err != nil {
		return err
	}
	_, err := tools.RequireString(args, "strategy")
	return err
}

func (t *BacktestTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	symbol, _ := tools.RequireString(args, "symbol")
	strategy, _ := tools.RequireString(args, "strategy")
	payload := map[string]any{
		"symbol":   strings.ToUpper(symbol),
		"strategy": strategy,
		"capital":  tools.OptionalNumber(args, "capital", 100_000),
	}
	if v := tools.OptionalString(args, "start_date", ""); v != "" {
		payload["start_date"] = v
	}
	if v := tools.OptionalString(args, "end_date", ""); v != "" {
		payload["end_date"] = v
	}
	out, err := t.client.RunBacktest(ctx, payload)
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("Backtest failed: %v", err)}, nil
	}
	return &tools.Result{Output: tools.TruncateOutput(out, tools.MaxOutputBytes), Success: true}, nil
}

// DecisionTool asks the orchestrator pipeline for a trading decision.
type DecisionTool struct {
	client *Client
	logger *slog.Logger
}

// NewDecisionTool creates the run_decision tool.
func NewDecisionTool(client *Client, logger *slog.Logger) *DecisionTool {
	return &DecisionTool{client: client, logger: logger}
}

func (t *DecisionTool) Name() string { return "run_decision" }
func (t *DecisionTool) Description() string {
	return "Run the full decision pipeline for a symbol and return the recommendation."
}
func (t *DecisionTool) Intent() string { return tools.IntentAnalysis }

func (t *DecisionTool) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"symbol"},
		"properties": map[string]any{
			"symbol": map[string]any{"type": "string", "description": "Ticker symbol"},
		},
	}
}

func (t *DecisionTool) Validate(args map[string]any) error {
	_, err := tools.RequireString(args, "symbol")
	return err
}

func (t *DecisionTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	symbol, _ := tools.RequireString(args, "symbol")
	out, err := t.client.RunDecision(ctx, map[string]any{"symbol": strings.ToUpper(symbol)})
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("Decision run failed: %v", err)}, nil
	}
	return &tools.Result{Output: tools.TruncateOutput(out, tools.MaxOutputBytes), Success: true}, nil
}

// CheckAmountTool verifies an amount against the compliance ceiling without
// side effects. The gate itself does the checking; execution only confirms.
type CheckAmountTool struct{}

// NewCheckAmountTool creates the check_amount tool.
func NewCheckAmountTool() *CheckAmountTool { return &CheckAmountTool{} }

func (t *CheckAmountTool) Name() string { return "check_amount" }
func (t *CheckAmountTool) Description() string {
	return "Check whether a monetary amount is within the allowed operating ceiling."
}
func (t *CheckAmountTool) Intent() string { return tools.IntentAnalysis }

func (t *CheckAmountTool) InputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"amount"},
		"properties": map[string]any{
			"amount": map[string]any{"type": "number", "description": "Amount in base currency"},
		},
	}
}

func (t *CheckAmountTool) Validate(args map[string]any) error {
	_, err := tools.RequireNumber(args, "amount")
	return err
}

func (t *CheckAmountTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	amount, err := tools.RequireNumber(args, "amount")
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:  fmt.Sprintf("Amount %.2f is within the allowed limit.", amount),
		Success: true,
	}, nil
}
