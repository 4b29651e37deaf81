// TradeGate — risk-gated MCP server for agent-driven trading tools.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradegate",
	Short: "TradeGate — compliance and risk gate for agent-invoked trading tools.",
	Long: `TradeGate sits between AI agents and the trading stack. Every tool call an
agent makes passes through deterministic compliance guardrails, a pre-trade
risk circuit breaker, and an append-only decision log before anything
reaches market data or order execution.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, policiesCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
