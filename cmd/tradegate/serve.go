package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/qtos-io/tradegate/internal/config"
	"github.com/qtos-io/tradegate/internal/mcpserver"
	"github.com/qtos-io/tradegate/internal/observability"
)

var (
	serveConfigPath string
	serveTransport  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gated MCP server (stdio or streamable HTTP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `tradegate --config path` and `tradegate serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "tradegate.yaml", "path to config file")
		cmd.Flags().StringVar(&serveTransport, "transport", "", "override MCP transport (stdio or http)")
	}
}

// runServe starts the gated MCP server.
func runServe(_ *cobra.Command, _ []string) error {
	// Logs go to stderr: in stdio mode stdout belongs to the MCP protocol.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("TRADEGATE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveTransport != "" {
		cfg.Server.Transport = serveTransport
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sc.VolRefresh != nil {
		if err := sc.VolRefresh.Start(cfg.Volatility.RefreshCron); err != nil {
			return fmt.Errorf("starting volatility refresh: %w", err)
		}
		defer sc.VolRefresh.Stop()
	}

	if cfg.Server.OpsAddr != "" {
		ops := observability.NewOpsServer(cfg.Server.OpsAddr, metricsPath(cfg), sc.Obs, logger)
		go func() {
			if err := ops.Start(ctx); err != nil {
				logger.Error("ops endpoint failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ops.Stop(shutdownCtx)
		}()
	}

	srv, err := mcpserver.New("tradegate", version, sc.Registry, sc.Dispatcher, logger)
	if err != nil {
		return err
	}

	logger.Info("tradegate starting",
		slog.String("transport", cfg.Server.MCPTransport()),
		slog.Int("tools", len(sc.Registry.List())),
		slog.Bool("retrieval", sc.Pool != nil),
		slog.Bool("strict_audit", cfg.Audit.Strict),
	)

	switch cfg.Server.MCPTransport() {
	case "http":
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ServeHTTP(cfg.Server.HTTPListenAddr()) }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	default:
		return srv.ServeStdio()
	}
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Path != "" {
		return cfg.Observability.Metrics.Path
	}
	return "/metrics"
}
