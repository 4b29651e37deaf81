package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpsServer exposes the operational endpoints: /metrics, /live, and /ready.
// It runs beside the MCP transport so probes and scrapes never touch the
// gating path.
type OpsServer struct {
	addr    string
	obs     *Observability
	logger  *slog.Logger
	okapi   *okapi.Okapi
	server  *http.Server
	metrics string
}

// NewOpsServer creates the operational HTTP endpoint.
func NewOpsServer(addr, metricsPath string, obs *Observability, logger *slog.Logger) *OpsServer {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &OpsServer{
		addr:    addr,
		obs:     obs,
		logger:  logger,
		okapi:   okapi.New(),
		metrics: metricsPath,
	}
}

// Start registers routes and serves until Stop.
func (s *OpsServer) Start(ctx context.Context) error {
	s.okapi.Get("/live", s.handleLiveness)
	s.okapi.Get("/ready", s.handleReadiness)
	if s.obs != nil && s.obs.Metrics != nil {
		s.okapi.HandleStd("GET", s.metrics, promhttp.HandlerFor(s.obs.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("ops endpoint starting", slog.String("addr", s.addr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the ops endpoint.
func (s *OpsServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("ops endpoint stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *OpsServer) handleLiveness(c *okapi.Context) error {
	return c.OK(HealthStatus{Status: "ok"})
}

func (s *OpsServer) handleReadiness(c *okapi.Context) error {
	if s.obs == nil || s.obs.Health == nil {
		return c.OK(HealthStatus{Status: "ok"})
	}
	status := s.obs.Health.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
