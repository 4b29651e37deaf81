// Package config handles loading and validating tradegate configuration.
// Configuration is consolidated here and passed by value into the dispatcher,
// circuit breaker, and retriever — no component reads ambient environment
// variables directly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for tradegate.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Guardrails    GuardrailConfig      `json:"guardrails" yaml:"guardrails"`
	RiskLimits    RiskLimitsConfig     `json:"risk_limits" yaml:"risk_limits"`
	Volatility    VolatilityConfig     `json:"volatility" yaml:"volatility"`
	Exposure      ExposureConfig       `json:"exposure" yaml:"exposure"`
	Retrieval     RetrievalConfig      `json:"retrieval" yaml:"retrieval"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Upstream      UpstreamConfig       `json:"upstream" yaml:"upstream"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the MCP transport and the operational HTTP endpoint.
type ServerConfig struct {
	Transport string `json:"transport" yaml:"transport"` // "stdio" (default) or "http".
	HTTPAddr  string `json:"http_addr" yaml:"http_addr"` // Streamable HTTP listen address. Default: ":8002".
	OpsAddr   string `json:"ops_addr" yaml:"ops_addr"`   // Operational endpoint (/metrics, /live, /ready). Empty = disabled.
}

// MCPTransport returns the configured transport, defaulting to "stdio".
func (s ServerConfig) MCPTransport() string {
	if s.Transport != "" {
		return s.Transport
	}
	return "stdio"
}

// HTTPListenAddr returns the streamable HTTP address, defaulting to ":8002".
func (s ServerConfig) HTTPListenAddr() string {
	if s.HTTPAddr != "" {
		return s.HTTPAddr
	}
	return ":8002"
}

// GuardrailConfig holds the deterministic compliance rule set.
type GuardrailConfig struct {
	BlockedSymbols []string `json:"blocked_symbols" yaml:"blocked_symbols"`
	MaxBatchSize   int      `json:"max_batch_size" yaml:"max_batch_size"` // Default: 25.
	MaxAmount      float64  `json:"max_amount" yaml:"max_amount"`         // Default: 1_000_000.
}

// BatchSize returns the maximum symbols-per-batch, defaulting to 25.
func (g GuardrailConfig) BatchSize() int {
	if g.MaxBatchSize > 0 {
		return g.MaxBatchSize
	}
	return 25
}

// AmountCeiling returns the single-operation amount ceiling, defaulting to 1M.
func (g GuardrailConfig) AmountCeiling() float64 {
	if g.MaxAmount > 0 {
		return g.MaxAmount
	}
	return 1_000_000
}

// RiskLimitsConfig holds the circuit-breaker ceilings, all in one currency unit.
type RiskLimitsConfig struct {
	MaxSingleOrderNotional   float64 `json:"max_single_order_notional" yaml:"max_single_order_notional"`     // Default: 500_000.
	MaxNotionalPerName       float64 `json:"max_notional_per_name" yaml:"max_notional_per_name"`             // Default: 2_000_000.
	MaxTotalAbsoluteNotional float64 `json:"max_total_absolute_notional" yaml:"max_total_absolute_notional"` // Default: 25_000_000.
	MaxVolScaledNotional     float64 `json:"max_vol_scaled_notional" yaml:"max_vol_scaled_notional"`         // Default: 50_000.
}

// WithDefaults returns the limits with zero fields replaced by defaults.
func (r RiskLimitsConfig) WithDefaults() RiskLimitsConfig {
	if r.MaxSingleOrderNotional <= 0 {
		r.MaxSingleOrderNotional = 500_000
	}
	if r.MaxNotionalPerName <= 0 {
		r.MaxNotionalPerName = 2_000_000
	}
	if r.MaxTotalAbsoluteNotional <= 0 {
		r.MaxTotalAbsoluteNotional = 25_000_000
	}
	if r.MaxVolScaledNotional <= 0 {
		r.MaxVolScaledNotional = 50_000
	}
	return r
}

// VolatilityConfig seeds the per-symbol daily-volatility map and the optional
// refresh schedule that recomputes it from price history.
type VolatilityConfig struct {
	BySymbol       map[string]float64 `json:"by_symbol,omitempty" yaml:"by_symbol,omitempty"`
	Default        float64            `json:"default" yaml:"default"`                 // 0 = no default (vol check skipped for unknown symbols).
	RefreshCron    string             `json:"refresh_cron" yaml:"refresh_cron"`       // e.g. "0 18 * * 1-5". Empty = no refresh.
	LookbackDays   int                `json:"lookback_days" yaml:"lookback_days"`     // Default: 90.
	RefreshSymbols []string           `json:"refresh_symbols" yaml:"refresh_symbols"` // Symbols the refresher recomputes.
}

// Lookback returns the refresh lookback window in days, defaulting to 90.
func (v VolatilityConfig) Lookback() int {
	if v.LookbackDays > 0 {
		return v.LookbackDays
	}
	return 90
}

// ExposureConfig selects where the risk checks get their book snapshot.
// The static snapshot comes from this config; the orchestrator source fetches
// the live book from the account endpoint on every trade call.
type ExposureConfig struct {
	Source                string             `json:"source" yaml:"source"` // "static" (default) or "orchestrator".
	BySymbol              map[string]float64 `json:"by_symbol,omitempty" yaml:"by_symbol,omitempty"`
	TotalAbsoluteNotional float64            `json:"total_absolute_notional" yaml:"total_absolute_notional"`
}

// ExposureSource returns the configured snapshot source, defaulting to static.
func (e ExposureConfig) ExposureSource() string {
	if e.Source != "" {
		return e.Source
	}
	return "static"
}

// RetrievalConfig configures the policy retriever.
type RetrievalConfig struct {
	DatabaseURL      string  `json:"database_url" yaml:"database_url"` // Empty = retrieval disabled. Override: TRADEGATE_DATABASE_URL.
	EmbeddingAPIKey  string  `json:"embedding_api_key" yaml:"embedding_api_key"`
	EmbeddingBaseURL string  `json:"embedding_base_url" yaml:"embedding_base_url"` // Default: https://api.openai.com.
	EmbeddingModel   string  `json:"embedding_model" yaml:"embedding_model"`       // Default: text-embedding-3-small.
	TopK             int     `json:"top_k" yaml:"top_k"`                           // Default: 5.
	MinSimilarity    float64 `json:"min_similarity" yaml:"min_similarity"`         // Default: 0.7.
	TimeoutSeconds   int     `json:"timeout_seconds" yaml:"timeout_seconds"`       // Default: 10.
}

// K returns the top-K result cap, defaulting to 5.
func (r RetrievalConfig) K() int {
	if r.TopK > 0 {
		return r.TopK
	}
	return 5
}

// Threshold returns the minimum cosine similarity, defaulting to 0.7.
func (r RetrievalConfig) Threshold() float64 {
	if r.MinSimilarity > 0 {
		return r.MinSimilarity
	}
	return 0.7
}

// Timeout bounds the embedding call plus the similarity query.
func (r RetrievalConfig) Timeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Model returns the embedding model identifier.
func (r RetrievalConfig) Model() string {
	if r.EmbeddingModel != "" {
		return r.EmbeddingModel
	}
	return "text-embedding-3-small"
}

// AuditConfig configures the decision log destinations.
type AuditConfig struct {
	EphemeralPath string            `json:"ephemeral_path" yaml:"ephemeral_path"`               // Operational stream. Default: tradegate-decisions.log.
	DurablePath   string            `json:"durable_path" yaml:"durable_path"`                   // Event stream. Default: tradegate-decisions.jsonl.
	Strict        bool              `json:"strict" yaml:"strict"`                               // true = a failed decision-log write blocks execution.
	EventStore    *EventStoreConfig `json:"event_store,omitempty" yaml:"event_store,omitempty"` // nil = no database mirror.
}

// EphemeralStream returns the ephemeral destination path with its default.
func (a AuditConfig) EphemeralStream() string {
	if a.EphemeralPath != "" {
		return a.EphemeralPath
	}
	return "tradegate-decisions.log"
}

// DurableStream returns the durable destination path with its default.
func (a AuditConfig) DurableStream() string {
	if a.DurablePath != "" {
		return a.DurablePath
	}
	return "tradegate-decisions.jsonl"
}

// EventStoreConfig configures the database mirror of the decision log.
type EventStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`                 // "sqlite" (default) or "postgres".
	Path   string `json:"path,omitempty" yaml:"path,omitempty"` // SQLite file path.
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`   // Postgres DSN.
}

// StoreDriver returns the configured driver, defaulting to "sqlite".
func (e *EventStoreConfig) StoreDriver() string {
	if e != nil && e.Driver != "" {
		return e.Driver
	}
	return "sqlite"
}

// UpstreamConfig holds the REST collaborators the gated tools proxy.
type UpstreamConfig struct {
	DataServiceURL  string `json:"data_service_url" yaml:"data_service_url"` // Default: http://localhost:8001.
	OrchestratorURL string `json:"orchestrator_url" yaml:"orchestrator_url"` // Default: http://localhost:8000.
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`   // Default: 30.
}

// DataService returns the data-service base URL with its default.
func (u UpstreamConfig) DataService() string {
	if u.DataServiceURL != "" {
		return u.DataServiceURL
	}
	return "http://localhost:8001"
}

// Orchestrator returns the orchestrator base URL with its default.
func (u UpstreamConfig) Orchestrator() string {
	if u.OrchestratorURL != "" {
		return u.OrchestratorURL
	}
	return "http://localhost:8000"
}

// Timeout returns the upstream request timeout, defaulting to 30s.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutSeconds > 0 {
		return time.Duration(u.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tradegate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// Load reads the YAML config file at path and applies environment overrides.
// A missing file yields a default config rather than an error so the server
// can run with flags and env alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults + env only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("TRADEGATE_DATABASE_URL"); v != "" {
		c.Retrieval.DatabaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Retrieval.EmbeddingAPIKey == "" {
		c.Retrieval.EmbeddingAPIKey = v
	}
	if v := os.Getenv("DATA_SERVICE_URL"); v != "" {
		c.Upstream.DataServiceURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_URL"); v != "" {
		c.Upstream.OrchestratorURL = v
	}
}

// Validate rejects configurations that cannot produce sound gating decisions.
func (c *Config) Validate() error {
	if c.Guardrails.MaxBatchSize < 0 {
		return fmt.Errorf("guardrails.max_batch_size must not be negative")
	}
	if c.Guardrails.MaxAmount < 0 {
		return fmt.Errorf("guardrails.max_amount must not be negative")
	}
	limits := []struct {
		name  string
		value float64
	}{
		{"risk_limits.max_single_order_notional", c.RiskLimits.MaxSingleOrderNotional},
		{"risk_limits.max_notional_per_name", c.RiskLimits.MaxNotionalPerName},
		{"risk_limits.max_total_absolute_notional", c.RiskLimits.MaxTotalAbsoluteNotional},
		{"risk_limits.max_vol_scaled_notional", c.RiskLimits.MaxVolScaledNotional},
	}
	for _, l := range limits {
		if l.value < 0 {
			return fmt.Errorf("%s must not be negative", l.name)
		}
	}
	for sym, vol := range c.Volatility.BySymbol {
		if vol < 0 {
			return fmt.Errorf("volatility.by_symbol[%s] must not be negative", sym)
		}
	}
	if tr := c.Server.Transport; tr != "" && tr != "stdio" && tr != "http" {
		return fmt.Errorf("server.transport must be \"stdio\" or \"http\", got %q", tr)
	}
	if src := c.Exposure.Source; src != "" && src != "static" && src != "orchestrator" {
		return fmt.Errorf("exposure.source must be \"static\" or \"orchestrator\", got %q", src)
	}
	return nil
}
