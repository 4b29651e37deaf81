package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qtos-io/tradegate/internal/config"
	"github.com/qtos-io/tradegate/internal/decision"
	"github.com/qtos-io/tradegate/internal/dispatch"
	"github.com/qtos-io/tradegate/internal/guardrail"
	"github.com/qtos-io/tradegate/internal/observability"
	"github.com/qtos-io/tradegate/internal/policy"
	"github.com/qtos-io/tradegate/internal/risk"
	"github.com/qtos-io/tradegate/internal/tools"
	"github.com/qtos-io/tradegate/internal/tools/market"
	"github.com/qtos-io/tradegate/internal/tools/trading"
	"github.com/qtos-io/tradegate/internal/volatility"
)

const poolConnectTimeout = 10 * time.Second

// SharedComponents holds the initialized subsystems the serve and policies
// commands share. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Pool       *pgxpool.Pool // Non-nil only when a policy store is configured.
	Recorder   *decision.Recorder
	EventStore *decision.EventStore // nil = no database mirror.
	Registry   *tools.Registry
	Dispatcher *dispatch.Dispatcher
	VolRefresh *volatility.Refresher // nil = no scheduled refresh.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the common initialization for serve mode.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	if obs != nil {
		sc.addCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(ctx)
		})
	}

	// Decision log: ephemeral and durable JSONL streams.
	ephemeral, err := decision.NewFileSink(cfg.Audit.EphemeralStream())
	if err != nil {
		return nil, fmt.Errorf("opening ephemeral decision log: %w", err)
	}
	durable, err := decision.NewFileSink(cfg.Audit.DurableStream())
	if err != nil {
		_ = ephemeral.Close()
		return nil, fmt.Errorf("opening durable decision log: %w", err)
	}
	recorder := decision.NewRecorder(ephemeral, durable, cfg.Audit.Strict, logger)
	if obs != nil && obs.Metrics != nil {
		recorder.WithFailureHook(obs.Metrics.LogWriteFailures.Inc)
	}

	// Optional database mirror of the decision log.
	if es := cfg.Audit.EventStore; es != nil {
		store, err := decision.OpenEventStore(decision.EventStoreConfig{
			Driver: es.StoreDriver(),
			Path:   es.Path,
			DSN:    es.DSN,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening decision event store: %w", err)
		}
		sc.EventStore = store
		recorder.WithSink(store)
	}
	sc.Recorder = recorder
	sc.addCleanup(func() {
		if err := recorder.Close(); err != nil {
			logger.Error("closing decision log", slog.String("error", err.Error()))
		}
	})

	// Policy store pool. Absent config leaves retrieval disabled; the
	// retriever degrades to empty results, it never blocks gating.
	var retriever dispatch.PolicyRetriever
	if cfg.Retrieval.DatabaseURL != "" {
		pool, err := openPolicyPool(cfg.Retrieval.DatabaseURL)
		if err != nil {
			logger.Warn("policy store unavailable, retrieval degraded", slog.String("error", err.Error()))
		} else {
			sc.Pool = pool
			sc.addCleanup(pool.Close)
			embedder := policy.NewEmbeddingClient(cfg.Retrieval.EmbeddingAPIKey, cfg.Retrieval.Model(), logger,
				embeddingOptions(cfg.Retrieval)...)
			retriever = policy.NewRetriever(pool, embedder, policy.Options{
				TopK:          cfg.Retrieval.K(),
				MinSimilarity: cfg.Retrieval.Threshold(),
				Timeout:       cfg.Retrieval.Timeout(),
			}, logger)
		}
	}

	// Upstream clients.
	dataClient := market.NewClient(cfg.Upstream.DataService(), cfg.Upstream.Timeout(), logger)
	orchClient := trading.NewClient(cfg.Upstream.Orchestrator(), cfg.Upstream.Timeout(), logger)

	// Volatility estimates for the circuit breaker.
	volProvider := volatility.NewProvider(cfg.Volatility.BySymbol, cfg.Volatility.Default)
	if cfg.Volatility.RefreshCron != "" && len(cfg.Volatility.RefreshSymbols) > 0 {
		sc.VolRefresh = volatility.NewRefresher(volProvider, dataClient,
			cfg.Volatility.RefreshSymbols, cfg.Volatility.Lookback(), logger)
	}

	// Tool registry.
	registry := tools.NewRegistry()
	registry.Register(market.NewQuoteTool(dataClient, logger))
	registry.Register(market.NewQuotesTool(dataClient, logger))
	registry.Register(market.NewPricesTool(dataClient, logger))
	registry.Register(market.NewNewsTool(dataClient, logger))
	registry.Register(market.NewInsiderTool(dataClient, logger))
	registry.Register(trading.NewExecuteTradeTool(orchClient, logger))
	registry.Register(trading.NewBacktestTool(orchClient, logger))
	registry.Register(trading.NewDecisionTool(orchClient, logger))
	registry.Register(trading.NewCheckAmountTool())
	sc.Registry = registry

	// Exposure snapshot for risk checks: live book from the orchestrator when
	// configured, otherwise the static snapshot from config.
	var exposure dispatch.ExposureSource
	if cfg.Exposure.ExposureSource() == "orchestrator" {
		exposure = orchClient
	} else {
		exposure = dispatch.StaticSource{State: risk.ExposureState{
			BySymbol:              cfg.Exposure.BySymbol,
			TotalAbsoluteNotional: cfg.Exposure.TotalAbsoluteNotional,
		}}
	}

	limits := cfg.RiskLimits.WithDefaults()
	sc.Dispatcher = dispatch.New(dispatch.Config{
		Registry: registry,
		Guard: guardrail.NewRuleEngine(guardrail.Config{
			BlockedSymbols: cfg.Guardrails.BlockedSymbols,
			MaxBatchSize:   cfg.Guardrails.BatchSize(),
			MaxAmount:      cfg.Guardrails.AmountCeiling(),
		}),
		Limits: risk.ExposureLimits{
			MaxSingleOrderNotional:   limits.MaxSingleOrderNotional,
			MaxNotionalPerName:       limits.MaxNotionalPerName,
			MaxTotalAbsoluteNotional: limits.MaxTotalAbsoluteNotional,
			MaxVolScaledNotional:     limits.MaxVolScaledNotional,
		},
		VolLookup: volProvider.Lookup,
		Exposure:  exposure,
		Retriever: retriever,
		Recorder:  recorder,
		Obs:       obs,
	}, logger)

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		if sc.Pool != nil {
			pool := sc.Pool
			obs.Health.AddCheck("policy_store", func(ctx context.Context) error {
				return pool.Ping(ctx)
			})
		}
	}

	return sc, nil
}

// openPolicyPool opens the pgvector-backed policy store pool.
func openPolicyPool(databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), poolConnectTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating policy store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging policy store: %w", err)
	}
	return pool, nil
}

func embeddingOptions(cfg config.RetrievalConfig) []policy.EmbeddingOption {
	var opts []policy.EmbeddingOption
	if cfg.EmbeddingBaseURL != "" {
		opts = append(opts, policy.WithEmbeddingBaseURL(cfg.EmbeddingBaseURL))
	}
	return opts
}
