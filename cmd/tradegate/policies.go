package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/qtos-io/tradegate/internal/config"
	"github.com/qtos-io/tradegate/internal/policy"
)

var (
	policiesConfigPath string
	policiesFile       string
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Manage the compliance policy corpus",
}

var policiesMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the pgvector extension, policy table, and similarity index",
	RunE:  runPoliciesMigrate,
}

var policiesLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Embed and upsert policies from a YAML corpus file",
	RunE:  runPoliciesLoad,
}

var policiesSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run a similarity search against the policy corpus",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPoliciesSearch,
}

func init() {
	policiesCmd.AddCommand(policiesMigrateCmd, policiesLoadCmd, policiesSearchCmd)
	policiesCmd.PersistentFlags().StringVar(&policiesConfigPath, "config", "tradegate.yaml", "path to config file")
	policiesLoadCmd.Flags().StringVar(&policiesFile, "file", "policies.yaml", "path to the policy corpus file")
}

// policyAdmin holds the collaborators for corpus administration. The pool
// here is required: corpus administration makes no sense without a database,
// unlike serve-time retrieval which degrades.
type policyAdmin struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	embedder policy.Embedder
}

func (a *policyAdmin) close() { a.pool.Close() }

func policiesSetup() (*policyAdmin, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("TRADEGATE_CONFIG", policiesConfigPath))
	if err != nil {
		return nil, err
	}
	if cfg.Retrieval.DatabaseURL == "" {
		return nil, fmt.Errorf("no policy store configured: set retrieval.database_url or TRADEGATE_DATABASE_URL")
	}

	pool, err := openPolicyPool(cfg.Retrieval.DatabaseURL)
	if err != nil {
		return nil, err
	}

	embedder := policy.NewEmbeddingClient(cfg.Retrieval.EmbeddingAPIKey, cfg.Retrieval.Model(), logger,
		embeddingOptions(cfg.Retrieval)...)
	return &policyAdmin{cfg: cfg, logger: logger, pool: pool, embedder: embedder}, nil
}

func runPoliciesMigrate(_ *cobra.Command, _ []string) error {
	admin, err := policiesSetup()
	if err != nil {
		return err
	}
	defer admin.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	loader := policy.NewCorpusLoader(admin.pool, admin.embedder, admin.logger)
	if err := loader.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating policy store: %w", err)
	}
	admin.logger.Info("policy store migrated")
	return nil
}

func runPoliciesLoad(_ *cobra.Command, _ []string) error {
	admin, err := policiesSetup()
	if err != nil {
		return err
	}
	defer admin.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	loader := policy.NewCorpusLoader(admin.pool, admin.embedder, admin.logger)
	n, err := loader.Load(ctx, policiesFile)
	if err != nil {
		return fmt.Errorf("loading policy corpus: %w", err)
	}
	admin.logger.Info("policy corpus loaded", slog.Int("policies", n), slog.String("file", policiesFile))
	return nil
}

// runPoliciesSearch reproduces exactly what the dispatcher would retrieve for
// the given query, using the serve-time search options.
func runPoliciesSearch(_ *cobra.Command, args []string) error {
	admin, err := policiesSetup()
	if err != nil {
		return err
	}
	defer admin.close()

	retriever := policy.NewRetriever(admin.pool, admin.embedder, policy.Options{
		TopK:          admin.cfg.Retrieval.K(),
		MinSimilarity: admin.cfg.Retrieval.Threshold(),
		Timeout:       admin.cfg.Retrieval.Timeout(),
	}, admin.logger)

	query := strings.Join(args, " ")
	res := retriever.Retrieve(context.Background(), query)
	if res.Err != "" {
		return fmt.Errorf("retrieval degraded: %s", res.Err)
	}
	if len(res.Snippets) == 0 {
		fmt.Println("no policies matched")
		return nil
	}
	for _, s := range res.Snippets {
		fmt.Printf("%-24s %.3f  %s\n", s.PolicyID, s.Similarity, s.Title)
		fmt.Printf("  %s\n", strings.ReplaceAll(s.Excerpt, "\n", "\n  "))
	}
	return nil
}
