package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// migrationStatements create the policy corpus schema: the pgvector
// extension, the policies table with its fixed-width embedding column, and
// an ivfflat cosine index for approximate nearest-neighbor search.
var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS compliance_policies (
		id          BIGSERIAL PRIMARY KEY,
		policy_id   TEXT NOT NULL UNIQUE,
		title       TEXT NOT NULL,
		excerpt     TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		embedding   VECTOR(1536) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS compliance_policies_embedding_idx
		ON compliance_policies
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
}

const upsertPolicySQL = `
INSERT INTO compliance_policies (policy_id, title, excerpt, policy_type, embedding)
VALUES ($1, $2, $3, $4, $5::vector)
ON CONFLICT (policy_id) DO UPDATE SET
	title       = EXCLUDED.title,
	excerpt     = EXCLUDED.excerpt,
	policy_type = EXCLUDED.policy_type,
	embedding   = EXCLUDED.embedding,
	updated_at  = now()`

// CorpusPolicy is one policy record in a YAML corpus file.
type CorpusPolicy struct {
	PolicyID   string `yaml:"policy_id"`
	Title      string `yaml:"title"`
	Excerpt    string `yaml:"excerpt"`
	PolicyType string `yaml:"policy_type"`
}

// corpusFile is the on-disk corpus document shape.
type corpusFile struct {
	Policies []CorpusPolicy `yaml:"policies"`
}

// CorpusLoader manages the policy corpus: schema migration and loading
// policy records with embeddings generated at load time.
type CorpusLoader struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// NewCorpusLoader creates a loader over the shared pool.
func NewCorpusLoader(pool *pgxpool.Pool, embedder Embedder, logger *slog.Logger) *CorpusLoader {
	return &CorpusLoader{pool: pool, embedder: embedder, logger: logger}
}

// Migrate creates the corpus schema if it does not exist.
func (l *CorpusLoader) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("corpus migration: %w", err)
		}
	}
	return nil
}

// Load reads a YAML corpus file, embeds each policy's title + excerpt, and
// upserts the records. Returns the number of policies written.
func (l *CorpusLoader) Load(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading corpus %s: %w", path, err)
	}
	var corpus corpusFile
	if err := yaml.Unmarshal(data, &corpus); err != nil {
		return 0, fmt.Errorf("parsing corpus %s: %w", path, err)
	}

	loaded := 0
	for _, p := range corpus.Policies {
		if p.PolicyID == "" || p.Excerpt == "" {
			return loaded, fmt.Errorf("corpus policy %d: policy_id and excerpt are required", loaded)
		}
		vec, err := l.embedder.Embed(ctx, p.Title+"\n"+p.Excerpt)
		if err != nil {
			return loaded, fmt.Errorf("embedding policy %s: %w", p.PolicyID, err)
		}
		if _, err := l.pool.Exec(ctx, upsertPolicySQL,
			p.PolicyID, p.Title, p.Excerpt, p.PolicyType, VectorLiteral(vec)); err != nil {
			return loaded, fmt.Errorf("upserting policy %s: %w", p.PolicyID, err)
		}
		loaded++
		l.logger.InfoContext(ctx, "policy loaded",
			slog.String("policy_id", p.PolicyID),
			slog.String("policy_type", p.PolicyType),
		)
	}
	return loaded, nil
}
