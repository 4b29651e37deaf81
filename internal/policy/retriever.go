// Package policy retrieves compliance policy excerpts by embedding similarity
// so the dispatcher can inject them as advisory context into tool responses.
// Retrieval is strictly best-effort: every failure mode — missing config,
// connection loss, embedding errors, query errors, timeout — resolves to an
// empty-snippet result carrying a descriptive error, never to a panic or an
// error that could disturb the gating decision.
package policy

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Snippet is one retrieved policy excerpt, read-only to this package.
type Snippet struct {
	ID         int64   `json:"id"`
	PolicyID   string  `json:"policy_id"`
	Title      string  `json:"title"`
	Excerpt    string  `json:"excerpt"`
	PolicyType string  `json:"policy_type"`
	Similarity float64 `json:"similarity"`
}

// RetrievalResult carries the ranked snippets for a query, best match first.
// Err is set (and Snippets empty) when retrieval degraded.
type RetrievalResult struct {
	Query    string    `json:"query"`
	Snippets []Snippet `json:"snippets"`
	Err      string    `json:"error,omitempty"`
}

// Degradation messages. Stable strings: they appear in decision-log records.
const (
	errNotConfigured   = "not configured"
	errCouldNotConnect = "could not connect"
	errNoEmbedding     = "embedding not available"
)

// similaritySQL ranks policies by cosine distance (pgvector `<=>`), keeping
// rows at or above the similarity threshold. similarity = 1 − cosine_distance.
const similaritySQL = `
SELECT id, policy_id, title, excerpt, policy_type,
       1 - (embedding <=> $1::vector) AS similarity
FROM compliance_policies
WHERE 1 - (embedding <=> $1::vector) >= $2
ORDER BY embedding <=> $1::vector
LIMIT $3`

// Retriever performs similarity search over the policy corpus using an
// explicitly owned, injectable connection pool. Lifecycle is the caller's:
// the pool is opened at startup and closed at shutdown.
type Retriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
	topK     int
	minSim   float64
	timeout  time.Duration
	logger   *slog.Logger
}

// Options bound the retriever's search.
type Options struct {
	TopK          int           // Default: 5.
	MinSimilarity float64       // Default: 0.7.
	Timeout       time.Duration // Default: 10s. Bounds embedding + query together.
}

// NewRetriever builds a Retriever. A nil pool means retrieval is not
// configured; Retrieve then degrades immediately.
func NewRetriever(pool *pgxpool.Pool, embedder Embedder, opts Options, logger *slog.Logger) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = 0.7
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Retriever{
		pool:     pool,
		embedder: embedder,
		topK:     opts.TopK,
		minSim:   opts.MinSimilarity,
		timeout:  opts.Timeout,
		logger:   logger,
	}
}

// Retrieve returns the best-matching policy snippets for the query.
// Partial results are never returned: any failure yields empty snippets with
// the underlying error message.
func (r *Retriever) Retrieve(ctx context.Context, query string) RetrievalResult {
	res := RetrievalResult{Query: query}
	if r == nil || r.pool == nil {
		res.Err = errNotConfigured
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.pool.Ping(ctx); err != nil {
		r.logger.WarnContext(ctx, "policy store unreachable", slog.String("error", err.Error()))
		res.Err = errCouldNotConnect
		return res
	}

	if r.embedder == nil {
		res.Err = errNoEmbedding
		return res
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.WarnContext(ctx, "query embedding failed", slog.String("error", err.Error()))
		res.Err = errNoEmbedding
		return res
	}

	rows, err := r.pool.Query(ctx, similaritySQL, VectorLiteral(vec), r.minSim, r.topK)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var s Snippet
		if err := rows.Scan(&s.ID, &s.PolicyID, &s.Title, &s.Excerpt, &s.PolicyType, &s.Similarity); err != nil {
			res.Err = err.Error()
			return res
		}
		snippets = append(snippets, s)
	}
	if err := rows.Err(); err != nil {
		res.Err = err.Error()
		return res
	}

	res.Snippets = snippets
	return res
}

// VectorLiteral renders an embedding as a pgvector input literal.
func VectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.Grow(len(vec) * 10)
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
