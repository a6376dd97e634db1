// Package semcache resolves prompts that the lexical matcher can't: an
// LLM judge first, then nearest-neighbor search over prompt embeddings
// when the judge is unavailable.
//
// Everything here is best-effort. A failing judge, embedder or vector
// store is logged and turns into a cache miss, never into an error the
// request handler has to deal with.
package semcache

import (
	"context"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmcompare/internal/metrics"
	"github.com/howard-nolan/llmcompare/internal/similarity"
	"github.com/howard-nolan/llmcompare/internal/store"
)

// DefaultEmbeddingThreshold is the cosine score an embedding neighbor must
// strictly exceed.
const DefaultEmbeddingThreshold = 0.8

// ResolverConfig wires a Resolver. Judge may be nil (judge disabled). The
// embedding tier runs only when Embedder, Vectors and Store are all set.
type ResolverConfig struct {
	Judge         Judge
	Embedder      Embedder
	Vectors       VectorStore
	Store         store.Store
	Threshold     float64
	MaxCandidates int
	Logger        *zap.Logger
}

// Resolver is the semantic tier of the lookup chain.
type Resolver struct {
	judge         Judge
	embedder      Embedder
	vectors       VectorStore
	records       store.Store
	threshold     float64
	maxCandidates int
	logger        *zap.Logger
}

// NewResolver builds a Resolver from cfg.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultEmbeddingThreshold
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Resolver{
		judge:         cfg.Judge,
		embedder:      cfg.Embedder,
		vectors:       cfg.Vectors,
		records:       cfg.Store,
		threshold:     cfg.Threshold,
		maxCandidates: cfg.MaxCandidates,
		logger:        cfg.Logger,
	}
}

// Resolve looks for a record in history (newest first) that asks the same
// thing as prompt. It returns nil on a miss.
//
// The judge's verdict is final: a NO_MATCH does not fall through to the
// embedding tier. Embeddings are only consulted when the judge gives no
// verdict at all (disabled, empty history, or a failed call).
func (r *Resolver) Resolve(ctx context.Context, prompt, typ string, history []store.Record) *similarity.Match {
	if r.judge != nil && len(history) > 0 {
		match, err := r.judged(ctx, prompt, history)
		if err == nil {
			return match
		}
		metrics.CacheErrors.WithLabelValues("judge").Inc()
		r.logger.Warn("cache judge failed, falling back to embeddings",
			zap.String("type", typ),
			zap.Error(err),
		)
	}

	return r.embedded(ctx, prompt, typ)
}

// judged runs the AI-judged tier. A nil match with a nil error is a
// definite no-match.
func (r *Resolver) judged(ctx context.Context, prompt string, history []store.Record) (*similarity.Match, error) {
	if len(history) > r.maxCandidates {
		history = history[:r.maxCandidates]
	}

	candidates := make([]string, len(history))
	for i, rec := range history {
		candidates[i] = rec.Prompt
	}

	index, ok, err := r.judge.JudgeMatch(ctx, prompt, candidates)
	if err != nil {
		return nil, err
	}
	if !ok || index < 0 || index >= len(history) {
		return nil, nil
	}

	r.logger.Debug("cache judge matched",
		zap.String("id", history[index].ID),
		zap.Int("candidate", index+1),
	)
	return &similarity.Match{Record: history[index], Score: 1, Method: similarity.MethodAIJudged}, nil
}

// embedded runs the embedding tier.
func (r *Resolver) embedded(ctx context.Context, prompt, typ string) *similarity.Match {
	if r.embedder == nil || r.vectors == nil || r.records == nil {
		return nil
	}

	normalized := similarity.Normalize(prompt)
	if normalized == "" {
		return nil
	}

	vec, err := r.embedder.Embed(ctx, normalized)
	if err != nil {
		r.fail("embed", err)
		return nil
	}

	neighbors, err := r.vectors.Query(ctx, vec, typ, 1)
	if err != nil {
		r.fail("vector_query", err)
		return nil
	}
	if len(neighbors) == 0 || neighbors[0].Score <= r.threshold {
		return nil
	}

	rec, err := r.records.GetConversation(ctx, neighbors[0].ID)
	if err != nil {
		r.fail("vector_fetch", err)
		return nil
	}
	if rec == nil {
		// Indexed but since lost from the store.
		return nil
	}

	return &similarity.Match{Record: *rec, Score: neighbors[0].Score, Method: similarity.MethodEmbedding}
}

func (r *Resolver) fail(stage string, err error) {
	metrics.CacheErrors.WithLabelValues(stage).Inc()
	r.logger.Warn("embedding cache tier failed",
		zap.String("stage", stage),
		zap.Error(err),
	)
}
