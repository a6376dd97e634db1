package semcache

import (
	"context"
	"fmt"

	"github.com/howard-nolan/llmcompare/internal/similarity"
	"github.com/howard-nolan/llmcompare/internal/store"
)

// Indexer embeds each saved record's normalized prompt into a VectorStore.
// It satisfies store.Indexer, so the async Writer calls it after every
// successful save.
type Indexer struct {
	embedder Embedder
	vectors  VectorStore
}

// NewIndexer returns an Indexer.
func NewIndexer(embedder Embedder, vectors VectorStore) *Indexer {
	return &Indexer{embedder: embedder, vectors: vectors}
}

// Index implements store.Indexer. Prompts that normalize to nothing are
// skipped.
func (ix *Indexer) Index(ctx context.Context, rec store.Record) error {
	normalized := similarity.Normalize(rec.Prompt)
	if normalized == "" {
		return nil
	}

	vec, err := ix.embedder.Embed(ctx, normalized)
	if err != nil {
		return fmt.Errorf("semcache: indexing %s: %w", rec.ID, err)
	}
	if err := ix.vectors.Add(ctx, rec.ID, rec.Type, vec); err != nil {
		return fmt.Errorf("semcache: indexing %s: %w", rec.ID, err)
	}
	return nil
}
