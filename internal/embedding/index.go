package embedding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"signalzero/internal/logging"
)

// Match is one similarity search result.
type Match struct {
	SymbolID   string
	Similarity float64
}

// Index maps symbol ids to embedding vectors and serves similarity queries.
// It is derived data: the symbol catalog drives every update through
// Reindex/Remove, and the invariant is that a completed catalog mutation
// never leaves a vector computed from pre-mutation text.
type Index struct {
	mu      sync.RWMutex
	engine  Engine
	vectors map[string][]float32
}

// NewIndex creates an empty index backed by the given engine.
// A nil engine disables indexing; Reindex then becomes a logged no-op.
func NewIndex(engine Engine) *Index {
	return &Index{
		engine:  engine,
		vectors: make(map[string][]float32),
	}
}

// Reindex recomputes the vector for a symbol id from its current text.
// Empty text removes the entry instead: a symbol with no embeddable text
// must not be retrievable by similarity. Runs to completion before the
// caller's mutation is considered done.
func (x *Index) Reindex(ctx context.Context, id, text string) error {
	if id == "" {
		return fmt.Errorf("symbol id required")
	}

	if x.engine == nil {
		logging.Get(logging.CategoryEmbedding).Warn("Reindex skipped for %s: no embedding engine configured", id)
		return nil
	}

	if text == "" {
		x.Remove(id)
		logging.EmbeddingDebug("Reindex removed %s (no embeddable text)", id)
		return nil
	}

	vector, err := x.engine.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed symbol %s: %w", id, err)
	}

	x.mu.Lock()
	x.vectors[id] = vector
	x.mu.Unlock()

	logging.EmbeddingDebug("Reindexed %s (dim=%d)", id, len(vector))
	return nil
}

// Remove drops the index entry for a symbol id. Removing an absent id is
// a no-op.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	delete(x.vectors, id)
	x.mu.Unlock()
}

// Has reports whether the index currently holds a vector for the id.
func (x *Index) Has(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.vectors[id]
	return ok
}

// Vector returns the stored vector for an id, or nil if absent.
func (x *Index) Vector(id string) []float32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vectors[id]
}

// Len returns the number of indexed symbols.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Search returns the top-k most similar symbol ids for a query text,
// ordered by descending cosine similarity.
func (x *Index) Search(ctx context.Context, query string, k int) ([]Match, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "Index.Search")
	defer timer.Stop()

	if x.engine == nil {
		return nil, fmt.Errorf("no embedding engine configured")
	}
	if k <= 0 {
		k = 5
	}

	queryVector, err := x.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	x.mu.RLock()
	matches := make([]Match, 0, len(x.vectors))
	skipped := 0
	for id, vector := range x.vectors {
		similarity, err := CosineSimilarity(queryVector, vector)
		if err != nil {
			skipped++
			continue
		}
		matches = append(matches, Match{SymbolID: id, Similarity: similarity})
	}
	x.mu.RUnlock()

	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("Search skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].SymbolID < matches[j].SymbolID
	})

	if len(matches) > k {
		matches = matches[:k]
	}

	logging.EmbeddingDebug("Search returned %d matches for query of %d chars", len(matches), len(query))
	return matches, nil
}

// Rebuild replaces the whole index from a snapshot of id->text pairs,
// batching embed calls. Entries whose text is empty are skipped.
func (x *Index) Rebuild(ctx context.Context, texts map[string]string) error {
	timer := logging.StartTimer(logging.CategoryEmbedding, "Index.Rebuild")
	defer timer.Stop()

	if x.engine == nil {
		logging.Get(logging.CategoryEmbedding).Warn("Rebuild skipped: no embedding engine configured")
		return nil
	}

	ids := make([]string, 0, len(texts))
	batch := make([]string, 0, len(texts))
	for id, text := range texts {
		if text == "" {
			continue
		}
		ids = append(ids, id)
		batch = append(batch, text)
	}

	vectors, err := x.engine.EmbedBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to embed batch: %w", err)
	}
	if len(vectors) != len(ids) {
		return fmt.Errorf("engine returned %d vectors for %d texts", len(vectors), len(ids))
	}

	fresh := make(map[string][]float32, len(ids))
	for i, id := range ids {
		fresh[id] = vectors[i]
	}

	x.mu.Lock()
	x.vectors = fresh
	x.mu.Unlock()

	logging.Embedding("Index rebuilt with %d entries", len(fresh))
	return nil
}
