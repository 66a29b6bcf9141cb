package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEngine_Deterministic(t *testing.T) {
	engine := NewHashEngine(0)

	a, err := engine.Embed(context.Background(), "resonance anchor")
	require.NoError(t, err)
	b, err := engine.Embed(context.Background(), "resonance anchor")
	require.NoError(t, err)
	c, err := engine.Embed(context.Background(), "different text")
	require.NoError(t, err)

	assert.Equal(t, a, b, "identical text must produce identical vectors")
	assert.NotEqual(t, a, c, "different text should produce different vectors")
	assert.Len(t, a, engine.Dimensions())
}

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim, 1e-9)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
		require.NoError(t, err)
		assert.InDelta(t, 0.0, sim, 1e-9)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := CosineSimilarity([]float32{1}, []float32{1, 2})
		assert.Error(t, err)
	})

	t.Run("zero magnitude returns zero", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1})
		require.NoError(t, err)
		assert.Zero(t, sim)
	})
}

func TestIndex_ReindexAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(NewHashEngine(0))

	require.NoError(t, idx.Reindex(ctx, "S1", "mirror trap pattern"))
	require.NoError(t, idx.Reindex(ctx, "S2", "anchor stabilization"))
	require.NoError(t, idx.Reindex(ctx, "S3", "recursive drift"))
	assert.Equal(t, 3, idx.Len())

	matches, err := idx.Search(ctx, "mirror trap pattern", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// The hash engine is deterministic, so the exact query text must rank
	// its own symbol first with similarity 1.
	assert.Equal(t, "S1", matches[0].SymbolID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestIndex_ReindexReplacesStaleVector(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(NewHashEngine(0))

	require.NoError(t, idx.Reindex(ctx, "S1", "original text"))
	before := idx.Vector("S1")

	require.NoError(t, idx.Reindex(ctx, "S1", "mutated text"))
	after := idx.Vector("S1")

	assert.NotEqual(t, before, after, "vector must reflect post-mutation text")
}

func TestIndex_EmptyTextRemovesEntry(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(NewHashEngine(0))

	require.NoError(t, idx.Reindex(ctx, "S1", "some macro"))
	require.True(t, idx.Has("S1"))

	require.NoError(t, idx.Reindex(ctx, "S1", ""))
	assert.False(t, idx.Has("S1"))
}

func TestIndex_RemoveIsIdempotent(t *testing.T) {
	idx := NewIndex(NewHashEngine(0))
	idx.Remove("never-stored")
	assert.Equal(t, 0, idx.Len())
}

func TestIndex_NilEngineSkipsWithoutError(t *testing.T) {
	idx := NewIndex(nil)
	require.NoError(t, idx.Reindex(context.Background(), "S1", "text"))
	assert.False(t, idx.Has("S1"))

	_, err := idx.Search(context.Background(), "query", 3)
	assert.Error(t, err)
}

func TestIndex_Rebuild(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(NewHashEngine(0))

	require.NoError(t, idx.Reindex(ctx, "stale", "about to vanish"))

	err := idx.Rebuild(ctx, map[string]string{
		"S1": "macro one",
		"S2": "macro two",
		"S3": "", // skipped
	})
	require.NoError(t, err)

	assert.Equal(t, 2, idx.Len())
	assert.False(t, idx.Has("stale"))
	assert.False(t, idx.Has("S3"))
}
