package embedding

import (
	"context"
	"hash/fnv"
	"math/rand"
)

// defaultHashDimensions keeps the fallback vectors small; they only need
// to be deterministic and distinct, not semantically meaningful.
const defaultHashDimensions = 32

// HashEngine is a deterministic fallback engine that derives a vector from
// a hash of the input text. It requires no external service, which makes it
// the default for tests and for deployments without an embedding backend.
// Identical text always produces an identical vector.
type HashEngine struct {
	dimensions int
}

// NewHashEngine creates a hash-based embedding engine. A non-positive
// dimension selects the default.
func NewHashEngine(dimensions int) *HashEngine {
	if dimensions <= 0 {
		dimensions = defaultHashDimensions
	}
	return &HashEngine{dimensions: dimensions}
}

// Embed derives a deterministic vector from the text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vector := make([]float32, e.dimensions)
	for i := range vector {
		vector[i] = rng.Float32()
	}
	return vector, nil
}

// EmbedBatch derives vectors for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = vector
	}
	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *HashEngine) Dimensions() int {
	return e.dimensions
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return "hash"
}
