package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTaskType(t *testing.T) {
	for _, valid := range []string{
		"SEMANTIC_SIMILARITY",
		"RETRIEVAL_DOCUMENT",
		"RETRIEVAL_QUERY",
		"CLUSTERING",
	} {
		got, err := normalizeTaskType(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, got)
	}

	got, err := normalizeTaskType("")
	require.NoError(t, err)
	assert.Equal(t, "SEMANTIC_SIMILARITY", got, "empty selects the default")

	_, err = normalizeTaskType("SORCERY")
	assert.Error(t, err)
}

func TestNewGenAIEngine_RequiresKey(t *testing.T) {
	_, err := NewGenAIEngine("", "gemini-embedding-001", "")
	assert.Error(t, err)
}

func TestNewGenAIEngine_RejectsUnknownTaskType(t *testing.T) {
	_, err := NewGenAIEngine("key", "gemini-embedding-001", "SORCERY")
	assert.Error(t, err)
}
