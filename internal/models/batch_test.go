package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitVector(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestBatchValidate(t *testing.T) {
	batch := &EmbeddingBatch{
		GenerationID: "g1",
		BatchIndex:   0,
		DocIDs:       []string{"a", "b"},
		Vectors:      [][]float32{unitVector(4, 0), unitVector(4, 1)},
		Count:        2,
	}
	require.NoError(t, batch.Validate())
	assert.Equal(t, 4, batch.Dimension())
}

func TestBatchValidateEmpty(t *testing.T) {
	batch := &EmbeddingBatch{GenerationID: "g1"}
	assert.Error(t, batch.Validate())
}

func TestBatchValidateCountMismatch(t *testing.T) {
	batch := &EmbeddingBatch{
		GenerationID: "g1",
		DocIDs:       []string{"a"},
		Vectors:      [][]float32{unitVector(4, 0), unitVector(4, 1)},
		Count:        2,
	}
	assert.Error(t, batch.Validate())
}

func TestBatchValidateUnnormalized(t *testing.T) {
	batch := &EmbeddingBatch{
		GenerationID: "g1",
		DocIDs:       []string{"a"},
		Vectors:      [][]float32{{2, 0, 0, 0}},
		Count:        1,
	}
	assert.Error(t, batch.Validate())
}

func TestVersionIDFromHash(t *testing.T) {
	assert.Equal(t, "v-3f2a9c81d04e", VersionIDFromHash("3f2a9c81d04e77aa"))
	assert.Equal(t, "v-abc", VersionIDFromHash("abc"))
}

func TestContentHasherDeterministic(t *testing.T) {
	h1 := NewContentHasher()
	h1.WriteVector([]float32{0.1, 0.2})
	h1.WriteVector([]float32{0.3, 0.4})

	h2 := NewContentHasher()
	h2.WriteVector([]float32{0.1, 0.2})
	h2.WriteVector([]float32{0.3, 0.4})

	assert.Equal(t, h1.Sum(), h2.Sum())

	h3 := NewContentHasher()
	h3.WriteVector([]float32{0.3, 0.4})
	h3.WriteVector([]float32{0.1, 0.2})
	assert.NotEqual(t, h1.Sum(), h3.Sum(), "order must change the hash")
}

func TestStorageKeys(t *testing.T) {
	assert.Equal(t, "embeddings/g1/batch_0007", BatchKey("g1", 7))
	assert.Equal(t, "sources/g1/batch_0000", SourceKey("g1", 0))
	assert.Equal(t, "indexes/v-abc", IndexKey("v-abc"))
	assert.Equal(t, "indexes/v-abc.meta", IndexMetaKey("v-abc"))
	assert.Equal(t, "generations/g1", GenerationKey("g1"))
}
