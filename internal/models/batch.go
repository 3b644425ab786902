package models

import (
	"fmt"
	"math"
)

// NormTolerance is the permitted deviation of a stored vector's L2 norm
// from 1.0. Vectors are normalized at embed time; anything outside this
// band indicates a corrupt or un-normalized batch.
const NormTolerance = 1e-3

// Document is an opaque text record with a stable identifier. Documents
// are owned by an external source and are read-only to the pipeline.
type Document struct {
	ID   string `json:"id" msgpack:"id"`
	Text string `json:"text" msgpack:"text"`
}

// EmbeddingBatch holds the embedded vectors for one fixed-size chunk of a
// generation's document set. Written exactly once to the index store under
// a path keyed by (generation, batch index) and never mutated.
type EmbeddingBatch struct {
	GenerationID string      `msgpack:"generation_id"`
	BatchIndex   int         `msgpack:"batch_index"`
	DocIDs       []string    `msgpack:"doc_ids"`
	Vectors      [][]float32 `msgpack:"vectors"`
	Count        int         `msgpack:"count"`
}

// Validate checks the batch invariants: parallel slice lengths and unit
// L2 norm on every vector.
func (b *EmbeddingBatch) Validate() error {
	if b.Count == 0 {
		return fmt.Errorf("batch %s/%d: empty batch", b.GenerationID, b.BatchIndex)
	}
	if len(b.Vectors) != b.Count || len(b.DocIDs) != b.Count {
		return fmt.Errorf("batch %s/%d: count mismatch: %d vectors, %d ids, count %d",
			b.GenerationID, b.BatchIndex, len(b.Vectors), len(b.DocIDs), b.Count)
	}
	dim := len(b.Vectors[0])
	for i, v := range b.Vectors {
		if len(v) != dim {
			return fmt.Errorf("batch %s/%d: vector %d dimension %d != %d",
				b.GenerationID, b.BatchIndex, i, len(v), dim)
		}
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if math.Abs(math.Sqrt(sum)-1.0) > NormTolerance {
			return fmt.Errorf("batch %s/%d: vector %d not L2-normalized (norm %.6f)",
				b.GenerationID, b.BatchIndex, i, math.Sqrt(sum))
		}
	}
	return nil
}

// Dimension returns the vector dimension, or 0 for an empty batch.
func (b *EmbeddingBatch) Dimension() int {
	if len(b.Vectors) == 0 {
		return 0
	}
	return len(b.Vectors[0])
}
