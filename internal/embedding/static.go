package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// DefaultStaticDimension matches the all-MiniLM-L6-v2 output size so the
// static provider can stand in for the real model in tests.
const DefaultStaticDimension = 384

// Static derives unit vectors deterministically from the text content.
// The same text always embeds to the same vector, and distinct texts are
// effectively orthogonal, which is enough for pipeline and recall tests.
type Static struct {
	dimension int
}

var _ Embedder = (*Static)(nil)

// NewStatic returns a deterministic embedder of the given dimension.
func NewStatic(dimension int) *Static {
	if dimension <= 0 {
		dimension = DefaultStaticDimension
	}
	return &Static{dimension: dimension}
}

// EmbedBatch maps each text to a deterministic L2-normalized vector.
func (s *Static) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = s.embed(text)
	}
	return vectors, nil
}

func (s *Static) embed(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, s.dimension)
	// Stretch the 32-byte digest into dimension floats by re-hashing
	// with a counter.
	var block [32]byte = seed
	for i := 0; i < s.dimension; i++ {
		if i%8 == 0 && i > 0 {
			var counter [4]byte
			binary.LittleEndian.PutUint32(counter[:], uint32(i/8))
			block = sha256.Sum256(append(block[:], counter[:]...))
		}
		bits := binary.LittleEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// Map to (-1, 1).
		vec[i] = float32(int32(bits)) / float32(math.MaxInt32)
	}
	Normalize(vec)
	return vec
}

// Model returns the provider's pseudo model name.
func (s *Static) Model() string { return "static" }

// Dimension returns the configured dimension.
func (s *Static) Dimension() int { return s.dimension }
