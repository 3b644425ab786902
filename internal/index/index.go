// Package index implements the similarity index families used by the
// pipeline: exhaustive inner-product search for small collections and
// inverted-file clustering for large ones.
package index

import "fmt"

// Kind names an index family.
type Kind string

const (
	// KindFlat compares the query against every vector. Exact results,
	// linear cost.
	KindFlat Kind = "flat"

	// KindIVF partitions vectors into k-means clusters and searches only
	// the closest lists. Approximate results, sublinear cost.
	KindIVF Kind = "ivf"
)

// Index is a built similarity index over L2-normalized vectors, so the
// inner product is the cosine similarity.
type Index interface {
	// Build constructs the index from parallel id/vector slices.
	Build(ids []string, vectors [][]float32) error

	// Query returns up to k matches as parallel id/score slices, highest
	// score first.
	Query(query []float32, k int) (ids []string, scores []float32, err error)

	// Kind identifies the index family.
	Kind() Kind

	// VectorCount returns the number of indexed vectors.
	VectorCount() int

	// Dimension returns the vector dimension, 0 when empty.
	Dimension() int

	// MarshalBinary serializes the index for persistence.
	MarshalBinary() ([]byte, error)

	// UnmarshalBinary restores the index from serialized bytes.
	UnmarshalBinary(data []byte) error
}

// New returns an empty index of the given family.
func New(kind Kind) (Index, error) {
	switch kind {
	case KindFlat:
		return &Flat{}, nil
	case KindIVF:
		return NewIVF(DefaultIVFParams()), nil
	default:
		return nil, fmt.Errorf("index: unknown kind %q", kind)
	}
}

// Load deserializes an index of the given family.
func Load(kind Kind, data []byte) (Index, error) {
	idx, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := idx.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return idx, nil
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
