package index

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomUnitVectors generates deterministic L2-normalized vectors.
func randomUnitVectors(n, dim int, seed int64) ([]string, [][]float32) {
	rng := rand.New(rand.NewSource(seed))
	ids := make([]string, n)
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("doc-%04d", i)
		v := make([]float32, dim)
		var sum float64
		for j := range v {
			v[j] = float32(rng.NormFloat64())
			sum += float64(v[j]) * float64(v[j])
		}
		norm := float32(math.Sqrt(sum))
		for j := range v {
			v[j] /= norm
		}
		vectors[i] = v
	}
	return ids, vectors
}

func TestFlatQuery(t *testing.T) {
	ids, vectors := randomUnitVectors(50, 8, 1)

	idx := &Flat{}
	require.NoError(t, idx.Build(ids, vectors))
	assert.Equal(t, 50, idx.VectorCount())
	assert.Equal(t, 8, idx.Dimension())
	assert.Equal(t, KindFlat, idx.Kind())

	// Querying with an indexed vector must return it first with score ~1.
	gotIDs, scores, err := idx.Query(vectors[7], 5)
	require.NoError(t, err)
	require.Len(t, gotIDs, 5)
	assert.Equal(t, "doc-0007", gotIDs[0])
	assert.InDelta(t, 1.0, float64(scores[0]), 1e-5)

	// Scores are sorted descending.
	for i := 1; i < len(scores); i++ {
		assert.LessOrEqual(t, scores[i], scores[i-1])
	}
}

func TestFlatQuerySmallerThanK(t *testing.T) {
	ids, vectors := randomUnitVectors(3, 4, 2)
	idx := &Flat{}
	require.NoError(t, idx.Build(ids, vectors))

	gotIDs, _, err := idx.Query(vectors[0], 10)
	require.NoError(t, err)
	assert.Len(t, gotIDs, 3)
}

func TestFlatSerializationRoundTrip(t *testing.T) {
	ids, vectors := randomUnitVectors(20, 6, 3)
	idx := &Flat{}
	require.NoError(t, idx.Build(ids, vectors))

	data, err := idx.MarshalBinary()
	require.NoError(t, err)

	restored, err := Load(KindFlat, data)
	require.NoError(t, err)
	assert.Equal(t, 20, restored.VectorCount())

	wantIDs, wantScores, err := idx.Query(vectors[4], 5)
	require.NoError(t, err)
	gotIDs, gotScores, err := restored.Query(vectors[4], 5)
	require.NoError(t, err)
	assert.Equal(t, wantIDs, gotIDs)
	assert.InDeltaSlice(t, wantScores, gotScores, 1e-6)
}

func TestFlatRejectsCorruptData(t *testing.T) {
	ids, vectors := randomUnitVectors(10, 4, 7)
	idx := &Flat{}
	require.NoError(t, idx.Build(ids, vectors))
	valid, err := idx.MarshalBinary()
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":            nil,
		"short header":     {1, 2, 3},
		"arbitrary bytes":  []byte("not an index"),
		"truncated body":   valid[:len(valid)-5],
		"oversized counts": {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	for name, data := range cases {
		_, err := Load(KindFlat, data)
		assert.Error(t, err, "case %q must fail instead of allocating", name)
	}
}

func TestIVFRecallAgainstFlat(t *testing.T) {
	ids, vectors := randomUnitVectors(2000, 16, 4)

	flat := &Flat{}
	require.NoError(t, flat.Build(ids, vectors))

	params := DefaultIVFParams()
	params.Lists = 16
	params.Probes = 8
	ivf := NewIVF(params)
	require.NoError(t, ivf.Build(ids, vectors))
	assert.Equal(t, KindIVF, ivf.Kind())
	assert.Equal(t, 2000, ivf.VectorCount())

	// With half the lists probed, recall@10 against exhaustive search
	// should be high.
	const k = 10
	var agree, total int
	for q := 0; q < 50; q++ {
		exact, _, err := flat.Query(vectors[q*7], k)
		require.NoError(t, err)
		approx, _, err := ivf.Query(vectors[q*7], k)
		require.NoError(t, err)

		seen := make(map[string]struct{}, len(approx))
		for _, id := range approx {
			seen[id] = struct{}{}
		}
		for _, id := range exact {
			if _, ok := seen[id]; ok {
				agree++
			}
			total++
		}
	}
	recall := float64(agree) / float64(total)
	assert.Greater(t, recall, 0.8, "ivf recall@10 = %.3f", recall)
}

func TestIVFSerializationRoundTrip(t *testing.T) {
	ids, vectors := randomUnitVectors(500, 8, 5)
	params := DefaultIVFParams()
	params.Lists = 8
	ivf := NewIVF(params)
	require.NoError(t, ivf.Build(ids, vectors))

	data, err := ivf.MarshalBinary()
	require.NoError(t, err)
	restored, err := Load(KindIVF, data)
	require.NoError(t, err)
	assert.Equal(t, 500, restored.VectorCount())

	wantIDs, _, err := ivf.Query(vectors[42], 5)
	require.NoError(t, err)
	gotIDs, _, err := restored.Query(vectors[42], 5)
	require.NoError(t, err)
	assert.Equal(t, wantIDs, gotIDs)
}

func TestIVFBuildDeterministic(t *testing.T) {
	ids, vectors := randomUnitVectors(300, 8, 6)

	a := NewIVF(DefaultIVFParams())
	require.NoError(t, a.Build(ids, vectors))
	b := NewIVF(DefaultIVFParams())
	require.NoError(t, b.Build(ids, vectors))

	aIDs, _, err := a.Query(vectors[10], 10)
	require.NoError(t, err)
	bIDs, _, err := b.Query(vectors[10], 10)
	require.NoError(t, err)
	assert.Equal(t, aIDs, bIDs, "training is seeded, identical inputs give identical indexes")
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(Kind("hnsw"))
	assert.Error(t, err)
}
