package index

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// ivfTrainSeed fixes k-means initialization so identical inputs build
// byte-identical indexes, which keeps version ids deterministic.
const ivfTrainSeed = 42

// IVFParams tunes the inverted-file index.
type IVFParams struct {
	// Lists is the number of k-means clusters.
	Lists int `msgpack:"lists"`

	// Probes is how many closest lists a query scans.
	Probes int `msgpack:"probes"`

	// MaxIterations bounds k-means refinement.
	MaxIterations int `msgpack:"max_iterations"`

	// TrainingSampleMax caps the number of vectors used for training.
	TrainingSampleMax int `msgpack:"training_sample_max"`
}

// DefaultIVFParams returns the tuning used unless configured otherwise.
func DefaultIVFParams() IVFParams {
	return IVFParams{
		Lists:             64,
		Probes:            8,
		MaxIterations:     20,
		TrainingSampleMax: 10000,
	}
}

// IVF is an inverted-file index: vectors are assigned to their nearest
// k-means centroid and queries scan only the closest lists.
type IVF struct {
	params    IVFParams
	dim       int
	centroids [][]float32
	lists     []ivfList
	count     int
}

type ivfList struct {
	IDs  []string    `msgpack:"ids"`
	Vecs [][]float32 `msgpack:"vecs"`
}

// NewIVF returns an empty inverted-file index with the given parameters.
func NewIVF(params IVFParams) *IVF {
	if params.Lists <= 0 {
		params.Lists = DefaultIVFParams().Lists
	}
	if params.Probes <= 0 {
		params.Probes = DefaultIVFParams().Probes
	}
	if params.MaxIterations <= 0 {
		params.MaxIterations = DefaultIVFParams().MaxIterations
	}
	if params.TrainingSampleMax <= 0 {
		params.TrainingSampleMax = DefaultIVFParams().TrainingSampleMax
	}
	return &IVF{params: params}
}

var _ Index = (*IVF)(nil)

func (i *IVF) Kind() Kind       { return KindIVF }
func (i *IVF) VectorCount() int { return i.count }
func (i *IVF) Dimension() int   { return i.dim }

// Build trains centroids on a reservoir sample and assigns every vector
// to its nearest list. With fewer vectors than lists, the list count is
// clamped so small collections still build.
func (i *IVF) Build(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ivf: ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		i.dim, i.count, i.centroids, i.lists = 0, 0, nil, nil
		return nil
	}
	dim := len(vectors[0])
	for j := range vectors {
		if len(vectors[j]) != dim {
			return fmt.Errorf("ivf: inconsistent vector dims %d vs %d", len(vectors[j]), dim)
		}
	}

	k := i.params.Lists
	if k > len(vectors) {
		k = len(vectors)
	}
	rng := rand.New(rand.NewSource(ivfTrainSeed))
	training := sampleVectors(vectors, i.params.TrainingSampleMax, rng)
	centroids := trainKMeans(training, k, i.params.MaxIterations, rng)

	lists := make([]ivfList, len(centroids))
	for j := range vectors {
		l := nearestCentroid(vectors[j], centroids)
		lists[l].IDs = append(lists[l].IDs, ids[j])
		lists[l].Vecs = append(lists[l].Vecs, vectors[j])
	}

	i.dim = dim
	i.count = len(ids)
	i.centroids = centroids
	i.lists = lists
	return nil
}

// Query scans the Probes closest lists and returns the top-k matches.
func (i *IVF) Query(query []float32, k int) ([]string, []float32, error) {
	if i.dim == 0 || i.count == 0 {
		return nil, nil, nil
	}
	if len(query) != i.dim {
		return nil, nil, fmt.Errorf("ivf: query dim %d != index dim %d", len(query), i.dim)
	}

	type rankedList struct {
		idx   int
		score float32
	}
	ranked := make([]rankedList, len(i.centroids))
	for c := range i.centroids {
		ranked[c] = rankedList{idx: c, score: dot(query, i.centroids[c])}
	}
	sort.Slice(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	probes := i.params.Probes
	if probes > len(ranked) {
		probes = len(ranked)
	}

	type scored struct {
		id    string
		score float32
	}
	var candidates []scored
	for p := 0; p < probes; p++ {
		list := i.lists[ranked[p].idx]
		for v := range list.Vecs {
			candidates = append(candidates, scored{id: list.IDs[v], score: dot(query, list.Vecs[v])})
		}
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].score > candidates[b].score })
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	ids := make([]string, k)
	scores := make([]float32, k)
	for n := 0; n < k; n++ {
		ids[n] = candidates[n].id
		scores[n] = candidates[n].score
	}
	return ids, scores, nil
}

// ivfSnapshot is the msgpack persistence form.
type ivfSnapshot struct {
	Params    IVFParams   `msgpack:"params"`
	Dim       int         `msgpack:"dim"`
	Count     int         `msgpack:"count"`
	Centroids [][]float32 `msgpack:"centroids"`
	Lists     []ivfList   `msgpack:"lists"`
}

func (i *IVF) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal(&ivfSnapshot{
		Params:    i.params,
		Dim:       i.dim,
		Count:     i.count,
		Centroids: i.centroids,
		Lists:     i.lists,
	})
}

func (i *IVF) UnmarshalBinary(data []byte) error {
	var snap ivfSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("ivf: decode: %w", err)
	}
	i.params = snap.Params
	i.dim = snap.Dim
	i.count = snap.Count
	i.centroids = snap.Centroids
	i.lists = snap.Lists
	return nil
}

func sampleVectors(vectors [][]float32, maxSample int, rng *rand.Rand) [][]float32 {
	if len(vectors) <= maxSample {
		return vectors
	}
	// Reservoir sample.
	sample := make([][]float32, maxSample)
	copy(sample, vectors[:maxSample])
	for j := maxSample; j < len(vectors); j++ {
		if r := rng.Intn(j + 1); r < maxSample {
			sample[r] = vectors[j]
		}
	}
	return sample
}

func trainKMeans(training [][]float32, k, maxIter int, rng *rand.Rand) [][]float32 {
	dim := len(training[0])
	centroids := make([][]float32, k)
	perm := rng.Perm(len(training))
	for c := 0; c < k; c++ {
		centroids[c] = append([]float32(nil), training[perm[c%len(perm)]]...)
	}

	assign := make([]int, len(training))
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for j := range training {
			n := nearestCentroid(training[j], centroids)
			if n != assign[j] {
				assign[j] = n
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for j := range training {
			c := assign[j]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += float64(training[j][d])
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Re-seed an empty cluster from a random training vector.
				centroids[c] = append([]float32(nil), training[rng.Intn(len(training))]...)
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centroids
}

func nearestCentroid(v []float32, centroids [][]float32) int {
	best := 0
	bestScore := dot(v, centroids[0])
	for c := 1; c < len(centroids); c++ {
		if s := dot(v, centroids[c]); s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best
}
