package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Flat is an exhaustive inner-product index. Vectors are expected to be
// L2-normalized, so no magnitudes are stored.
type Flat struct {
	ids  []string
	vecs [][]float32
	dim  int
}

var _ Index = (*Flat)(nil)

func (f *Flat) Kind() Kind       { return KindFlat }
func (f *Flat) VectorCount() int { return len(f.ids) }
func (f *Flat) Dimension() int   { return f.dim }

// Build loads ids and vectors, validating consistent dimensions.
func (f *Flat) Build(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("flat: ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		f.ids, f.vecs, f.dim = nil, nil, 0
		return nil
	}
	dim := len(vectors[0])
	for i := range vectors {
		if len(vectors[i]) != dim {
			return fmt.Errorf("flat: inconsistent vector dims %d vs %d", len(vectors[i]), dim)
		}
	}
	f.ids = append([]string(nil), ids...)
	f.vecs = append([][]float32(nil), vectors...)
	f.dim = dim
	return nil
}

// Query returns the top-k vectors by inner product.
func (f *Flat) Query(query []float32, k int) ([]string, []float32, error) {
	if f.dim == 0 || len(f.vecs) == 0 {
		return nil, nil, nil
	}
	if len(query) != f.dim {
		return nil, nil, fmt.Errorf("flat: query dim %d != index dim %d", len(query), f.dim)
	}
	type scored struct {
		idx   int
		score float32
	}
	scoreds := make([]scored, len(f.vecs))
	for i := range f.vecs {
		scoreds[i] = scored{idx: i, score: dot(query, f.vecs[i])}
	}
	sort.Slice(scoreds, func(a, b int) bool { return scoreds[a].score > scoreds[b].score })
	if k <= 0 || k > len(scoreds) {
		k = len(scoreds)
	}
	ids := make([]string, k)
	scores := make([]float32, k)
	for n := 0; n < k; n++ {
		ids[n] = f.ids[scoreds[n].idx]
		scores[n] = scoreds[n].score
	}
	return ids, scores, nil
}

// MarshalBinary stores: dim(uint32), n(uint32), then per item:
// idLen(uint32), id bytes, vec(float32[dim]), all little-endian.
func (f *Flat) MarshalBinary() ([]byte, error) {
	size := 8
	for _, id := range f.ids {
		size += 4 + len(id) + 4*f.dim
	}
	out := make([]byte, 0, size)
	var b [4]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	putU32(uint32(f.dim))
	putU32(uint32(len(f.ids)))
	for i, id := range f.ids {
		putU32(uint32(len(id)))
		out = append(out, id...)
		for _, v := range f.vecs[i] {
			putU32(math.Float32bits(v))
		}
	}
	return out, nil
}

// UnmarshalBinary restores the index from bytes.
func (f *Flat) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return errors.New("flat: invalid data")
	}
	off := 0
	getU32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, errors.New("flat: truncated")
		}
		v := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		return v, nil
	}
	dimU, err := getU32()
	if err != nil {
		return err
	}
	nU, err := getU32()
	if err != nil {
		return err
	}
	// The header is untrusted: a corrupt blob must produce an error, not
	// an allocation sized by garbage counts.
	if minSize := 8 + int64(nU)*(4+4*int64(dimU)); minSize > int64(len(data)) {
		return fmt.Errorf("flat: header claims %d vectors of dim %d, exceeds %d bytes", nU, dimU, len(data))
	}
	dim, n := int(dimU), int(nU)
	ids := make([]string, n)
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		idLen, err := getU32()
		if err != nil {
			return err
		}
		if int64(idLen) > int64(len(data)-off) {
			return errors.New("flat: truncated id")
		}
		ids[i] = string(data[off : off+int(idLen)])
		off += int(idLen)
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			bits, err := getU32()
			if err != nil {
				return err
			}
			vec[j] = math.Float32frombits(bits)
		}
		vecs[i] = vec
	}
	return f.Build(ids, vecs)
}
