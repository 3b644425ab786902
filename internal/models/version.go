package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"time"
)

// IndexVersion describes one built similarity index. Immutable once
// persisted; the version identifier is derived from the content hash so
// identical inputs never produce a spurious new version.
type IndexVersion struct {
	VersionID     string        `json:"version_id" msgpack:"version_id"`
	GenerationID  string        `json:"generation_id" msgpack:"generation_id"`
	Seq           uint64        `json:"seq" msgpack:"seq"`
	VectorCount   int           `json:"vector_count" msgpack:"vector_count"`
	Dimension     int           `json:"dimension" msgpack:"dimension"`
	IndexKind     string        `json:"index_kind" msgpack:"index_kind"`
	BuildDuration time.Duration `json:"build_duration" msgpack:"build_duration"`
	ContentHash   string        `json:"content_hash" msgpack:"content_hash"`
	StoragePath   string        `json:"storage_path" msgpack:"storage_path"`
	RetiredAt     *time.Time    `json:"retired_at,omitempty" msgpack:"retired_at"`
	CreatedAt     time.Time     `json:"created_at" msgpack:"created_at"`
}

// VersionIDFromHash derives the deterministic version identifier from a
// hex-encoded content hash.
func VersionIDFromHash(contentHash string) string {
	if len(contentHash) > 12 {
		contentHash = contentHash[:12]
	}
	return "v-" + contentHash
}

// ContentHasher accumulates vector bytes in batch order and produces the
// deterministic content hash for a generation's input.
type ContentHasher struct {
	h hash.Hash
}

// NewContentHasher returns a hasher ready to receive vectors.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{h: sha256.New()}
}

// WriteVector feeds one vector's little-endian float32 bytes to the hash.
func (c *ContentHasher) WriteVector(v []float32) {
	var scratch [4]byte
	for _, f := range v {
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
		c.h.Write(scratch[:])
	}
}

// Sum returns the hex-encoded digest of everything written so far.
func (c *ContentHasher) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// Pointer is the single small record at pointers/current naming the live
// index version. Updated only through compare-and-swap.
type Pointer struct {
	VersionID string    `json:"version_id"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}
