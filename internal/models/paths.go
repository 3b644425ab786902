package models

import "fmt"

// Index store key layout. Every write targets a unique immutable path;
// only the pointer record is ever overwritten, and only via CAS.
const (
	PointerKey        = "pointers/current"
	EmbeddingsPrefix  = "embeddings/"
	SourcesPrefix     = "sources/"
	IndexesPrefix     = "indexes/"
	GenerationsPrefix = "generations/"
)

// BatchKey returns the storage key for an embedding batch.
func BatchKey(generationID string, batchIndex int) string {
	return fmt.Sprintf("%s%s/batch_%04d", EmbeddingsPrefix, generationID, batchIndex)
}

// SourceKey returns the storage key for a batch's raw input documents.
func SourceKey(generationID string, batchIndex int) string {
	return fmt.Sprintf("%s%s/batch_%04d", SourcesPrefix, generationID, batchIndex)
}

// IndexKey returns the storage key for a serialized index.
func IndexKey(versionID string) string {
	return IndexesPrefix + versionID
}

// IndexMetaKey returns the storage key for a version's metadata record.
func IndexMetaKey(versionID string) string {
	return IndexesPrefix + versionID + ".meta"
}

// GenerationKey returns the storage key for a generation record.
func GenerationKey(generationID string) string {
	return GenerationsPrefix + generationID
}
