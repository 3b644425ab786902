// Package store provides the content-addressed blob storage used by the
// index pipeline: embedding batches, serialized indexes, generation
// records and the current-version pointer.
package store

import (
	"context"
	"errors"

	"github.com/forgelabs/indexforge/internal/models"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrPointerConflict is returned when a compare-and-swap on the
	// pointer record loses to a concurrent writer.
	ErrPointerConflict = errors.New("store: pointer conflict")
)

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the index store contract. All blob writes target unique
// immutable paths; the pointer record is the only mutable object and is
// updated exclusively through SwapPointer.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Pointer reads the current-version pointer. Returns ErrNotFound
	// before the first promotion.
	Pointer(ctx context.Context) (*models.Pointer, error)

	// SwapPointer atomically replaces the pointer record. expect is the
	// pointer the caller believes is current; nil means the pointer must
	// not exist yet. Returns ErrPointerConflict if the stored pointer no
	// longer matches.
	SwapPointer(ctx context.Context, expect, next *models.Pointer) error
}

// pointerMatches compares a stored pointer against the caller's
// expectation. Version identity is sufficient: versions are
// content-addressed and a version maps to exactly one sequence.
func pointerMatches(stored, expect *models.Pointer) bool {
	if stored == nil || expect == nil {
		return stored == nil && expect == nil
	}
	return stored.VersionID == expect.VersionID && stored.Seq == expect.Seq
}
