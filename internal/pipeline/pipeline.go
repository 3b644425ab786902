// Package pipeline implements the index lifecycle: dispatching rebuild
// generations, embedding batches, building and validating index
// versions, hot-swapping the live pointer and maintaining old versions.
package pipeline

import "errors"

var (
	// ErrStaleSequence is returned when a promotion targets a sequence
	// number at or below the currently promoted one. It is benign: the
	// candidate was superseded by a newer generation.
	ErrStaleSequence = errors.New("pipeline: stale sequence")

	// ErrRecallBelowFloor is returned when a candidate index fails
	// validation against the active index.
	ErrRecallBelowFloor = errors.New("pipeline: recall below floor")

	// ErrBarrierTimeout is returned when a generation's batches do not
	// all complete within the configured ceiling.
	ErrBarrierTimeout = errors.New("pipeline: barrier timeout")

	// ErrGenerationFailed is returned for operations on a failed
	// generation.
	ErrGenerationFailed = errors.New("pipeline: generation failed")

	// ErrNoIndex is returned by Search before any version was promoted.
	ErrNoIndex = errors.New("pipeline: no index loaded")
)
