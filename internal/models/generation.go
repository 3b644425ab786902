// Package models defines the data structures shared across the index pipeline.
package models

import (
	"fmt"
	"time"
)

// GenerationStatus represents the lifecycle state of a rebuild generation.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationEmbedding  GenerationStatus = "embedding"
	GenerationBuilding   GenerationStatus = "building"
	GenerationValidating GenerationStatus = "validating"
	GenerationActive     GenerationStatus = "active"
	GenerationRetired    GenerationStatus = "retired"
	GenerationFailed     GenerationStatus = "failed"
)

// generationTransitions enumerates the legal status transitions.
// Cancellation is modelled as a transition to failed from any
// non-terminal, pre-active state.
var generationTransitions = map[GenerationStatus][]GenerationStatus{
	GenerationPending:    {GenerationEmbedding, GenerationFailed},
	GenerationEmbedding:  {GenerationBuilding, GenerationFailed},
	GenerationBuilding:   {GenerationValidating, GenerationRetired, GenerationFailed},
	GenerationValidating: {GenerationActive, GenerationRetired, GenerationFailed},
	GenerationActive:     {GenerationRetired},
	GenerationRetired:    {GenerationActive}, // rollback re-activates a retired generation
	GenerationFailed:     {},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s GenerationStatus) CanTransition(next GenerationStatus) bool {
	for _, allowed := range generationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status permits no further forward progress.
// Active generations are terminal in the sense that only supersession
// (retirement) or rollback can change them.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationFailed || s == GenerationRetired || s == GenerationActive
}

// Cancellable reports whether a generation in this status may be cancelled.
func (s GenerationStatus) Cancellable() bool {
	return s == GenerationPending || s == GenerationEmbedding || s == GenerationBuilding
}

// Generation is the logical unit of one index rebuild, from batch dispatch
// through promotion or failure.
type Generation struct {
	ID           string           `json:"id"`
	Seq          uint64           `json:"seq"`
	TotalBatches int              `json:"total_batches"`
	BatchSize    int              `json:"batch_size"`
	DocCount     int              `json:"doc_count"`
	Status       GenerationStatus `json:"status"`
	VersionID    string           `json:"version_id,omitempty"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Transition mutates the generation status after validating the edge.
func (g *Generation) Transition(next GenerationStatus) error {
	if !g.Status.CanTransition(next) {
		return fmt.Errorf("generation %s: illegal transition %s -> %s", g.ID, g.Status, next)
	}
	g.Status = next
	g.UpdatedAt = time.Now().UTC()
	return nil
}
