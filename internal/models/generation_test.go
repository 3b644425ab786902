package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationTransitions(t *testing.T) {
	gen := &Generation{ID: "g1", Status: GenerationPending}

	require.NoError(t, gen.Transition(GenerationEmbedding))
	require.NoError(t, gen.Transition(GenerationBuilding))
	require.NoError(t, gen.Transition(GenerationValidating))
	require.NoError(t, gen.Transition(GenerationActive))
	require.NoError(t, gen.Transition(GenerationRetired))

	// Rollback re-activates a retired generation.
	require.NoError(t, gen.Transition(GenerationActive))
}

func TestGenerationIllegalTransitions(t *testing.T) {
	tests := []struct {
		from GenerationStatus
		to   GenerationStatus
	}{
		{GenerationPending, GenerationBuilding},
		{GenerationPending, GenerationActive},
		{GenerationEmbedding, GenerationActive},
		{GenerationActive, GenerationFailed},
		{GenerationFailed, GenerationEmbedding},
		{GenerationFailed, GenerationActive},
		{GenerationRetired, GenerationFailed},
	}
	for _, tt := range tests {
		gen := &Generation{ID: "g1", Status: tt.from}
		err := gen.Transition(tt.to)
		assert.Error(t, err, "%s -> %s should be rejected", tt.from, tt.to)
		assert.Equal(t, tt.from, gen.Status)
	}
}

func TestGenerationCancellable(t *testing.T) {
	assert.True(t, GenerationPending.Cancellable())
	assert.True(t, GenerationEmbedding.Cancellable())
	assert.True(t, GenerationBuilding.Cancellable())
	assert.False(t, GenerationValidating.Cancellable())
	assert.False(t, GenerationActive.Cancellable())
	assert.False(t, GenerationRetired.Cancellable())
	assert.False(t, GenerationFailed.Cancellable())
}

func TestGenerationTerminal(t *testing.T) {
	assert.True(t, GenerationFailed.Terminal())
	assert.True(t, GenerationActive.Terminal())
	assert.True(t, GenerationRetired.Terminal())
	assert.False(t, GenerationEmbedding.Terminal())
}
