// Package embedding provides text embedding generation with multiple
// backend support and L2 normalization.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Embedder defines the interface for text embedding providers.
type Embedder interface {
	// EmbedBatch generates embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension.
	Dimension() int
}

// ProviderType identifies the embedding provider.
type ProviderType string

const (
	// ProviderOllama uses a local Ollama server.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses the OpenAI embeddings API.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic derives deterministic vectors from the text itself.
	// No network; intended for tests and local development.
	ProviderStatic ProviderType = "static"
)

// Config holds configuration for creating an Embedder.
type Config struct {
	Provider  ProviderType
	Model     string
	Dimension int

	// Ollama-specific
	OllamaHost string

	// OpenAI-specific
	OpenAIAPIKey string
}

// New creates an Embedder based on the provided configuration.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderOllama, ProviderOpenAI, "":
		return NewLangchain(cfg)
	case ProviderStatic:
		return NewStatic(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// Normalize scales v to unit L2 norm in place. A zero vector is left
// unchanged.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// NormalizeAll normalizes every vector in place.
func NormalizeAll(vecs [][]float32) {
	for _, v := range vecs {
		Normalize(v)
	}
}
