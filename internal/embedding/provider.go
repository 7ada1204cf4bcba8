// Package embedding provides dense vector generation for semantic memory.
// Two providers are available: a deterministic hash provider for offline and
// test use, and a Google GenAI binding for real deployments. All providers
// return unit-norm vectors of the configured dimension.
package embedding

import (
	"context"
	"fmt"
	"math"

	"recalld/internal/config"
)

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced embeddings.
	Dimensions() int

	// Name returns the provider name.
	Name() string
}

// NewProvider creates a provider from configuration.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "hash":
		return NewHashProvider(cfg.Dimension), nil
	case "genai":
		return NewGenAIProvider(cfg.GenAIKey, cfg.GenAIModel, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'hash' or 'genai')", cfg.Provider)
	}
}

// Cosine computes the cosine similarity of two vectors. A dimension mismatch
// or a zero-magnitude vector yields 0 rather than an error; callers in the
// ranking path treat such pairs as unrelated.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize scales v to unit norm in place and returns it. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Validate checks that v is finite, non-zero and of the expected dimension.
func Validate(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(v), dim)
	}
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding contains non-finite value")
		}
		sum += f * f
	}
	if sum == 0 {
		return fmt.Errorf("embedding is the zero vector")
	}
	return nil
}
