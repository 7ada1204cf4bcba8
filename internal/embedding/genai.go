package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider generates embeddings using Google's Gemini API. Remote
// vectors are truncated or rejected to the configured dimension and
// normalized before use, so downstream code sees the same shape regardless
// of provider.
type GenAIProvider struct {
	client *genai.Client
	model  string
	dim    int
}

// NewGenAIProvider creates a GenAI-backed provider.
func NewGenAIProvider(apiKey, model string, dim int) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIProvider{client: client, model: model, dim: dim}, nil
}

// Embed generates an embedding for a single text.
func (p *GenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts using native batching.
func (p *GenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, p.model, contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("GenAI returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vec := emb.Values
		if len(vec) < p.dim {
			return nil, fmt.Errorf("GenAI vector shorter than configured dimension: %d < %d", len(vec), p.dim)
		}
		// Remote models commonly produce larger vectors than configured;
		// truncating then renormalizing keeps the deployment dimension fixed.
		out[i] = Normalize(append([]float32(nil), vec[:p.dim]...))
	}
	return out, nil
}

// Dimensions returns the configured embedding dimension.
func (p *GenAIProvider) Dimensions() int { return p.dim }

// Name returns the provider name.
func (p *GenAIProvider) Name() string { return fmt.Sprintf("genai:%s", p.model) }
