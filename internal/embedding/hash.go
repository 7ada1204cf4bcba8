package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// HashProvider produces deterministic embeddings from token hashes. Each
// token contributes a pseudo-random unit direction derived from its SHA-256
// digest; the token sum is normalized. The same text always yields the same
// vector across processes, which is what the encoding determinism guarantee
// and the offline test suite rely on.
type HashProvider struct {
	dim int
}

// NewHashProvider creates a deterministic provider of the given dimension.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = 256
	}
	return &HashProvider{dim: dim}
}

// Embed generates a deterministic embedding for the text.
func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, p.dim)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	for _, tok := range tokens {
		digest := sha256.Sum256([]byte(tok))
		// Expand the 32-byte digest into dim pseudo-random components by
		// re-hashing with a counter suffix.
		var buf [36]byte
		copy(buf[:32], digest[:])
		for i := 0; i < p.dim; i += 8 {
			binary.LittleEndian.PutUint32(buf[32:], uint32(i))
			block := sha256.Sum256(buf[:])
			for j := 0; j < 8 && i+j < p.dim; j++ {
				u := binary.LittleEndian.Uint32(block[j*4 : j*4+4])
				// Map to [-1, 1).
				vec[i+j] += float64(int32(u)) / float64(math.MaxInt32)
			}
		}
	}

	out := make([]float32, p.dim)
	for i, x := range vec {
		out[i] = float32(x)
	}
	return Normalize(out), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (p *HashProvider) Dimensions() int { return p.dim }

// Name returns the provider name.
func (p *HashProvider) Name() string { return fmt.Sprintf("hash-%d", p.dim) }

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
