// Package encoder implements stage-1 input processing: it turns raw events
// into encoded events carrying raw and semantic embeddings, a structured
// understanding, and a deterministic semantic key.
package encoder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"recalld/internal/embedding"
	"recalld/internal/memory"
)

const (
	summaryClipChars = 280
	contentClipChars = 800
)

// SemanticProvider derives a structured understanding from a raw event.
type SemanticProvider interface {
	Understand(ctx context.Context, event memory.RawEvent) (memory.Understanding, error)
}

// Encoder combines an embedding provider and a semantic provider into the
// stage-1 pipeline.
type Encoder struct {
	embedder embedding.Provider
	semantic SemanticProvider
	logger   *zap.Logger
}

// New creates an Encoder. A nil semantic provider falls back to the
// deterministic context-based provider.
func New(embedder embedding.Provider, semantic SemanticProvider, logger *zap.Logger) *Encoder {
	if semantic == nil {
		semantic = ContextProvider{}
	}
	return &Encoder{embedder: embedder, semantic: semantic, logger: logger}
}

// EncodeEvent encodes a raw event. Identical events produce identical
// semantic keys across processes; with a deterministic embedding provider
// the embeddings are identical too.
func (e *Encoder) EncodeEvent(ctx context.Context, event memory.RawEvent) (*memory.EncodedEvent, error) {
	if strings.TrimSpace(event.Content) == "" {
		return nil, &memory.EncodingError{EventID: event.EventID, Reason: "empty content"}
	}

	understanding, err := e.semantic.Understand(ctx, event)
	if err != nil {
		return nil, &memory.EncodingError{EventID: event.EventID, Reason: fmt.Sprintf("semantic provider: %v", err)}
	}
	if understanding.Intent == "" {
		understanding.Intent = memory.IntentGeneral
	}
	if understanding.Summary == "" {
		understanding.Summary = clip(event.Content, summaryClipChars)
	}

	rawVec, err := e.embedder.Embed(ctx, event.Content)
	if err != nil {
		return nil, &memory.EncodingError{EventID: event.EventID, Reason: fmt.Sprintf("raw embedding: %v", err)}
	}
	if err := embedding.Validate(rawVec, e.embedder.Dimensions()); err != nil {
		return nil, &memory.EncodingError{EventID: event.EventID, Reason: fmt.Sprintf("raw embedding: %v", err)}
	}

	semanticText := SemanticText(understanding, event.Content)
	semVec, err := e.embedder.Embed(ctx, semanticText)
	if err != nil {
		return nil, &memory.EncodingError{EventID: event.EventID, Reason: fmt.Sprintf("semantic embedding: %v", err)}
	}
	if err := embedding.Validate(semVec, e.embedder.Dimensions()); err != nil {
		return nil, &memory.EncodingError{EventID: event.EventID, Reason: fmt.Sprintf("semantic embedding: %v", err)}
	}

	encoded := &memory.EncodedEvent{
		Event:             event,
		RawEmbedding:      embedding.Normalize(rawVec),
		SemanticEmbedding: embedding.Normalize(semVec),
		Understanding:     understanding,
		SemanticKey:       SemanticKey(understanding),
		EncodedAt:         time.Now().UTC(),
	}

	e.logger.Debug("event encoded",
		zap.String("event_id", event.EventID),
		zap.String("intent", understanding.Intent),
		zap.String("semantic_key", encoded.SemanticKey[:12]))
	return encoded, nil
}

// SemanticText renders the fixed template fed to the embedding provider for
// the semantic vector. The template is part of the encoding contract; do not
// reorder fields.
func SemanticText(u memory.Understanding, content string) string {
	var b strings.Builder
	b.WriteString(clip(u.Summary, summaryClipChars))
	b.WriteString(" | intent:")
	b.WriteString(u.Intent)
	b.WriteString(" | entities:")
	b.WriteString(strings.Join(u.Entities, ","))
	b.WriteString(" | relationships:")
	b.WriteString(strings.Join(u.Relationships, ","))
	b.WriteString(" | content:")
	b.WriteString(clip(content, contentClipChars))
	return b.String()
}

// SemanticKey derives the topic-cluster key: a SHA-256 hex digest over the
// lowercased intent, clipped summary and sorted lowercased entities.
func SemanticKey(u memory.Understanding) string {
	entities := make([]string, len(u.Entities))
	for i, ent := range u.Entities {
		entities[i] = strings.ToLower(ent)
	}
	sort.Strings(entities)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(u.Intent)))
	h.Write([]byte{0})
	h.Write([]byte(clip(u.Summary, summaryClipChars)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(entities, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// clip truncates s to at most n bytes, backing off to a rune boundary so the
// cut never produces an invalid UTF-8 fragment.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
