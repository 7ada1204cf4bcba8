package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"recalld/internal/config"
	"recalld/internal/embedding"
	"recalld/internal/encoder"
	"recalld/internal/memory"
)

// CompressionPlanner replaces a cluster of repetitive memories with a single
// summary record. The replacement is deterministic for a given original set
// and always lands in the persistent tier.
type CompressionPlanner struct {
	cfg config.CompressionConfig
}

func NewCompressionPlanner(cfg config.CompressionConfig) *CompressionPlanner {
	return &CompressionPlanner{cfg: cfg}
}

// Eligible filters a candidate set down to the records that may be folded.
// Inferred records are exempt. An existing summary for the key is kept as a
// member so a later pass absorbs it instead of leaving two summaries, but a
// summary never seeds a pass on its own.
func (p *CompressionPlanner) Eligible(recs []*memory.MemoryRecord) []*memory.MemoryRecord {
	var out []*memory.MemoryRecord
	for _, r := range recs {
		if r.IsInferred() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// originalCount is the number of raw events a record stands for.
func originalCount(r *memory.MemoryRecord) int {
	if r.IsCompressed && r.OriginalCount > 1 {
		return r.OriginalCount
	}
	return 1
}

// Plan builds the replacement record for the originals, or nil when the
// cluster is below the configured minimum or holds no uncompressed member.
// Embeddings are the normalized mean of the originals' semantic embeddings
// so the summary stays findable where its members were.
func (p *CompressionPlanner) Plan(entity, intent string, originals []*memory.MemoryRecord, now time.Time) *memory.MemoryRecord {
	total := 0
	raw := 0
	for _, r := range originals {
		total += originalCount(r)
		if !r.IsCompressed {
			raw++
		}
	}
	if total < p.cfg.MinCount || raw == 0 {
		return nil
	}

	sorted := append([]*memory.MemoryRecord(nil), originals...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].MemoryID < sorted[j].MemoryID
	})

	items := sorted
	if len(items) > p.cfg.MaxSummaryItems {
		items = items[:p.cfg.MaxSummaryItems]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Compressed summary for %s/%s (%d events):", entity, intent, total)
	for _, r := range items {
		line := r.Summary
		if line == "" {
			line = r.Content
		}
		b.WriteString("\n- ")
		b.WriteString(line)
	}

	u := memory.Understanding{
		Summary:  fmt.Sprintf("%d similar %s events about %s", total, intent, entity),
		Intent:   intent,
		Entities: []string{entity},
	}

	rec := &memory.MemoryRecord{
		MemoryID:          uuid.NewString(),
		AccountKey:        sorted[0].AccountKey,
		EventID:           sorted[len(sorted)-1].EventID,
		Content:           b.String(),
		Summary:           u.Summary,
		Intent:            intent,
		Entities:          []string{entity},
		SemanticEmbedding: meanEmbedding(sorted),
		SemanticKey:       encoder.SemanticKey(u),
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
		StorageTier:       memory.TierPersistent,
		LatestImportance:  0.8,
		IsCompressed:      true,
		OriginalCount:     total,
	}
	rec.RawEmbedding = rec.SemanticEmbedding
	return rec
}

func meanEmbedding(recs []*memory.MemoryRecord) []float32 {
	var dim int
	for _, r := range recs {
		if len(r.SemanticEmbedding) > 0 {
			dim = len(r.SemanticEmbedding)
			break
		}
	}
	if dim == 0 {
		return nil
	}
	sum := make([]float32, dim)
	for _, r := range recs {
		if len(r.SemanticEmbedding) != dim {
			continue
		}
		for i, x := range r.SemanticEmbedding {
			sum[i] += x
		}
	}
	return embedding.Normalize(sum)
}
