// Package vector provides the in-process vector index used for retrieval
// preselection: a unit-vector map keyed by memory id with brute-force top-k
// cosine search, tenant filtering, and a compact float16 side-file so the
// index survives restarts without a rebuild from storage.
package vector

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"recalld/internal/embedding"
)

// Hit is one search result.
type Hit struct {
	MemoryID string
	Score    float64
}

type entry struct {
	accountKey string
	vec        []float32
}

// Index is the in-memory unit-vector index. All mutations and reads take the
// same lock; reads are short so contention stays low at this scale.
type Index struct {
	mu      sync.RWMutex
	dim     int
	entries map[string]entry
	logger  *zap.Logger
}

// NewIndex creates an empty index for vectors of the given dimension.
func NewIndex(dim int, logger *zap.Logger) *Index {
	return &Index{
		dim:     dim,
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// Add inserts or replaces the vector for a memory id. The vector is copied
// and normalized; a dimension mismatch is an error.
func (ix *Index) Add(memoryID, accountKey string, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("vector index expects dimension %d, got %d", ix.dim, len(vec))
	}
	cp := embedding.Normalize(append([]float32(nil), vec...))

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[memoryID] = entry{accountKey: accountKey, vec: cp}
	return nil
}

// Remove deletes a memory id from the index. Missing ids are a no-op.
func (ix *Index) Remove(memoryID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, memoryID)
}

// Search returns the top-k entries by cosine score against query, restricted
// to accountKey when it is non-empty. Results are ordered by descending
// score with the memory id as a deterministic tie-break.
func (ix *Index) Search(accountKey string, query []float32, k int) []Hit {
	if k <= 0 {
		return nil
	}

	ix.mu.RLock()
	hits := make([]Hit, 0, len(ix.entries))
	for id, e := range ix.entries {
		if accountKey != "" && e.accountKey != accountKey {
			continue
		}
		hits = append(hits, Hit{MemoryID: id, Score: embedding.Cosine(query, e.vec)})
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].MemoryID < hits[j].MemoryID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Dimensions returns the index dimension.
func (ix *Index) Dimensions() int { return ix.dim }
