package learning

import (
	"fmt"
	"testing"
	"time"

	"recalld/internal/memory"
)

func baseFeatures() [rankerFeatures]float64 {
	return [rankerFeatures]float64{0.5, 0.5, 0.9, 0.2, 0.5, 0.5, 1.0, 1.0}
}

func TestHeuristicMonotonicInSemanticSimilarity(t *testing.T) {
	r := NewRetrievalRanker(0.01, 100, 16)

	prev := -1.0
	for sim := 0.0; sim <= 1.0; sim += 0.05 {
		f := baseFeatures()
		f[0] = sim
		score := r.Score(f)
		if score < prev {
			t.Fatalf("score decreased as similarity rose: sim=%f score=%f prev=%f", sim, score, prev)
		}
		prev = score
	}
}

func TestBlendedMonotonicInSemanticSimilarity(t *testing.T) {
	r := NewRetrievalRanker(0.01, 10, 4)
	// Warm the ranker with consistent labels: higher similarity, better target.
	for i := 0; i < 20; i++ {
		f := baseFeatures()
		f[0] = float64(i%10) / 10
		r.LearnFromFeedback(f, f[0])
	}
	if !r.Trained() {
		t.Fatal("ranker should be warm after 20 samples with threshold 10")
	}

	prev := -1.0
	for sim := 0.0; sim <= 1.0; sim += 0.05 {
		f := baseFeatures()
		f[0] = sim
		score := r.Score(f)
		if score < prev-1e-9 {
			t.Fatalf("blended score decreased as similarity rose: sim=%f score=%f prev=%f", sim, score, prev)
		}
		prev = score
	}
}

func TestBlendedMonotonicAfterAdversarialFeedback(t *testing.T) {
	r := NewRetrievalRanker(0.5, 10, 4)
	// Labels inverted against similarity: high-similarity memories marked
	// unhelpful, low-similarity ones helpful. Training must not push the
	// similarity weights negative.
	for i := 0; i < 40; i++ {
		f := baseFeatures()
		if i%2 == 0 {
			f[0], f[1] = 0.9, 0.9
			r.LearnFromFeedback(f, 0)
		} else {
			f[0], f[1] = 0.1, 0.1
			r.LearnFromFeedback(f, 1)
		}
	}
	if !r.Trained() {
		t.Fatal("ranker should be warm after 40 samples with threshold 10")
	}

	lo := baseFeatures()
	lo[0], lo[1] = 0.2, 0.2
	hi := baseFeatures()
	hi[0], hi[1] = 0.8, 0.8
	if r.Score(hi) < r.Score(lo)-1e-9 {
		t.Fatalf("blended score fell with similarity: score(0.8)=%f < score(0.2)=%f",
			r.Score(hi), r.Score(lo))
	}
}

func TestHeuristicWeights(t *testing.T) {
	// With all multiplicative features at 1, the heuristic is the plain
	// weighted sum.
	f := [rankerFeatures]float64{1, 1, 1, 1, 1, 1, 1, 1}
	want := 0.41 + 0.09 + 0.05 + 0.05 + 0.09 + 0.31
	if got := Heuristic(f); got != clamp01(want) {
		t.Errorf("heuristic = %f, want %f", got, clamp01(want))
	}
}

func TestRankTieBreakPreservesOrder(t *testing.T) {
	r := NewRetrievalRanker(0.01, 100, 16)
	now := time.Now().UTC()

	// Identical records score identically; insertion order must survive.
	var cands []*memory.MemoryRecord
	for i := 0; i < 5; i++ {
		cands = append(cands, &memory.MemoryRecord{
			MemoryID:          fmt.Sprintf("m%d", i),
			Intent:            "general",
			Summary:           "same",
			Content:           "same",
			SemanticEmbedding: []float32{1, 0},
			RawEmbedding:      []float32{1, 0},
			CreatedAt:         now,
		})
	}
	ranked := r.Rank([]float32{1, 0}, cands, now)
	for i, rm := range ranked {
		if rm.Memory.MemoryID != fmt.Sprintf("m%d", i) {
			t.Fatalf("tie-break broke insertion order at %d: %s", i, rm.Memory.MemoryID)
		}
	}
}

func TestFeaturesRawFallback(t *testing.T) {
	now := time.Now().UTC()
	m := &memory.MemoryRecord{
		SemanticEmbedding: []float32{1, 0},
		RawEmbedding:      []float32{1, 0, 0}, // wrong shape
		CreatedAt:         now,
	}
	f := Features([]float32{1, 0}, m, now)
	if f[1] != f[0] {
		t.Errorf("raw cosine should fall back to semantic on shape mismatch: %f != %f", f[1], f[0])
	}
}

func TestIntentPriorTable(t *testing.T) {
	tests := []struct {
		intent string
		want   float64
	}{
		{"assistant_response", 0.5},
		{"assistant_hint", 0.5},
		{"preference_stated", 1.28},
		{"inferred_preference", 1.32},
		{"inferred_user_fact_conflict", 1.36},
		{"something_unknown", 1.0},
	}
	for _, tt := range tests {
		if got := intentPrior(tt.intent); got != tt.want {
			t.Errorf("intentPrior(%s) = %f, want %f", tt.intent, got, tt.want)
		}
	}
}

func TestLengthPenalty(t *testing.T) {
	short := lengthPenalty("few words here", "short content")
	if short != 1.0 {
		t.Errorf("short text should not be penalized: %f", short)
	}

	longSummary := make([]byte, 0)
	for i := 0; i < 200; i++ {
		longSummary = append(longSummary, []byte("word ")...)
	}
	longContent := make([]byte, 0)
	for i := 0; i < 500; i++ {
		longContent = append(longContent, []byte("word ")...)
	}
	floor := lengthPenalty(string(longSummary), string(longContent))
	if floor != 0.35 {
		t.Errorf("maximally verbose text should hit floor 0.35, got %f", floor)
	}
}

func TestAssistantScoresBelowEquivalentUserMemory(t *testing.T) {
	r := NewRetrievalRanker(0.01, 100, 16)
	now := time.Now().UTC()

	mk := func(intent string) *memory.MemoryRecord {
		return &memory.MemoryRecord{
			Intent:            intent,
			Summary:           "s",
			Content:           "c",
			SemanticEmbedding: []float32{1, 0},
			RawEmbedding:      []float32{1, 0},
			CreatedAt:         now,
		}
	}
	ranked := r.Rank([]float32{1, 0}, []*memory.MemoryRecord{mk("assistant_response"), mk("user_question")}, now)
	if ranked[0].Memory.Intent != "user_question" {
		t.Error("user memory should outrank identical assistant memory via intent prior")
	}
}
