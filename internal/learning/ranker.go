package learning

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"recalld/internal/embedding"
	"recalld/internal/memory"
)

const rankerFeatures = 8

// Heuristic weights over rescaled features 1-6. The weighted sum is then
// multiplied by the length penalty and intent prior.
var heuristicWeights = [6]float64{0.41, 0.09, 0.05, 0.05, 0.09, 0.31}

// intentPriors biases ranking by event class. Unlisted intents get 1.0;
// assistant_* intents get 0.5.
var intentPriors = map[string]float64{
	memory.IntentPreferenceStated:      1.28,
	memory.IntentInferredPref:          1.32,
	"inferred_user_fact_conflict":      1.36,
	memory.IntentInferredPattern:       1.22,
	memory.IntentLearningProgress:      1.10,
	memory.IntentUserQuestion:          1.05,
}

// RetrievalRanker orders candidate memories by predicted helpfulness. Until
// it has seen MinTrainingSamples labeled examples it scores purely with the
// heuristic; warm mode blends 0.8 model + 0.2 heuristic.
type RetrievalRanker struct {
	mu sync.Mutex

	lr         float64
	minSamples int
	batchSize  int

	// Linear model over the 8 features.
	weights [rankerFeatures]float64
	bias    float64

	buffer       []rankerSample
	totalSamples int
}

type rankerSample struct {
	features [rankerFeatures]float64
	target   float64
}

// NewRetrievalRanker creates a ranker with the given training tunables.
func NewRetrievalRanker(lr float64, minSamples, batchSize int) *RetrievalRanker {
	if minSamples <= 0 {
		minSamples = 100
	}
	if batchSize <= 0 {
		batchSize = 16
	}
	r := &RetrievalRanker{lr: lr, minSamples: minSamples, batchSize: batchSize}
	// Start the model at the heuristic's feature weighting so warm-mode
	// blending begins from sane scores.
	for i, w := range heuristicWeights {
		r.weights[i] = w
	}
	r.weights[6] = 0.2
	r.weights[7] = 0.2
	return r
}

// Trained reports whether the ranker has warmed up.
func (r *RetrievalRanker) Trained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalSamples >= r.minSamples
}

// Rank scores candidates against the query embedding and returns them in
// descending score order. Ties keep the original candidate order.
func (r *RetrievalRanker) Rank(query []float32, candidates []*memory.MemoryRecord, now time.Time) []memory.RankedMemory {
	ranked := make([]memory.RankedMemory, len(candidates))
	for i, cand := range candidates {
		feats := Features(query, cand, now)
		ranked[i] = memory.RankedMemory{Memory: cand, Score: r.Score(feats)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Score computes the blended score for one feature vector, clamped to [0,1].
func (r *RetrievalRanker) Score(feats [rankerFeatures]float64) float64 {
	h := Heuristic(feats)
	r.mu.Lock()
	trained := r.totalSamples >= r.minSamples
	var model float64
	if trained {
		model = r.forward(feats)
	}
	r.mu.Unlock()

	if !trained {
		return h
	}
	return clamp01(0.8*model + 0.2*h)
}

// Heuristic is the always-available fallback score: a weighted sum of
// features 1-6 multiplied by the length penalty (feature 7) and the intent
// prior (feature 8), clamped to [0,1].
func Heuristic(feats [rankerFeatures]float64) float64 {
	var sum float64
	for i, w := range heuristicWeights {
		sum += w * feats[i]
	}
	return clamp01(sum * feats[6] * feats[7])
}

func (r *RetrievalRanker) forward(feats [rankerFeatures]float64) float64 {
	z := r.bias
	for i, w := range r.weights {
		z += w * feats[i]
	}
	return sigmoid(z)
}

// LearnFromFeedback records one labeled example (target in [0,1]) and trains
// in batches once the buffer is full.
func (r *RetrievalRanker) LearnFromFeedback(feats [rankerFeatures]float64, target float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, rankerSample{features: feats, target: clamp01(target)})
	r.totalSamples++

	if len(r.buffer) < r.batchSize {
		return
	}
	for _, s := range r.buffer {
		out := r.forward(s.features)
		dz := out - s.target
		for i := range r.weights {
			r.weights[i] -= r.lr * dz * s.features[i]
		}
		// The similarity weights must stay non-negative so higher cosine
		// similarity never lowers the blended score.
		for i := 0; i < 2; i++ {
			if r.weights[i] < 0 {
				r.weights[i] = 0
			}
		}
		r.bias -= r.lr * dz
	}
	r.buffer = r.buffer[:0]
}

// Features builds the 8-entry ranking feature vector for (query, memory).
//
//	0 cosine(query, semantic)
//	1 cosine(query, raw), falling back to the semantic cosine on shape
//	  mismatch / empty
//	2 recency exp(-0.03 * age_days)
//	3 clamp01(log1p(retrieval_count) / 4)
//	4 (avg_outcome_signal + 1) / 2
//	5 clamp01(latest_importance)
//	6 length penalty
//	7 intent prior
func Features(query []float32, m *memory.MemoryRecord, now time.Time) [rankerFeatures]float64 {
	var f [rankerFeatures]float64
	f[0] = embedding.Cosine(query, m.SemanticEmbedding)
	if len(m.RawEmbedding) == len(query) && len(m.RawEmbedding) > 0 {
		f[1] = embedding.Cosine(query, m.RawEmbedding)
	} else {
		f[1] = f[0]
	}
	f[2] = math.Exp(-0.03 * m.AgeDays(now))
	f[3] = clamp01(math.Log1p(float64(m.RetrievalCount)) / 4)
	f[4] = (m.AvgOutcomeSignal + 1) / 2
	f[5] = clamp01(m.LatestImportance)
	f[6] = lengthPenalty(m.Summary, m.Content)
	f[7] = intentPrior(m.Intent)
	return f
}

// lengthPenalty starts at 1.0 and discounts verbose memories: up to 0.30 for
// summaries over 20 words (linear to the cap at 160 extra words) and up to
// 0.35 for content over 96 words (linear to the cap at 320 extra words),
// with a floor of 0.35.
func lengthPenalty(summary, content string) float64 {
	penalty := 1.0

	if extra := wordCount(summary) - 20; extra > 0 {
		frac := float64(extra) / 160
		if frac > 1 {
			frac = 1
		}
		penalty -= 0.30 * frac
	}
	if extra := wordCount(content) - 96; extra > 0 {
		frac := float64(extra) / 320
		if frac > 1 {
			frac = 1
		}
		penalty -= 0.35 * frac
	}
	if penalty < 0.35 {
		penalty = 0.35
	}
	return penalty
}

func intentPrior(intent string) float64 {
	if memory.IsAssistantIntent(intent) {
		return 0.5
	}
	if p, ok := intentPriors[intent]; ok {
		return p
	}
	return 1.0
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
