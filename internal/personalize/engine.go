// Package personalize synthesizes higher-order inferred memories from raw
// observations: repeated topics, recurring failures, accumulated progress
// and feedback-derived style preferences. Candidates carry provenance
// relationships and dedup signatures; the orchestrator materializes them
// into stored memories and deletes superseded ones.
package personalize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"recalld/internal/config"
	"recalld/internal/embedding"
	"recalld/internal/memory"
	"recalld/internal/store"
)

// Inference family kinds, recorded in the inference_type provenance marker.
const (
	KindRepeatTopic      = "repeat_topic"
	KindRecurringFailure = "recurring_failure"
	KindProgress         = "progress_accumulation"
	KindPreference       = "style_preference"
)

// Intents whose memories feed the clustering families.
var clusterIntents = map[string]bool{
	memory.IntentUserQuestion:     true,
	memory.IntentUserAttempt:      true,
	memory.IntentAssessmentResult: true,
	memory.IntentLearningProgress: true,
}

// Candidate is a proposed inferred memory. The orchestrator encodes it,
// persists it as a memory record and deletes the superseded ids.
type Candidate struct {
	Intent        string
	Content       string
	Summary       string
	Entities      []string
	Confidence    float64
	InferenceType string
	Signature     string
	DerivedFrom   []string
	Supersedes    []string
}

// Relationships builds the full provenance set for the candidate.
func (c *Candidate) Relationships() []string {
	rels := []string{
		memory.RelInferred,
		memory.RelInferenceType + c.InferenceType,
		memory.RelSignature + c.Signature,
	}
	n := len(c.DerivedFrom)
	if n > memory.MaxDerivedFromRel {
		n = memory.MaxDerivedFromRel
	}
	for _, id := range c.DerivedFrom[:n] {
		rels = append(rels, memory.RelDerivedFrom+id)
	}
	return rels
}

// Store is the storage surface the engine reads and prunes through.
type Store interface {
	List(ctx context.Context, accountKey string, f store.ListFilter) ([]*memory.MemoryRecord, error)
	FindBySignature(ctx context.Context, accountKey, signature string) ([]*memory.MemoryRecord, error)
	ListExpiredInferred(ctx context.Context, accountKey string, cutoff time.Time) ([]*memory.MemoryRecord, error)
	DeleteMemories(ctx context.Context, accountKey string, ids []string) error
}

// Engine holds the signature registry and per-entity preference state, both
// lock-guarded. One instance serves all tenants; registry keys are
// tenant-prefixed.
type Engine struct {
	cfg    config.PersonalizationConfig
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	signatures map[string]time.Time
	prefs      map[string]*prefState
	pending    map[string][]Candidate
	lastPrune  map[string]time.Time
}

// NewEngine creates a personalization engine over the given storage.
func NewEngine(cfg config.PersonalizationConfig, st Store, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      st,
		logger:     logger,
		now:        time.Now,
		signatures: make(map[string]time.Time),
		prefs:      make(map[string]*prefState),
		pending:    make(map[string][]Candidate),
		lastPrune:  make(map[string]time.Time),
	}
}

// ObserveMemory inspects one freshly stored memory and returns at most one
// candidate per inference family. Failures are logged and swallowed; this
// path must never fail an ingest.
func (e *Engine) ObserveMemory(ctx context.Context, accountKey string, rec *memory.MemoryRecord) []Candidate {
	if !e.cfg.Enabled || rec == nil || !clusterIntents[rec.Intent] {
		return nil
	}
	entity := rec.PrimaryEntity()
	if entity == "" {
		return nil
	}

	since := e.now().UTC().AddDate(0, 0, -e.cfg.WindowDays)
	peers, err := e.store.List(ctx, accountKey, store.ListFilter{
		Intent:            rec.Intent,
		Entity:            entity,
		Since:             since,
		ExcludeCompressed: true,
	})
	if err != nil {
		e.logger.Warn("personalization observation failed",
			zap.String("account", accountKey), zap.Error(err))
		return nil
	}

	var out []Candidate
	if c := e.repeatTopic(ctx, accountKey, entity, rec, peers); c != nil {
		out = append(out, *c)
	}
	if c := e.recurringFailure(ctx, accountKey, entity, rec, peers); c != nil {
		out = append(out, *c)
	}
	if c := e.progress(ctx, accountKey, entity, rec, peers); c != nil {
		out = append(out, *c)
	}
	return out
}

// cluster gathers the peers similar enough to the anchor. Similarity blends
// vector cosine with lexical Jaccard; the anchor is always a member.
func clusterMembers(anchor *memory.MemoryRecord, peers []*memory.MemoryRecord, threshold float64) ([]*memory.MemoryRecord, float64) {
	anchorTokens := tokenSet(anchor.Summary + " " + anchor.Content)
	members := []*memory.MemoryRecord{anchor}
	var simSum float64
	for _, p := range peers {
		if p.MemoryID == anchor.MemoryID || p.IsInferred() {
			continue
		}
		cos := embedding.Cosine(anchor.SemanticEmbedding, p.SemanticEmbedding)
		lex := jaccard(anchorTokens, tokenSet(p.Summary+" "+p.Content))
		sim := 0.7*cos + 0.3*lex
		if sim >= threshold {
			members = append(members, p)
			simSum += sim
		}
	}
	avgSim := 1.0
	if len(members) > 1 {
		avgSim = simSum / float64(len(members)-1)
	}
	return members, avgSim
}

func (e *Engine) confidence(n int, avgSim float64) float64 {
	c := 0.58 + 0.08*float64(n-e.cfg.RepeatThreshold) + 0.18*avgSim
	if c > 0.96 {
		c = 0.96
	}
	return c
}

func (e *Engine) repeatTopic(ctx context.Context, accountKey, entity string, rec *memory.MemoryRecord, peers []*memory.MemoryRecord) *Candidate {
	members, avgSim := clusterMembers(rec, peers, e.cfg.SimilarityThreshold)
	if len(members) < e.cfg.RepeatThreshold {
		return nil
	}

	topic := clusterTopic(members)
	c := &Candidate{
		Intent:        memory.IntentInferredPattern,
		Content:       fmt.Sprintf("%s repeatedly asks about %s (%d related events in the last %d days)", entity, topic, len(members), e.cfg.WindowDays),
		Summary:       fmt.Sprintf("%s repeatedly asks about %s", entity, topic),
		Entities:      []string{entity},
		Confidence:    e.confidence(len(members), avgSim),
		InferenceType: KindRepeatTopic,
		DerivedFrom:   memberIDs(members),
	}
	return e.finalize(ctx, accountKey, entity, c, members)
}

func (e *Engine) recurringFailure(ctx context.Context, accountKey, entity string, rec *memory.MemoryRecord, peers []*memory.MemoryRecord) *Candidate {
	anchorTokens := tokenSet(rec.Summary + " " + rec.Content)
	if !intersectsLexicon(anchorTokens, failureTerms) {
		return nil
	}

	// The lexicon already constrains membership, so similarity relaxes.
	members, avgSim := clusterMembers(rec, filterByLexicon(peers, failureTerms, nil), 0.12*e.cfg.SimilarityThreshold)
	if len(members) < e.cfg.RepeatThreshold {
		return nil
	}

	topic := clusterTopic(members)
	c := &Candidate{
		Intent:        memory.IntentInferredPattern,
		Content:       fmt.Sprintf("%s repeatedly runs into problems with %s (%d related events)", entity, topic, len(members)),
		Summary:       fmt.Sprintf("%s struggles with %s", entity, topic),
		Entities:      []string{entity},
		Confidence:    e.confidence(len(members), avgSim),
		InferenceType: KindRecurringFailure,
		DerivedFrom:   memberIDs(members),
	}
	return e.finalize(ctx, accountKey, entity, c, members)
}

func (e *Engine) progress(ctx context.Context, accountKey, entity string, rec *memory.MemoryRecord, peers []*memory.MemoryRecord) *Candidate {
	anchorTokens := tokenSet(rec.Summary + " " + rec.Content)
	if !intersectsLexicon(anchorTokens, progressTerms) || intersectsLexicon(anchorTokens, failureTerms) {
		return nil
	}

	members, avgSim := clusterMembers(rec, filterByLexicon(peers, progressTerms, failureTerms), 0.12*e.cfg.SimilarityThreshold)
	if len(members) < e.cfg.RepeatThreshold {
		return nil
	}

	topic := clusterTopic(members)
	c := &Candidate{
		Intent:        memory.IntentLearningProgress,
		Content:       fmt.Sprintf("%s is making steady progress with %s (%d related events)", entity, topic, len(members)),
		Summary:       fmt.Sprintf("%s progressing with %s", entity, topic),
		Entities:      []string{entity},
		Confidence:    e.confidence(len(members), avgSim),
		InferenceType: KindProgress,
		DerivedFrom:   memberIDs(members),
	}
	return e.finalize(ctx, accountKey, entity, c, members)
}

// finalize assigns the signature and applies the dedup and supersession
// rules. It returns nil when a recent twin already exists.
func (e *Engine) finalize(ctx context.Context, accountKey, entity string, c *Candidate, members []*memory.MemoryRecord) *Candidate {
	texts := make([]string, len(members))
	for i, m := range members {
		texts[i] = m.Summary + " " + m.Content
	}
	c.Signature = entity + "|" + c.InferenceType + "|" + dominantTopic(texts)

	regKey := accountKey + "\x00" + c.Signature
	now := e.now().UTC()
	refresh := time.Duration(e.cfg.InferredRefreshDays) * 24 * time.Hour

	e.mu.Lock()
	if last, ok := e.signatures[regKey]; ok && now.Sub(last) < refresh {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	existing, err := e.store.FindBySignature(ctx, accountKey, c.Signature)
	if err != nil {
		e.logger.Warn("signature lookup failed", zap.Error(err))
		return nil
	}
	if len(existing) > 0 {
		newest := existing[0]
		if now.Sub(newest.CreatedAt) < refresh {
			e.mu.Lock()
			e.signatures[regKey] = newest.CreatedAt
			e.mu.Unlock()
			return nil
		}
		for _, old := range existing {
			c.Supersedes = append(c.Supersedes, old.MemoryID)
		}
	}

	e.mu.Lock()
	e.signatures[regKey] = now
	e.mu.Unlock()
	return c
}

// TakePending drains the feedback-driven candidates queued for a tenant.
func (e *Engine) TakePending(accountKey string) []Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending[accountKey]
	delete(e.pending, accountKey)
	return out
}

// PruneExpired deletes inferred memories past their TTL for one tenant. It
// runs at most once per lifecycle interval per tenant and swallows storage
// failures; ingest must not fail because pruning did.
func (e *Engine) PruneExpired(ctx context.Context, accountKey string) int {
	interval := time.Duration(e.cfg.LifecycleCheckInterval) * time.Second
	now := e.now().UTC()

	e.mu.Lock()
	if last, ok := e.lastPrune[accountKey]; ok && now.Sub(last) < interval {
		e.mu.Unlock()
		return 0
	}
	e.lastPrune[accountKey] = now
	e.mu.Unlock()

	cutoff := now.AddDate(0, 0, -e.cfg.InferredTTLDays)
	expired, err := e.store.ListExpiredInferred(ctx, accountKey, cutoff)
	if err != nil {
		e.logger.Warn("ttl scan failed", zap.String("account", accountKey), zap.Error(err))
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	ids := memberIDs(expired)
	if err := e.store.DeleteMemories(ctx, accountKey, ids); err != nil {
		e.logger.Warn("ttl prune failed", zap.String("account", accountKey), zap.Error(err))
		return 0
	}
	e.logger.Info("pruned expired inferred memories",
		zap.String("account", accountKey), zap.Int("count", len(ids)))
	return len(ids)
}

func filterByLexicon(recs []*memory.MemoryRecord, include, exclude map[string]bool) []*memory.MemoryRecord {
	var out []*memory.MemoryRecord
	for _, r := range recs {
		tokens := tokenSet(r.Summary + " " + r.Content)
		if !intersectsLexicon(tokens, include) {
			continue
		}
		if exclude != nil && intersectsLexicon(tokens, exclude) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func memberIDs(recs []*memory.MemoryRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.MemoryID
	}
	return ids
}

// clusterTopic describes what the cluster is about, preferring the newest
// member's summary over the raw token topic when one exists.
func clusterTopic(members []*memory.MemoryRecord) string {
	texts := make([]string, len(members))
	for i, m := range members {
		texts[i] = m.Summary + " " + m.Content
	}
	topic := dominantTopic(texts)
	return strings.ReplaceAll(topic, "-", " ")
}
