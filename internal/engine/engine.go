// Package engine composes the full memory pipeline: encode, decide, store,
// compress, retrieve, learn and personalize. Components are wired in
// dependency order; nothing below this package reaches back up into it.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"recalld/internal/config"
	"recalld/internal/embedding"
	"recalld/internal/encoder"
	"recalld/internal/learning"
	"recalld/internal/memory"
	"recalld/internal/personalize"
	"recalld/internal/store"
	"recalld/internal/vector"
)

// Engine is the orchestrator serving ingest, retrieve and feedback.
type Engine struct {
	cfg      *config.Config
	embedder embedding.Provider
	enc      *encoder.Encoder
	st       *store.Manager
	index    *vector.Index

	importance *learning.ImportanceModel
	decay      *learning.DecayLearner
	ranker     *learning.RetrievalRanker
	loop       *learning.Loop

	decision    *DecisionLogic
	compression *CompressionPlanner
	personal    *personalize.Engine

	worker *Worker
	logger *zap.Logger
	now    func() time.Time

	// Per-tenant decision caches: entity reference counts and recent
	// semantic-cluster timestamps, both keyed account first.
	mu         sync.Mutex
	entityRefs map[string]map[string]int
	recentKeys map[string]map[string][]time.Time
}

// New wires the engine from its components. The vector index is warmed from
// the side-file when one is configured.
func New(cfg *config.Config, embedder embedding.Provider, enc *encoder.Encoder, st *store.Manager, logger *zap.Logger) (*Engine, error) {
	index := vector.NewIndex(cfg.Embedding.Dimension, logger)
	if cfg.Storage.IndexPath != "" {
		n, err := index.Load(cfg.Storage.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load vector index: %w", err)
		}
		if n > 0 {
			logger.Info("vector index warmed from side-file", zap.Int("entries", n))
		}
	}

	importance := learning.NewImportanceModel(
		cfg.Embedding.Dimension, cfg.Learning.ImportanceHiddenDim,
		cfg.Learning.ImportanceLearningRate, cfg.Learning.ImportanceSeed)
	decay := learning.NewDecayLearner(cfg.Learning.DecayDefaultRate, cfg.Learning.DecayLearningRate)
	ranker := learning.NewRetrievalRanker(
		cfg.Learning.RankerLearningRate, cfg.Learning.MinTrainingSamples, cfg.Learning.TrainingBatchSize)
	personal := personalize.NewEngine(cfg.Personalization, st, logger)
	loop := learning.NewLoop(st, importance, decay, ranker, personal, logger)

	e := &Engine{
		cfg:         cfg,
		embedder:    embedder,
		enc:         enc,
		st:          st,
		index:       index,
		importance:  importance,
		decay:       decay,
		ranker:      ranker,
		loop:        loop,
		decision:    NewDecisionLogic(cfg.Decision, cfg.Compression.MinCount),
		compression: NewCompressionPlanner(cfg.Compression),
		personal:    personal,
		worker:      NewWorker(64, logger),
		logger:      logger,
		now:         time.Now,
		entityRefs:  make(map[string]map[string]int),
		recentKeys:  make(map[string]map[string][]time.Time),
	}
	return e, nil
}

// Start launches the background maintenance worker.
func (e *Engine) Start(ctx context.Context) { e.worker.Start(ctx) }

// Stop drains the worker and flushes the vector side-file.
func (e *Engine) Stop() {
	e.worker.Stop()
	e.FlushIndex()
}

// FlushIndex persists the vector index side-file, if one is configured.
func (e *Engine) FlushIndex() {
	if e.cfg.Storage.IndexPath == "" {
		return
	}
	if err := e.index.Save(e.cfg.Storage.IndexPath); err != nil {
		e.logger.Warn("failed to save vector index", zap.Error(err))
	}
}

// IngestResult reports what happened to one event.
type IngestResult struct {
	EventID    string    `json:"event_id"`
	MemoryID   string    `json:"memory_id,omitempty"`
	Stored     bool      `json:"stored"`
	Tier       string    `json:"tier"`
	Confidence float64   `json:"importance_score"`
	Reason     string    `json:"decision_reason"`
	EncodedAt  time.Time `json:"encoded_at"`
	Compressed bool      `json:"compressed"`
	Inferred   int       `json:"inferred_created"`
}

// Ingest runs the full write pipeline for one event.
func (e *Engine) Ingest(ctx context.Context, accountKey string, event memory.RawEvent) (*IngestResult, error) {
	accountKey = memory.NormalizeAccountKey(accountKey)

	encoded, err := e.enc.EncodeEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	modelScore, err := e.importance.Predict(encoded.SemanticEmbedding)
	if err != nil {
		return nil, fmt.Errorf("%w: importance prediction failed: %v", memory.ErrServer, err)
	}

	entity := encoded.Understanding.PrimaryEntity()
	snap := e.snapshot(accountKey, entity, encoded.Understanding.Intent)
	dec := e.decision.Decide(modelScore, e.decay.PredictDecayRate(encoded.SemanticKey), snap)

	res := &IngestResult{
		EventID:    event.EventID,
		Stored:     dec.Store,
		Tier:       dec.Tier,
		Confidence: dec.Confidence,
		Reason:     dec.Reason,
		EncodedAt:  encoded.EncodedAt,
	}
	if !dec.Store {
		e.logger.Debug("event discarded",
			zap.String("account", accountKey), zap.String("event", event.EventID),
			zap.String("reason", dec.Reason))
		return res, nil
	}

	now := e.now().UTC()
	rec := &memory.MemoryRecord{
		MemoryID:          uuid.NewString(),
		AccountKey:        accountKey,
		EventID:           event.EventID,
		Content:           e.st.NormalizeContent(encoded.Understanding.Intent, event.Content),
		Summary:           encoded.Understanding.Summary,
		Intent:            encoded.Understanding.Intent,
		Entities:          encoded.Understanding.Entities,
		Relationships:     encoded.Understanding.Relationships,
		RawEmbedding:      encoded.RawEmbedding,
		SemanticEmbedding: encoded.SemanticEmbedding,
		SemanticKey:       encoded.SemanticKey,
		CreatedAt:         now,
		UpdatedAt:         now,
		StorageTier:       dec.Tier,
		LatestImportance:  dec.Confidence,
	}
	if err := e.st.Insert(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.index.Add(rec.MemoryID, accountKey, rec.SemanticEmbedding); err != nil {
		e.logger.Warn("vector index add failed", zap.Error(err))
	}
	res.MemoryID = rec.MemoryID

	e.recordObservation(accountKey, entity, encoded.Understanding.Intent, now)

	if dec.ShouldCompress && entity != "" {
		compressed, err := e.compress(ctx, accountKey, entity, encoded.Understanding.Intent, now)
		if err != nil {
			e.logger.Warn("compression failed",
				zap.String("account", accountKey), zap.Error(err))
		}
		res.Compressed = compressed
	}

	// Personalization never fails an ingest.
	res.Inferred = e.materialize(ctx, accountKey, e.personal.ObserveMemory(ctx, accountKey, rec))
	queued := e.worker.Enqueue(func(ctx context.Context) {
		e.personal.PruneExpired(ctx, accountKey)
	})
	if !queued {
		e.personal.PruneExpired(ctx, accountKey)
	}

	return res, nil
}

// snapshot reads the per-tenant decision caches, trimming stale timestamps.
func (e *Engine) snapshot(accountKey, entity, intent string) Snapshot {
	window := time.Duration(e.cfg.Compression.WindowDays) * 24 * time.Hour
	now := e.now().UTC()
	key := entity + "\x00" + intent

	e.mu.Lock()
	refs := e.entityRefs[accountKey]
	recent := e.recentKeys[accountKey]

	var stamps []time.Time
	if recent != nil {
		kept := recent[key][:0]
		for _, ts := range recent[key] {
			if now.Sub(ts) <= window {
				kept = append(kept, ts)
			}
		}
		recent[key] = kept
		stamps = kept
	}

	snap := Snapshot{
		SimilarRecent: len(stamps),
		RecencyDays:   30,
	}
	if refs != nil {
		snap.EntityRefCount = refs[entity]
	}
	if len(stamps) > 0 {
		snap.RecencyDays = now.Sub(stamps[len(stamps)-1]).Hours() / 24
	}
	e.mu.Unlock()

	return snap
}

func (e *Engine) recordObservation(accountKey, entity, intent string, now time.Time) {
	if entity == "" {
		return
	}
	key := entity + "\x00" + intent

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entityRefs[accountKey] == nil {
		e.entityRefs[accountKey] = make(map[string]int)
	}
	e.entityRefs[accountKey][entity]++
	if e.recentKeys[accountKey] == nil {
		e.recentKeys[accountKey] = make(map[string][]time.Time)
	}
	e.recentKeys[accountKey][key] = append(e.recentKeys[accountKey][key], now)
}

// compress folds the tenant's recent (entity, intent) cluster into one
// summary record. Originals leave storage and the index only when the
// replacement commits.
func (e *Engine) compress(ctx context.Context, accountKey, entity, intent string, now time.Time) (bool, error) {
	since := now.AddDate(0, 0, -e.cfg.Compression.WindowDays)
	recs, err := e.st.List(ctx, accountKey, store.ListFilter{
		Intent: intent,
		Entity: entity,
		Since:  since,
	})
	if err != nil {
		return false, err
	}

	originals := e.compression.Eligible(recs)
	replacement := e.compression.Plan(entity, intent, originals, now)
	if replacement == nil {
		return false, nil
	}

	ids := make([]string, len(originals))
	for i, r := range originals {
		ids[i] = r.MemoryID
	}
	if err := e.st.ReplaceMemories(ctx, accountKey, ids, replacement); err != nil {
		return false, err
	}
	for _, id := range ids {
		e.index.Remove(id)
	}
	if err := e.index.Add(replacement.MemoryID, accountKey, replacement.SemanticEmbedding); err != nil {
		e.logger.Warn("vector index add failed", zap.Error(err))
	}

	e.logger.Info("compressed repetitive cluster",
		zap.String("account", accountKey), zap.String("entity", entity),
		zap.String("intent", intent), zap.Int("originals", len(ids)))
	return true, nil
}

// materialize persists personalization candidates as inferred memories,
// deleting any superseded records first. Failures are logged and skipped.
func (e *Engine) materialize(ctx context.Context, accountKey string, cands []personalize.Candidate) int {
	created := 0
	for _, c := range cands {
		if len(c.Supersedes) > 0 {
			if err := e.st.DeleteMemories(ctx, accountKey, c.Supersedes); err != nil {
				e.logger.Warn("failed to delete superseded memories", zap.Error(err))
				continue
			}
			for _, id := range c.Supersedes {
				e.index.Remove(id)
			}
		}

		encoded, err := e.enc.EncodeEvent(ctx, memory.RawEvent{
			EventID:   uuid.NewString(),
			Timestamp: e.now().UTC(),
			Content:   c.Content,
			Context: map[string]any{
				"summary":       c.Summary,
				"intent":        c.Intent,
				"entities":      c.Entities,
				"relationships": c.Relationships(),
			},
		})
		if err != nil {
			e.logger.Warn("failed to encode inferred memory", zap.Error(err))
			continue
		}

		now := e.now().UTC()
		rec := &memory.MemoryRecord{
			MemoryID:          uuid.NewString(),
			AccountKey:        accountKey,
			EventID:           encoded.Event.EventID,
			Content:           c.Content,
			Summary:           c.Summary,
			Intent:            c.Intent,
			Entities:          c.Entities,
			Relationships:     c.Relationships(),
			RawEmbedding:      encoded.RawEmbedding,
			SemanticEmbedding: encoded.SemanticEmbedding,
			SemanticKey:       encoded.SemanticKey,
			CreatedAt:         now,
			UpdatedAt:         now,
			StorageTier:       memory.TierPersistent,
			LatestImportance:  c.Confidence,
		}
		if err := e.st.Insert(ctx, rec); err != nil {
			e.logger.Warn("failed to store inferred memory", zap.Error(err))
			continue
		}
		if err := e.index.Add(rec.MemoryID, accountKey, rec.SemanticEmbedding); err != nil {
			e.logger.Warn("vector index add failed", zap.Error(err))
		}
		created++
		e.logger.Info("inferred memory created",
			zap.String("account", accountKey), zap.String("type", c.InferenceType),
			zap.String("signature", c.Signature))
	}
	return created
}

// RetrieveOptions narrow a retrieval beyond the query text.
type RetrieveOptions struct {
	EntityID string
	Intent   string
	Start    time.Time
	End      time.Time
	K        int
}

// Retrieve runs the read pipeline: preselect, backfill, filter, rank, cap,
// count. It returns the admitted results and the pre-rank candidate total.
func (e *Engine) Retrieve(ctx context.Context, accountKey, query string, opts RetrieveOptions) ([]memory.RankedMemory, int, error) {
	accountKey = memory.NormalizeAccountKey(accountKey)
	if query == "" {
		return nil, 0, memory.Validationf("query must not be empty")
	}
	k := opts.K
	if k <= 0 {
		k = e.cfg.Server.DefaultRetrieveK
	}

	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: query embedding failed: %v", memory.ErrServer, err)
	}
	qvec = embedding.Normalize(qvec)

	pool := 80
	if k*12 > pool {
		pool = k * 12
	}

	candidates, err := e.preselect(ctx, accountKey, opts.EntityID, qvec, pool)
	if err != nil {
		return nil, 0, err
	}
	candidates, err = e.backfill(ctx, accountKey, candidates, k, pool)
	if err != nil {
		return nil, 0, err
	}
	candidates = filterCandidates(candidates, opts)
	total := len(candidates)

	// A cancellation before ranking must leave retrieval counts untouched.
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	ranked := e.ranker.Rank(qvec, candidates, e.now().UTC())
	admitted := applyAssistantCap(ranked, k, e.cfg.Retrieval.AssistantMaxShare)

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	ids := make([]string, len(admitted))
	for i, rm := range admitted {
		ids[i] = rm.Memory.MemoryID
	}
	if err := e.st.IncrementRetrieval(ctx, accountKey, ids); err != nil {
		e.logger.Warn("failed to bump retrieval counts", zap.Error(err))
	}
	return admitted, total, nil
}

func filterCandidates(candidates []*memory.MemoryRecord, opts RetrieveOptions) []*memory.MemoryRecord {
	if opts.Intent == "" && opts.Start.IsZero() && opts.End.IsZero() {
		return candidates
	}
	out := candidates[:0]
	for _, c := range candidates {
		if opts.Intent != "" && c.Intent != opts.Intent {
			continue
		}
		if !opts.Start.IsZero() && c.CreatedAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && c.CreatedAt.After(opts.End) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (e *Engine) preselect(ctx context.Context, accountKey, entityID string, qvec []float32, pool int) ([]*memory.MemoryRecord, error) {
	if entityID != "" {
		recs, err := e.st.List(ctx, accountKey, store.ListFilter{Entity: entityID, Limit: pool})
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}
	}

	hits := e.index.Search(accountKey, qvec, pool)
	if len(hits) > 0 {
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.MemoryID
		}
		return e.st.GetMemories(ctx, accountKey, ids)
	}

	// Cold index: score in-process against storage.
	return e.st.SearchCandidates(ctx, accountKey, qvec, pool)
}

// backfill tops the pool up with non-assistant memories so the intent cap
// cannot starve the result set.
func (e *Engine) backfill(ctx context.Context, accountKey string, candidates []*memory.MemoryRecord, k, pool int) ([]*memory.MemoryRecord, error) {
	minNonAssistant := k - int(math.Floor(float64(k)*e.cfg.Retrieval.AssistantMaxShare))
	nonAssistant := 0
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.MemoryID] = true
		if !c.IsAssistant() {
			nonAssistant++
		}
	}
	if nonAssistant >= minNonAssistant {
		return candidates, nil
	}

	extra, err := e.st.List(ctx, accountKey, store.ListFilter{ExcludeAssistant: true, Limit: pool})
	if err != nil {
		return nil, err
	}
	for _, r := range extra {
		if nonAssistant >= minNonAssistant {
			break
		}
		if seen[r.MemoryID] {
			continue
		}
		candidates = append(candidates, r)
		seen[r.MemoryID] = true
		nonAssistant++
	}
	return candidates, nil
}

// applyAssistantCap admits ranked results while keeping assistant memories
// within their share; deferred assistant items fill any remaining slots.
func applyAssistantCap(ranked []memory.RankedMemory, k int, share float64) []memory.RankedMemory {
	maxAssistant := int(math.Floor(float64(k) * share))
	admitted := make([]memory.RankedMemory, 0, k)
	var deferred []memory.RankedMemory
	assistants := 0

	for _, rm := range ranked {
		if len(admitted) == k {
			break
		}
		if rm.Memory.IsAssistant() {
			if assistants >= maxAssistant {
				deferred = append(deferred, rm)
				continue
			}
			assistants++
		}
		admitted = append(admitted, rm)
	}
	for _, rm := range deferred {
		if len(admitted) == k {
			break
		}
		admitted = append(admitted, rm)
	}
	return admitted
}

// Feedback routes outcome reports through the learning loop, then
// materializes any preference inferences the feedback produced.
func (e *Engine) Feedback(ctx context.Context, accountKey string, items []memory.Feedback) (learning.Result, error) {
	accountKey = memory.NormalizeAccountKey(accountKey)
	res, err := e.loop.ProcessFeedback(ctx, accountKey, items)
	if err != nil {
		return res, err
	}
	e.materialize(ctx, accountKey, e.personal.TakePending(accountKey))
	return res, nil
}

// Stats is the engine health snapshot reported by the status endpoint.
type Stats struct {
	MemoryCount       int  `json:"memory_count"`
	IndexSize         int  `json:"index_size"`
	RankerTrained     bool `json:"ranker_trained"`
	ImportanceSamples int  `json:"importance_samples"`
}

// Status reports per-tenant and model state.
func (e *Engine) Status(ctx context.Context, accountKey string) (Stats, error) {
	accountKey = memory.NormalizeAccountKey(accountKey)
	n, err := e.st.CountMemories(ctx, accountKey)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		MemoryCount:       n,
		IndexSize:         e.index.Len(),
		RankerTrained:     e.ranker.Trained(),
		ImportanceSamples: e.importance.Samples(),
	}, nil
}

// ListMemories exposes keyset-paginated tenant memories.
func (e *Engine) ListMemories(ctx context.Context, accountKey string, cursorAt time.Time, cursorID string, limit int) ([]*memory.MemoryRecord, error) {
	accountKey = memory.NormalizeAccountKey(accountKey)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.st.ListPage(ctx, accountKey, cursorAt, cursorID, limit)
}

// DeleteMemory removes one memory for a tenant, from storage and the index.
func (e *Engine) DeleteMemory(ctx context.Context, accountKey, memoryID string) error {
	accountKey = memory.NormalizeAccountKey(accountKey)
	if _, err := e.st.GetMemory(ctx, accountKey, memoryID); err != nil {
		return err
	}
	if err := e.st.DeleteMemory(ctx, accountKey, memoryID); err != nil {
		return err
	}
	e.index.Remove(memoryID)
	return nil
}
