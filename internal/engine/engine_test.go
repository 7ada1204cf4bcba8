package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"recalld/internal/config"
	"recalld/internal/embedding"
	"recalld/internal/encoder"
	"recalld/internal/memory"
	"recalld/internal/store"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DatabasePath = ":memory:"
	cfg.Storage.IndexPath = ""
	cfg.Embedding.Dimension = 64
	cfg.Learning.ImportanceHiddenDim = 16
	// Keep tier selection out of the way for pipeline tests.
	cfg.Decision.EphemeralPrior = 0.05

	logger := zap.NewNop()
	st, err := store.NewManager(cfg.Storage, logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	embedder, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		t.Fatalf("embedder: %v", err)
	}
	enc := encoder.New(embedder, nil, logger)

	e, err := New(cfg, embedder, enc, st, logger)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func event(id, content, intent, entity string) memory.RawEvent {
	return memory.RawEvent{
		EventID:   id,
		Timestamp: time.Now().UTC(),
		Content:   content,
		Context: map[string]any{
			"summary":  content,
			"intent":   intent,
			"entities": []string{entity},
		},
	}
}

func TestIngestStoresMemory(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, "t", event("e1", "alice asked about goroutines", memory.IntentUserQuestion, "alice"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !res.Stored || res.MemoryID == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.Tier != memory.TierPersistent && res.Tier != memory.TierEphemeral {
		t.Errorf("tier = %q", res.Tier)
	}

	rec, err := e.st.GetMemory(ctx, "t", res.MemoryID)
	if err != nil {
		t.Fatalf("stored memory missing: %v", err)
	}
	if rec.Intent != memory.IntentUserQuestion || rec.SemanticKey == "" {
		t.Errorf("record = %+v", rec)
	}
	if e.index.Len() != 1 {
		t.Errorf("index size = %d", e.index.Len())
	}
}

func TestIngestDiscardsLowConfidence(t *testing.T) {
	e := testEngine(t)
	e.cfg.Decision.EphemeralPrior = 0.99
	e.cfg.Decision.PersistentPrior = 0.995
	e.decision = NewDecisionLogic(e.cfg.Decision, e.cfg.Compression.MinCount)

	res, err := e.Ingest(context.Background(), "t", event("e1", "noise", memory.IntentGeneral, ""))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Stored || res.Tier != memory.TierDiscard {
		t.Errorf("result = %+v", res)
	}
	if n, _ := e.st.CountMemories(context.Background(), "t"); n != 0 {
		t.Errorf("discarded event was persisted")
	}
}

func TestIngestEmptyContentFails(t *testing.T) {
	e := testEngine(t)
	_, err := e.Ingest(context.Background(), "t", memory.RawEvent{EventID: "e1"})
	if err == nil {
		t.Fatalf("empty content accepted")
	}
}

func TestRepeatedQuestionsYieldInferredPattern(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := e.Ingest(ctx, "t", event(fmt.Sprintf("e%d", i),
			"User asked about Python for-loops", memory.IntentUserQuestion, "alice"))
		if err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
		if i < 2 && res.Inferred != 0 {
			t.Errorf("ingest %d created %d inferred memories early", i, res.Inferred)
		}
	}

	ranked, _, err := e.Retrieve(ctx, "t", "What does alice struggle with?", RetrieveOptions{EntityID: "alice", K: 5})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	var inferred []*memory.MemoryRecord
	for _, rm := range ranked {
		if rm.Memory.Intent == memory.IntentInferredPattern {
			inferred = append(inferred, rm.Memory)
		}
	}
	if len(inferred) != 1 {
		t.Fatalf("inferred patterns in top-5 = %d, want 1", len(inferred))
	}
	if !strings.Contains(inferred[0].Content, "repeatedly asks") {
		t.Errorf("content = %q", inferred[0].Content)
	}
	derived := 0
	for _, rel := range inferred[0].Relationships {
		if strings.HasPrefix(rel, memory.RelDerivedFrom) {
			derived++
		}
	}
	if derived < 3 {
		t.Errorf("derived_from count = %d, want >= 3", derived)
	}
}

func TestPreferenceInferredFromFeedback(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		res, err := e.Ingest(ctx, "t", event(fmt.Sprintf("a%d", i),
			fmt.Sprintf("Use a slice there, answer %d. Keep it short.", i),
			"assistant_explanation", "alice"))
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if !res.Stored {
			t.Fatalf("assistant response %d not stored", i)
		}
		ids = append(ids, res.MemoryID)
	}

	for _, id := range ids {
		if _, err := e.Feedback(ctx, "t", []memory.Feedback{
			{MemoryID: id, Helpful: true, OutcomeValue: 0.8},
		}); err != nil {
			t.Fatalf("Feedback failed: %v", err)
		}
	}

	ranked, _, err := e.Retrieve(ctx, "t", "How should I explain things to alice?", RetrieveOptions{EntityID: "alice", K: 5})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	var prefs []*memory.MemoryRecord
	for _, rm := range ranked {
		if rm.Memory.Intent == memory.IntentInferredPref {
			prefs = append(prefs, rm.Memory)
		}
	}
	if len(prefs) != 1 {
		t.Fatalf("inferred preferences in top-5 = %d, want 1", len(prefs))
	}
	if !strings.Contains(prefs[0].Content, "concise explanations") {
		t.Errorf("content = %q", prefs[0].Content)
	}
	hasSupport := false
	for _, rel := range prefs[0].Relationships {
		for _, id := range ids {
			if rel == memory.RelDerivedFrom+id {
				hasSupport = true
			}
		}
	}
	if !hasSupport {
		t.Errorf("derived_from does not reference rewarded ids: %v", prefs[0].Relationships)
	}
}

func TestCompressionReplacesCluster(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	var compressed bool
	for i := 0; i < e.cfg.Compression.MinCount; i++ {
		res, err := e.Ingest(ctx, "t", event(fmt.Sprintf("c%d", i),
			fmt.Sprintf("bob reviewed chapter %d of the algorithms text", i),
			memory.IntentAssessmentResult, "bob"))
		if err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
		compressed = compressed || res.Compressed
	}
	if !compressed {
		t.Fatalf("cluster never compressed")
	}

	recs, err := e.st.List(ctx, "t", store.ListFilter{Intent: memory.IntentAssessmentResult, Entity: "bob"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var summaries, originals int
	for _, r := range recs {
		if r.IsCompressed {
			summaries++
			if r.OriginalCount < e.cfg.Compression.MinCount {
				t.Errorf("original_count = %d", r.OriginalCount)
			}
			if r.StorageTier != memory.TierPersistent {
				t.Errorf("summary tier = %q", r.StorageTier)
			}
			if !strings.Contains(r.Content, "Compressed summary") {
				t.Errorf("summary content = %q", r.Content)
			}
		} else if !r.IsInferred() {
			originals++
		}
	}
	if summaries != 1 {
		t.Errorf("summary records = %d, want 1", summaries)
	}
	if originals != 0 {
		t.Errorf("uncompressed originals remain: %d", originals)
	}
}

func TestCompressionAbsorbsLaterEvents(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	n := e.cfg.Compression.MinCount + 1

	for i := 0; i < n; i++ {
		if _, err := e.Ingest(ctx, "t", event(fmt.Sprintf("p%d", i),
			fmt.Sprintf("user_repeat bought the weekly bundle, order %d", i),
			"purchase", "user_repeat")); err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
	}

	recs, err := e.st.List(ctx, "t", store.ListFilter{Intent: "purchase", Entity: "user_repeat"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records at key = %d, want exactly 1 summary", len(recs))
	}
	if !recs[0].IsCompressed {
		t.Fatal("surviving record is not compressed")
	}
	if recs[0].OriginalCount != n {
		t.Errorf("original_count = %d, want %d", recs[0].OriginalCount, n)
	}
}

func TestRetrieveAssistantCap(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := e.Ingest(ctx, "t", event(fmt.Sprintf("a%d", i),
			fmt.Sprintf("assistant answer number %d about sorting algorithms", i),
			"assistant_explanation", "topic")); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		if _, err := e.Ingest(ctx, "t", event(fmt.Sprintf("u%d", i),
			fmt.Sprintf("user note number %d about sorting algorithms", i),
			memory.IntentGeneral, "topic")); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	k := 4
	ranked, _, err := e.Retrieve(ctx, "t", "sorting algorithms", RetrieveOptions{K: k})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(ranked) != k {
		t.Fatalf("got %d results, want %d", len(ranked), k)
	}
	assistants := 0
	for _, rm := range ranked {
		if rm.Memory.IsAssistant() {
			assistants++
		}
	}
	if assistants > 1 { // floor(4 * 0.25)
		t.Errorf("assistant results = %d, exceeds cap", assistants)
	}
}

func TestRetrieveCapRelaxesWhenPoolExhausted(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.Ingest(ctx, "t", event(fmt.Sprintf("a%d", i),
			fmt.Sprintf("assistant answer %d", i), "assistant_explanation", "topic")); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	ranked, _, err := e.Retrieve(ctx, "t", "answers", RetrieveOptions{K: 4})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	// Only assistant memories exist; deferred items fill the result.
	if len(ranked) != 3 {
		t.Errorf("got %d results, want 3", len(ranked))
	}
}

func TestRetrieveUpdatesCounts(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, "t", event("e1", "alice studies graphs", memory.IntentUserQuestion, "alice"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if _, _, err := e.Retrieve(ctx, "t", "graphs", RetrieveOptions{K: 5}); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}

	rec, _ := e.st.GetMemory(ctx, "t", res.MemoryID)
	if rec.RetrievalCount != 1 {
		t.Errorf("retrieval count = %d, want 1", rec.RetrievalCount)
	}
}

func TestRetrieveCancellationSkipsCounts(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, "t", event("e1", "alice studies graphs", memory.IntentUserQuestion, "alice"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := e.Retrieve(canceled, "t", "graphs", RetrieveOptions{K: 5}); err == nil {
		t.Fatalf("canceled retrieve succeeded")
	}

	rec, _ := e.st.GetMemory(ctx, "t", res.MemoryID)
	if rec.RetrievalCount != 0 {
		t.Errorf("retrieval count = %d after canceled retrieve", rec.RetrievalCount)
	}
}

func TestTenantIsolationAcrossPipeline(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "tenant-a", event("e1", "alpha secret fact", memory.IntentGeneral, "alpha")); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	ranked, _, err := e.Retrieve(ctx, "tenant-b", "alpha secret fact", RetrieveOptions{K: 5})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(ranked) != 0 {
		t.Errorf("tenant-b saw %d foreign memories", len(ranked))
	}
}

func TestRetrieveValidation(t *testing.T) {
	e := testEngine(t)
	if _, _, err := e.Retrieve(context.Background(), "t", "", RetrieveOptions{K: 5}); err == nil {
		t.Errorf("empty query accepted")
	}
}

func TestDeleteMemory(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, "t", event("e1", "to be deleted", memory.IntentGeneral, "x"))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := e.DeleteMemory(ctx, "t", res.MemoryID); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if _, err := e.st.GetMemory(ctx, "t", res.MemoryID); err == nil {
		t.Errorf("memory still present")
	}
	if err := e.DeleteMemory(ctx, "other", res.MemoryID); err == nil {
		t.Errorf("cross-tenant delete succeeded")
	}
}

func TestStatus(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t", event("e1", "something", memory.IntentGeneral, "x")); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	stats, err := e.Status(ctx, "t")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if stats.MemoryCount != 1 || stats.IndexSize != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.RankerTrained {
		t.Errorf("fresh ranker reports trained")
	}
}
