package engine

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"recalld/internal/config"
	"recalld/internal/memory"
)

func defaultLogic() *DecisionLogic {
	cfg := config.DefaultConfig()
	return NewDecisionLogic(cfg.Decision, cfg.Compression.MinCount)
}

func TestBootstrapPrior(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want float64
	}{
		{"cold tenant", Snapshot{RecencyDays: 30}, 0.4 * math.Exp(-3)},
		{"fresh similar", Snapshot{RecencyDays: 0}, 0.4},
		{"established entity", Snapshot{RecencyDays: 30, EntityRefCount: 10},
			0.4*math.Exp(-3) + 0.3},
		{"busy cluster", Snapshot{RecencyDays: 0, SimilarRecent: 10, EntityRefCount: 20},
			0.4 + 0.3*(1-math.Exp(-3)) + 0.3},
	}
	for _, tt := range tests {
		if got := bootstrapPrior(tt.snap); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: prior = %f, want %f", tt.name, got, tt.want)
		}
	}
}

func TestDecideTiers(t *testing.T) {
	d := defaultLogic()
	snap := Snapshot{RecencyDays: 30}

	tests := []struct {
		model     string
		score     float64
		wantTier  string
		wantStore bool
	}{
		{"high", 0.9, memory.TierPersistent, true},
		{"middle", 0.45, memory.TierEphemeral, true},
		{"low", 0.1, memory.TierDiscard, false},
	}
	for _, tt := range tests {
		dec := d.Decide(tt.score, 0.01, snap)
		if dec.Tier != tt.wantTier || dec.Store != tt.wantStore {
			t.Errorf("%s: decision = %+v", tt.model, dec)
		}
		wantConf := 0.85*tt.score + 0.15*bootstrapPrior(snap)
		if math.Abs(dec.Confidence-wantConf) > 1e-9 {
			t.Errorf("%s: confidence = %f, want %f", tt.model, dec.Confidence, wantConf)
		}
	}
}

func TestDecideCompressionTrigger(t *testing.T) {
	d := defaultLogic()
	if dec := d.Decide(0.5, 0.01, Snapshot{SimilarRecent: 4}); !dec.ShouldCompress {
		t.Errorf("similar=4 with min_count=5 should trigger")
	}
	if dec := d.Decide(0.5, 0.01, Snapshot{SimilarRecent: 3}); dec.ShouldCompress {
		t.Errorf("similar=3 with min_count=5 should not trigger")
	}
}

func TestDecideHalfLife(t *testing.T) {
	d := defaultLogic()
	dec := d.Decide(0.9, 0.01, Snapshot{})
	want := math.Ln2 / 0.01
	if math.Abs(dec.HalfLifeDays-want) > 1e-9 {
		t.Errorf("half life = %f, want %f", dec.HalfLifeDays, want)
	}
}

func mkOriginal(i int, created time.Time) *memory.MemoryRecord {
	return &memory.MemoryRecord{
		MemoryID:          fmt.Sprintf("m%02d", i),
		AccountKey:        "t",
		EventID:           fmt.Sprintf("e%02d", i),
		Content:           fmt.Sprintf("bob studied item %d", i),
		Summary:           fmt.Sprintf("bob studied item %d", i),
		Intent:            memory.IntentAssessmentResult,
		Entities:          []string{"bob"},
		SemanticEmbedding: []float32{1, 0, 0},
		CreatedAt:         created.Add(time.Duration(i) * time.Minute),
	}
}

func TestCompressionPlan(t *testing.T) {
	cfg := config.DefaultConfig().Compression
	p := NewCompressionPlanner(cfg)
	now := time.Now().UTC()

	var originals []*memory.MemoryRecord
	for i := 0; i < cfg.MinCount; i++ {
		originals = append(originals, mkOriginal(i, now.Add(-time.Hour)))
	}

	rec := p.Plan("bob", memory.IntentAssessmentResult, originals, now)
	if rec == nil {
		t.Fatalf("plan returned nil at min_count")
	}
	if !rec.IsCompressed || rec.OriginalCount != cfg.MinCount {
		t.Errorf("record = %+v", rec)
	}
	if rec.StorageTier != memory.TierPersistent {
		t.Errorf("tier = %q", rec.StorageTier)
	}
	if !strings.HasPrefix(rec.Content, "Compressed summary for bob/assessment_result") {
		t.Errorf("content = %q", rec.Content)
	}
	for i := 0; i < cfg.MinCount; i++ {
		if !strings.Contains(rec.Content, fmt.Sprintf("bob studied item %d", i)) {
			t.Errorf("content missing item %d", i)
		}
	}

	// Deterministic regardless of input order.
	reversed := make([]*memory.MemoryRecord, len(originals))
	for i, r := range originals {
		reversed[len(originals)-1-i] = r
	}
	again := p.Plan("bob", memory.IntentAssessmentResult, reversed, now)
	if again.Content != rec.Content || again.SemanticKey != rec.SemanticKey {
		t.Errorf("plan is order dependent")
	}

	var norm float64
	for _, x := range rec.SemanticEmbedding {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("embedding norm^2 = %f", norm)
	}
}

func TestCompressionPlanBelowMinimum(t *testing.T) {
	cfg := config.DefaultConfig().Compression
	p := NewCompressionPlanner(cfg)
	originals := []*memory.MemoryRecord{mkOriginal(0, time.Now())}
	if rec := p.Plan("bob", memory.IntentAssessmentResult, originals, time.Now()); rec != nil {
		t.Errorf("plan below min_count returned %+v", rec)
	}
}

func TestCompressionPlanCapsSummaryItems(t *testing.T) {
	cfg := config.DefaultConfig().Compression
	p := NewCompressionPlanner(cfg)
	now := time.Now().UTC()

	var originals []*memory.MemoryRecord
	for i := 0; i < cfg.MaxSummaryItems+10; i++ {
		originals = append(originals, mkOriginal(i, now.Add(-time.Hour)))
	}
	rec := p.Plan("bob", memory.IntentAssessmentResult, originals, now)
	if rec.OriginalCount != cfg.MaxSummaryItems+10 {
		t.Errorf("original count = %d", rec.OriginalCount)
	}
	lines := strings.Count(rec.Content, "\n- ")
	if lines != cfg.MaxSummaryItems {
		t.Errorf("summary lines = %d, want %d", lines, cfg.MaxSummaryItems)
	}
}

func TestCompressionEligible(t *testing.T) {
	p := NewCompressionPlanner(config.DefaultConfig().Compression)
	now := time.Now()

	plain := mkOriginal(0, now)
	compressed := mkOriginal(1, now)
	compressed.IsCompressed = true
	inferred := mkOriginal(2, now)
	inferred.Relationships = []string{memory.RelInferred}

	got := p.Eligible([]*memory.MemoryRecord{plain, compressed, inferred})
	if len(got) != 2 {
		t.Fatalf("eligible = %v", got)
	}
	for _, r := range got {
		if r.IsInferred() {
			t.Errorf("inferred record %s passed eligibility", r.MemoryID)
		}
	}
}

func TestCompressionPlanAbsorbsExistingSummary(t *testing.T) {
	cfg := config.DefaultConfig().Compression
	p := NewCompressionPlanner(cfg)
	now := time.Now().UTC()

	prior := mkOriginal(0, now.Add(-2*time.Hour))
	prior.IsCompressed = true
	prior.OriginalCount = cfg.MinCount
	fresh := mkOriginal(1, now.Add(-time.Hour))

	rec := p.Plan("bob", memory.IntentAssessmentResult, []*memory.MemoryRecord{prior, fresh}, now)
	if rec == nil {
		t.Fatal("plan returned nil for summary + fresh event")
	}
	if rec.OriginalCount != cfg.MinCount+1 {
		t.Errorf("original count = %d, want %d", rec.OriginalCount, cfg.MinCount+1)
	}
	if !rec.IsCompressed {
		t.Error("replacement not marked compressed")
	}
}

func TestCompressionPlanNeedsUncompressedMember(t *testing.T) {
	cfg := config.DefaultConfig().Compression
	p := NewCompressionPlanner(cfg)
	now := time.Now().UTC()

	prior := mkOriginal(0, now.Add(-time.Hour))
	prior.IsCompressed = true
	prior.OriginalCount = cfg.MinCount + 3

	if rec := p.Plan("bob", memory.IntentAssessmentResult, []*memory.MemoryRecord{prior}, now); rec != nil {
		t.Errorf("summary alone produced a new plan: %+v", rec)
	}
}
