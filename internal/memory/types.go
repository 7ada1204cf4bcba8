// Package memory defines the core data model of the adaptive memory engine:
// raw events, encoded events, persisted memory records, storage decisions and
// the shared error taxonomy. All other internal packages depend on it; it
// depends on nothing but the standard library.
package memory

import (
	"time"
)

// Storage tiers for a memory record.
const (
	TierPersistent = "persistent"
	TierEphemeral  = "ephemeral"
	TierDiscard    = "discard"
)

// Well-known intent labels. Intents are open-ended strings; these are the
// ones the engine attaches special behavior to.
const (
	IntentUserQuestion     = "user_question"
	IntentUserAttempt      = "user_attempt"
	IntentAssessmentResult = "assessment_result"
	IntentLearningProgress = "learning_progress"
	IntentAssistantPrefix  = "assistant_"
	IntentInferredPrefix   = "inferred_"
	IntentPreferenceStated = "preference_stated"
	IntentInferredPattern  = "inferred_learning_pattern"
	IntentInferredPref     = "inferred_preference"
	IntentGeneral          = "general"
)

// Provenance relationship prefixes carried by inferred memories.
const (
	RelInferred       = "inferred:true"
	RelInferenceType  = "inference_type:"
	RelSignature      = "signature:"
	RelDerivedFrom    = "derived_from:"
	MaxDerivedFromRel = 8
)

// RawEvent is the unit of ingest: one conversational or system event.
type RawEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Content   string         `json:"content"`
	Context   map[string]any `json:"context,omitempty"`
}

// Understanding is the structured interpretation of an event produced by the
// semantic provider (or lifted from the event context when present).
type Understanding struct {
	Summary       string   `json:"summary"`
	Intent        string   `json:"intent"`
	Entities      []string `json:"entities"`
	Relationships []string `json:"relationships"`
}

// PrimaryEntity returns the first entity, or "" when none was extracted.
func (u Understanding) PrimaryEntity() string {
	if len(u.Entities) == 0 {
		return ""
	}
	return u.Entities[0]
}

// EncodedEvent is a RawEvent plus its embeddings, understanding and the
// deterministic semantic key identifying its topic cluster.
type EncodedEvent struct {
	Event             RawEvent
	RawEmbedding      []float32
	SemanticEmbedding []float32
	Understanding     Understanding
	SemanticKey       string
	EncodedAt         time.Time
}

// MemoryRecord is the persisted form of a memory.
type MemoryRecord struct {
	MemoryID   string    `json:"memory_id"`
	AccountKey string    `json:"account_key"`
	EventID    string    `json:"event_id"`
	Content    string    `json:"content"`

	Summary       string   `json:"summary"`
	Intent        string   `json:"intent"`
	Entities      []string `json:"entities"`
	Relationships []string `json:"relationships"`

	RawEmbedding      []float32 `json:"-"`
	SemanticEmbedding []float32 `json:"-"`
	SemanticKey       string    `json:"semantic_key"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RetrievalCount   int     `json:"retrieval_count"`
	AvgOutcomeSignal float64 `json:"avg_outcome_signal"`
	OutcomeCount     int     `json:"outcome_count"`

	StorageTier      string  `json:"storage_tier"`
	LatestImportance float64 `json:"latest_importance"`

	IsCompressed  bool `json:"is_compressed"`
	OriginalCount int  `json:"original_count"`
}

// PrimaryEntity returns the first entity, or "" when none was extracted.
func (m *MemoryRecord) PrimaryEntity() string {
	if len(m.Entities) == 0 {
		return ""
	}
	return m.Entities[0]
}

// IsAssistant reports whether the record carries an assistant_* intent.
func (m *MemoryRecord) IsAssistant() bool {
	return IsAssistantIntent(m.Intent)
}

// IsInferred reports whether the record was synthesized by the
// personalization engine, either by intent or by provenance marker.
func (m *MemoryRecord) IsInferred() bool {
	if IsInferredIntent(m.Intent) {
		return true
	}
	for _, rel := range m.Relationships {
		if rel == RelInferred {
			return true
		}
	}
	return false
}

// AgeDays returns the record age in fractional days at the given instant.
func (m *MemoryRecord) AgeDays(now time.Time) float64 {
	age := now.Sub(m.CreatedAt).Hours() / 24
	if age < 0 {
		return 0
	}
	return age
}

// StorageDecision is the outcome of stage-2 decisioning for one event.
type StorageDecision struct {
	Store          bool    `json:"store"`
	Tier           string  `json:"tier"`
	Confidence     float64 `json:"confidence"`
	ModelScore     float64 `json:"model_score"`
	BootstrapPrior float64 `json:"bootstrap_prior"`
	DecayRate      float64 `json:"decay_rate"`
	HalfLifeDays   float64 `json:"half_life_days"`
	ShouldCompress bool    `json:"should_compress"`
	Reason         string  `json:"reason"`
}

// RankedMemory pairs a memory with its ranker score for a query.
type RankedMemory struct {
	Memory *MemoryRecord `json:"memory"`
	Score  float64       `json:"score"`
}

// Feedback is an outcome report for a previous retrieval.
type Feedback struct {
	MemoryID     string  `json:"memory_id"`
	Helpful      bool    `json:"helpful"`
	OutcomeValue float64 `json:"outcome_value"`
}

// IsAssistantIntent reports whether intent begins with the assistant prefix.
func IsAssistantIntent(intent string) bool {
	return len(intent) >= len(IntentAssistantPrefix) && intent[:len(IntentAssistantPrefix)] == IntentAssistantPrefix
}

// IsInferredIntent reports whether intent begins with the inferred prefix.
func IsInferredIntent(intent string) bool {
	return len(intent) >= len(IntentInferredPrefix) && intent[:len(IntentInferredPrefix)] == IntentInferredPrefix
}

// NormalizeAccountKey maps an empty tenant key to the default tenant.
func NormalizeAccountKey(key string) string {
	if key == "" {
		return "default"
	}
	return key
}
