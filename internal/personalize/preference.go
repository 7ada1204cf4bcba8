package personalize

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"recalld/internal/memory"
	"recalld/internal/store"
)

// prefState is the per-entity running score for response-style preference.
// Scores decay so old feedback loses weight; support holds the most recent
// rewarded memory ids for provenance.
type prefState struct {
	concise  float64
	detailed float64
	updates  int
	support  []string
}

const (
	prefDecay      = 0.95
	maxPrefSupport = memory.MaxDerivedFromRel
	conciseWords   = 40
	detailedWords  = 120
)

var conciseMarkers = []string{"keep it short", "in short", "briefly", "tl;dr", "short answer"}
var detailedMarkers = []string{"in detail", "step by step", "thorough", "comprehensive", "deep dive"}

// bucketStyle classifies an assistant response as concise or detailed by
// word and sentence counts plus explicit length markers. Returns "" when
// ambiguous.
func bucketStyle(content string) string {
	lower := strings.ToLower(content)
	for _, marker := range conciseMarkers {
		if strings.Contains(lower, marker) {
			return "concise"
		}
	}
	for _, marker := range detailedMarkers {
		if strings.Contains(lower, marker) {
			return "detailed"
		}
	}

	words := len(strings.Fields(content))
	sentences := strings.Count(content, ".") + strings.Count(content, "!") + strings.Count(content, "?")
	switch {
	case words < conciseWords && sentences <= 3:
		return "concise"
	case words > detailedWords:
		return "detailed"
	}
	return ""
}

// ObserveFeedback feeds one feedback outcome on a ranked memory into the
// preference tracker. Only assistant memories carry style evidence. When an
// entity's preference clears the margin, an inferred_preference candidate is
// queued for the orchestrator.
func (e *Engine) ObserveFeedback(ctx context.Context, accountKey string, rec *memory.MemoryRecord, helpful bool, signal float64) {
	if !e.cfg.Enabled || rec == nil || !rec.IsAssistant() {
		return
	}
	style := bucketStyle(rec.Content)
	if style == "" {
		return
	}

	entity := rec.PrimaryEntity()
	if entity == "" {
		entity = "user"
	}

	weight := math.Abs(signal)
	if weight == 0 {
		weight = 1
	}
	if !helpful {
		weight = -weight / 2
	}

	key := accountKey + "\x00" + entity
	e.mu.Lock()
	st := e.prefs[key]
	if st == nil {
		st = &prefState{}
		e.prefs[key] = st
	}
	st.concise *= prefDecay
	st.detailed *= prefDecay
	if style == "concise" {
		st.concise += weight
	} else {
		st.detailed += weight
	}
	st.updates++
	if helpful {
		st.support = append(st.support, rec.MemoryID)
		if len(st.support) > maxPrefSupport {
			st.support = st.support[len(st.support)-maxPrefSupport:]
		}
	}
	ready := st.updates >= e.cfg.MinFeedbackEvents &&
		math.Abs(st.concise-st.detailed) >= e.cfg.PreferenceMargin
	concise := st.concise > st.detailed
	support := append([]string(nil), st.support...)
	margin := math.Abs(st.concise - st.detailed)
	e.mu.Unlock()

	if !ready || len(support) == 0 {
		return
	}
	if e.explicitPreferenceWins(ctx, accountKey, concise, margin) {
		return
	}

	direction := "detailed"
	opposite := "concise"
	if concise {
		direction, opposite = "concise", "detailed"
	}
	c := Candidate{
		Intent:        memory.IntentInferredPref,
		Content:       fmt.Sprintf("%s prefers %s explanations over %s ones", entity, direction, opposite),
		Summary:       fmt.Sprintf("%s prefers %s explanations", entity, direction),
		Entities:      []string{entity},
		Confidence:    math.Min(0.96, 0.6+0.05*margin),
		InferenceType: KindPreference,
		DerivedFrom:   support,
	}
	finalized := e.finalizePreference(ctx, accountKey, entity, &c, direction)
	if finalized == nil {
		return
	}

	e.mu.Lock()
	e.pending[accountKey] = append(e.pending[accountKey], *finalized)
	e.mu.Unlock()
}

// explicitPreferenceWins checks for a stated preference pointing the other
// way. With a narrow inferred margin the explicit statement wins.
func (e *Engine) explicitPreferenceWins(ctx context.Context, accountKey string, inferredConcise bool, margin float64) bool {
	if margin >= 4*e.cfg.PreferenceMargin {
		return false
	}
	stated, err := e.store.List(ctx, accountKey, store.ListFilter{
		Intent: memory.IntentPreferenceStated,
		Limit:  10,
	})
	if err != nil {
		e.logger.Warn("stated preference lookup failed", zap.Error(err))
		return false
	}
	for _, s := range stated {
		lower := strings.ToLower(s.Content)
		statedDetailed := strings.Contains(lower, "detail") || strings.Contains(lower, "thorough")
		statedConcise := strings.Contains(lower, "concise") || strings.Contains(lower, "short") || strings.Contains(lower, "brief")
		if inferredConcise && statedDetailed && !statedConcise {
			return true
		}
		if !inferredConcise && statedConcise && !statedDetailed {
			return true
		}
	}
	return false
}

// finalizePreference runs the signature lifecycle for a preference
// candidate. The topic part is the direction so a flip supersedes the old
// inference immediately rather than deduping against it.
func (e *Engine) finalizePreference(ctx context.Context, accountKey, entity string, c *Candidate, direction string) *Candidate {
	c.Signature = entity + "|" + c.InferenceType + "|" + direction

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
	if len(existing) > 0 && now.Sub(existing[0].CreatedAt) < refresh {
		e.mu.Lock()
		e.signatures[regKey] = existing[0].CreatedAt
		e.mu.Unlock()
		return nil
	}
	for _, old := range existing {
		c.Supersedes = append(c.Supersedes, old.MemoryID)
	}

	// A flipped direction supersedes the opposite inference too.
	oppositeSig := entity + "|" + c.InferenceType + "|" + oppositeOf(direction)
	if flipped, err := e.store.FindBySignature(ctx, accountKey, oppositeSig); err == nil {
		for _, old := range flipped {
			c.Supersedes = append(c.Supersedes, old.MemoryID)
		}
	}

	e.mu.Lock()
	e.signatures[regKey] = now
	e.mu.Unlock()
	return c
}

func oppositeOf(direction string) string {
	if direction == "concise" {
		return "detailed"
	}
	return "concise"
}
