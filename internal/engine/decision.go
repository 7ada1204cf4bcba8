package engine

import (
	"fmt"
	"math"

	"recalld/internal/config"
	"recalld/internal/learning"
	"recalld/internal/memory"
)

// Snapshot is the per-tenant context feeding one storage decision: how
// established the entity is, how many similar memories arrived recently, and
// how long ago the last similar one was seen.
type Snapshot struct {
	EntityRefCount int
	SimilarRecent  int
	RecencyDays    float64
}

// DecisionLogic selects a storage tier by blending the importance model's
// confidence with a bootstrap prior built from the snapshot. The prior keeps
// decisions sane while the model is still cold.
type DecisionLogic struct {
	cfg            config.DecisionConfig
	compressionMin int
}

func NewDecisionLogic(cfg config.DecisionConfig, compressionMinCount int) *DecisionLogic {
	return &DecisionLogic{cfg: cfg, compressionMin: compressionMinCount}
}

// bootstrapPrior scores how much tenant context supports keeping the event.
func bootstrapPrior(snap Snapshot) float64 {
	recency := 0.4 * math.Exp(-0.1*snap.RecencyDays)
	similar := 0.3 * (1 - math.Exp(-0.3*float64(snap.SimilarRecent)))
	entity := 0.3 * math.Min(1, float64(snap.EntityRefCount)/10)
	return recency + similar + entity
}

// Decide produces the storage decision for one encoded event.
func (d *DecisionLogic) Decide(modelScore float64, decayRate float64, snap Snapshot) memory.StorageDecision {
	prior := bootstrapPrior(snap)
	confidence := 0.85*modelScore + 0.15*prior

	dec := memory.StorageDecision{
		Confidence:     confidence,
		ModelScore:     modelScore,
		BootstrapPrior: prior,
		DecayRate:      decayRate,
		HalfLifeDays:   learning.HalfLifeDays(decayRate),
		ShouldCompress: snap.SimilarRecent+1 >= d.compressionMin,
	}

	switch {
	case confidence >= d.cfg.PersistentPrior:
		dec.Store = true
		dec.Tier = memory.TierPersistent
		dec.Reason = fmt.Sprintf("confidence %.3f >= persistent threshold %.2f", confidence, d.cfg.PersistentPrior)
	case confidence >= d.cfg.EphemeralPrior:
		dec.Store = true
		dec.Tier = memory.TierEphemeral
		dec.Reason = fmt.Sprintf("confidence %.3f >= ephemeral threshold %.2f", confidence, d.cfg.EphemeralPrior)
	default:
		dec.Tier = memory.TierDiscard
		dec.Reason = fmt.Sprintf("confidence %.3f below ephemeral threshold %.2f", confidence, d.cfg.EphemeralPrior)
	}
	return dec
}
