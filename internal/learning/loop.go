package learning

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"recalld/internal/memory"
)

// FeedbackStorage is the slice of the storage manager the learning loop
// needs: record fetch and running-mean outcome updates, both tenant-scoped.
type FeedbackStorage interface {
	GetMemory(ctx context.Context, accountKey, memoryID string) (*memory.MemoryRecord, error)
	UpdateOutcome(ctx context.Context, accountKey, memoryID string, signal float64) error
}

// FeedbackObserver receives the same feedback tuples the loop trains on.
// The personalization engine implements it.
type FeedbackObserver interface {
	ObserveFeedback(ctx context.Context, accountKey string, mem *memory.MemoryRecord, helpful bool, signal float64)
}

// Loop routes outcome feedback into the importance model, decay learner,
// ranker and outcome aggregates. Learning failures are logged and swallowed;
// they never fail the feedback request itself.
type Loop struct {
	storage    FeedbackStorage
	importance *ImportanceModel
	decay      *DecayLearner
	ranker     *RetrievalRanker
	observer   FeedbackObserver
	logger     *zap.Logger
}

// NewLoop wires the learning loop.
func NewLoop(storage FeedbackStorage, imp *ImportanceModel, decay *DecayLearner, ranker *RetrievalRanker, observer FeedbackObserver, logger *zap.Logger) *Loop {
	return &Loop{
		storage:    storage,
		importance: imp,
		decay:      decay,
		ranker:     ranker,
		observer:   observer,
		logger:     logger,
	}
}

// Result summarizes one feedback application.
type Result struct {
	Applied       int
	Missing       int
	ImportanceLoss float64
}

// ProcessFeedback applies a feedback batch for one tenant. helpful holds the
// ids explicitly marked helpful; every ranked memory in the batch receives a
// signed signal: +outcome when helpful, -|outcome| otherwise.
func (l *Loop) ProcessFeedback(ctx context.Context, accountKey string, items []memory.Feedback) (Result, error) {
	var res Result
	now := time.Now().UTC()

	var vecs [][]float32
	var outcomes []float64

	for _, fb := range items {
		mem, err := l.storage.GetMemory(ctx, accountKey, fb.MemoryID)
		if err != nil {
			res.Missing++
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			continue
		}

		signal := fb.OutcomeValue
		if !fb.Helpful {
			signal = -math.Abs(fb.OutcomeValue)
		}

		vecs = append(vecs, mem.SemanticEmbedding)
		outcomes = append(outcomes, signal)

		l.decay.RecordOutcome(mem.SemanticKey, mem.AgeDays(now), fb.Helpful)

		if err := l.storage.UpdateOutcome(ctx, accountKey, fb.MemoryID, signal); err != nil {
			l.logger.Warn("outcome update failed",
				zap.String("memory_id", fb.MemoryID), zap.Error(err))
		}

		// Ranker target: map the signed signal into [0,1].
		feats := Features(mem.SemanticEmbedding, mem, now)
		l.ranker.LearnFromFeedback(feats, (signal+1)/2)

		if l.observer != nil {
			l.observer.ObserveFeedback(ctx, accountKey, mem, fb.Helpful, signal)
		}
		res.Applied++
	}

	if len(vecs) > 0 {
		loss, err := l.importance.TrainBatch(vecs, outcomes)
		if err != nil {
			l.logger.Warn("importance training failed", zap.Error(err))
		} else {
			res.ImportanceLoss = loss
		}
	}
	l.decay.Learn()

	return res, nil
}
