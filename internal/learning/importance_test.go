package learning

import (
	"math"
	"testing"
)

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestImportanceDeterministicInit(t *testing.T) {
	a := NewImportanceModel(16, 32, 0.001, 7)
	b := NewImportanceModel(16, 32, 0.001, 7)

	vec := unitVec(16, 3)
	pa, err := a.Predict(vec)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	pb, err := b.Predict(vec)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pa != pb {
		t.Errorf("freshly seeded models disagree: %f != %f", pa, pb)
	}
	if pa < 0 || pa > 1 {
		t.Errorf("prediction out of [0,1]: %f", pa)
	}
}

func TestImportanceDimensionMismatch(t *testing.T) {
	m := NewImportanceModel(16, 32, 0.001, 1)
	if _, err := m.Predict(unitVec(8, 0)); err == nil {
		t.Error("expected dimension error")
	}
	if _, err := m.TrainBatch([][]float32{unitVec(8, 0)}, []float64{1}); err == nil {
		t.Error("expected dimension error on train")
	}
}

func TestImportanceTrainsTowardTargets(t *testing.T) {
	m := NewImportanceModel(8, 32, 0.01, 42)

	pos := unitVec(8, 0)
	neg := unitVec(8, 7)

	var firstLoss, lastLoss float64
	for epoch := 0; epoch < 200; epoch++ {
		loss, err := m.TrainBatch([][]float32{pos, neg}, []float64{1, -1})
		if err != nil {
			t.Fatalf("TrainBatch: %v", err)
		}
		if epoch == 0 {
			firstLoss = loss
		}
		lastLoss = loss
	}

	if lastLoss >= firstLoss {
		t.Errorf("loss did not decrease: first=%f last=%f", firstLoss, lastLoss)
	}

	pPos, _ := m.Predict(pos)
	pNeg, _ := m.Predict(neg)
	if pPos <= pNeg {
		t.Errorf("positive example should outscore negative: %f <= %f", pPos, pNeg)
	}
	if m.Samples() != 400 {
		t.Errorf("sample count = %d, want 400", m.Samples())
	}
}

func TestImportanceBatchLossNonNegative(t *testing.T) {
	m := NewImportanceModel(8, 16, 0.001, 3)
	loss, err := m.TrainBatch([][]float32{unitVec(8, 1)}, []float64{0.5})
	if err != nil {
		t.Fatalf("TrainBatch: %v", err)
	}
	if loss < 0 || math.IsNaN(loss) {
		t.Errorf("loss must be >= 0, got %f", loss)
	}
}

func TestImportanceMismatchedBatch(t *testing.T) {
	m := NewImportanceModel(8, 16, 0.001, 3)
	if _, err := m.TrainBatch([][]float32{unitVec(8, 1)}, []float64{1, -1}); err == nil {
		t.Error("expected error for mismatched arrays")
	}
}
