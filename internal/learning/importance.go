// Package learning holds the trainable components of the memory engine: the
// importance model that scores storage-worthiness, the per-key decay
// learner, the retrieval ranker, and the learning loop that routes outcome
// feedback into all three.
package learning

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// ImportanceModel is a small feed-forward network mapping a semantic
// embedding to a storage-importance score in [0,1]. It trains online with
// binary cross-entropy and Adam. Construction is deterministic for a fixed
// seed: identical inputs on a freshly seeded model yield identical outputs.
type ImportanceModel struct {
	mu sync.Mutex

	inDim int
	h1Dim int
	h2Dim int
	lr    float64
	rng   *rand.Rand

	// Parameters. w1 is h1Dim x inDim, w2 is h2Dim x h1Dim, w3 is 1 x h2Dim.
	w1, b1 []float64
	w2, b2 []float64
	w3     []float64
	b3     float64

	// Adam state, one slot per parameter in the order w1,b1,w2,b2,w3,b3.
	adamM, adamV []float64
	adamT        int

	dropout float64
	samples int
}

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// NewImportanceModel creates a seeded model. hiddenDim is the first hidden
// layer width; the second layer is half that.
func NewImportanceModel(inDim, hiddenDim int, lr float64, seed int64) *ImportanceModel {
	if hiddenDim <= 0 {
		hiddenDim = 128
	}
	h2 := hiddenDim / 2
	if h2 < 8 {
		h2 = 8
	}
	m := &ImportanceModel{
		inDim:   inDim,
		h1Dim:   hiddenDim,
		h2Dim:   h2,
		lr:      lr,
		rng:     rand.New(rand.NewSource(seed)),
		dropout: 0.1,
	}
	m.w1 = m.initLayer(hiddenDim*inDim, inDim)
	m.b1 = make([]float64, hiddenDim)
	m.w2 = m.initLayer(h2*hiddenDim, hiddenDim)
	m.b2 = make([]float64, h2)
	m.w3 = m.initLayer(h2, h2)
	total := len(m.w1) + len(m.b1) + len(m.w2) + len(m.b2) + len(m.w3) + 1
	m.adamM = make([]float64, total)
	m.adamV = make([]float64, total)
	return m
}

// initLayer draws Xavier-scaled weights from the seeded PRNG.
func (m *ImportanceModel) initLayer(n, fanIn int) []float64 {
	scale := math.Sqrt(2.0 / float64(fanIn))
	w := make([]float64, n)
	for i := range w {
		w[i] = m.rng.NormFloat64() * scale
	}
	return w
}

// Predict maps a semantic embedding to an importance score in [0,1].
func (m *ImportanceModel) Predict(vec []float32) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(vec) != m.inDim {
		return 0, fmt.Errorf("importance model expects dimension %d, got %d", m.inDim, len(vec))
	}
	_, _, out := m.forward(vec, nil)
	return out, nil
}

// TrainBatch runs one gradient step per sample. Outcomes in [-1,1] map to
// BCE targets (o+1)/2 clamped to [0,1]. Returns the mean batch loss.
func (m *ImportanceModel) TrainBatch(vecs [][]float32, outcomes []float64) (float64, error) {
	if len(vecs) != len(outcomes) {
		return 0, fmt.Errorf("importance train batch: %d vectors vs %d outcomes", len(vecs), len(outcomes))
	}
	if len(vecs) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var totalLoss float64
	for i, vec := range vecs {
		if len(vec) != m.inDim {
			return 0, fmt.Errorf("importance train batch item %d: dimension %d, want %d", i, len(vec), m.inDim)
		}
		target := clamp01((outcomes[i] + 1) / 2)
		loss := m.step(vec, target)
		totalLoss += loss
		m.samples++
	}
	return totalLoss / float64(len(vecs)), nil
}

// Samples returns the cumulative number of training samples seen.
func (m *ImportanceModel) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

// forward runs the network. dropMask, when non-nil, holds the inverted
// dropout mask for the first hidden layer (training only).
func (m *ImportanceModel) forward(vec []float32, dropMask []float64) (h1, h2 []float64, out float64) {
	h1 = make([]float64, m.h1Dim)
	for i := 0; i < m.h1Dim; i++ {
		sum := m.b1[i]
		row := m.w1[i*m.inDim:]
		for j := 0; j < m.inDim; j++ {
			sum += row[j] * float64(vec[j])
		}
		h1[i] = relu(sum)
		if dropMask != nil {
			h1[i] *= dropMask[i]
		}
	}

	h2 = make([]float64, m.h2Dim)
	for i := 0; i < m.h2Dim; i++ {
		sum := m.b2[i]
		row := m.w2[i*m.h1Dim:]
		for j := 0; j < m.h1Dim; j++ {
			sum += row[j] * h1[j]
		}
		h2[i] = relu(sum)
	}

	z := m.b3
	for i := 0; i < m.h2Dim; i++ {
		z += m.w3[i] * h2[i]
	}
	return h1, h2, sigmoid(z)
}

// step performs one BCE + Adam update for a single sample and returns its loss.
func (m *ImportanceModel) step(vec []float32, target float64) float64 {
	dropMask := make([]float64, m.h1Dim)
	keep := 1 - m.dropout
	for i := range dropMask {
		if m.rng.Float64() < keep {
			dropMask[i] = 1 / keep
		}
	}

	h1, h2, out := m.forward(vec, dropMask)

	// BCE loss with the usual sigmoid simplification: dL/dz = out - target.
	const eps = 1e-12
	loss := -(target*math.Log(out+eps) + (1-target)*math.Log(1-out+eps))
	dz := out - target

	gradW3 := make([]float64, m.h2Dim)
	dh2 := make([]float64, m.h2Dim)
	for i := 0; i < m.h2Dim; i++ {
		gradW3[i] = dz * h2[i]
		if h2[i] > 0 {
			dh2[i] = dz * m.w3[i]
		}
	}

	gradW2 := make([]float64, len(m.w2))
	dh1 := make([]float64, m.h1Dim)
	for i := 0; i < m.h2Dim; i++ {
		if dh2[i] == 0 {
			continue
		}
		row := i * m.h1Dim
		for j := 0; j < m.h1Dim; j++ {
			gradW2[row+j] = dh2[i] * h1[j]
			dh1[j] += dh2[i] * m.w2[row+j]
		}
	}
	for j := 0; j < m.h1Dim; j++ {
		if h1[j] <= 0 {
			dh1[j] = 0
		}
	}

	gradW1 := make([]float64, len(m.w1))
	for i := 0; i < m.h1Dim; i++ {
		if dh1[i] == 0 {
			continue
		}
		row := i * m.inDim
		for j := 0; j < m.inDim; j++ {
			gradW1[row+j] = dh1[i] * float64(vec[j])
		}
	}

	m.adamT++
	idx := 0
	idx = m.adamUpdate(m.w1, gradW1, idx)
	idx = m.adamUpdate(m.b1, dh1, idx)
	idx = m.adamUpdate(m.w2, gradW2, idx)
	idx = m.adamUpdate(m.b2, dh2, idx)
	idx = m.adamUpdate(m.w3, gradW3, idx)
	m.b3 -= m.adamScalar(dz, idx)

	return loss
}

// adamUpdate applies Adam to one parameter slice and returns the next state
// offset.
func (m *ImportanceModel) adamUpdate(params, grads []float64, offset int) int {
	corr1 := 1 - math.Pow(adamBeta1, float64(m.adamT))
	corr2 := 1 - math.Pow(adamBeta2, float64(m.adamT))
	for i := range params {
		g := grads[i]
		s := offset + i
		m.adamM[s] = adamBeta1*m.adamM[s] + (1-adamBeta1)*g
		m.adamV[s] = adamBeta2*m.adamV[s] + (1-adamBeta2)*g*g
		mHat := m.adamM[s] / corr1
		vHat := m.adamV[s] / corr2
		params[i] -= m.lr * mHat / (math.Sqrt(vHat) + adamEps)
	}
	return offset + len(params)
}

func (m *ImportanceModel) adamScalar(g float64, offset int) float64 {
	corr1 := 1 - math.Pow(adamBeta1, float64(m.adamT))
	corr2 := 1 - math.Pow(adamBeta2, float64(m.adamT))
	m.adamM[offset] = adamBeta1*m.adamM[offset] + (1-adamBeta1)*g
	m.adamV[offset] = adamBeta2*m.adamV[offset] + (1-adamBeta2)*g*g
	mHat := m.adamM[offset] / corr1
	vHat := m.adamV[offset] / corr2
	return m.lr * mHat / (math.Sqrt(vHat) + adamEps)
}

func relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
