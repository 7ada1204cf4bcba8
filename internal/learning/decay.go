package learning

import (
	"math"
	"sync"
)

// Decay rate bounds in units of 1/day.
const (
	decayRateMin = 1e-4
	decayRateMax = 2.0
)

// DecayLearner learns a per-semantic-key exponential decay rate from
// observed (age, helpful) outcomes. Prediction is residual importance
// initial * exp(-rate * age).
type DecayLearner struct {
	mu sync.Mutex

	defaultRate float64
	lr          float64

	rates   map[string]float64
	pending map[string][]decaySample
}

type decaySample struct {
	ageDays float64
	helpful bool
}

// NewDecayLearner creates a learner with the given prior rate and learning
// rate.
func NewDecayLearner(defaultRate, lr float64) *DecayLearner {
	if defaultRate <= 0 {
		defaultRate = 0.01
	}
	return &DecayLearner{
		defaultRate: defaultRate,
		lr:          lr,
		rates:       make(map[string]float64),
		pending:     make(map[string][]decaySample),
	}
}

// PredictDecayRate returns the learned rate for a key, or the prior when the
// key has never been observed.
func (d *DecayLearner) PredictDecayRate(key string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rate, ok := d.rates[key]; ok {
		return rate
	}
	return d.defaultRate
}

// PredictRelevance returns initial * exp(-rate * max(age, 0)).
func (d *DecayLearner) PredictRelevance(key string, ageDays, initial float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	return initial * math.Exp(-d.PredictDecayRate(key)*ageDays)
}

// RecordOutcome buffers one observation for the next Learn pass.
func (d *DecayLearner) RecordOutcome(key string, ageDays float64, helpful bool) {
	if ageDays < 0 {
		ageDays = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[key] = append(d.pending[key], decaySample{ageDays: ageDays, helpful: helpful})
}

// Learn consumes buffered observations, running one gradient step per key on
// the MSE between exp(-rate*age) and the target {1 helpful, 0 not}. Rates
// clamp to [1e-4, 2.0]. Returns the number of keys updated.
func (d *DecayLearner) Learn() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	updated := 0
	for key, samples := range d.pending {
		rate, ok := d.rates[key]
		if !ok {
			rate = d.defaultRate
		}

		// Accumulate the gradient of mean squared error over this key's batch.
		// d/drate (exp(-r*a) - t)^2 = 2*(exp(-r*a) - t) * (-a*exp(-r*a))
		var grad float64
		for _, s := range samples {
			pred := math.Exp(-rate * s.ageDays)
			target := 0.0
			if s.helpful {
				target = 1.0
			}
			grad += 2 * (pred - target) * (-s.ageDays * pred)
		}
		grad /= float64(len(samples))

		rate -= d.lr * grad
		if rate < decayRateMin {
			rate = decayRateMin
		}
		if rate > decayRateMax {
			rate = decayRateMax
		}
		d.rates[key] = rate
		updated++
	}
	d.pending = make(map[string][]decaySample)
	return updated
}

// HalfLifeDays converts a rate to its half-life; a zero rate yields +Inf.
func HalfLifeDays(rate float64) float64 {
	if rate <= 0 {
		return math.Inf(1)
	}
	return math.Ln2 / rate
}
