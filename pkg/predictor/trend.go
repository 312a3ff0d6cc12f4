package predictor

import (
	"sync"

	"github.com/sajari/regression"
)

const (
	// trendMaxSamples bounds the observation window so the model tracks
	// recent behavior instead of the whole history
	trendMaxSamples = 256

	// trendMinSamples is the point below which the fit is underdetermined
	// and the model falls back to a flat estimate
	trendMinSamples = 8

	// trendFloor keeps aged evidence usable; it is discounted, not erased
	trendFloor = 0.25
)

type trendSample struct {
	ageHours float64
	accuracy float64
}

// TrendModel estimates how location evidence degrades with age. It fits a
// linear accuracy-vs-age regression over recent cache outcomes and converts
// the fit into a discount factor applied to historical sources before fusion.
type TrendModel struct {
	mu      sync.Mutex
	samples []trendSample
	next    int
	full    bool
}

// NewTrendModel creates an empty model. Until enough observations arrive the
// model reports a flat factor of 1.
func NewTrendModel() *TrendModel {
	return &TrendModel{samples: make([]trendSample, trendMaxSamples)}
}

// Observe records one (age, accuracy) outcome from the location cache.
// Negative ages and out-of-range accuracies are discarded rather than fitted.
func (m *TrendModel) Observe(ageHours, accuracy float64) {
	if ageHours < 0 || accuracy < 0 || accuracy > 1 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = trendSample{ageHours: ageHours, accuracy: accuracy}
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.full = true
	}
}

// Factor returns the confidence multiplier for evidence of the given age,
// always in [trendFloor, 1]. With too few observations, or a fit that says
// accuracy does not decay, the factor is 1.
func (m *TrendModel) Factor(ageHours float64) float64 {
	if ageHours <= 0 {
		return 1.0
	}

	m.mu.Lock()
	count := m.next
	if m.full {
		count = len(m.samples)
	}
	window := make([]trendSample, count)
	copy(window, m.samples[:count])
	m.mu.Unlock()

	if count < trendMinSamples {
		return 1.0
	}

	r := new(regression.Regression)
	r.SetObserved("accuracy")
	r.SetVar(0, "age_hours")
	for _, s := range window {
		r.Train(regression.DataPoint(s.accuracy, []float64{s.ageHours}))
	}
	if err := r.Run(); err != nil {
		return 1.0
	}

	atZero, err := r.Predict([]float64{0})
	if err != nil || atZero <= 0 {
		return 1.0
	}
	atAge, err := r.Predict([]float64{ageHours})
	if err != nil {
		return 1.0
	}

	factor := atAge / atZero
	if factor > 1.0 {
		return 1.0
	}
	if factor < trendFloor {
		return trendFloor
	}
	return factor
}
