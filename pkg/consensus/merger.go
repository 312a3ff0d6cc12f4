// Package consensus fuses independent prediction sources into one ranked
// answer. The merger is a pure data-in/data-out function: it never touches
// the caches, so every rule is testable in isolation.
package consensus

import (
	"fmt"
	"sort"

	"github.com/merchsense/merchsense/pkg"
)

// Weights maps source methods to their default fusion weight
type Weights map[string]float64

// DefaultWeights returns the standard per-method weights
func DefaultWeights() Weights {
	return Weights{
		pkg.SourceLocation:   0.35,
		pkg.SourceHistorical: 0.25,
		pkg.SourceTerminal:   0.20,
		pkg.SourceWiFi:       0.10,
		pkg.SourceBLE:        0.10,
	}
}

// DefaultTieBreakMargin is the combined-score gap below which the top two
// candidates count as tied and an LLM opinion settles the winner
const DefaultTieBreakMargin = 0.05

// fallbackWeight applies to methods with no configured weight
const fallbackWeight = 0.10

// Merger combines prediction sources using weighted probabilistic OR
type Merger struct {
	weights        Weights
	tieBreakMargin float64
}

// New creates a merger with the given weights; nil weights and a
// non-positive margin fall back to the defaults
func New(weights Weights, tieBreakMargin float64) *Merger {
	if weights == nil {
		weights = DefaultWeights()
	}
	if tieBreakMargin <= 0 {
		tieBreakMargin = DefaultTieBreakMargin
	}
	return &Merger{weights: weights, tieBreakMargin: tieBreakMargin}
}

// group accumulates the evidence for one candidate MCC
type group struct {
	mcc          string
	combined     float64 // 1 - product of (1 - c*w) over member sources
	bestSingle   float64 // highest raw single-source confidence
	bestMethod   string
	inverseScore float64
}

// Merge fuses the sources into one ranked prediction. Sources proposing the
// same MCC corroborate each other: the combined score is
// 1 - Π(1 - confidence*weight), so several weak agreeing sources can outrank
// one strong dissenter without ever exceeding 1. An LLM source acts as a
// tie-breaker when the top two scores are within the margin; otherwise it
// participates with its own weight like any other source.
func (m *Merger) Merge(sources []pkg.PredictionSource) (pkg.Prediction, error) {
	if len(sources) == 0 {
		return pkg.Prediction{}, pkg.ErrNoPrediction
	}

	groups := make(map[string]*group)
	var llm *pkg.PredictionSource

	for i := range sources {
		src := sources[i]
		if err := src.Validate(); err != nil {
			return pkg.Prediction{}, fmt.Errorf("source %s: %w", src.Method, err)
		}
		if src.Method == pkg.SourceLLM && llm == nil {
			llm = &sources[i]
		}

		g := groups[src.MCC]
		if g == nil {
			g = &group{mcc: src.MCC, inverseScore: 1.0}
			groups[src.MCC] = g
		}
		g.inverseScore *= 1 - src.Confidence*m.weightFor(src)
		if src.Confidence > g.bestSingle {
			g.bestSingle = src.Confidence
			g.bestMethod = src.Method
		}
	}

	ranked := make([]*group, 0, len(groups))
	for _, g := range groups {
		g.combined = 1 - g.inverseScore
		ranked = append(ranked, g)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].combined != ranked[j].combined {
			return ranked[i].combined > ranked[j].combined
		}
		if ranked[i].bestSingle != ranked[j].bestSingle {
			return ranked[i].bestSingle > ranked[j].bestSingle
		}
		return ranked[i].mcc < ranked[j].mcc // deterministic order
	})

	winner := ranked[0]
	method := winner.bestMethod

	// Close race between the top two: defer to the LLM's opinion when it
	// backs one of them.
	if llm != nil && len(ranked) > 1 && ranked[0].combined-ranked[1].combined < m.tieBreakMargin {
		for _, g := range ranked[:2] {
			if g.mcc == llm.MCC {
				winner = g
				method = pkg.SourceLLM
				break
			}
		}
	}

	pred := pkg.Prediction{
		MCC:        winner.mcc,
		Confidence: winner.combined,
		Method:     method,
	}
	for _, g := range ranked {
		if g == winner {
			continue
		}
		pred.Alternatives = append(pred.Alternatives, pkg.Alternative{
			MCC:        g.mcc,
			Confidence: g.combined,
			Method:     g.bestMethod,
		})
	}
	return pred, nil
}

// weightFor resolves a source's effective weight: an explicit weight wins,
// then the configured method weight, then the fallback
func (m *Merger) weightFor(src pkg.PredictionSource) float64 {
	if src.Weight > 0 {
		return src.Weight
	}
	if w, ok := m.weights[src.Method]; ok {
		return w
	}
	return fallbackWeight
}
