package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidWeights is returned when a weight set does not sum to 1.
var ErrInvalidWeights = errors.New("weights must sum to 1")

// weightTolerance allows for float accumulation noise when checking that a
// weight set sums to 1.
const weightTolerance = 1e-6

// Weights maps factor name to its share of the total score.
type Weights map[string]float64

// Validate checks that the weights are non-negative and sum to 1 within
// tolerance.
func (w Weights) Validate() error {
	var sum float64
	for name, weight := range w {
		if weight < 0 {
			return fmt.Errorf("%w: factor %q has negative weight %v", ErrInvalidWeights, name, weight)
		}
		sum += weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: sum is %v", ErrInvalidWeights, sum)
	}
	return nil
}

// FactorScore is one factor's contribution to a breakdown.
type FactorScore struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`  // raw score in [0,1]
	Weight   float64 `json:"weight"` // configured weight
	Weighted float64 `json:"weighted"`
}

// Breakdown is the result of scoring a target against a weighted factor set.
// Confidence reflects which inputs were actually available: it is the weight
// mass of factors the caller supplied, so a breakdown computed from half the
// factors carries confidence 0.5 regardless of the total.
type Breakdown struct {
	Factors    []FactorScore `json:"factors"`
	Total      float64       `json:"total"`
	Confidence float64       `json:"confidence"`
}

// Score computes a weighted breakdown from the available factor inputs.
// Inputs outside [0,1] are clamped. Factors named in weights but absent from
// inputs contribute nothing to the total and reduce confidence. Fails with
// ErrInvalidWeights when weights do not sum to 1.
func Score(inputs map[string]float64, weights Weights) (*Breakdown, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &Breakdown{Factors: make([]FactorScore, 0, len(names))}
	for _, name := range names {
		weight := weights[name]
		fs := FactorScore{Name: name, Weight: weight}
		if raw, ok := inputs[name]; ok {
			fs.Score = clamp01(raw)
			fs.Weighted = fs.Score * weight
			out.Total += fs.Weighted
			out.Confidence += weight
		}
		out.Factors = append(out.Factors, fs)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
