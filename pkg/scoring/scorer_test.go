package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreWeightedTotal(t *testing.T) {
	weights := Weights{"relevance": 0.4, "language-fit": 0.3, "recency": 0.2, "popularity": 0.1}
	inputs := map[string]float64{
		"relevance":    1.0,
		"language-fit": 0.5,
		"recency":      0.0,
		"popularity":   1.0,
	}

	bd, err := Score(inputs, weights)
	require.NoError(t, err)
	assert.InDelta(t, 0.4+0.15+0+0.1, bd.Total, 1e-9)
	assert.InDelta(t, 1.0, bd.Confidence, 1e-9)
	assert.Len(t, bd.Factors, 4)
}

func TestScoreMissingInputsReduceConfidence(t *testing.T) {
	weights := Weights{"relevance": 0.6, "recency": 0.4}
	inputs := map[string]float64{"relevance": 0.8}

	bd, err := Score(inputs, weights)
	require.NoError(t, err)
	assert.InDelta(t, 0.48, bd.Total, 1e-9)
	assert.InDelta(t, 0.6, bd.Confidence, 1e-9)
}

func TestScoreClampsInputs(t *testing.T) {
	bd, err := Score(map[string]float64{"a": 3.5, "b": -1}, Weights{"a": 0.5, "b": 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, bd.Total, 1e-9)
}

func TestScoreInvalidWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
	}{
		{"sum below one", Weights{"a": 0.5}},
		{"sum above one", Weights{"a": 0.7, "b": 0.7}},
		{"negative weight", Weights{"a": 1.5, "b": -0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Score(nil, tt.weights)
			assert.ErrorIs(t, err, ErrInvalidWeights)
		})
	}
}

func TestScoreDeterministicFactorOrder(t *testing.T) {
	weights := Weights{"zeta": 0.5, "alpha": 0.5}
	bd, err := Score(map[string]float64{"zeta": 1, "alpha": 1}, weights)
	require.NoError(t, err)
	assert.Equal(t, "alpha", bd.Factors[0].Name)
	assert.Equal(t, "zeta", bd.Factors[1].Name)
}
