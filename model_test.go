package emfit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelFixture() []MatchRecord {
	return recordsWithSums(
		[]float64{1, 1, 1},
		[]float64{0.1, 0.1, 0.1},
		[][]float64{
			{1e-24, 2e-24, 3e-24, 4e-24, 5e-24},
			{0, 1e-23, 0, 2e-23, 0},
			{7e-25, 7e-25, 7e-25, 7e-25, 7e-25},
		},
	)
}

func TestModelRoundTrip(t *testing.T) {
	m := NewEmissionMeasureModel(5)
	require.NoError(t, m.SetNodes([]int{1, 3}))
	logEM := []float64{26.5, 27.25}
	require.NoError(t, m.SetValues(logEM))
	m.Predict(modelFixture())

	assert.Equal(t, []int{1, 3}, m.Nodes())
	assert.Equal(t, logEM, m.LogValues())
	em := m.Values()
	for i, v := range em {
		assert.InEpsilon(t, logEM[i], math.Log10(v), 1e-15)
	}
	dense := m.EM()
	assert.Len(t, dense, 5)
	assert.Zero(t, dense[0])
	assert.Zero(t, dense[2])
	assert.Zero(t, dense[4])
	assert.Equal(t, em[0], dense[1])
	assert.Equal(t, em[1], dense[3])
}

func TestModelSetValuesSizeMismatch(t *testing.T) {
	m := NewEmissionMeasureModel(5)
	require.NoError(t, m.SetNodes([]int{0, 2}))
	err := m.SetValues([]float64{26})
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestModelSetNodesValidation(t *testing.T) {
	m := NewEmissionMeasureModel(5)
	assert.ErrorIs(t, m.SetNodes(nil), ErrInvalidInput)
	assert.ErrorIs(t, m.SetNodes([]int{5}), ErrInvalidInput)
	assert.ErrorIs(t, m.SetNodes([]int{-1}), ErrInvalidInput)
	assert.ErrorIs(t, m.SetNodes([]int{2, 2}), ErrInvalidInput)
}

func TestModelPredictMatchesDenseDotProduct(t *testing.T) {
	recs := modelFixture()
	m := NewEmissionMeasureModel(5)
	require.NoError(t, m.SetNodes([]int{0, 3, 4}))
	require.NoError(t, m.SetValues([]float64{24, 23.5, 25}))

	sparse := m.Predict(recs)
	dense := PredictDense(recs, m.EM())
	require.Len(t, sparse, 3)
	for i := range sparse {
		assert.InEpsilon(t, dense[i], sparse[i], 1e-14)
	}
	assert.InEpsilon(t, 1+4*math.Pow(10, -0.5)+50, sparse[0], 1e-12)
}

func TestPredictIsLinearInEM(t *testing.T) {
	recs := modelFixture()
	em1 := []float64{1e24, 0, 3e23, 0, 2e25}
	em2 := []float64{0, 5e24, 1e24, 7e22, 0}
	a, b := 2.5, -0.75

	combined := make([]float64, len(em1))
	for i := range combined {
		combined[i] = a*em1[i] + b*em2[i]
	}
	p1 := PredictDense(recs, em1)
	p2 := PredictDense(recs, em2)
	pc := PredictDense(recs, combined)
	for i := range pc {
		assert.InDelta(t, a*p1[i]+b*p2[i], pc[i], 1e-12*math.Abs(pc[i])+1e-15)
	}

	// The sparse model agrees with the dense form for EM confined to its nodes.
	m := NewEmissionMeasureModel(5)
	require.NoError(t, m.SetNodes([]int{0, 2, 4}))
	require.NoError(t, m.SetValues([]float64{24, math.Log10(3e23), math.Log10(2e25)}))
	sparse := m.Predict(recs)
	for i := range sparse {
		assert.InDelta(t, p1[i], sparse[i], 1e-12*math.Abs(p1[i]))
	}
}

func TestModelApplyAndLineContribution(t *testing.T) {
	recs := modelFixture()
	m := NewEmissionMeasureModel(5)
	require.NoError(t, m.SetNodes([]int{1}))
	require.NoError(t, m.SetValues([]float64{24}))
	m.Apply(recs)

	assert.InEpsilon(t, 2.0, recs[0].Predicted, 1e-12)
	assert.InEpsilon(t, 10.0, recs[1].Predicted, 1e-12)
	assert.InEpsilon(t, 0.7, recs[2].Predicted, 1e-12)
	assert.InEpsilon(t, 10.0, m.LineContribution(&recs[1], 0), 1e-12)
	assert.Zero(t, m.LineContribution(&recs[1], 3))
}
