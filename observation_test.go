package emfit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSpectrum(t *testing.T) {
	s, err := NewSpectrum(
		[]float64{195.12, 202.04, 186.89},
		[]float64{100, 50, 20},
		[]float64{10, 5, 4},
		[]string{"fe_12", "fe_13", "fe_12"},
		[]float64{0.05, 0.02, 0.1},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []float64{0.05, 0.02, 0.1}, s.Tolerances())
	assert.Equal(t, []float64{195.12, 202.04, 186.89}, s.Wavelengths())

	s, err = NewSpectrum([]float64{195.12, 202.04}, []float64{100, 50}, []float64{10, 5},
		[]string{"fe_12", "fe_13"}, []float64{0.03})
	require.NoError(t, err)
	assert.Equal(t, 0.03, s.Tolerance)
	assert.Equal(t, []float64{0.03, 0.03}, s.Tolerances())

	_, err = NewSpectrum([]float64{1, 2}, []float64{1}, []float64{1, 1}, []string{"a", "b"}, []float64{0.1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewSpectrum([]float64{1, 2, 3}, []float64{1, 1, 1}, []float64{1, 1, 1}, []string{"a", "b", "c"}, []float64{0.1, 0.2})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSpectrumValidate(t *testing.T) {
	valid := func() *Spectrum {
		return &Spectrum{
			Tolerance: 0.05,
			Observations: []Observation{
				{Wavelength: 195.12, Intensity: 100, IntensityStd: 10, Ion: "fe_12"},
			},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(s *Spectrum)
	}{
		{"empty", func(s *Spectrum) { s.Observations = nil }},
		{"negative distance", func(s *Spectrum) { s.Distance = -1 }},
		{"zero wavelength", func(s *Spectrum) { s.Observations[0].Wavelength = 0 }},
		{"nan wavelength", func(s *Spectrum) { s.Observations[0].Wavelength = math.NaN() }},
		{"zero intensity", func(s *Spectrum) { s.Observations[0].Intensity = 0 }},
		{"negative std", func(s *Spectrum) { s.Observations[0].IntensityStd = -1 }},
		{"negative tolerance", func(s *Spectrum) { s.Observations[0].Tolerance = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidInput)
		})
	}
}

func TestSpectrumWeightsAndScale(t *testing.T) {
	s := &Spectrum{Observations: []Observation{
		{Wavelength: 1, Intensity: 100, IntensityStd: 10},
		{Wavelength: 2, Intensity: 50, IntensityStd: 10},
	}}
	assert.InDeltaSlice(t, []float64{0.1, 0.2}, s.WeightFactors(0), 1e-15)
	assert.InDeltaSlice(t, []float64{0.15, 0.25}, s.WeightFactors(0.05), 1e-15)

	assert.Equal(t, 1.0, s.DistanceScale())
	s.Distance = 2
	assert.Equal(t, 0.25, s.DistanceScale())
}

func TestEffectiveObservations(t *testing.T) {
	s := &Spectrum{Observations: []Observation{
		{Ion: "fe_12"}, {Ion: "fe_12"}, {Ion: "fe_12"}, {Ion: "fe_12"},
		{Ion: "fe_13"},
		{Ion: "o_5"}, {Ion: "o_5"},
	}}
	// sqrt(4) + sqrt(1) + sqrt(2)
	assert.InDelta(t, 3+math.Sqrt2, s.EffectiveObservations(), 1e-12)
	assert.Zero(t, (&Spectrum{}).EffectiveObservations())
}
