package emfit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGridBroadcastsTemperature(t *testing.T) {
	g, err := NewGrid([]float64{1e6}, []float64{1e8, 1e9, 1e10, 1e11, 1e12})
	require.NoError(t, err)

	assert.Equal(t, 5, g.Len())
	assert.Equal(t, []float64{1e6, 1e6, 1e6, 1e6, 1e6}, g.Temperature)
	assert.Equal(t, []float64{1e8, 1e9, 1e10, 1e11, 1e12}, g.Density)
	assert.True(t, g.VariesInDensity())
	assert.False(t, g.VariesInTemperature())
}

func TestNewGridBroadcastsDensity(t *testing.T) {
	g, err := NewGrid([]float64{1e5, 1e6, 1e7}, []float64{1e9})
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []float64{1e9, 1e9, 1e9}, g.Density)
	assert.True(t, g.VariesInTemperature())
}

func TestNewGridDoesNotAliasInput(t *testing.T) {
	temps := []float64{1e5, 1e6}
	g, err := NewGrid(temps, []float64{1e9, 1e10})
	require.NoError(t, err)
	temps[0] = 42
	assert.Equal(t, 1e5, g.Temperature[0])
}

func TestNewGridRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		temp []float64
		dens []float64
	}{
		{"mismatched lengths", []float64{1e5, 1e6}, []float64{1e9, 1e10, 1e11}},
		{"zero temperature", []float64{0, 1e6}, []float64{1e9}},
		{"negative density", []float64{1e6}, []float64{-1e9}},
		{"empty temperature", nil, []float64{1e9}},
		{"empty density", []float64{1e6}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGrid(tt.temp, tt.dens)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestGridAt(t *testing.T) {
	g, err := NewGrid([]float64{1, 2, 3, 4}, []float64{10})
	require.NoError(t, err)

	temps, dens := g.At([]int{1, 3})
	assert.Equal(t, []float64{2, 4}, temps)
	assert.Equal(t, []float64{10, 10}, dens)
}
