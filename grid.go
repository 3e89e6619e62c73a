package emfit

import (
	"fmt"
	"math"
)

// Grid is the ordered set of (temperature, density) points over which ion
// intensities are precomputed. Every grid-dependent array shares its index.
type Grid struct {
	Temperature []float64 `json:"temperature"`
	Density     []float64 `json:"density"`
	// NTemp and NDens are the input sizes before broadcasting.
	NTemp int `json:"ntemp"`
	NDens int `json:"ndens"`
}

// NewGrid broadcasts a length-1 temperature or density array to the length of
// the other one. Both must end up the same length and hold positive values.
func NewGrid(temperature, density []float64) (*Grid, error) {
	if len(temperature) == 0 || len(density) == 0 {
		return nil, fmt.Errorf("temperature (%d) and density (%d) must not be empty: %w",
			len(temperature), len(density), ErrInvalidInput)
	}
	if err := positive("temperature", temperature); err != nil {
		return nil, err
	}
	if err := positive("density", density); err != nil {
		return nil, err
	}

	g := &Grid{NTemp: len(temperature), NDens: len(density)}
	n := max(g.NTemp, g.NDens)
	g.Temperature = tile(temperature, n)
	g.Density = tile(density, n)
	if len(g.Temperature) != len(g.Density) {
		return nil, fmt.Errorf("temperature and density must be the same size (%d vs %d): %w",
			len(temperature), len(density), ErrInvalidInput)
	}
	return g, nil
}

func positive(name string, v []float64) error {
	for i, x := range v {
		if !(x > 0) || math.IsInf(x, 0) {
			return fmt.Errorf("%s[%d] = %g, all values must be positive: %w", name, i, x, ErrInvalidInput)
		}
	}
	return nil
}

// tile repeats a single value n times; longer inputs are copied unchanged.
func tile(v []float64, n int) []float64 {
	if len(v) == 1 && n > 1 {
		out := make([]float64, n)
		for i := range out {
			out[i] = v[0]
		}
		return out
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// Len is the number of grid points.
func (g *Grid) Len() int { return len(g.Temperature) }

// VariesInTemperature reports a grid of several temperatures at one density.
func (g *Grid) VariesInTemperature() bool { return g.NTemp > 1 && g.NDens == 1 }

// VariesInDensity reports a grid of several densities at one temperature.
func (g *Grid) VariesInDensity() bool { return g.NDens > 1 && g.NTemp == 1 }

// At returns the temperatures and densities at the given indices.
func (g *Grid) At(indices []int) (temperature, density []float64) {
	temperature = make([]float64, len(indices))
	density = make([]float64, len(indices))
	for i, idx := range indices {
		temperature[i] = g.Temperature[idx]
		density[i] = g.Density[idx]
	}
	return temperature, density
}
