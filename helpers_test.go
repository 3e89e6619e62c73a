package emfit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/mat"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeDB struct {
	ions       []IonInfo
	lines      map[string][]Line
	abundances map[string][]float64
}

func (d *fakeDB) Ions(context.Context) ([]IonInfo, error) { return d.ions, nil }

func (d *fakeDB) Abundances(_ context.Context, set string) ([]float64, error) {
	a, ok := d.abundances[set]
	if !ok {
		return nil, fmt.Errorf("abundance set %q not found", set)
	}
	return a, nil
}

func (d *fakeDB) Lines(_ context.Context, ion string) ([]Line, error) {
	l, ok := d.lines[ion]
	if !ok {
		return nil, fmt.Errorf("ion %s not found", ion)
	}
	return l, nil
}

// newFakeDB has three ions: fe_12 and fe_13 near 200 Å, o_5 near 630 Å.
func newFakeDB() *fakeDB {
	abund := make([]float64, 30)
	for i := range abund {
		abund[i] = 1e-9
	}
	abund[7] = 4.9e-4  // O
	abund[25] = 3.2e-5 // Fe
	return &fakeDB{
		ions: []IonInfo{
			{Name: "fe_12", Z: 26, WavelengthMin: 180, WavelengthMax: 200},
			{Name: "fe_13", Z: 26, WavelengthMin: 200, WavelengthMax: 205},
			{Name: "o_5", Z: 8, WavelengthMin: 600, WavelengthMax: 700},
		},
		lines: map[string][]Line{
			"fe_12": {
				{Wavelength: 195.119, Lower: 1, Upper: 30, LowerLabel: "3s2 3p3 4S1.5", UpperLabel: "3s2 3p2 3d 4P2.5"},
				{Wavelength: 0, Lower: 1, Upper: 2},
				{Wavelength: 186.887, Lower: 3, Upper: 39},
				{Wavelength: -195.2, Lower: 2, Upper: 31},
			},
			"fe_13": {
				{Wavelength: 202.044, Lower: 1, Upper: 20},
				{Wavelength: 203.826, Lower: 4, Upper: 21},
				{Wavelength: 203.795, Lower: 4, Upper: 22},
			},
			"o_5": {
				{Wavelength: 629.730, Lower: 1, Upper: 2},
			},
		},
		abundances: map[string][]float64{"sun_coronal": abund},
	}
}

type fakeCalc struct {
	mu      sync.Mutex
	nlines  map[string]int
	value   func(ion string, g, line int) float64
	missing map[string]bool
	hang    map[string]bool
	calls   map[string]int
}

func (c *fakeCalc) Intensity(ctx context.Context, ion string, grid *Grid, _ bool) (*IonIntensity, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[ion]++
	c.mu.Unlock()

	if c.missing[ion] {
		return nil, fmt.Errorf("%s: %w", ion, ErrMissingPhysicsData)
	}
	if c.hang[ion] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	n := c.nlines[ion]
	m := mat.NewDense(grid.Len(), n, nil)
	for g := 0; g < grid.Len(); g++ {
		for l := 0; l < n; l++ {
			m.Set(g, l, c.value(ion, g, l))
		}
	}
	return &IonIntensity{Ion: ion, Values: m}, nil
}

func (c *fakeCalc) callCount(ion string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[ion]
}

// newFakeCalc gives every line a smooth positive curve over the grid.
func newFakeCalc() *fakeCalc {
	return &fakeCalc{
		nlines: map[string]int{"fe_12": 4, "fe_13": 3, "o_5": 1},
		value: func(ion string, g, line int) float64 {
			base := map[string]float64{"fe_12": 1e-24, "fe_13": 2e-24, "o_5": 5e-25}[ion]
			return base * float64(line+1) * (1 + 0.37*float64(g) + 0.01*float64(g*g))
		},
	}
}

func tenTemperatures() []float64 {
	t := make([]float64, 10)
	for i := range t {
		t[i] = 1e5 * float64(i+1) * 2
	}
	return t
}

func testSpectrum() *Spectrum {
	return &Spectrum{
		Name: "test",
		Observations: []Observation{
			{Wavelength: 195.12, Intensity: 150, IntensityStd: 15, Ion: "fe_12"},
			{Wavelength: 202.04, Intensity: 80, IntensityStd: 8, Ion: "fe_13"},
			{Wavelength: 203.81, Intensity: 60, IntensityStd: 9, Ion: "fe_13"},
			{Wavelength: 186.89, Intensity: 40, IntensityStd: 6, Ion: "fe_12"},
			{Wavelength: 629.73, Intensity: 300, IntensityStd: 30, Ion: "o_5"},
		},
		Tolerance: 0.05,
	}
}

// stubMinimizer returns x0 untouched and fails every failEvery-th call.
type stubMinimizer struct {
	calls     int
	failEvery int
}

func (m *stubMinimizer) Minimize(f ResidualFunc, size int, x0 []float64) (MinimizeResult, error) {
	m.calls++
	dst := make([]float64, size)
	f(dst, x0)
	if m.failEvery > 0 && m.calls%m.failEvery == 0 {
		return MinimizeResult{X: x0, Evaluations: 1}, fmt.Errorf("stub: %w", ErrDegenerateFit)
	}
	return MinimizeResult{X: append([]float64(nil), x0...), Evaluations: 1, Converged: true}, nil
}

// recordsWithSums builds aggregated records directly from intensity sums.
func recordsWithSums(intensity, std []float64, sums [][]float64) []MatchRecord {
	recs := make([]MatchRecord, len(sums))
	for i, s := range sums {
		recs[i] = MatchRecord{
			Observation:  Observation{Wavelength: 100 + float64(i), Intensity: intensity[i], IntensityStd: std[i], Ion: "x"},
			Ions:         []IonMatch{{Ion: "x", Lines: []LineMatch{{Wavelength: 100 + float64(i), LineIndex: i, Slot: 0}}}},
			IntensitySum: append([]float64(nil), s...),
			Intensity:    [][]float64{append([]float64(nil), s...)},
			PeakIndex:    -1,
		}
	}
	return recs
}
