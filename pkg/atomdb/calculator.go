package atomdb

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"

	"github.com/kacperjurak/emfit"
)

// ionTable holds the interpolants of one ion, all in log10 temperature.
type ionTable struct {
	name  string
	file  *IonFile
	z     int
	tMin  float64
	tMax  float64
	ioneq interp.PiecewiseLinear
	// emiss[line][density]; nil for lines without a table.
	emiss   [][]interp.PiecewiseLinear
	logDens []float64
}

func newIonTable(name string, f *IonFile) (*ionTable, error) {
	if err := f.validate(name); err != nil {
		return nil, err
	}
	z, _, err := ParseIon(name)
	if err != nil {
		return nil, err
	}
	t := &ionTable{name: name, file: f, z: z}
	if len(f.Ioneq) == 0 {
		return t, nil
	}

	logT := log10All(f.Temperature)
	t.tMin, t.tMax = f.Temperature[0], f.Temperature[len(f.Temperature)-1]
	if err := t.ioneq.Fit(logT, f.Ioneq); err != nil {
		return nil, fmt.Errorf("%s: ioneq: %w", name, err)
	}
	t.logDens = log10All(f.Density)
	t.emiss = make([][]interp.PiecewiseLinear, len(f.Lines))
	for _, e := range f.Emissivity {
		rows := make([]interp.PiecewiseLinear, len(e.Values))
		for d, row := range e.Values {
			if err := rows[d].Fit(logT, row); err != nil {
				return nil, fmt.Errorf("%s: line %d: %w", name, e.Line, err)
			}
		}
		t.emiss[e.Line] = rows
	}
	return t, nil
}

func log10All(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Log10(x)
	}
	return out
}

// emissivity interpolates one line at (log T, log n). Density is clamped to
// the table.
func (t *ionTable) emissivity(line int, logT, logN float64) float64 {
	rows := t.emiss[line]
	if rows == nil {
		return 0
	}
	if len(rows) == 1 {
		return rows[0].Predict(logT)
	}
	at := make([]float64, len(rows))
	for d := range rows {
		at[d] = rows[d].Predict(logT)
	}
	var across interp.PiecewiseLinear
	if err := across.Fit(t.logDens, at); err != nil {
		return 0
	}
	return across.Predict(logN)
}

// Calculator computes line intensities G(T)·abundance·ioneq/n from the
// tabulated emissivities. It implements emfit.IntensityCalculator.
type Calculator struct {
	db  *DB
	set string

	mu sync.Mutex
	ab []float64
}

// NewCalculator returns a calculator using the given abundance set.
func NewCalculator(db *DB, abundanceSet string) *Calculator {
	return &Calculator{db: db, set: abundanceSet}
}

// abundances loads the abundance set on first use. Only a successful load
// is cached.
func (c *Calculator) abundances(ctx context.Context) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ab != nil {
		return c.ab, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ab, err := c.db.Abundances(ctx, c.set)
	if err != nil {
		return nil, err
	}
	c.ab = ab
	return ab, nil
}

// Intensity returns the grid × line intensity matrix of an ion. Temperatures
// outside the ion's table give zero. Theoretical lines (negative wavelength)
// are zero unless includeUnobserved is set.
func (c *Calculator) Intensity(ctx context.Context, ion string, grid *emfit.Grid, includeUnobserved bool) (*emfit.IonIntensity, error) {
	t, err := c.db.ion(ion)
	if err != nil {
		return nil, err
	}
	if len(t.file.Ioneq) == 0 {
		return nil, fmt.Errorf("%s: %w", ion, emfit.ErrMissingPhysicsData)
	}
	ab, err := c.abundances(ctx)
	if err != nil {
		return nil, err
	}
	abundance := ab[t.z-1]

	if len(t.file.Lines) == 0 {
		return nil, fmt.Errorf("%s has no lines: %w", ion, emfit.ErrMissingPhysicsData)
	}
	values := mat.NewDense(grid.Len(), len(t.file.Lines), nil)
	for g := 0; g < grid.Len(); g++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		temp, dens := grid.Temperature[g], grid.Density[g]
		if temp < t.tMin || temp > t.tMax {
			continue
		}
		logT, logN := math.Log10(temp), math.Log10(dens)
		frac := t.ioneq.Predict(logT)
		if frac <= 0 {
			continue
		}
		for l, line := range t.file.Lines {
			if line.Wavelength == 0 || (line.Wavelength < 0 && !includeUnobserved) {
				continue
			}
			values.Set(g, l, abundance*frac*t.emissivity(l, logT, logN)/dens)
		}
	}
	return &emfit.IonIntensity{Ion: ion, Values: values}, nil
}
