package emfit

import (
	"fmt"
	"math"
)

// Observation is one measured line of the observed spectrum.
type Observation struct {
	Wavelength   float64 `json:"wavelength" yaml:"wavelength"`
	Intensity    float64 `json:"intensity" yaml:"intensity"`
	IntensityStd float64 `json:"intensity_std" yaml:"intensity_std"`
	Ion          string  `json:"ion" yaml:"ion"`
	// Tolerance is the maximum (exclusive) wavelength difference for a database
	// line to match. Zero means use Spectrum.Tolerance.
	Tolerance float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
}

// Spectrum is the set of observations handed to an analysis.
type Spectrum struct {
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	Observations []Observation `json:"observations" yaml:"observations"`
	Tolerance    float64       `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	// Distance normalizes predicted intensities by 1/Distance^2. Zero means 1.
	Distance float64 `json:"distance,omitempty" yaml:"distance,omitempty"`
}

// NewSpectrum builds a spectrum from parallel arrays. tolerances may hold one
// value per observation or a single global value.
func NewSpectrum(wvl, intensity, std []float64, ions []string, tolerances []float64) (*Spectrum, error) {
	n := len(wvl)
	if len(intensity) != n || len(std) != n || len(ions) != n {
		return nil, fmt.Errorf("parallel arrays differ in length (wvl %d, intensity %d, std %d, ions %d): %w",
			n, len(intensity), len(std), len(ions), ErrInvalidInput)
	}
	s := &Spectrum{Observations: make([]Observation, n)}
	switch len(tolerances) {
	case 1:
		s.Tolerance = tolerances[0]
	case n:
	default:
		return nil, fmt.Errorf("got %d tolerances for %d observations: %w", len(tolerances), n, ErrInvalidInput)
	}
	for i := range wvl {
		s.Observations[i] = Observation{
			Wavelength:   wvl[i],
			Intensity:    intensity[i],
			IntensityStd: std[i],
			Ion:          ions[i],
		}
		if len(tolerances) == n && n != 1 {
			s.Observations[i].Tolerance = tolerances[i]
		}
	}
	return s, s.Validate()
}

// Validate checks that every observation can take part in a weighted fit.
func (s *Spectrum) Validate() error {
	if len(s.Observations) == 0 {
		return fmt.Errorf("spectrum has no observations: %w", ErrInvalidInput)
	}
	if s.Distance < 0 {
		return fmt.Errorf("distance %g is negative: %w", s.Distance, ErrInvalidInput)
	}
	for i, o := range s.Observations {
		switch {
		case o.Wavelength <= 0 || math.IsNaN(o.Wavelength):
			return fmt.Errorf("observation %d: wavelength %g must be positive: %w", i, o.Wavelength, ErrInvalidInput)
		case o.Intensity <= 0 || math.IsNaN(o.Intensity):
			return fmt.Errorf("observation %d: intensity %g must be positive: %w", i, o.Intensity, ErrInvalidInput)
		case o.IntensityStd <= 0 || math.IsNaN(o.IntensityStd):
			return fmt.Errorf("observation %d: intensity uncertainty %g must be positive: %w", i, o.IntensityStd, ErrInvalidInput)
		}
		if s.tolerance(i) < 0 {
			return fmt.Errorf("observation %d: negative tolerance: %w", i, ErrInvalidInput)
		}
	}
	return nil
}

// Len returns the number of observations.
func (s *Spectrum) Len() int { return len(s.Observations) }

func (s *Spectrum) tolerance(i int) float64 {
	if t := s.Observations[i].Tolerance; t != 0 {
		return t
	}
	return s.Tolerance
}

// Tolerances returns the effective wavelength tolerance of every observation.
func (s *Spectrum) Tolerances() []float64 {
	t := make([]float64, len(s.Observations))
	for i := range t {
		t[i] = s.tolerance(i)
	}
	return t
}

// Wavelengths returns the observed wavelengths.
func (s *Spectrum) Wavelengths() []float64 {
	w := make([]float64, len(s.Observations))
	for i, o := range s.Observations {
		w[i] = o.Wavelength
	}
	return w
}

// WeightFactors returns std/intensity per observation, inflated by extra.
// extra down-weights over-confident measurements.
func (s *Spectrum) WeightFactors(extra float64) []float64 {
	w := make([]float64, len(s.Observations))
	for i, o := range s.Observations {
		w[i] = o.IntensityStd/o.Intensity + extra
	}
	return w
}

// DistanceScale is the 1/d^2 factor applied to computed line intensities.
func (s *Spectrum) DistanceScale() float64 {
	if s.Distance == 0 {
		return 1
	}
	return 1 / (s.Distance * s.Distance)
}

// EffectiveObservations sums sqrt(count) over the distinct reported ions, so
// several lines of one ion weigh less than the same number of independent ions.
func (s *Spectrum) EffectiveObservations() float64 {
	counts := make(map[string]int)
	for _, o := range s.Observations {
		counts[o.Ion]++
	}
	var n float64
	for _, c := range counts {
		n += math.Sqrt(float64(c))
	}
	return n
}
