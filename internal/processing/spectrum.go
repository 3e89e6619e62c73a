package processing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kacperjurak/emfit"
)

// spectrumFile accepts either a list of observations or parallel arrays.
type spectrumFile struct {
	emfit.Spectrum `yaml:",inline"`

	Wavelength   []float64 `yaml:"wavelength"`
	Intensity    []float64 `yaml:"intensity"`
	IntensityStd []float64 `yaml:"intensity_std"`
	Ion          []string  `yaml:"ion"`
	Tolerances   []float64 `yaml:"tolerances"`
}

// ParseSpectrum decodes a YAML or JSON spectrum.
func ParseSpectrum(data []byte) (*emfit.Spectrum, error) {
	var f spectrumFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse spectrum: %w", err)
	}
	if len(f.Wavelength) == 0 {
		s := f.Spectrum
		return &s, s.Validate()
	}
	if len(f.Observations) > 0 {
		return nil, fmt.Errorf("spectrum has both observations and arrays: %w", emfit.ErrInvalidInput)
	}
	tol := f.Tolerances
	if len(tol) == 0 {
		tol = []float64{f.Tolerance}
	}
	s, err := emfit.NewSpectrum(f.Wavelength, f.Intensity, f.IntensityStd, f.Ion, tol)
	if err != nil {
		return nil, err
	}
	s.Name = f.Name
	s.Distance = f.Distance
	return s, nil
}

// LoadSpectrum reads a spectrum file.
func LoadSpectrum(path string) (*emfit.Spectrum, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spectrum: %w", err)
	}
	s, err := ParseSpectrum(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
