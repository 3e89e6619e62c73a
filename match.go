package emfit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
)

// Line is one radiative transition in a database line list.
type Line struct {
	Wavelength float64 `json:"wavelength" yaml:"wavelength"`
	Lower      int     `json:"lower" yaml:"lower"`
	Upper      int     `json:"upper" yaml:"upper"`
	LowerLabel string  `json:"lower_label,omitempty" yaml:"lower_label,omitempty"`
	UpperLabel string  `json:"upper_label,omitempty" yaml:"upper_label,omitempty"`
}

// IonInfo is a master list entry: ion name, atomic number and the
// wavelength span covered by its line list.
type IonInfo struct {
	Name          string  `json:"name" yaml:"name"`
	Z             int     `json:"z" yaml:"z"`
	WavelengthMin float64 `json:"wavelength_min" yaml:"wavelength_min"`
	WavelengthMax float64 `json:"wavelength_max" yaml:"wavelength_max"`
}

// Database is the atomic data collaborator.
type Database interface {
	// Ions returns the master ion list.
	Ions(ctx context.Context) ([]IonInfo, error)
	// Abundances returns elemental abundances indexed by Z-1.
	Abundances(ctx context.Context, set string) ([]float64, error)
	// Lines returns the full line list of an ion. LineMatch.LineIndex refers to
	// positions in this slice.
	Lines(ctx context.Context, ion string) ([]Line, error)
}

// LineMatch is a database line found within tolerance of an observation.
type LineMatch struct {
	Wavelength     float64 `json:"wavelength"`
	WavelengthDiff float64 `json:"wavelength_diff"`
	LineIndex      int     `json:"line_index"`
	Lower          int     `json:"lower"`
	Upper          int     `json:"upper"`
	LowerLabel     string  `json:"lower_label,omitempty"`
	UpperLabel     string  `json:"upper_label,omitempty"`
	// Slot is the row of MatchRecord.Intensity holding this line's intensity.
	Slot int `json:"slot"`
}

// IonMatch groups the matched lines of one ion.
type IonMatch struct {
	Ion   string      `json:"ion"`
	Lines []LineMatch `json:"lines"`
}

// MatchRecord holds everything known about one observation: its candidate
// lines and, after aggregation, their intensities over the grid.
//
// Every LineMatch owns exactly one Intensity row, numbered 0..LineCount()-1
// in ion then line order.
type MatchRecord struct {
	Observation Observation `json:"observation"`
	Ions        []IonMatch  `json:"ions"`
	// IntensitySum is the summed contribution of all matched lines per grid point.
	IntensitySum []float64 `json:"intensity_sum"`
	// Intensity is indexed [slot][grid point].
	Intensity [][]float64 `json:"intensity"`
	// PeakIndex is the grid index where IntensitySum peaks, -1 when it is all zero.
	PeakIndex       int     `json:"peak_index"`
	PeakTemperature float64 `json:"peak_temperature,omitempty"`
	PeakDensity     float64 `json:"peak_density,omitempty"`
	// Predicted is the intensity predicted by the last applied EM distribution.
	Predicted float64 `json:"predicted"`
}

// LineCount returns the total number of matched lines.
func (r *MatchRecord) LineCount() int {
	n := 0
	for _, im := range r.Ions {
		n += len(im.Lines)
	}
	return n
}

// IonIndex returns the position of ion in r.Ions or -1.
func (r *MatchRecord) IonIndex(ion string) int {
	for i, im := range r.Ions {
		if im.Ion == ion {
			return i
		}
	}
	return -1
}

// reset zeroes the grid-dependent arrays for a grid of n points.
func (r *MatchRecord) reset(n int) {
	r.IntensitySum = make([]float64, n)
	r.Intensity = make([][]float64, r.LineCount())
	for i := range r.Intensity {
		r.Intensity[i] = make([]float64, n)
	}
	r.PeakIndex = -1
	r.PeakTemperature = 0
	r.PeakDensity = 0
	r.Predicted = 0
}

// MatchOptions controls candidate selection and matching.
type MatchOptions struct {
	// Ions restricts the search to these ions. Empty means the whole master list.
	Ions []string
	// AbundanceSet names the abundance table used for MinAbundance filtering.
	AbundanceSet string
	// MinAbundance drops ions whose element abundance is not above it. Zero disables the filter.
	MinAbundance float64
	// IncludeUnobserved matches theoretical lines (negative wavelengths) by |λ|.
	IncludeUnobserved bool
	Logger            *slog.Logger
}

func (o MatchOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// CandidateIons filters the master list down to the ions worth matching:
// requested by the caller, abundant enough, and with a line list covering at
// least one observed wavelength.
func CandidateIons(ctx context.Context, db Database, wavelengths []float64, opts MatchOptions) ([]IonInfo, error) {
	master, err := db.Ions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read master list: %w", err)
	}
	log := opts.logger()

	if len(opts.Ions) > 0 {
		known := make(map[string]IonInfo, len(master))
		for _, info := range master {
			known[info.Name] = info
		}
		selected := make([]IonInfo, 0, len(opts.Ions))
		seen := make(map[string]bool, len(opts.Ions))
		for _, name := range opts.Ions {
			if seen[name] {
				continue
			}
			seen[name] = true
			info, ok := known[name]
			if !ok {
				log.Warn("ion not in database", "ion", name)
				continue
			}
			selected = append(selected, info)
		}
		master = selected
	}

	if opts.MinAbundance > 0 {
		abund, err := db.Abundances(ctx, opts.AbundanceSet)
		if err != nil {
			return nil, fmt.Errorf("read abundances %q: %w", opts.AbundanceSet, err)
		}
		kept := master[:0:0]
		for _, info := range master {
			if info.Z < 1 || info.Z > len(abund) {
				log.Warn("no abundance for ion", "ion", info.Name, "z", info.Z)
				continue
			}
			if abund[info.Z-1] > opts.MinAbundance {
				kept = append(kept, info)
			}
		}
		master = kept
	}

	out := make([]IonInfo, 0, len(master))
	for _, info := range master {
		if coversAny(info, wavelengths) {
			out = append(out, info)
		} else {
			log.Debug("no observed wavelength in line range", "ion", info.Name)
		}
	}
	return out, nil
}

func coversAny(info IonInfo, wavelengths []float64) bool {
	for _, w := range wavelengths {
		if w >= info.WavelengthMin && w <= info.WavelengthMax {
			return true
		}
	}
	return false
}

// Match builds one MatchRecord per observation of s. A database line matches
// an observation when |λline - λobs| is strictly below the observation's
// tolerance. Lines with zero wavelength are never matched.
func Match(ctx context.Context, db Database, s *Spectrum, candidates []IonInfo, opts MatchOptions) ([]MatchRecord, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	records := make([]MatchRecord, s.Len())
	for i, o := range s.Observations {
		records[i] = MatchRecord{Observation: o, PeakIndex: -1}
	}
	tolerances := s.Tolerances()

	for _, info := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, err := db.Lines(ctx, info.Name)
		if err != nil {
			return nil, fmt.Errorf("read lines of %s: %w", info.Name, err)
		}
		for i, o := range s.Observations {
			var found []LineMatch
			for idx, l := range lines {
				w := l.Wavelength
				if w == 0 {
					continue
				}
				if w < 0 {
					if !opts.IncludeUnobserved {
						continue
					}
					w = math.Abs(w)
				}
				diff := math.Abs(w - o.Wavelength)
				if diff < tolerances[i] {
					found = append(found, LineMatch{
						Wavelength:     w,
						WavelengthDiff: diff,
						LineIndex:      idx,
						Lower:          l.Lower,
						Upper:          l.Upper,
						LowerLabel:     l.LowerLabel,
						UpperLabel:     l.UpperLabel,
					})
				}
			}
			if len(found) > 0 {
				records[i].Ions = append(records[i].Ions, IonMatch{Ion: info.Name, Lines: found})
			}
		}
	}

	for i := range records {
		assignSlots(&records[i])
	}
	return records, nil
}

func assignSlots(r *MatchRecord) {
	slot := 0
	for j := range r.Ions {
		for k := range r.Ions[j].Lines {
			r.Ions[j].Lines[k].Slot = slot
			slot++
		}
	}
}

// DistinctIons lists every ion referenced by records in order of first appearance.
func DistinctIons(records []MatchRecord) []string {
	var ions []string
	for _, r := range records {
		for _, im := range r.Ions {
			if !slices.Contains(ions, im.Ion) {
				ions = append(ions, im.Ion)
			}
		}
	}
	return ions
}
