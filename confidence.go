package emfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Defaults for ScanEM.
const (
	DefaultScanSpan  = 0.1
	DefaultScanSteps = 400
)

// EMScan is chi-squared as a function of log EM at a fixed single node.
type EMScan struct {
	Index       int       `json:"index"`
	Temperature float64   `json:"temperature"`
	Density     float64   `json:"density"`
	LogEM       []float64 `json:"log_em"`
	ChiSquared  []float64 `json:"chi_squared"`
	Masked      []bool    `json:"masked"`
	MinChiSq    float64   `json:"min_chi_squared"`
}

// ScanEM evaluates chi-squared over logEM ± span in steps points around the
// best single-node fit.
func ScanEM(records []MatchRecord, grid *Grid, best *SearchSummary, extraWeight, span float64, steps int) (*EMScan, error) {
	if grid == nil {
		return nil, ErrNoGrid
	}
	if best == nil {
		return nil, ErrNoValidFit
	}
	if len(best.Indices) != 1 {
		return nil, fmt.Errorf("EM scan needs a single-node fit, got %d nodes: %w", len(best.Indices), ErrInvalidInput)
	}
	if span <= 0 {
		span = DefaultScanSpan
	}
	if steps < 2 {
		steps = DefaultScanSteps
	}

	model := NewEmissionMeasureModel(grid.Len())
	if err := model.SetNodes(best.Indices); err != nil {
		return nil, err
	}
	fitter := NewFitter(records, model, nil, extraWeight)

	idx := best.Indices[0]
	scan := &EMScan{
		Index:       idx,
		Temperature: grid.Temperature[idx],
		Density:     grid.Density[idx],
		LogEM:       floats.Span(make([]float64, steps), best.LogEM[0]-span, best.LogEM[0]+span),
		ChiSquared:  make([]float64, steps),
		Masked:      make([]bool, steps),
		MinChiSq:    math.MaxFloat64,
	}
	for i, v := range scan.LogEM {
		chi, masked, err := fitter.ChiSquared([]float64{v})
		if err != nil {
			return nil, err
		}
		scan.ChiSquared[i] = chi
		scan.Masked[i] = masked
		if !masked && chi < scan.MinChiSq {
			scan.MinChiSq = chi
		}
	}
	return scan, nil
}

// Confidence is the set of searched combinations whose chi-squared lies
// within Delta of the minimum.
type Confidence struct {
	Level     float64       `json:"level"`
	Delta     float64       `json:"delta"`
	Threshold float64       `json:"threshold"`
	Entries   []SearchEntry `json:"entries"`
	// TemperatureRange and DensityRange hold [min, max] per node position.
	TemperatureRange [][2]float64 `json:"temperature_range"`
	DensityRange     [][2]float64 `json:"density_range"`
	// LogEMRange holds [min, max] log EM per node position.
	LogEMRange [][2]float64 `json:"log_em_range"`
}

// ConfidenceRegion selects the unmasked history entries with
// χ² < χ²min + Δ, Δ being the level quantile of a χ² distribution with
// 2K degrees of freedom.
func ConfidenceRegion(res *SearchResult, grid *Grid, level float64) (*Confidence, error) {
	bestEntry, err := res.BestEntry()
	if err != nil {
		return nil, err
	}
	if grid == nil {
		return nil, ErrNoGrid
	}
	if !(level > 0 && level < 1) {
		return nil, fmt.Errorf("confidence level %g outside (0,1): %w", level, ErrInvalidInput)
	}
	k := len(bestEntry.Indices)
	delta := distuv.ChiSquared{K: float64(FreeParameters(k))}.Quantile(level)
	c := &Confidence{
		Level:            level,
		Delta:            delta,
		Threshold:        bestEntry.ChiSquared + delta,
		TemperatureRange: newRanges(k),
		DensityRange:     newRanges(k),
		LogEMRange:       newRanges(k),
	}
	for _, e := range res.History {
		if e.Masked || !(e.ChiSquared < c.Threshold) {
			continue
		}
		c.Entries = append(c.Entries, e)
		for i, idx := range e.Indices {
			widen(&c.TemperatureRange[i], grid.Temperature[idx])
			widen(&c.DensityRange[i], grid.Density[idx])
			widen(&c.LogEMRange[i], e.LogEM[i])
		}
	}
	return c, nil
}

func newRanges(k int) [][2]float64 {
	r := make([][2]float64, k)
	for i := range r {
		r[i] = [2]float64{math.Inf(1), math.Inf(-1)}
	}
	return r
}

func widen(r *[2]float64, v float64) {
	r[0] = math.Min(r[0], v)
	r[1] = math.Max(r[1], v)
}

// LineDiagnostic compares one observation with its prediction.
type LineDiagnostic struct {
	Index      int     `json:"index"`
	Ion        string  `json:"ion"`
	Wavelength float64 `json:"wavelength"`
	Intensity  float64 `json:"intensity"`
	Predicted  float64 `json:"predicted"`
	// IntOverPred is I/pred, -1 when nothing was predicted.
	IntOverPred float64 `json:"int_over_pred"`
	// Chi is |I / (2·wf·pred)|.
	Chi float64 `json:"chi"`
	// RelDev is |I - pred| / pred.
	RelDev float64 `json:"rel_dev"`
	Poor   bool    `json:"poor"`
}

// Diagnostics summarizes how well the applied EM reproduces each observation.
type Diagnostics struct {
	Lines           []LineDiagnostic `json:"lines"`
	MeanRelDev      float64          `json:"mean_rel_dev"`
	StdRelDev       float64          `json:"std_rel_dev"`
	MeanIntOverPred float64          `json:"mean_int_over_pred"`
	// PoorThreshold is 3σ of RelDev; lines above it are flagged Poor.
	PoorThreshold float64 `json:"poor_threshold"`
}

// Diagnose computes per-line diagnostics from the records' Predicted values.
func Diagnose(records []MatchRecord, extraWeight float64) Diagnostics {
	d := Diagnostics{Lines: make([]LineDiagnostic, len(records))}
	var relDev, intOverPred []float64
	for i, r := range records {
		o := r.Observation
		ld := LineDiagnostic{
			Index:       i,
			Ion:         o.Ion,
			Wavelength:  o.Wavelength,
			Intensity:   o.Intensity,
			Predicted:   r.Predicted,
			IntOverPred: -1,
		}
		if r.Predicted > 0 {
			wf := o.IntensityStd/o.Intensity + extraWeight
			ld.IntOverPred = o.Intensity / r.Predicted
			ld.Chi = math.Abs(o.Intensity / (2 * wf * r.Predicted))
			ld.RelDev = math.Abs(o.Intensity-r.Predicted) / r.Predicted
			relDev = append(relDev, ld.RelDev)
			intOverPred = append(intOverPred, math.Abs(ld.IntOverPred-1))
		}
		d.Lines[i] = ld
	}
	if len(relDev) == 0 {
		return d
	}
	d.MeanRelDev, d.StdRelDev = stat.PopMeanStdDev(relDev, nil)
	d.MeanIntOverPred = stat.Mean(intOverPred, nil)
	d.PoorThreshold = 3 * d.StdRelDev
	for i := range d.Lines {
		if d.Lines[i].Predicted > 0 && d.Lines[i].RelDev > d.PoorThreshold {
			d.Lines[i].Poor = true
		}
	}
	return d
}

// Contribution is the share of an observation's prediction due to one line.
type Contribution struct {
	Observation int       `json:"observation"`
	Ion         string    `json:"ion"`
	Line        LineMatch `json:"line"`
	Fraction    float64   `json:"fraction"`
}

// Contributions lists every matched line whose share of the predicted
// intensity exceeds minFraction, using the EM held by model.
func Contributions(records []MatchRecord, model *EmissionMeasureModel, minFraction float64) []Contribution {
	var out []Contribution
	for i := range records {
		r := &records[i]
		pred := model.PredictOne(r)
		if pred <= 0 {
			continue
		}
		for _, im := range r.Ions {
			for _, lm := range im.Lines {
				frac := model.LineContribution(r, lm.Slot) / pred
				if frac > minFraction {
					out = append(out, Contribution{Observation: i, Ion: im.Ion, Line: lm, Fraction: frac})
				}
			}
		}
	}
	return out
}
