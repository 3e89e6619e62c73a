package emfit

import (
	"fmt"
	"math"
	"slices"
)

// EmissionMeasureModel is a sparse EM distribution: K active grid nodes, each
// carrying log10 EM. Every other grid point has zero EM.
type EmissionMeasureModel struct {
	gridLen int
	nodes   []int
	logEM   []float64
	em      []float64
}

// NewEmissionMeasureModel returns a model over a grid of gridLen points.
func NewEmissionMeasureModel(gridLen int) *EmissionMeasureModel {
	return &EmissionMeasureModel{gridLen: gridLen}
}

// SetNodes selects the active grid indices. Indices must be distinct and in
// range. Previously set values are discarded.
func (m *EmissionMeasureModel) SetNodes(indices []int) error {
	if len(indices) == 0 {
		return fmt.Errorf("no EM nodes given: %w", ErrInvalidInput)
	}
	for i, idx := range indices {
		if idx < 0 || idx >= m.gridLen {
			return fmt.Errorf("EM node %d out of grid range [0,%d): %w", idx, m.gridLen, ErrInvalidInput)
		}
		if slices.Contains(indices[:i], idx) {
			return fmt.Errorf("EM node %d repeated: %w", idx, ErrInvalidInput)
		}
	}
	m.nodes = slices.Clone(indices)
	m.logEM = nil
	m.em = nil
	return nil
}

// SetValues sets log10 EM for each active node.
func (m *EmissionMeasureModel) SetValues(logEM []float64) error {
	if len(logEM) != len(m.nodes) {
		return fmt.Errorf("%d EM values for %d nodes: %w", len(logEM), len(m.nodes), ErrSizeMismatch)
	}
	m.logEM = slices.Clone(logEM)
	if cap(m.em) < len(logEM) {
		m.em = make([]float64, len(logEM))
	}
	m.em = m.em[:len(logEM)]
	for i, v := range logEM {
		m.em[i] = math.Pow(10, v)
	}
	return nil
}

// Nodes returns the active grid indices.
func (m *EmissionMeasureModel) Nodes() []int { return slices.Clone(m.nodes) }

// Values returns the EM of each active node, 10^logEM.
func (m *EmissionMeasureModel) Values() []float64 { return slices.Clone(m.em) }

// LogValues returns the log10 EM of each active node as set.
func (m *EmissionMeasureModel) LogValues() []float64 { return slices.Clone(m.logEM) }

// EM returns the dense EM vector over the whole grid.
func (m *EmissionMeasureModel) EM() []float64 {
	dense := make([]float64, m.gridLen)
	for i, idx := range m.nodes {
		if i < len(m.em) {
			dense[idx] = m.em[i]
		}
	}
	return dense
}

// PredictOne returns the intensity predicted for one record.
func (m *EmissionMeasureModel) PredictOne(r *MatchRecord) float64 {
	var p float64
	for i, idx := range m.nodes {
		if i < len(m.em) && idx < len(r.IntensitySum) {
			p += r.IntensitySum[idx] * m.em[i]
		}
	}
	return p
}

// Predict returns the predicted intensity of every record. It reads the EM
// only at the active nodes.
func (m *EmissionMeasureModel) Predict(records []MatchRecord) []float64 {
	out := make([]float64, len(records))
	m.PredictInto(out, records)
	return out
}

// PredictInto is Predict writing into dst, which must have len(records).
func (m *EmissionMeasureModel) PredictInto(dst []float64, records []MatchRecord) {
	for i := range records {
		dst[i] = m.PredictOne(&records[i])
	}
}

// Apply stores the current predictions on the records.
func (m *EmissionMeasureModel) Apply(records []MatchRecord) {
	for i := range records {
		records[i].Predicted = m.PredictOne(&records[i])
	}
}

// LineContribution is Σ_g intensity[slot][g]·EM[g] for one matched line.
func (m *EmissionMeasureModel) LineContribution(r *MatchRecord, slot int) float64 {
	if slot < 0 || slot >= len(r.Intensity) {
		return 0
	}
	row := r.Intensity[slot]
	var c float64
	for i, idx := range m.nodes {
		if i < len(m.em) && idx < len(row) {
			c += row[idx] * m.em[i]
		}
	}
	return c
}

// PredictDense computes Σ_g intensitySum[g]·em[g] for an arbitrary dense EM
// vector of grid length.
func PredictDense(records []MatchRecord, em []float64) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		n := min(len(em), len(r.IntensitySum))
		var p float64
		for g := 0; g < n; g++ {
			p += r.IntensitySum[g] * em[g]
		}
		out[i] = p
	}
	return out
}
