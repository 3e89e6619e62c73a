package emfit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/stat/combin"
)

// MaxOrder is the largest number of EM nodes a search will fit.
const MaxOrder = 4

// SearchState tracks a GridSearch run.
type SearchState int

const (
	SearchInitialized SearchState = iota
	SearchSearching
	SearchCompleted
	SearchAborted
)

func (s SearchState) String() string {
	switch s {
	case SearchInitialized:
		return "initialized"
	case SearchSearching:
		return "searching"
	case SearchCompleted:
		return "completed"
	case SearchAborted:
		return "aborted"
	default:
		return fmt.Sprintf("SearchState(%d)", int(s))
	}
}

func (s SearchState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SearchState) UnmarshalText(b []byte) error {
	for _, c := range []SearchState{SearchInitialized, SearchSearching, SearchCompleted, SearchAborted} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown search state %q: %w", b, ErrInvalidInput)
}

// IndexRange is an inclusive range of grid indices.
type IndexRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Len is the number of indices in the range.
func (r IndexRange) Len() int { return r.Max - r.Min + 1 }

// AdmissibleRange returns the tightest index range over which every record
// with a non-zero IntensitySum is non-zero at both ends. Records that are zero
// everywhere do not restrict the range.
func AdmissibleRange(records []MatchRecord, gridLen int) (IndexRange, error) {
	if gridLen == 0 {
		return IndexRange{}, ErrNoGrid
	}
	r := IndexRange{Min: 0, Max: gridLen - 1}
	for _, rec := range records {
		if len(rec.IntensitySum) != gridLen {
			return IndexRange{}, fmt.Errorf("record at %g has %d grid points, want %d: %w",
				rec.Observation.Wavelength, len(rec.IntensitySum), gridLen, ErrNoGrid)
		}
		first, last := -1, -1
		for i, v := range rec.IntensitySum {
			if v != 0 {
				if first < 0 {
					first = i
				}
				last = i
			}
		}
		if first < 0 {
			continue
		}
		r.Min = max(r.Min, first)
		r.Max = min(r.Max, last)
	}
	if r.Min > r.Max {
		return r, fmt.Errorf("observations share no grid point with non-zero intensity: %w", ErrInvalidInput)
	}
	return r, nil
}

// SearchEntry records the fit of one node combination.
type SearchEntry struct {
	Indices     []int     `json:"indices"`
	LogEM       []float64 `json:"log_em"`
	ChiSquared  float64   `json:"chi_squared"`
	Masked      bool      `json:"masked"`
	Evaluations int       `json:"evaluations"`
	Error       string    `json:"error,omitempty"`
}

// SearchSummary describes the best fit of a completed search.
type SearchSummary struct {
	EM                []float64 `json:"em"`
	LogEM             []float64 `json:"log_em"`
	LogEMError        []float64 `json:"log_em_error,omitempty"`
	ChiSquared        float64   `json:"chi_squared"`
	ReducedChiSquared float64   `json:"reduced_chi_squared"`
	Indices           []int     `json:"indices"`
	Temperatures      []float64 `json:"temperatures"`
	Densities         []float64 `json:"densities"`
	Predicted         []float64 `json:"predicted"`
}

// SearchResult is the full outcome of a GridSearch run.
type SearchResult struct {
	Order        int            `json:"order"`
	Range        IndexRange     `json:"range"`
	State        SearchState    `json:"state"`
	Reason       string         `json:"reason,omitempty"`
	Observations int            `json:"observations"`
	History      []SearchEntry  `json:"history"`
	BestIndex    int            `json:"best_index"`
	Best         *SearchSummary `json:"best,omitempty"`
	Elapsed      time.Duration  `json:"elapsed"`
}

// BestEntry returns the history entry of the best fit.
func (r *SearchResult) BestEntry() (SearchEntry, error) {
	if r == nil || r.BestIndex < 0 || r.BestIndex >= len(r.History) {
		return SearchEntry{}, ErrNoValidFit
	}
	return r.History[r.BestIndex], nil
}

// MaskedCount returns how many history entries are masked.
func (r *SearchResult) MaskedCount() int {
	n := 0
	for _, e := range r.History {
		if e.Masked {
			n++
		}
	}
	return n
}

// FreeParameters is 2 per EM node.
func FreeParameters(order int) int { return 2 * order }

// SearchOptions configures one GridSearch run.
type SearchOptions struct {
	Order int
	// Initial is the starting log10 EM, one value or one per node.
	Initial []float64
	// Range overrides AdmissibleRange.
	Range *IndexRange
}

// SearchEngine runs brute-force searches over EM node combinations.
type SearchEngine struct {
	records     []MatchRecord
	grid        *Grid
	minimizer   Minimizer
	extraWeight float64
	log         *slog.Logger
	state       SearchState
}

// NewSearchEngine returns an engine over aggregated records.
func NewSearchEngine(records []MatchRecord, grid *Grid, minimizer Minimizer, extraWeight float64, logger *slog.Logger) *SearchEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchEngine{
		records:     records,
		grid:        grid,
		minimizer:   minimizer,
		extraWeight: extraWeight,
		log:         logger,
	}
}

// State returns the state of the last search.
func (e *SearchEngine) State() SearchState { return e.state }

// Search fits every strictly increasing K-tuple of grid indices in the range
// and keeps the first one reaching the minimum chi-squared among unmasked
// fits. On completion the best fit is re-applied and each record's Predicted
// is updated. A search where every fit is masked completes without Best.
func (e *SearchEngine) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	start := time.Now()
	e.state = SearchInitialized
	res := &SearchResult{Order: opts.Order, State: e.state, Observations: len(e.records), BestIndex: -1}

	if e.grid == nil {
		return res, ErrNoGrid
	}
	k := opts.Order
	if k < 1 || k > MaxOrder {
		return res, fmt.Errorf("search order %d outside [1,%d]: %w", k, MaxOrder, ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "emfit.Search",
		trace.WithAttributes(
			attribute.Int("emfit.order", k),
			attribute.Int("emfit.observations", len(e.records)),
		),
	)
	defer span.End()

	if len(e.records) <= FreeParameters(k) {
		e.state = SearchAborted
		res.State = e.state
		res.Reason = fmt.Sprintf("%d observations for %d free parameters", len(e.records), FreeParameters(k))
		err := fmt.Errorf("order %d: %s: %w", k, res.Reason, ErrInsufficientData)
		e.log.Warn("search aborted", "order", k, "reason", res.Reason)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	var rng IndexRange
	if opts.Range != nil {
		rng = *opts.Range
		if rng.Min < 0 || rng.Max >= e.grid.Len() || rng.Min > rng.Max {
			return res, fmt.Errorf("index range [%d,%d] outside grid of %d: %w", rng.Min, rng.Max, e.grid.Len(), ErrInvalidInput)
		}
	} else {
		var err error
		if rng, err = AdmissibleRange(e.records, e.grid.Len()); err != nil {
			return res, err
		}
	}
	res.Range = rng
	if rng.Len() < k {
		return res, fmt.Errorf("index range [%d,%d] holds fewer than %d nodes: %w", rng.Min, rng.Max, k, ErrInvalidInput)
	}

	model := NewEmissionMeasureModel(e.grid.Len())
	fitter := NewFitter(e.records, model, e.minimizer, e.extraWeight)

	e.state = SearchSearching
	res.State = e.state
	res.History = make([]SearchEntry, 0, combin.Binomial(rng.Len(), k))
	e.log.Debug("search started", "order", k, "min", rng.Min, "max", rng.Max,
		"combinations", combin.Binomial(rng.Len(), k))

	best := math.Inf(1)
	gen := combin.NewCombinationGenerator(rng.Len(), k)
	comb := make([]int, k)
	for gen.Next() {
		if err := ctx.Err(); err != nil {
			e.state = SearchAborted
			res.State = e.state
			res.Reason = err.Error()
			span.RecordError(err)
			return res, err
		}
		gen.Combination(comb)
		indices := make([]int, k)
		for i, c := range comb {
			indices[i] = c + rng.Min
		}
		if err := model.SetNodes(indices); err != nil {
			return res, err
		}
		fit, err := fitter.Fit(opts.Initial)
		if err != nil {
			e.state = SearchAborted
			res.State = e.state
			res.Reason = err.Error()
			return res, err
		}
		res.History = append(res.History, SearchEntry{
			Indices:     indices,
			LogEM:       fit.LogEM,
			ChiSquared:  fit.ChiSquared,
			Masked:      fit.Masked,
			Evaluations: fit.Evaluations,
			Error:       fit.Error,
		})
		if !fit.Masked && fit.ChiSquared < best {
			best = fit.ChiSquared
			res.BestIndex = len(res.History) - 1
		}
	}

	e.state = SearchCompleted
	res.State = e.state
	res.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("emfit.combinations", len(res.History)),
		attribute.Int("emfit.masked", res.MaskedCount()),
	)

	if res.BestIndex < 0 {
		e.log.Warn("no valid fit found", "order", k, "combinations", len(res.History))
		return res, nil
	}

	entry := res.History[res.BestIndex]
	summary, err := e.summarize(model, fitter, entry)
	if err != nil {
		return res, err
	}
	res.Best = summary
	e.log.Info("search completed",
		slog.Int("order", k),
		slog.Int("combinations", len(res.History)),
		slog.Int("masked", res.MaskedCount()),
		slog.Any("indices", summary.Indices),
		slog.Float64("chi_squared", summary.ChiSquared),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (e *SearchEngine) summarize(model *EmissionMeasureModel, fitter *Fitter, entry SearchEntry) (*SearchSummary, error) {
	if err := model.SetNodes(entry.Indices); err != nil {
		return nil, err
	}
	if err := model.SetValues(entry.LogEM); err != nil {
		return nil, err
	}
	model.Apply(e.records)

	temps, dens := e.grid.At(entry.Indices)
	s := &SearchSummary{
		EM:                model.Values(),
		LogEM:             append([]float64(nil), entry.LogEM...),
		ChiSquared:        entry.ChiSquared,
		ReducedChiSquared: entry.ChiSquared / float64(len(e.records)-FreeParameters(len(entry.Indices))),
		Indices:           append([]int(nil), entry.Indices...),
		Temperatures:      temps,
		Densities:         dens,
		Predicted:         make([]float64, len(e.records)),
	}
	for i := range e.records {
		s.Predicted[i] = e.records[i].Predicted
	}

	if cov, err := fitter.Covariance(entry.LogEM); err != nil {
		e.log.Debug("no covariance for best fit", "error", err)
	} else {
		sigma := make([]float64, len(entry.LogEM))
		for i := range sigma {
			sigma[i] = math.Sqrt(cov.At(i, i))
		}
		if finite(sigma) {
			s.LogEMError = sigma
		}
	}
	// Covariance probes the model; leave it at the best fit.
	if err := model.SetValues(entry.LogEM); err != nil {
		return nil, err
	}
	return s, nil
}
