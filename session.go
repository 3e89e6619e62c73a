package emfit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// State is how far an Analysis has progressed.
type State int

const (
	StateNew State = iota
	StateMatched
	StateGridComputed
	StateSearched
)

var stateNames = map[State]string{
	StateNew:          "new",
	StateMatched:      "matched",
	StateGridComputed: "grid_computed",
	StateSearched:     "searched",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st, n := range stateNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown analysis state %q: %w", b, ErrInvalidInput)
}

// Options configures an Analysis.
type Options struct {
	Ions              []string      `json:"ions,omitempty"`
	AbundanceSet      string        `json:"abundance_set,omitempty"`
	MinAbundance      float64       `json:"min_abundance"`
	IncludeUnobserved bool          `json:"include_unobserved"`
	ExtraWeight       float64       `json:"extra_weight"`
	Parallel          bool          `json:"parallel"`
	Workers           int           `json:"workers"`
	AggregateTimeout  time.Duration `json:"aggregate_timeout"`
	Method            string        `json:"method"`
	Logger            *slog.Logger  `json:"-"`
}

// Analysis is one matching and fitting session over a spectrum. It owns the
// match records; aggregation and searches only run through it.
type Analysis struct {
	ID        string           `json:"id"`
	State     State            `json:"state"`
	Options   Options          `json:"options"`
	Spectrum  *Spectrum        `json:"spectrum"`
	Records   []MatchRecord    `json:"records"`
	Grid      *Grid            `json:"grid,omitempty"`
	Report    *AggregateReport `json:"report,omitempty"`
	Searches  []*SearchResult  `json:"searches,omitempty"`
	EMNodes   []int            `json:"em_nodes,omitempty"`
	LogEM     []float64        `json:"log_em,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	db   Database
	calc IntensityCalculator
	log  *slog.Logger
}

// NewAnalysis validates the spectrum and returns an analysis in StateNew.
func NewAnalysis(id string, db Database, calc IntensityCalculator, s *Spectrum, opts Options) (*Analysis, error) {
	if s == nil {
		return nil, fmt.Errorf("no spectrum: %w", ErrInvalidInput)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if _, err := NewMinimizer(opts.Method); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	a := &Analysis{
		ID:        id,
		State:     StateNew,
		Options:   opts,
		Spectrum:  s,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.bind(db, calc, opts.Logger)
	return a, nil
}

func (a *Analysis) bind(db Database, calc IntensityCalculator, logger *slog.Logger) {
	a.db = db
	a.calc = calc
	if logger == nil {
		logger = slog.Default()
	}
	a.log = logger.With("analysis", a.ID)
	a.Options.Logger = a.log
}

func (a *Analysis) touch() { a.UpdatedAt = time.Now().UTC() }

// Match selects candidate ions and matches them against the observations.
// It discards any grid or search from an earlier run.
func (a *Analysis) Match(ctx context.Context) error {
	mopts := MatchOptions{
		Ions:              a.Options.Ions,
		AbundanceSet:      a.Options.AbundanceSet,
		MinAbundance:      a.Options.MinAbundance,
		IncludeUnobserved: a.Options.IncludeUnobserved,
		Logger:            a.log,
	}
	candidates, err := CandidateIons(ctx, a.db, a.Spectrum.Wavelengths(), mopts)
	if err != nil {
		return err
	}
	records, err := Match(ctx, a.db, a.Spectrum, candidates, mopts)
	if err != nil {
		return err
	}
	a.Records = records
	a.Grid = nil
	a.Report = nil
	a.Searches = nil
	a.EMNodes, a.LogEM = nil, nil
	a.State = StateMatched
	a.touch()

	unmatched := 0
	for _, r := range records {
		if len(r.Ions) == 0 {
			unmatched++
		}
	}
	a.log.Info("matched observations",
		slog.Int("observations", len(records)),
		slog.Int("candidate_ions", len(candidates)),
		slog.Int("unmatched", unmatched),
		slog.Float64("effective_observations", a.Spectrum.EffectiveObservations()),
	)
	return nil
}

// ComputeGrid builds the temperature/density grid and aggregates every
// matched ion's intensities over it.
func (a *Analysis) ComputeGrid(ctx context.Context, temperature, density []float64) (AggregateReport, error) {
	if a.State < StateMatched {
		return AggregateReport{}, fmt.Errorf("compute grid before matching: %w", ErrInvalidInput)
	}
	grid, err := NewGrid(temperature, density)
	if err != nil {
		return AggregateReport{}, err
	}
	report, err := Aggregate(ctx, a.Records, grid, a.calc, AggregateOptions{
		Parallel:          a.Options.Parallel,
		Workers:           a.Options.Workers,
		Timeout:           a.Options.AggregateTimeout,
		IncludeUnobserved: a.Options.IncludeUnobserved,
		DistanceScale:     a.Spectrum.DistanceScale(),
		Logger:            a.log,
	})
	if err != nil {
		return report, err
	}
	a.Grid = grid
	a.Report = &report
	a.Searches = nil
	a.EMNodes, a.LogEM = nil, nil
	a.State = StateGridComputed
	a.touch()
	return report, nil
}

// AdmissibleRange is the default search range of the computed grid.
func (a *Analysis) AdmissibleRange() (IndexRange, error) {
	if a.Grid == nil {
		return IndexRange{}, ErrNoGrid
	}
	return AdmissibleRange(a.Records, a.Grid.Len())
}

// Search runs a grid search of the given order. The result is kept in the
// session even when it has no valid fit.
func (a *Analysis) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	if a.Grid == nil {
		return nil, ErrNoGrid
	}
	minimizer, err := NewMinimizer(a.Options.Method)
	if err != nil {
		return nil, err
	}
	engine := NewSearchEngine(a.Records, a.Grid, minimizer, a.Options.ExtraWeight, a.log)
	res, err := engine.Search(ctx, opts)
	if err != nil {
		return res, err
	}
	a.Searches = append(a.Searches, res)
	if res.Best != nil {
		a.EMNodes = append([]int(nil), res.Best.Indices...)
		a.LogEM = append([]float64(nil), res.Best.LogEM...)
	}
	a.State = StateSearched
	a.touch()
	return res, nil
}

// LastSearch returns the most recent search or nil.
func (a *Analysis) LastSearch() *SearchResult {
	if len(a.Searches) == 0 {
		return nil
	}
	return a.Searches[len(a.Searches)-1]
}

// Best returns the best fit of the most recent search.
func (a *Analysis) Best() (*SearchSummary, error) {
	last := a.LastSearch()
	if last == nil || last.Best == nil {
		return nil, ErrNoValidFit
	}
	return last.Best, nil
}

// model rebuilds the EM model from the applied nodes and values.
func (a *Analysis) model() (*EmissionMeasureModel, error) {
	if a.Grid == nil {
		return nil, ErrNoGrid
	}
	if len(a.EMNodes) == 0 {
		return nil, ErrNoValidFit
	}
	m := NewEmissionMeasureModel(a.Grid.Len())
	if err := m.SetNodes(a.EMNodes); err != nil {
		return nil, err
	}
	if err := m.SetValues(a.LogEM); err != nil {
		return nil, err
	}
	return m, nil
}

// SetEM applies a hand-picked EM distribution and updates predictions.
func (a *Analysis) SetEM(indices []int, logEM []float64) ([]float64, error) {
	if a.Grid == nil {
		return nil, ErrNoGrid
	}
	m := NewEmissionMeasureModel(a.Grid.Len())
	if err := m.SetNodes(indices); err != nil {
		return nil, err
	}
	if err := m.SetValues(logEM); err != nil {
		return nil, err
	}
	m.Apply(a.Records)
	a.EMNodes = append([]int(nil), indices...)
	a.LogEM = append([]float64(nil), logEM...)
	a.touch()
	return m.Predict(a.Records), nil
}

// Diagnostics compares observations with the applied EM's predictions.
func (a *Analysis) Diagnostics() (Diagnostics, error) {
	if _, err := a.model(); err != nil {
		return Diagnostics{}, err
	}
	return Diagnose(a.Records, a.Options.ExtraWeight), nil
}

// Contributions lists the lines carrying more than minFraction of a prediction.
func (a *Analysis) Contributions(minFraction float64) ([]Contribution, error) {
	m, err := a.model()
	if err != nil {
		return nil, err
	}
	return Contributions(a.Records, m, minFraction), nil
}

// ScanEM scans chi-squared around the best single-node fit.
func (a *Analysis) ScanEM(span float64, steps int) (*EMScan, error) {
	best, err := a.Best()
	if err != nil {
		return nil, err
	}
	return ScanEM(a.Records, a.Grid, best, a.Options.ExtraWeight, span, steps)
}

// Confidence returns the confidence region of the most recent search.
func (a *Analysis) Confidence(level float64) (*Confidence, error) {
	last := a.LastSearch()
	if last == nil {
		return nil, ErrNoValidFit
	}
	return ConfidenceRegion(last, a.Grid, level)
}

// Snapshot serializes the whole session.
func (a *Analysis) Snapshot() ([]byte, error) {
	return json.Marshal(a)
}

// Restore rebuilds a session from Snapshot output and binds it to its
// collaborators.
func Restore(data []byte, db Database, calc IntensityCalculator, logger *slog.Logger) (*Analysis, error) {
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if a.Spectrum == nil {
		return nil, fmt.Errorf("snapshot has no spectrum: %w", ErrInvalidInput)
	}
	a.bind(db, calc, logger)
	return &a, nil
}
