package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kacperjurak/emfit"
	"github.com/kacperjurak/emfit/pkg/config"
	"github.com/kacperjurak/emfit/pkg/metrics"
)

// DefaultMinContribution is the smallest line share listed in Result.Contributions.
const DefaultMinContribution = 0.05

// CalculatorFactory returns the intensity calculator for an abundance set.
type CalculatorFactory func(abundanceSet string) emfit.IntensityCalculator

// Saver persists finished analyses.
type Saver interface {
	SaveAnalysis(ctx context.Context, a *emfit.Analysis) error
}

// Result is everything one run produces.
type Result struct {
	Analysis *emfit.Analysis `json:"analysis"`
	// BestOrder is the node count whose best fit has the lowest reduced
	// chi-squared over all searched orders.
	BestOrder     int                  `json:"best_order"`
	Best          *emfit.SearchSummary `json:"best,omitempty"`
	Confidence    *emfit.Confidence    `json:"confidence,omitempty"`
	Scan          *emfit.EMScan        `json:"scan,omitempty"`
	Diagnostics   *emfit.Diagnostics   `json:"diagnostics,omitempty"`
	Contributions []emfit.Contribution `json:"contributions,omitempty"`
	Duration      time.Duration        `json:"duration"`
}

// AnalysisProcessor runs the full pipeline: match, aggregate, search every
// order up to Config.MaxOrder and report on the best fit.
type AnalysisProcessor struct {
	db    emfit.Database
	calcs CalculatorFactory
	store Saver
	log   *slog.Logger

	MinContribution float64
}

// NewAnalysisProcessor creates a processor. store may be nil.
func NewAnalysisProcessor(db emfit.Database, calcs CalculatorFactory, store Saver, logger *slog.Logger) *AnalysisProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisProcessor{
		db:              db,
		calcs:           calcs,
		store:           store,
		log:             logger,
		MinContribution: DefaultMinContribution,
	}
}

// Process runs an analysis of s under cfg. A run where every fit was masked
// returns the partial result together with emfit.ErrNoValidFit.
func (p *AnalysisProcessor) Process(ctx context.Context, id string, s *emfit.Spectrum, cfg *config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.Tolerance == 0 {
		s.Tolerance = cfg.Tolerance
	}
	done := metrics.Track()
	defer done()

	start := time.Now()
	log := p.log.With("analysis", id)
	res, err := p.run(ctx, id, s, cfg, log)

	status := metrics.StatusCompleted
	switch {
	case errors.Is(err, emfit.ErrNoValidFit):
		status = metrics.StatusNoFit
	case err != nil:
		status = metrics.StatusFailed
	}
	metrics.RecordAnalysis(status)

	if res == nil {
		log.Error("analysis failed", "error", err)
		return nil, err
	}
	res.Duration = time.Since(start)
	if p.store != nil && res.Analysis != nil {
		if serr := p.store.SaveAnalysis(ctx, res.Analysis); serr != nil {
			log.Error("failed to store analysis", "error", serr)
			if err == nil {
				err = serr
			}
		}
	}
	if err != nil {
		log.Warn("analysis finished with error", "status", status, "error", err)
		return res, err
	}
	log.Info("analysis completed",
		slog.Int("best_order", res.BestOrder),
		slog.Float64("reduced_chi_squared", res.Best.ReducedChiSquared),
		slog.Duration("elapsed", res.Duration),
	)
	return res, nil
}

func (p *AnalysisProcessor) run(ctx context.Context, id string, s *emfit.Spectrum, cfg *config.Config, log *slog.Logger) (*Result, error) {
	a, err := emfit.NewAnalysis(id, p.db, p.calcs(cfg.AbundanceSet), s, cfg.Options(log))
	if err != nil {
		return nil, err
	}
	res := &Result{Analysis: a}

	t := time.Now()
	if err := a.Match(ctx); err != nil {
		return res, fmt.Errorf("match: %w", err)
	}
	metrics.ObserveStage(metrics.StageMatch, time.Since(t))

	t = time.Now()
	report, err := a.ComputeGrid(ctx, cfg.Temperature, cfg.Density)
	if err != nil {
		return res, fmt.Errorf("compute grid: %w", err)
	}
	metrics.ObserveStage(metrics.StageAggregate, time.Since(t))
	for _, f := range report.Failed {
		metrics.RecordIonFailure(f.Reason)
	}

	best, err := p.searchOrders(ctx, a, cfg, log)
	if err != nil {
		return res, err
	}
	if best == nil {
		return res, emfit.ErrNoValidFit
	}
	res.BestOrder = best.Order
	res.Best = best.Best

	// Later orders leave their own fit applied; put the winner back.
	if _, err := a.SetEM(best.Best.Indices, best.Best.LogEM); err != nil {
		return res, fmt.Errorf("apply best fit: %w", err)
	}

	t = time.Now()
	conf, err := emfit.ConfidenceRegion(best, a.Grid, cfg.ConfidenceLevel)
	if err != nil {
		log.Warn("no confidence region", "error", err)
	} else {
		res.Confidence = conf
	}
	if best.Order == 1 {
		scan, err := emfit.ScanEM(a.Records, a.Grid, best.Best, cfg.WeightFactor, emfit.DefaultScanSpan, emfit.DefaultScanSteps)
		if err != nil {
			log.Warn("EM scan failed", "error", err)
		} else {
			res.Scan = scan
		}
	}
	metrics.ObserveStage(metrics.StageConfidence, time.Since(t))

	diag, err := a.Diagnostics()
	if err != nil {
		return res, err
	}
	res.Diagnostics = &diag
	for _, l := range diag.Lines {
		if l.Poor {
			log.Warn("poorly reproduced line", "ion", l.Ion, "wavelength", l.Wavelength, "int_over_pred", l.IntOverPred)
		}
	}
	res.Contributions, err = a.Contributions(p.MinContribution)
	if err != nil {
		return res, err
	}
	return res, nil
}

// searchOrders searches orders 1..MaxOrder and returns the search whose best
// fit has the lowest reduced chi-squared, or nil if none produced a fit.
// Orders the data cannot constrain end the loop.
func (p *AnalysisProcessor) searchOrders(ctx context.Context, a *emfit.Analysis, cfg *config.Config, log *slog.Logger) (*emfit.SearchResult, error) {
	var best *emfit.SearchResult
	for order := 1; order <= cfg.MaxOrder; order++ {
		t := time.Now()
		sr, err := a.Search(ctx, emfit.SearchOptions{Order: order, Initial: initialFor(cfg.InitialLogEM, order)})
		metrics.ObserveStage(metrics.StageSearch, time.Since(t))
		if errors.Is(err, emfit.ErrInsufficientData) {
			log.Warn("stopping search", "order", order, "error", err)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("search order %d: %w", order, err)
		}
		metrics.RecordCombinations(strconv.Itoa(order), len(sr.History), sr.MaskedCount())
		if sr.Best == nil {
			log.Warn("every combination masked", "order", order, "combinations", len(sr.History))
			continue
		}
		metrics.RecordBestFit(sr.Best.ReducedChiSquared)
		if best == nil || sr.Best.ReducedChiSquared < best.Best.ReducedChiSquared {
			best = sr
		}
	}
	return best, nil
}

// initialFor uses the configured guess when it has one value per node and
// falls back to broadcasting its first value.
func initialFor(initial []float64, order int) []float64 {
	if len(initial) == order || len(initial) == 1 {
		return initial
	}
	return initial[:1]
}
