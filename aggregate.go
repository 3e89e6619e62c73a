package emfit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kacperjurak/emfit/pkg/worker"
)

var tracer = otel.Tracer("github.com/kacperjurak/emfit")

// IonIntensity is the calculator output for one ion.
type IonIntensity struct {
	Ion string
	// Values is grid points x lines, columns following the ion's full line list.
	Values *mat.Dense
}

// IntensityCalculator computes line intensities per unit emission measure for
// every line of an ion over the grid. It returns an error wrapping
// ErrMissingPhysicsData when the ion has no ionization equilibrium.
type IntensityCalculator interface {
	Intensity(ctx context.Context, ion string, grid *Grid, includeUnobserved bool) (*IonIntensity, error)
}

// Failure reasons reported in AggregateReport.
const (
	ReasonMissingPhysics = "missing_physics_data"
	ReasonTimeout        = "timeout"
	ReasonWorker         = "worker_error"
)

// IonFailure names an ion whose intensities could not be used.
type IonFailure struct {
	Ion    string `json:"ion"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// AggregateReport lists which ions were merged and which were skipped.
type AggregateReport struct {
	Processed []string      `json:"processed"`
	Failed    []IonFailure  `json:"failed,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// AggregateOptions controls IntensityAggregator execution.
type AggregateOptions struct {
	Parallel bool
	// Workers is capped at GOMAXPROCS.
	Workers int
	// Timeout bounds the wait for parallel results. Zero waits until ctx is done.
	Timeout           time.Duration
	IncludeUnobserved bool
	// DistanceScale multiplies every line intensity. Zero means 1.
	DistanceScale float64
	Logger        *slog.Logger
}

func (o AggregateOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Aggregate computes each distinct ion once and merges the intensities of
// every matched line into the records. Records are reset first, so calling it
// again with a new grid replaces earlier sums. Merging always follows the
// order of DistinctIons, which makes the sequential and parallel paths
// produce identical arrays.
func Aggregate(ctx context.Context, records []MatchRecord, grid *Grid, calc IntensityCalculator, opts AggregateOptions) (AggregateReport, error) {
	if grid == nil {
		return AggregateReport{}, ErrNoGrid
	}
	start := time.Now()
	ions := DistinctIons(records)
	ctx, span := tracer.Start(ctx, "emfit.Aggregate",
		trace.WithAttributes(
			attribute.Int("emfit.ions", len(ions)),
			attribute.Int("emfit.grid", grid.Len()),
			attribute.Bool("emfit.parallel", opts.Parallel),
		),
	)
	defer span.End()

	for i := range records {
		records[i].reset(grid.Len())
	}

	var (
		computed map[string]*IonIntensity
		report   AggregateReport
		err      error
	)
	if opts.Parallel && len(ions) > 0 {
		computed, report.Failed, err = computeParallel(ctx, ions, grid, calc, opts)
	} else {
		computed, report.Failed, err = computeSequential(ctx, ions, grid, calc, opts)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	scale := opts.DistanceScale
	if scale == 0 {
		scale = 1
	}
	for _, ion := range ions {
		ii, ok := computed[ion]
		if !ok {
			continue
		}
		if err := mergeIon(records, ii, scale); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
		report.Processed = append(report.Processed, ion)
	}
	for i := range records {
		setPeak(&records[i], grid)
	}

	report.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("emfit.processed", len(report.Processed)),
		attribute.Int("emfit.failed", len(report.Failed)),
	)
	opts.logger().Info("aggregated ion intensities",
		slog.Int("processed", len(report.Processed)),
		slog.Int("failed", len(report.Failed)),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func computeSequential(ctx context.Context, ions []string, grid *Grid, calc IntensityCalculator, opts AggregateOptions) (map[string]*IonIntensity, []IonFailure, error) {
	log := opts.logger()
	computed := make(map[string]*IonIntensity, len(ions))
	var failed []IonFailure
	for _, ion := range ions {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		ii, err := calc.Intensity(ctx, ion, grid, opts.IncludeUnobserved)
		if errors.Is(err, ErrMissingPhysicsData) {
			log.Warn("skipping ion", "ion", ion, "error", err)
			failed = append(failed, IonFailure{Ion: ion, Reason: ReasonMissingPhysics, Error: err.Error()})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("intensity of %s: %w", ion, err)
		}
		computed[ion] = ii
	}
	return computed, failed, nil
}

func computeParallel(ctx context.Context, ions []string, grid *Grid, calc IntensityCalculator, opts AggregateOptions) (map[string]*IonIntensity, []IonFailure, error) {
	log := opts.logger()
	workers := min(max(opts.Workers, 1), runtime.GOMAXPROCS(0), len(ions))
	pool := worker.New(worker.Options[string, *IonIntensity]{
		Workers:   workers,
		QueueSize: len(ions),
		Logger:    log,
		Processor: func(ctx context.Context, ion string) (*IonIntensity, error) {
			return calc.Intensity(ctx, ion, grid, opts.IncludeUnobserved)
		},
	})
	defer func() {
		// Results are drained before this runs; shutdown is cleanup only.
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(sctx)
	}()

	for _, ion := range ions {
		if err := pool.Submit(ctx, worker.Task[string]{ID: ion, Payload: ion}); err != nil {
			return nil, nil, err
		}
	}

	cctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	batch := pool.Collect(cctx, ions)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	byIon := make(map[string]worker.Result[*IonIntensity], len(batch.Results))
	for _, r := range batch.Results {
		byIon[r.ID] = r
	}
	unresponsive := make(map[string]bool, len(batch.Unresponsive))
	for _, ion := range batch.Unresponsive {
		unresponsive[ion] = true
	}

	computed := make(map[string]*IonIntensity, len(ions))
	var failed []IonFailure
	for _, ion := range ions {
		if unresponsive[ion] {
			log.Warn("ion worker did not respond before deadline", "ion", ion, "timeout", opts.Timeout)
			failed = append(failed, IonFailure{Ion: ion, Reason: ReasonTimeout})
			continue
		}
		r := byIon[ion]
		switch {
		case errors.Is(r.Err, ErrMissingPhysicsData):
			log.Warn("skipping ion", "ion", ion, "error", r.Err)
			failed = append(failed, IonFailure{Ion: ion, Reason: ReasonMissingPhysics, Error: r.Err.Error()})
		case r.Err != nil:
			return nil, nil, fmt.Errorf("intensity of %s: %w", ion, r.Err)
		default:
			computed[ion] = r.Value
		}
	}
	return computed, failed, nil
}

// mergeIon adds one ion's line intensities to every record that matched it.
func mergeIon(records []MatchRecord, ii *IonIntensity, scale float64) error {
	if ii == nil || ii.Values == nil {
		return fmt.Errorf("intensity of %s: empty result", ii.ionName())
	}
	rows, cols := ii.Values.Dims()
	for i := range records {
		r := &records[i]
		j := r.IonIndex(ii.Ion)
		if j < 0 {
			continue
		}
		if rows != len(r.IntensitySum) {
			return fmt.Errorf("intensity of %s has %d grid points, want %d: %w",
				ii.Ion, rows, len(r.IntensitySum), ErrInvalidInput)
		}
		for _, lm := range r.Ions[j].Lines {
			if lm.LineIndex >= cols {
				return fmt.Errorf("intensity of %s has %d lines, line %d matched: %w",
					ii.Ion, cols, lm.LineIndex, ErrInvalidInput)
			}
			row := r.Intensity[lm.Slot]
			mat.Col(row, lm.LineIndex, ii.Values)
			floats.Scale(scale, row)
			floats.Add(r.IntensitySum, row)
		}
	}
	return nil
}

func (ii *IonIntensity) ionName() string {
	if ii == nil {
		return "<nil>"
	}
	return ii.Ion
}

func setPeak(r *MatchRecord, grid *Grid) {
	r.PeakIndex = -1
	r.PeakTemperature = 0
	r.PeakDensity = 0
	if len(r.IntensitySum) == 0 {
		return
	}
	idx := floats.MaxIdx(r.IntensitySum)
	if r.IntensitySum[idx] <= 0 {
		return
	}
	r.PeakIndex = idx
	switch {
	case grid.NTemp > 1:
		r.PeakTemperature = grid.Temperature[idx]
	case grid.NDens > 1:
		r.PeakDensity = grid.Density[idx]
	}
}
