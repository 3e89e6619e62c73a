// Package metrics exposes Prometheus metrics for analysis runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "emfit"

// Analysis stages.
const (
	StageMatch      = "match"
	StageAggregate  = "aggregate"
	StageSearch     = "search"
	StageConfidence = "confidence"
)

// Run outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusNoFit     = "no_fit"
)

var (
	// analysesTotal counts finished analyses.
	// Labels: status (completed, failed, no_fit)
	analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analyses_total",
		Help:      "Total analyses by outcome",
	}, []string{"status"})

	// stageDuration measures each pipeline stage.
	// Labels: stage
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of analysis stages in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"stage"})

	// combinationsTotal counts fitted node combinations.
	// Labels: order, masked (true, false)
	combinationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "combinations_total",
		Help:      "Node combinations fitted by the grid search",
	}, []string{"order", "masked"})

	// ionFailures counts ions skipped during aggregation.
	// Labels: reason
	ionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregate",
		Name:      "ion_failures_total",
		Help:      "Ions skipped during intensity aggregation",
	}, []string{"reason"})

	// bestReducedChi tracks the reduced chi-squared of best fits.
	bestReducedChi = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "best_reduced_chi_squared",
		Help:      "Reduced chi-squared of the best fit per search",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	activeAnalyses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_analyses",
		Help:      "Analyses currently running",
	})
)

// ObserveStage records the duration of a stage.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordAnalysis counts a finished analysis.
func RecordAnalysis(status string) {
	analysesTotal.WithLabelValues(status).Inc()
}

// RecordCombinations counts the combinations of one search.
func RecordCombinations(order string, fitted, masked int) {
	combinationsTotal.WithLabelValues(order, "false").Add(float64(fitted - masked))
	combinationsTotal.WithLabelValues(order, "true").Add(float64(masked))
}

// RecordIonFailure counts one skipped ion.
func RecordIonFailure(reason string) {
	ionFailures.WithLabelValues(reason).Inc()
}

// RecordBestFit observes the reduced chi-squared of a best fit.
func RecordBestFit(reducedChi float64) {
	bestReducedChi.Observe(reducedChi)
}

// Track marks an analysis as running. Call the returned func when it ends.
func Track() func() {
	activeAnalyses.Inc()
	return activeAnalyses.Dec
}
