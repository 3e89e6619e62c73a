package models

import (
	"time"

	"github.com/kacperjurak/emfit"
)

// Analysis run states reported by the API.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusNoFit     = "no_fit"
	StatusFailed    = "failed"
)

// AnalysisRequest starts an analysis. Every field besides Spectrum is an
// optional override of the server configuration.
type AnalysisRequest struct {
	Spectrum        *emfit.Spectrum `json:"spectrum" binding:"required"`
	Ions            []string        `json:"ions,omitempty"`
	AbundanceSet    string          `json:"abundance_set,omitempty"`
	Temperature     []float64       `json:"temperature,omitempty"`
	Density         []float64       `json:"density,omitempty"`
	MaxOrder        int             `json:"max_order,omitempty"`
	InitialLogEM    []float64       `json:"initial_log_em,omitempty"`
	Method          string          `json:"method,omitempty"`
	WeightFactor    *float64        `json:"weight_factor,omitempty"`
	ConfidenceLevel float64         `json:"confidence_level,omitempty"`
}

// AcceptedResponse is returned when a run has been queued.
type AcceptedResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Summary is the compact outcome of a finished run.
type Summary struct {
	BestOrder         int       `json:"best_order"`
	Indices           []int     `json:"indices"`
	Temperatures      []float64 `json:"temperatures"`
	Densities         []float64 `json:"densities"`
	LogEM             []float64 `json:"log_em"`
	LogEMError        []float64 `json:"log_em_error,omitempty"`
	ChiSquared        float64   `json:"chi_squared"`
	ReducedChiSquared float64   `json:"reduced_chi_squared"`
	PoorLines         int       `json:"poor_lines"`
}

// AnalysisStatus describes one run.
type AnalysisStatus struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Summary   *Summary  `json:"summary,omitempty"`
	// Result holds the full processing result when requested with ?full=true.
	Result any `json:"result,omitempty"`
}

// AnalysisList is the response of GET /analyses.
type AnalysisList struct {
	Analyses []AnalysisStatus `json:"analyses"`
	// Stored lists IDs persisted in the store but not tracked in memory.
	Stored []string `json:"stored,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Running   int       `json:"running"`
}

// WebhookPayload is posted to the configured webhook when a run finishes.
type WebhookPayload struct {
	ID      string   `json:"id"`
	Time    string   `json:"time"`
	Status  string   `json:"status"`
	Error   string   `json:"error,omitempty"`
	Summary *Summary `json:"summary,omitempty"`
}

// NewSummary condenses a best fit and its diagnostics. It returns nil when
// there is no fit.
func NewSummary(order int, best *emfit.SearchSummary, diag *emfit.Diagnostics) *Summary {
	if best == nil {
		return nil
	}
	s := &Summary{
		BestOrder:         order,
		Indices:           best.Indices,
		Temperatures:      best.Temperatures,
		Densities:         best.Densities,
		LogEM:             best.LogEM,
		LogEMError:        best.LogEMError,
		ChiSquared:        best.ChiSquared,
		ReducedChiSquared: best.ReducedChiSquared,
	}
	if diag != nil {
		for _, l := range diag.Lines {
			if l.Poor {
				s.PoorLines++
			}
		}
	}
	return s
}
