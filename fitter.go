package emfit

import (
	"errors"
	"fmt"
	"math"

	"github.com/maorshutman/lm"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// MaskedResidual is the residual of an observation whose predicted intensity
// is not positive. It keeps the residual vector length fixed.
const MaskedResidual = 10.0

// Minimizer methods accepted by NewMinimizer.
const (
	MethodLM         = "lm"
	MethodNelderMead = "nelder-mead"
)

// ResidualFunc fills dst with the residuals at x.
type ResidualFunc func(dst, x []float64)

// MinimizeResult is what a Minimizer reports.
type MinimizeResult struct {
	X           []float64
	Evaluations int
	Converged   bool
	// Status is the optimizer's termination status, e.g. "IterationLimit".
	Status string
}

// Minimizer solves a nonlinear least-squares problem of size residuals.
type Minimizer interface {
	Minimize(f ResidualFunc, size int, x0 []float64) (MinimizeResult, error)
}

// NewMinimizer returns the minimizer for a method name.
func NewMinimizer(method string) (Minimizer, error) {
	switch method {
	case "", MethodLM, "levenberg-marquardt":
		return NewLMMinimizer(), nil
	case MethodNelderMead:
		return &NelderMeadMinimizer{}, nil
	default:
		return nil, fmt.Errorf("unknown minimizer %q: %w", method, ErrInvalidInput)
	}
}

// LMMinimizer is a Levenberg-Marquardt minimizer with a numerical Jacobian.
type LMMinimizer struct {
	Iterations int
	Tau        float64
	Eps1       float64
	Eps2       float64
}

// NewLMMinimizer returns an LMMinimizer with default tolerances.
func NewLMMinimizer() *LMMinimizer {
	return &LMMinimizer{Iterations: 1000, Tau: 1e-6, Eps1: 1e-8, Eps2: 1e-8}
}

// Minimize runs LM from x0. A panic inside the solver (singular normal
// equations) is reported as a non-converged result.
func (m *LMMinimizer) Minimize(f ResidualFunc, size int, x0 []float64) (res MinimizeResult, err error) {
	evals := 0
	fnc := func(dst, x []float64) {
		evals++
		f(dst, x)
	}
	jac := lm.NumJac{Func: fnc}
	problem := lm.LMProblem{
		Dim:        len(x0),
		Size:       size,
		Func:       fnc,
		Jac:        jac.Jac,
		InitParams: append([]float64(nil), x0...),
		Tau:        m.Tau,
		Eps1:       m.Eps1,
		Eps2:       m.Eps2,
	}

	defer func() {
		if r := recover(); r != nil {
			res = MinimizeResult{X: append([]float64(nil), x0...), Evaluations: evals}
			err = fmt.Errorf("levenberg-marquardt panicked: %v: %w", r, ErrDegenerateFit)
		}
	}()

	out, err := lm.LM(problem, &lm.Settings{Iterations: m.Iterations, ObjectiveTol: 1e-16})
	if err != nil {
		return MinimizeResult{X: append([]float64(nil), x0...), Evaluations: evals},
			fmt.Errorf("levenberg-marquardt: %v: %w", err, ErrDegenerateFit)
	}
	return MinimizeResult{X: out.X, Evaluations: evals, Converged: converged(out.Status), Status: out.Status.String()}, nil
}

// NelderMeadMinimizer minimizes the sum of squared residuals with the
// gradient-free simplex method.
type NelderMeadMinimizer struct {
	// FuncEvaluations caps objective calls. Zero means the optimizer default.
	FuncEvaluations int
}

func (m *NelderMeadMinimizer) Minimize(f ResidualFunc, size int, x0 []float64) (MinimizeResult, error) {
	dst := make([]float64, size)
	evals := 0
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			evals++
			f(dst, x)
			return floats.Dot(dst, dst)
		},
	}
	settings := &optimize.Settings{FuncEvaluations: m.FuncEvaluations}

	res, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		x := x0
		if res != nil && len(res.X) == len(x0) {
			x = res.X
		}
		return MinimizeResult{X: append([]float64(nil), x...), Evaluations: evals},
			fmt.Errorf("nelder-mead: %v: %w", err, ErrDegenerateFit)
	}
	return MinimizeResult{X: res.X, Evaluations: evals, Converged: converged(res.Status), Status: res.Status.String()}, nil
}

// converged reports whether the optimizer stopped on a convergence criterion
// rather than on a budget limit.
func converged(s optimize.Status) bool {
	return s != optimize.NotTerminated && !s.Early()
}

// FitResult is the outcome of fitting one node combination.
type FitResult struct {
	LogEM      []float64 `json:"log_em"`
	ChiSquared float64   `json:"chi_squared"`
	Converged  bool      `json:"converged"`
	// Masked excludes the fit from best-fit selection.
	Masked      bool   `json:"masked"`
	Evaluations int    `json:"evaluations"`
	Error       string `json:"error,omitempty"`
}

// Fitter fits log10 EM values at fixed nodes to the observed intensities.
type Fitter struct {
	records   []MatchRecord
	model     *EmissionMeasureModel
	minimizer Minimizer
	observed  []float64
	weights   []float64
	pred      []float64
}

// NewFitter builds a fitter over aggregated records. extraWeight is added to
// every std/intensity weight factor.
func NewFitter(records []MatchRecord, model *EmissionMeasureModel, minimizer Minimizer, extraWeight float64) *Fitter {
	f := &Fitter{
		records:   records,
		model:     model,
		minimizer: minimizer,
		observed:  make([]float64, len(records)),
		weights:   make([]float64, len(records)),
		pred:      make([]float64, len(records)),
	}
	for i, r := range records {
		f.observed[i] = r.Observation.Intensity
		f.weights[i] = r.Observation.IntensityStd/r.Observation.Intensity + extraWeight
	}
	return f
}

// Weights returns the weight factor of every observation.
func (f *Fitter) Weights() []float64 { return append([]float64(nil), f.weights...) }

// residuals fills dst at the model's current values and reports whether any
// observation was masked.
func (f *Fitter) residuals(dst []float64) bool {
	f.model.PredictInto(f.pred, f.records)
	masked := false
	for i, p := range f.pred {
		if p > 0 {
			dst[i] = (f.observed[i] - p) / (f.weights[i] * f.observed[i])
		} else {
			dst[i] = MaskedResidual
			masked = true
		}
	}
	return masked
}

// Residuals returns the weighted residual vector at logEM.
func (f *Fitter) Residuals(logEM []float64) ([]float64, bool, error) {
	if err := f.model.SetValues(logEM); err != nil {
		return nil, false, err
	}
	dst := make([]float64, len(f.records))
	masked := f.residuals(dst)
	return dst, masked, nil
}

// ChiSquared is Σ residual² at logEM.
func (f *Fitter) ChiSquared(logEM []float64) (float64, bool, error) {
	r, masked, err := f.Residuals(logEM)
	if err != nil {
		return 0, false, err
	}
	return floats.Dot(r, r), masked, nil
}

func (f *Fitter) objective(dst, x []float64) {
	// len(x) always equals the node count here.
	_ = f.model.SetValues(x)
	f.residuals(dst)
}

// Initial broadcasts a single initial log EM to every node.
func (f *Fitter) Initial(initial []float64) ([]float64, error) {
	k := len(f.model.nodes)
	switch len(initial) {
	case k:
		return append([]float64(nil), initial...), nil
	case 1:
		x := make([]float64, k)
		for i := range x {
			x[i] = initial[0]
		}
		return x, nil
	default:
		return nil, fmt.Errorf("%d initial values for %d nodes: %w", len(initial), k, ErrSizeMismatch)
	}
}

// Fit minimizes chi-squared at the model's current nodes. The model is left
// holding the fitted values.
func (f *Fitter) Fit(initial []float64) (FitResult, error) {
	x0, err := f.Initial(initial)
	if err != nil {
		return FitResult{}, err
	}
	res, merr := f.minimizer.Minimize(f.objective, len(f.records), x0)
	x := res.X
	diverged := !finite(x)
	if len(x) != len(x0) || diverged {
		x = x0
	}

	out := FitResult{LogEM: append([]float64(nil), x...), Converged: merr == nil && res.Converged && !diverged, Evaluations: res.Evaluations}
	chi, masked, err := f.ChiSquared(x)
	if err != nil {
		return FitResult{}, err
	}
	if math.IsNaN(chi) || math.IsInf(chi, 0) {
		// Keep the history JSON-encodable.
		chi = math.MaxFloat64
		masked = true
	}
	out.ChiSquared = chi
	out.Masked = masked || !out.Converged
	switch {
	case merr != nil:
		out.Error = merr.Error()
	case !res.Converged && res.Status != "":
		out.Error = fmt.Sprintf("%s: stopped with %s", ErrDegenerateFit, res.Status)
	case out.Masked:
		out.Error = ErrDegenerateFit.Error()
	}
	return out, nil
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Covariance estimates the covariance of the fitted log EM values as
// (JᵀJ)⁻¹ with J the residual Jacobian at logEM.
func (f *Fitter) Covariance(logEM []float64) (*mat.SymDense, error) {
	if len(logEM) != len(f.model.nodes) {
		return nil, fmt.Errorf("%d values for %d nodes: %w", len(logEM), len(f.model.nodes), ErrSizeMismatch)
	}
	jac := mat.NewDense(len(f.records), len(logEM), nil)
	fd.Jacobian(jac, f.objective, logEM, &fd.JacobianSettings{Formula: fd.Central})

	var jtj mat.SymDense
	jtj.SymOuterK(1, jac.T())

	var chol mat.Cholesky
	if ok := chol.Factorize(&jtj); !ok {
		return nil, fmt.Errorf("normal matrix is not positive definite: %w", ErrDegenerateFit)
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, errors.Join(ErrDegenerateFit, err)
	}
	// fd.Jacobian moved the model; put it back.
	_ = f.model.SetValues(logEM)
	return &cov, nil
}
