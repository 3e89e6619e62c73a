package handlers

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kacperjurak/emfit"
	"github.com/kacperjurak/emfit/internal/processing"
	"github.com/kacperjurak/emfit/internal/utils"
	"github.com/kacperjurak/emfit/pkg/config"
	"github.com/kacperjurak/emfit/pkg/models"
	"github.com/kacperjurak/emfit/pkg/profiling"
	"github.com/kacperjurak/emfit/pkg/store"
)

// Runner executes one analysis.
type Runner interface {
	Process(ctx context.Context, id string, s *emfit.Spectrum, cfg *config.Config) (*processing.Result, error)
}

// Store is the read side of the analysis store.
type Store interface {
	Get(ctx context.Context, id string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// Notifier is told about every finished run.
type Notifier interface {
	Send(ctx context.Context, payload models.WebhookPayload) error
}

// Options configures an AnalysisHandler.
type Options struct {
	Config *config.Config
	Runner Runner
	// Store and Notifier are optional.
	Store    Store
	Notifier Notifier
	// Concurrency bounds the runs executing at once. Others wait their turn.
	Concurrency int
	// Timeout bounds one run. Zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

type run struct {
	status models.AnalysisStatus
	result *processing.Result
}

// AnalysisHandler serves the /analyses API. Runs execute asynchronously.
type AnalysisHandler struct {
	opts Options
	log  *slog.Logger
	sem  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*run
}

// NewAnalysisHandler creates the handler. Close stops it.
func NewAnalysisHandler(opts Options) *AnalysisHandler {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AnalysisHandler{
		opts:   opts,
		log:    logger,
		sem:    make(chan struct{}, opts.Concurrency),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
}

// Register mounts the routes on r.
func (h *AnalysisHandler) Register(r gin.IRouter) {
	r.POST("/analyses", h.create)
	r.GET("/analyses", h.list)
	r.GET("/analyses/:id", h.get)
	r.DELETE("/analyses/:id", h.delete)
}

// Running returns the number of unfinished runs.
func (h *AnalysisHandler) Running() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, r := range h.runs {
		if r.status.Status == models.StatusRunning {
			n++
		}
	}
	return n
}

// Wait blocks until every started run has finished.
func (h *AnalysisHandler) Wait() { h.wg.Wait() }

// Close cancels running analyses and waits for them until ctx is done.
func (h *AnalysisHandler) Close(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeError(c *gin.Context, code int, err error) {
	c.JSON(code, models.ErrorResponse{Error: err.Error()})
}

func (h *AnalysisHandler) create(c *gin.Context) {
	var req models.AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := req.Spectrum.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	cfg := h.configFor(&req)
	if err := cfg.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	id := utils.GenerateID()
	now := time.Now().UTC()
	h.mu.Lock()
	h.runs[id] = &run{status: models.AnalysisStatus{
		ID:        id,
		Status:    models.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	h.mu.Unlock()

	h.wg.Add(1)
	go h.execute(id, req.Spectrum, cfg)

	h.log.Info("analysis accepted", "id", id, "observations", req.Spectrum.Len())
	c.JSON(http.StatusAccepted, models.AcceptedResponse{
		ID:      id,
		Status:  models.StatusRunning,
		Message: "analysis started",
	})
}

// configFor applies the request overrides to a copy of the base config.
func (h *AnalysisHandler) configFor(req *models.AnalysisRequest) *config.Config {
	base := h.opts.Config
	cfg := *base
	cfg.Temperature = slices.Clone(base.Temperature)
	cfg.Density = slices.Clone(base.Density)
	cfg.InitialLogEM = slices.Clone(base.InitialLogEM)
	cfg.Ions = slices.Clone(base.Ions)

	if len(req.Ions) > 0 {
		cfg.Ions = req.Ions
	}
	if req.AbundanceSet != "" {
		cfg.AbundanceSet = req.AbundanceSet
	}
	if len(req.Temperature) > 0 {
		cfg.Temperature = req.Temperature
	}
	if len(req.Density) > 0 {
		cfg.Density = req.Density
	}
	if req.MaxOrder != 0 {
		cfg.MaxOrder = req.MaxOrder
	}
	if len(req.InitialLogEM) > 0 {
		cfg.InitialLogEM = req.InitialLogEM
	}
	if req.Method != "" {
		cfg.Method = req.Method
	}
	if req.WeightFactor != nil {
		cfg.WeightFactor = *req.WeightFactor
	}
	if req.ConfidenceLevel != 0 {
		cfg.ConfidenceLevel = req.ConfidenceLevel
	}
	return &cfg
}

func (h *AnalysisHandler) execute(id string, s *emfit.Spectrum, cfg *config.Config) {
	defer h.wg.Done()
	log := h.log.With("id", id)

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-h.ctx.Done():
		h.finish(id, nil, h.ctx.Err())
		return
	}

	ctx := h.ctx
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}

	prof := profiling.NewRequestProfiler("analysis")
	res, err := h.opts.Runner.Process(ctx, id, s, cfg)
	m := prof.Finish()
	log.Debug("analysis profile", "duration", m.Duration, "memory_delta_bytes", m.MemoryDelta)

	status := h.finish(id, res, err)
	if h.opts.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	payload := models.WebhookPayload{ID: id, Status: status.Status, Error: status.Error, Summary: status.Summary}
	if err := h.opts.Notifier.Send(nctx, payload); err != nil {
		log.Warn("webhook failed", "error", err)
	}
}

func (h *AnalysisHandler) finish(id string, res *processing.Result, err error) models.AnalysisStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok {
		// Deleted while running.
		r = &run{status: models.AnalysisStatus{ID: id}}
	}
	r.result = res
	r.status.UpdatedAt = time.Now().UTC()
	switch {
	case err == nil:
		r.status.Status = models.StatusCompleted
	case errors.Is(err, emfit.ErrNoValidFit):
		r.status.Status = models.StatusNoFit
		r.status.Error = err.Error()
	default:
		r.status.Status = models.StatusFailed
		r.status.Error = err.Error()
	}
	if res != nil {
		r.status.Summary = models.NewSummary(res.BestOrder, res.Best, res.Diagnostics)
	}
	return r.status
}

func (h *AnalysisHandler) get(c *gin.Context) {
	id := c.Param("id")
	full := c.Query("full") == "true"

	h.mu.RLock()
	r, ok := h.runs[id]
	var st models.AnalysisStatus
	if ok {
		st = r.status
		if full && r.result != nil {
			st.Result = r.result
		}
	}
	h.mu.RUnlock()
	if ok {
		c.JSON(http.StatusOK, st)
		return
	}

	if h.opts.Store == nil {
		writeError(c, http.StatusNotFound, store.ErrNotFound)
		return
	}
	data, err := h.opts.Store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	st = models.AnalysisStatus{ID: id, Status: models.StatusCompleted}
	if full {
		st.Result = json.RawMessage(data)
	}
	c.JSON(http.StatusOK, st)
}

func (h *AnalysisHandler) list(c *gin.Context) {
	h.mu.RLock()
	out := models.AnalysisList{Analyses: make([]models.AnalysisStatus, 0, len(h.runs))}
	for _, r := range h.runs {
		out.Analyses = append(out.Analyses, r.status)
	}
	h.mu.RUnlock()
	slices.SortFunc(out.Analyses, func(a, b models.AnalysisStatus) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if h.opts.Store != nil {
		ids, err := h.opts.Store.List(c.Request.Context())
		if err != nil {
			writeError(c, http.StatusInternalServerError, err)
			return
		}
		h.mu.RLock()
		for _, id := range ids {
			if _, ok := h.runs[id]; !ok {
				out.Stored = append(out.Stored, id)
			}
		}
		h.mu.RUnlock()
	}
	c.JSON(http.StatusOK, out)
}

func (h *AnalysisHandler) delete(c *gin.Context) {
	id := c.Param("id")

	h.mu.Lock()
	r, inMemory := h.runs[id]
	if inMemory && r.status.Status == models.StatusRunning {
		h.mu.Unlock()
		writeError(c, http.StatusConflict, errors.New("analysis is still running"))
		return
	}
	delete(h.runs, id)
	h.mu.Unlock()

	stored := false
	if h.opts.Store != nil {
		err := h.opts.Store.Delete(c.Request.Context(), id)
		switch {
		case err == nil:
			stored = true
		case !errors.Is(err, store.ErrNotFound):
			writeError(c, http.StatusInternalServerError, err)
			return
		}
	}
	if !inMemory && !stored {
		writeError(c, http.StatusNotFound, store.ErrNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}
