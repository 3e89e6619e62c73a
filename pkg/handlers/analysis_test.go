package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacperjurak/emfit"
	"github.com/kacperjurak/emfit/internal/processing"
	"github.com/kacperjurak/emfit/pkg/config"
	"github.com/kacperjurak/emfit/pkg/models"
	"github.com/kacperjurak/emfit/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRunner struct {
	mu      sync.Mutex
	configs []*config.Config
	err     error
	block   chan struct{}
}

func (f *fakeRunner) Process(ctx context.Context, id string, s *emfit.Spectrum, cfg *config.Config) (*processing.Result, error) {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil && !errors.Is(f.err, emfit.ErrNoValidFit) {
		return nil, f.err
	}
	a := &emfit.Analysis{ID: id, Spectrum: s}
	if f.err != nil {
		return &processing.Result{Analysis: a}, f.err
	}
	return &processing.Result{
		Analysis:  a,
		BestOrder: 1,
		Best: &emfit.SearchSummary{
			Indices:           []int{10},
			Temperatures:      []float64{1e6},
			Densities:         []float64{1e9},
			LogEM:             []float64{27},
			ReducedChiSquared: 0.5,
		},
		Diagnostics: &emfit.Diagnostics{Lines: []emfit.LineDiagnostic{{Poor: true}}},
	}, nil
}

type fakeStore struct {
	data map[string][]byte
}

func (f *fakeStore) Get(_ context.Context, id string) ([]byte, error) {
	d, ok := f.data[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) List(context.Context) ([]string, error) {
	var ids []string
	for id := range f.data {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	if _, ok := f.data[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.data, id)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.WebhookPayload
}

func (f *fakeNotifier) Send(_ context.Context, p models.WebhookPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

const validBody = `{
  "spectrum": {"observations": [
    {"wavelength": 195.12, "intensity": 100, "intensity_std": 10, "ion": "fe_12"},
    {"wavelength": 202.04, "intensity": 50, "intensity_std": 5, "ion": "fe_13"},
    {"wavelength": 629.73, "intensity": 80, "intensity_std": 8, "ion": "o_5"}
  ]},
  "max_order": 1,
  "temperature": [1e6, 2e6],
  "weight_factor": 0.1
}`

func baseConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DatabaseRoot = "/db"
	return cfg
}

func setupRouter(h *AnalysisHandler) *gin.Engine {
	router := gin.New()
	h.Register(router)
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGet(t *testing.T) {
	runner := &fakeRunner{}
	notifier := &fakeNotifier{}
	h := NewAnalysisHandler(Options{Config: baseConfig(), Runner: runner, Notifier: notifier, Logger: quietLog})
	router := setupRouter(h)

	w := do(router, http.MethodPost, "/analyses", validBody)
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted models.AcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, models.StatusRunning, accepted.Status)
	require.NotEmpty(t, accepted.ID)

	h.Wait()
	assert.Zero(t, h.Running())

	require.Len(t, runner.configs, 1)
	cfg := runner.configs[0]
	assert.Equal(t, 1, cfg.MaxOrder)
	assert.Equal(t, config.ArrayFlags{1e6, 2e6}, cfg.Temperature)
	assert.Equal(t, 0.1, cfg.WeightFactor)
	// Overrides never leak into the base config.
	assert.Equal(t, 2, h.opts.Config.MaxOrder)
	assert.Len(t, h.opts.Config.Temperature, 21)

	w = do(router, http.MethodGet, "/analyses/"+accepted.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var st models.AnalysisStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, models.StatusCompleted, st.Status)
	require.NotNil(t, st.Summary)
	assert.Equal(t, []int{10}, st.Summary.Indices)
	assert.Equal(t, 1, st.Summary.PoorLines)
	assert.Nil(t, st.Result)

	w = do(router, http.MethodGet, "/analyses/"+accepted.ID+"?full=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"best_order":1`)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, accepted.ID, notifier.sent[0].ID)
	assert.Equal(t, models.StatusCompleted, notifier.sent[0].Status)
}

func TestCreateRejectsBadRequests(t *testing.T) {
	h := NewAnalysisHandler(Options{Config: baseConfig(), Runner: &fakeRunner{}, Logger: quietLog})
	router := setupRouter(h)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"spectrum":`},
		{"no spectrum", `{"max_order": 1}`},
		{"empty spectrum", `{"spectrum": {"observations": []}}`},
		{"bad order", `{"spectrum": {"observations": [{"wavelength": 1, "intensity": 1, "intensity_std": 1}]}, "max_order": 9}`},
		{"bad method", `{"spectrum": {"observations": [{"wavelength": 1, "intensity": 1, "intensity_std": 1}]}, "method": "bfgs"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/analyses", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp models.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
	h.Wait()
	assert.Empty(t, h.runs)
}

func TestFailedAndNoFitRuns(t *testing.T) {
	for _, tt := range []struct {
		err    error
		status string
	}{
		{errors.New("database exploded"), models.StatusFailed},
		{emfit.ErrNoValidFit, models.StatusNoFit},
	} {
		t.Run(tt.status, func(t *testing.T) {
			h := NewAnalysisHandler(Options{Config: baseConfig(), Runner: &fakeRunner{err: tt.err}, Logger: quietLog})
			router := setupRouter(h)
			w := do(router, http.MethodPost, "/analyses", validBody)
			require.Equal(t, http.StatusAccepted, w.Code)
			h.Wait()

			w = do(router, http.MethodGet, "/analyses", "")
			require.Equal(t, http.StatusOK, w.Code)
			var list models.AnalysisList
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
			require.Len(t, list.Analyses, 1)
			assert.Equal(t, tt.status, list.Analyses[0].Status)
			assert.Equal(t, tt.err.Error(), list.Analyses[0].Error)
			assert.Nil(t, list.Analyses[0].Summary)
		})
	}
}

func TestDeleteRunningConflicts(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	h := NewAnalysisHandler(Options{Config: baseConfig(), Runner: runner, Logger: quietLog})
	router := setupRouter(h)

	w := do(router, http.MethodPost, "/analyses", validBody)
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted models.AcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, 1, h.Running())

	w = do(router, http.MethodDelete, "/analyses/"+accepted.ID, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	close(runner.block)
	h.Wait()

	w = do(router, http.MethodDelete, "/analyses/"+accepted.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(router, http.MethodGet, "/analyses/"+accepted.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCloseCancelsRuns(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	h := NewAnalysisHandler(Options{Config: baseConfig(), Runner: runner, Logger: quietLog})
	router := setupRouter(h)

	w := do(router, http.MethodPost, "/analyses", validBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))

	w = do(router, http.MethodGet, "/analyses", "")
	var list models.AnalysisList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Analyses, 1)
	assert.Equal(t, models.StatusFailed, list.Analyses[0].Status)
	assert.Contains(t, list.Analyses[0].Error, "context canceled")
}

func TestStoredAnalyses(t *testing.T) {
	st := &fakeStore{data: map[string][]byte{"old-run": []byte(`{"id":"old-run","state":"searched"}`)}}
	h := NewAnalysisHandler(Options{Config: baseConfig(), Runner: &fakeRunner{}, Store: st, Logger: quietLog})
	router := setupRouter(h)

	w := do(router, http.MethodGet, "/analyses", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list models.AnalysisList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Analyses)
	assert.Equal(t, []string{"old-run"}, list.Stored)

	w = do(router, http.MethodGet, "/analyses/old-run?full=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		ID     string          `json:"id"`
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"id":"old-run","state":"searched"}`, string(got.Result))

	w = do(router, http.MethodGet, "/analyses/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodDelete, "/analyses/old-run", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, st.data)
	w = do(router, http.MethodDelete, "/analyses/old-run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
