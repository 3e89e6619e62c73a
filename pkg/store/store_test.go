package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacperjurak/emfit"
	"github.com/kacperjurak/emfit/pkg/atomdb"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a1", []byte(`{"id":"a1"}`)))
	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a1"}`, string(got))

	require.NoError(t, s.Put(ctx, "a1", []byte(`{"id":"a1","state":"matched"}`)))
	got, err = s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Contains(t, string(got), "matched")

	require.NoError(t, s.Delete(ctx, "a1"))
	_, err = s.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "a1"), ErrNotFound)

	assert.ErrorIs(t, s.Put(ctx, "", nil), emfit.ErrInvalidInput)
}

func TestList(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.Put(ctx, id, []byte("{}")))
	}
	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestPersistentReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	ctx := context.Background()

	s, err := Open(Config{Path: dir, SyncWrites: true, Logger: quietLog})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "kept", []byte("{}")))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ids)
}

func TestSaveLoadAnalysis(t *testing.T) {
	ctx := context.Background()
	db, err := atomdb.Open(filepath.Join("..", "atomdb", "testdata", "db"), quietLog)
	require.NoError(t, err)
	calc := atomdb.NewCalculator(db, "sun_coronal")

	spectrum := &emfit.Spectrum{
		Observations: []emfit.Observation{
			{Wavelength: 195.12, Intensity: 7.6e7, IntensityStd: 7.6e6, Ion: "fe_12"},
			{Wavelength: 202.04, Intensity: 3.2e7, IntensityStd: 3.2e6, Ion: "fe_13"},
			{Wavelength: 186.89, Intensity: 4.5e7, IntensityStd: 4.5e6, Ion: "fe_12"},
		},
		Tolerance: 0.05,
	}
	a, err := emfit.NewAnalysis("run-1", db, calc, spectrum, emfit.Options{AbundanceSet: "sun_coronal", Logger: quietLog})
	require.NoError(t, err)
	require.NoError(t, a.Match(ctx))
	_, err = a.ComputeGrid(ctx, []float64{5e5, 1e6, 2e6}, []float64{1e9})
	require.NoError(t, err)

	s := openInMemory(t)
	require.NoError(t, s.SaveAnalysis(ctx, a))

	got, err := s.LoadAnalysis(ctx, "run-1", db, calc, quietLog)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, emfit.StateGridComputed, got.State)
	assert.Equal(t, a.Records, got.Records)
	assert.Equal(t, a.Grid, got.Grid)

	// The restored session can carry on where the saved one stopped.
	res, err := got.Search(ctx, emfit.SearchOptions{Order: 1, Initial: []float64{27}})
	require.NoError(t, err)
	assert.Len(t, res.History, 3)

	_, err = s.LoadAnalysis(ctx, "missing", db, calc, quietLog)
	assert.ErrorIs(t, err, ErrNotFound)
}
