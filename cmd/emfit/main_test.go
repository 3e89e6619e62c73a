package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacperjurak/emfit/internal/processing"
	"github.com/kacperjurak/emfit/pkg/config"
)

var (
	testDB       = filepath.Join("..", "..", "pkg", "atomdb", "testdata", "db")
	testSpectrum = filepath.Join("..", "..", "internal", "processing", "testdata", "spectrum.yaml")
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOverlayFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.DefaultConfig().BindFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--order", "3",
		"--temperature", "1e6,2e6",
		"--ions", "fe_12,fe_13",
		"--parallel",
		"--aggregate-timeout", "2s",
	}))

	cfg := config.DefaultConfig()
	cfg.DatabaseRoot = "/from/file"
	cfg.MaxOrder = 1
	require.NoError(t, overlayFlags(fs, cfg))

	assert.Equal(t, 3, cfg.MaxOrder)
	assert.Equal(t, config.ArrayFlags{1e6, 2e6}, cfg.Temperature)
	assert.Equal(t, []string{"fe_12", "fe_13"}, cfg.Ions)
	assert.True(t, cfg.Parallel)
	assert.Equal(t, "2s", cfg.AggregateTimeout.String())
	// Untouched flags keep the file value.
	assert.Equal(t, "/from/file", cfg.DatabaseRoot)
}

func TestRunJSON(t *testing.T) {
	out, err := execute(t, "run", testSpectrum,
		"--db", testDB, "--no-store", "--order", "1", "--initial", "26.5",
		"-o", "json", "--log-level", "error")
	require.NoError(t, err)

	var res processing.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.BestOrder)
	require.NotNil(t, res.Best)
	assert.Equal(t, []int{10}, res.Best.Indices)
	assert.InDelta(t, 27, res.Best.LogEM[0], 1e-4)
}

func TestRunThenShow(t *testing.T) {
	storeDir := t.TempDir()
	out, err := execute(t, "run", testSpectrum,
		"--db", testDB, "--store", storeDir, "--order", "1", "--initial", "26.5",
		"--id", "synthetic", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "analysis synthetic: 5 observations, 1 searches")
	assert.Contains(t, out, "best order 1")
	assert.Contains(t, out, "line contributions:")

	out, err = execute(t, "show", "--store", storeDir, "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "synthetic\n", out)

	out, err = execute(t, "show", "synthetic", "--store", storeDir, "--log-level", "error")
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &raw))
	assert.Equal(t, "synthetic", raw["id"])

	out, err = execute(t, "show", "synthetic", "--summary",
		"--store", storeDir, "--db", testDB, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "best order 1")
	assert.Contains(t, out, "OBS")
}

func TestRunErrors(t *testing.T) {
	_, err := execute(t, "run", testSpectrum, "--no-store", "--log-level", "error")
	assert.ErrorContains(t, err, "database root")

	_, err = execute(t, "run", testSpectrum, "--db", testDB, "--no-store", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output")

	_, err = execute(t, "run", "missing.yaml", "--db", testDB, "--no-store", "--log-level", "error")
	assert.Error(t, err)

	_, err = execute(t, "run")
	assert.Error(t, err)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emfit.yaml")
	body := strings.Join([]string{
		"database_root: " + testDB,
		"max_order: 1",
		"initial_log_em: [26.5]",
		"log_level: error",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out, err := execute(t, "--config", path, "run", testSpectrum, "--no-store", "-o", "json")
	require.NoError(t, err)
	var res processing.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.BestOrder)
	assert.Len(t, res.Analysis.Searches, 1)
}
