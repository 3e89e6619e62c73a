package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"

	"github.com/kacperjurak/emfit"
)

// ArrayFlags is a repeatable float flag. Each value may itself be a
// comma-separated list.
type ArrayFlags []float64

func (a *ArrayFlags) String() string {
	parts := make([]string, len(*a))
	for i, v := range *a {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (a *ArrayFlags) Set(value string) error {
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		val, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*a = append(*a, val)
	}
	return nil
}

// Type names the flag value for pflag help output.
func (a *ArrayFlags) Type() string { return "floats" }

// overrideFlags replaces the default values on the first Set and appends
// on later ones.
type overrideFlags struct {
	dst     *ArrayFlags
	changed bool
}

func (o *overrideFlags) String() string { return o.dst.String() }
func (o *overrideFlags) Type() string   { return o.dst.Type() }

func (o *overrideFlags) Set(value string) error {
	if !o.changed {
		*o.dst = nil
		o.changed = true
	}
	return o.dst.Set(value)
}

// Config holds all settings of an analysis run.
type Config struct {
	DatabaseRoot      string        `yaml:"database_root"`
	AbundanceSet      string        `yaml:"abundance_set"`
	MinAbundance      float64       `yaml:"min_abundance"`
	Ions              []string      `yaml:"ions"`
	Tolerance         float64       `yaml:"tolerance"`
	WeightFactor      float64       `yaml:"weight_factor"`
	IncludeUnobserved bool          `yaml:"include_unobserved"`
	Temperature       ArrayFlags    `yaml:"temperature"`
	Density           ArrayFlags    `yaml:"density"`
	InitialLogEM      ArrayFlags    `yaml:"initial_log_em"`
	MaxOrder          int           `yaml:"max_order"`
	Method            string        `yaml:"method"`
	ConfidenceLevel   float64       `yaml:"confidence_level"`
	Parallel          bool          `yaml:"parallel"`
	Workers           int           `yaml:"workers"`
	AggregateTimeout  time.Duration `yaml:"aggregate_timeout"`
	StorePath         string        `yaml:"store_path"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	Quiet             bool          `yaml:"quiet"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// WorkerCount bounds the analyses running at once.
	WorkerCount     int           `yaml:"worker_count"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	WebhookURL      string        `yaml:"webhook_url"`
	EnableMetrics   bool          `yaml:"enable_metrics"`
	EnableProfiling bool          `yaml:"enable_profiling"`
	ProfilingPort   string        `yaml:"profiling_port"`
	InMemoryStore   bool          `yaml:"in_memory_store"`
}

// File is the on-disk layout: analysis settings at the top level and an
// optional server section.
type File struct {
	Config `yaml:",inline"`
	Server *ServerConfig `yaml:"server"`
}

// DefaultTemperatures is a log-spaced grid from 10^5 to 10^7 K in 0.1 dex steps.
func DefaultTemperatures() []float64 {
	return floats.LogSpan(make([]float64, 21), 1e5, 1e7)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		AbundanceSet:    "sun_coronal",
		Tolerance:       0.05,
		Temperature:     DefaultTemperatures(),
		Density:         ArrayFlags{1e9},
		InitialLogEM:    ArrayFlags{27},
		MaxOrder:        2,
		Method:          emfit.MethodLM,
		ConfidenceLevel: 0.9,
		Workers:         runtime.NumCPU(),
		StorePath:       "emfit-data",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// DefaultServerConfig returns server configuration with sensible defaults
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:           "8080",
		WorkerCount:    2,
		RequestTimeout: 10 * time.Minute,
		EnableMetrics:  true,
		ProfilingPort:  "6060",
	}
}

// Load reads a YAML (or JSON) file over the defaults.
func Load(path string) (*Config, *ServerConfig, error) {
	f := File{Config: *DefaultConfig(), Server: DefaultServerConfig()}
	if path == "" {
		return &f.Config, f.Server, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if f.Server == nil {
		f.Server = DefaultServerConfig()
	}
	return &f.Config, f.Server, nil
}

// ApplyEnv overrides settings from EMFIT_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("EMFIT_DATABASE_ROOT", &c.DatabaseRoot)
	str("EMFIT_ABUNDANCE_SET", &c.AbundanceSet)
	str("EMFIT_METHOD", &c.Method)
	str("EMFIT_STORE_PATH", &c.StorePath)
	str("EMFIT_LOG_LEVEL", &c.LogLevel)
	str("EMFIT_LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup("EMFIT_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMFIT_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v, ok := lookup("EMFIT_PARALLEL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EMFIT_PARALLEL: %w", err)
		}
		c.Parallel = b
	}
	if v, ok := lookup("EMFIT_AGGREGATE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EMFIT_AGGREGATE_TIMEOUT: %w", err)
		}
		c.AggregateTimeout = d
	}
	if v, ok := lookup("EMFIT_TEMPERATURE"); ok {
		c.Temperature = nil
		if err := c.Temperature.Set(v); err != nil {
			return fmt.Errorf("EMFIT_TEMPERATURE: %w", err)
		}
	}
	return nil
}

// ApplyEnv overrides server settings from EMFIT_PORT and EMFIT_WEBHOOK_URL.
func (s *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("EMFIT_PORT"); ok {
		s.Port = v
	}
	if v, ok := lookup("EMFIT_WEBHOOK_URL"); ok {
		s.WebhookURL = v
	}
}

// BindFlags registers the command-line overrides on fs.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DatabaseRoot, "db", c.DatabaseRoot, "atomic database root directory")
	fs.StringVar(&c.AbundanceSet, "abundance", c.AbundanceSet, "abundance set name")
	fs.Float64Var(&c.MinAbundance, "min-abundance", c.MinAbundance, "skip elements not above this abundance")
	fs.StringSliceVar(&c.Ions, "ions", c.Ions, "restrict matching to these ions")
	fs.Float64Var(&c.Tolerance, "tolerance", c.Tolerance, "wavelength tolerance in Angstrom")
	fs.Float64Var(&c.WeightFactor, "weight-factor", c.WeightFactor, "added to every std/intensity weight")
	fs.BoolVar(&c.IncludeUnobserved, "include-unobserved", c.IncludeUnobserved, "match theoretical lines too")
	fs.Var(&overrideFlags{dst: &c.Temperature}, "temperature", "grid temperatures in K (repeatable, comma-separated)")
	fs.Var(&overrideFlags{dst: &c.Density}, "density", "grid densities in cm^-3 (repeatable, comma-separated)")
	fs.Var(&overrideFlags{dst: &c.InitialLogEM}, "initial", "initial log10 EM, one value or one per node")
	fs.IntVarP(&c.MaxOrder, "order", "k", c.MaxOrder, "largest number of EM nodes to search")
	fs.StringVar(&c.Method, "method", c.Method, "minimizer: lm or nelder-mead")
	fs.Float64Var(&c.ConfidenceLevel, "confidence", c.ConfidenceLevel, "confidence level of the reported region")
	fs.BoolVar(&c.Parallel, "parallel", c.Parallel, "compute ion intensities in parallel")
	fs.IntVar(&c.Workers, "workers", c.Workers, "parallel workers")
	fs.DurationVar(&c.AggregateTimeout, "aggregate-timeout", c.AggregateTimeout, "deadline for parallel ion workers (0 = none)")
	fs.StringVar(&c.StorePath, "store", c.StorePath, "analysis store directory")
	fs.BoolVarP(&c.Quiet, "quiet", "q", c.Quiet, "suppress verbose output")
}

// Validate checks the settings an analysis depends on.
func (c *Config) Validate() error {
	if c.DatabaseRoot == "" {
		return fmt.Errorf("database root is not set: %w", emfit.ErrInvalidInput)
	}
	if c.MaxOrder < 1 || c.MaxOrder > emfit.MaxOrder {
		return fmt.Errorf("max order %d outside [1,%d]: %w", c.MaxOrder, emfit.MaxOrder, emfit.ErrInvalidInput)
	}
	if len(c.InitialLogEM) == 0 {
		return fmt.Errorf("no initial log EM: %w", emfit.ErrInvalidInput)
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("tolerance %g must be positive: %w", c.Tolerance, emfit.ErrInvalidInput)
	}
	if !(c.ConfidenceLevel > 0 && c.ConfidenceLevel < 1) {
		return fmt.Errorf("confidence level %g outside (0,1): %w", c.ConfidenceLevel, emfit.ErrInvalidInput)
	}
	if _, err := emfit.NewMinimizer(c.Method); err != nil {
		return err
	}
	if _, err := emfit.NewGrid(c.Temperature, c.Density); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Options converts the settings into session options.
func (c *Config) Options(logger *slog.Logger) emfit.Options {
	return emfit.Options{
		Ions:              c.Ions,
		AbundanceSet:      c.AbundanceSet,
		MinAbundance:      c.MinAbundance,
		IncludeUnobserved: c.IncludeUnobserved,
		ExtraWeight:       c.WeightFactor,
		Parallel:          c.Parallel,
		Workers:           c.Workers,
		AggregateTimeout:  c.AggregateTimeout,
		Method:            c.Method,
		Logger:            logger,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, emfit.ErrInvalidInput)
	}
	return l, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if c.Quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.LogFormat {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: %w", c.LogFormat, emfit.ErrInvalidInput)
	}
}
