// Package atomdb is a file-backed atomic database. Line lists and tabulated
// line emissivities are read from YAML files under a root directory:
//
//	<root>/masterlist.yaml          ions: [fe_12, fe_13, ...]
//	<root>/abundance/<set>.yaml     abundances: {h: 12.0, fe: 7.56, ...}
//	<root>/ions/<ion>.yaml          lines, ionization equilibrium, emissivity
//
// Abundances are logarithmic with hydrogen at 12.
package atomdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kacperjurak/emfit"
)

// ErrNotFound is returned for ions or abundance sets missing from the root.
var ErrNotFound = errors.New("not found in atomic database")

type masterFile struct {
	Ions []string `yaml:"ions"`
}

type abundanceFile struct {
	Reference  string             `yaml:"reference"`
	Abundances map[string]float64 `yaml:"abundances"`
}

// Emissivity is the tabulated emissivity of one line, indexed
// [density][temperature] on the ion's tables.
type Emissivity struct {
	Line   int         `yaml:"line"`
	Values [][]float64 `yaml:"values"`
}

// IonFile is the on-disk description of one ion.
type IonFile struct {
	Lines       []emfit.Line `yaml:"lines"`
	Temperature []float64    `yaml:"temperature"`
	// Ioneq is the ion fraction at each temperature. Empty means the ion has
	// no ionization equilibrium and cannot be computed.
	Ioneq      []float64    `yaml:"ioneq"`
	Density    []float64    `yaml:"density"`
	Emissivity []Emissivity `yaml:"emissivity"`
}

func (f *IonFile) validate(name string) error {
	if len(f.Ioneq) == 0 {
		return nil
	}
	if len(f.Temperature) < 2 || len(f.Ioneq) != len(f.Temperature) {
		return fmt.Errorf("%s: %d ioneq values on %d temperatures", name, len(f.Ioneq), len(f.Temperature))
	}
	if len(f.Density) == 0 {
		return fmt.Errorf("%s: no density table", name)
	}
	for i := 1; i < len(f.Temperature); i++ {
		if !(f.Temperature[i] > f.Temperature[i-1]) {
			return fmt.Errorf("%s: temperatures must increase", name)
		}
	}
	for i := 1; i < len(f.Density); i++ {
		if !(f.Density[i] > f.Density[i-1]) {
			return fmt.Errorf("%s: densities must increase", name)
		}
	}
	for _, e := range f.Emissivity {
		if e.Line < 0 || e.Line >= len(f.Lines) {
			return fmt.Errorf("%s: emissivity for line %d of %d", name, e.Line, len(f.Lines))
		}
		if len(e.Values) != len(f.Density) {
			return fmt.Errorf("%s: line %d has %d density rows, want %d", name, e.Line, len(e.Values), len(f.Density))
		}
		for _, row := range e.Values {
			if len(row) != len(f.Temperature) {
				return fmt.Errorf("%s: line %d row has %d values, want %d", name, e.Line, len(row), len(f.Temperature))
			}
		}
	}
	return nil
}

// DB reads and caches database files. It is safe for concurrent use.
type DB struct {
	root string
	log  *slog.Logger

	mu     sync.Mutex
	ions   map[string]*ionTable
	master []emfit.IonInfo
}

// Open returns a database rooted at dir.
func Open(dir string, logger *slog.Logger) (*DB, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open atomic database: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("atomic database root %s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{root: dir, log: logger, ions: make(map[string]*ionTable)}, nil
}

// Root is the database directory.
func (d *DB) Root() string { return d.root }

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ion loads and caches one ion table.
func (d *DB) ion(name string) (*ionTable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.ions[name]; ok {
		return t, nil
	}
	var f IonFile
	if err := readYAML(filepath.Join(d.root, "ions", name+".yaml"), &f); err != nil {
		return nil, err
	}
	t, err := newIonTable(name, &f)
	if err != nil {
		return nil, err
	}
	d.ions[name] = t
	return t, nil
}

// Ions returns the master list with the atomic number and wavelength span of
// every ion.
func (d *DB) Ions(ctx context.Context) ([]emfit.IonInfo, error) {
	d.mu.Lock()
	cached := d.master
	d.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var m masterFile
	if err := readYAML(filepath.Join(d.root, "masterlist.yaml"), &m); err != nil {
		return nil, err
	}
	out := make([]emfit.IonInfo, 0, len(m.Ions))
	for _, name := range m.Ions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		z, _, err := ParseIon(name)
		if err != nil {
			return nil, err
		}
		t, err := d.ion(name)
		if err != nil {
			return nil, err
		}
		info := emfit.IonInfo{Name: name, Z: z, WavelengthMin: math.Inf(1), WavelengthMax: math.Inf(-1)}
		for _, l := range t.file.Lines {
			w := math.Abs(l.Wavelength)
			if w == 0 {
				continue
			}
			info.WavelengthMin = math.Min(info.WavelengthMin, w)
			info.WavelengthMax = math.Max(info.WavelengthMax, w)
		}
		if len(t.file.Lines) == 0 || math.IsInf(info.WavelengthMin, 1) {
			d.log.Warn("ion has no lines", "ion", name)
			info.WavelengthMin, info.WavelengthMax = 0, 0
		}
		out = append(out, info)
	}

	d.mu.Lock()
	d.master = out
	d.mu.Unlock()
	return out, nil
}

// Abundances returns linear abundances relative to hydrogen, indexed by Z-1.
func (d *DB) Abundances(_ context.Context, set string) ([]float64, error) {
	var f abundanceFile
	if err := readYAML(filepath.Join(d.root, "abundance", set+".yaml"), &f); err != nil {
		return nil, fmt.Errorf("abundance set %q: %w", set, err)
	}
	out := make([]float64, NumElements)
	for sym, logAb := range f.Abundances {
		z, err := AtomicNumber(sym)
		if err != nil {
			return nil, fmt.Errorf("abundance set %q: %w", set, err)
		}
		out[z-1] = math.Pow(10, logAb-12)
	}
	return out, nil
}

// Lines returns the full line list of an ion.
func (d *DB) Lines(_ context.Context, ion string) ([]emfit.Line, error) {
	t, err := d.ion(ion)
	if err != nil {
		return nil, err
	}
	return t.file.Lines, nil
}
