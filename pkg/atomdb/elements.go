package atomdb

import (
	"fmt"
	"strconv"
	"strings"
)

// symbols lists element symbols in order of atomic number.
var symbols = [...]string{
	"h", "he", "li", "be", "b", "c", "n", "o", "f", "ne",
	"na", "mg", "al", "si", "p", "s", "cl", "ar", "k", "ca",
	"sc", "ti", "v", "cr", "mn", "fe", "co", "ni", "cu", "zn",
}

// NumElements is the number of elements the database covers.
const NumElements = len(symbols)

// AtomicNumber returns Z for an element symbol such as "fe".
func AtomicNumber(symbol string) (int, error) {
	s := strings.ToLower(symbol)
	for i, sym := range symbols {
		if sym == s {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("unknown element %q", symbol)
}

// ParseIon splits an ion name like "fe_12" (or "fe_12d" for dielectronic
// levels) into its atomic number and spectroscopic charge.
func ParseIon(name string) (z, stage int, err error) {
	sym, rest, ok := strings.Cut(strings.ToLower(name), "_")
	if !ok {
		return 0, 0, fmt.Errorf("ion name %q: want element_stage", name)
	}
	if z, err = AtomicNumber(sym); err != nil {
		return 0, 0, err
	}
	rest = strings.TrimSuffix(rest, "d")
	if stage, err = strconv.Atoi(rest); err != nil || stage < 1 || stage > z+1 {
		return 0, 0, fmt.Errorf("ion name %q: bad stage", name)
	}
	return z, stage, nil
}
