package emfit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for inputs that make the computation meaningless:
	// non-positive temperatures or densities, mismatched grid lengths, bad observations.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSizeMismatch is returned when the number of EM values differs from the number of nodes.
	ErrSizeMismatch = fmt.Errorf("size mismatch: %w", ErrInvalidInput)

	// ErrInsufficientData means there are not more observations than free parameters.
	ErrInsufficientData = errors.New("insufficient observations for search order")

	// ErrMissingPhysicsData is returned by an IntensityCalculator when an ion has no
	// ionization equilibrium. Aggregation skips the ion and carries on.
	ErrMissingPhysicsData = errors.New("missing ionization equilibrium data")

	// ErrDegenerateFit marks a node combination the minimizer could not fit.
	ErrDegenerateFit = errors.New("degenerate fit")

	// ErrNoValidFit means every evaluated combination was masked.
	ErrNoValidFit = errors.New("no valid fit found")

	// ErrNoGrid is returned by operations that need the temperature/density grid
	// before it has been computed.
	ErrNoGrid = errors.New("grid has not been computed")
)
