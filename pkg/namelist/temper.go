package namelist

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TemperSeries is the content of a perturbo temperature/doping file.
//
// Exactly one of Concentrations or FermiLevels is used. Concentrations win
// when both are set.
type TemperSeries struct {
	Temperatures   []float64
	Concentrations []float64
	FermiLevels    []float64
}

// Temper file errors.
var (
	ErrNoTemperatures = errors.New("temperatures are required")
	ErrNoOccupation   = errors.New("carrier concentrations or fermi levels are required")
)

// RenderTemper renders the temperature file.
//
// Concentration mode:
//
//	<N>\tT
//	<T>\t0.00\t<concentration>
//
// Fermi-level mode:
//
//	<N>\t F
//	<T>\t<fermi level>\t1.0E10
func RenderTemper(s TemperSeries) (string, error) {
	if len(s.Temperatures) == 0 {
		return "", ErrNoTemperatures
	}

	var b strings.Builder
	n := len(s.Temperatures)

	switch {
	case s.Concentrations != nil:
		if len(s.Concentrations) != n {
			return "", fmt.Errorf("%w: %d concentrations for %d temperatures", ErrInvalidParameters, len(s.Concentrations), n)
		}
		fmt.Fprintf(&b, "%d\tT\n", n)
		for i, t := range s.Temperatures {
			fmt.Fprintf(&b, "%s\t0.00\t%s\n", formatPlain(t), formatReal(s.Concentrations[i]))
		}
	case s.FermiLevels != nil:
		if len(s.FermiLevels) != n {
			return "", fmt.Errorf("%w: %d fermi levels for %d temperatures", ErrInvalidParameters, len(s.FermiLevels), n)
		}
		fmt.Fprintf(&b, "%d\t F\n", n)
		for i, t := range s.Temperatures {
			fmt.Fprintf(&b, "%s\t%s\t1.0E10\n", formatPlain(t), formatReal(s.FermiLevels[i]))
		}
	default:
		return "", ErrNoOccupation
	}

	return b.String(), nil
}

// WriteTemper writes the temperature file to path, replacing any existing file.
func WriteTemper(path string, s TemperSeries) error {
	text, err := RenderTemper(s)
	if err != nil {
		return err
	}
	// #nosec G306 -- read by perturbo.x under the same user
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("write temper file: %w", err)
	}
	return nil
}

// formatPlain prints integral temperatures without a fractional part.
func formatPlain(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
