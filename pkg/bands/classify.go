// Package bands classifies a band structure relative to the Fermi energy and
// selects the band window used by the transport calculations.
package bands

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the energy distance (eV) used when callers do not set one.
const DefaultThreshold = 0.3

// Kind is the electronic character of a material.
type Kind string

const (
	Metal         Kind = "metal"
	Semiconductor Kind = "semiconductor"
)

// Classification errors.
var (
	ErrInvalidBands     = errors.New("invalid band array")
	ErrNoBandsInRange   = errors.New("no bands within threshold of the fermi energy")
	ErrNoElectronBands  = errors.New("cannot get electron bands from bands data")
	ErrNoHoleBands      = errors.New("cannot get hole bands from bands data")
	ErrInvalidThreshold = errors.New("threshold must be positive")
)

// Window is the transport window of one carrier type. Band indices are
// 1-based and inclusive.
type Window struct {
	MinBand int     `json:"min_band" yaml:"min_band"`
	MaxBand int     `json:"max_band" yaml:"max_band"`
	EMin    float64 `json:"e_min" yaml:"e_min"`
	EMax    float64 `json:"e_max" yaml:"e_max"`
}

// Classification is the result of Classify.
//
// Hole is nil for metals and always set for semiconductors.
type Classification struct {
	Kind        Kind    `json:"kind" yaml:"kind"`
	FermiEnergy float64 `json:"fermi_energy" yaml:"fermi_energy"`
	Electron    Window  `json:"electron" yaml:"electron"`
	Hole        *Window `json:"hole,omitempty" yaml:"hole,omitempty"`
}

// HasHoles reports whether a hole pass is required.
func (c Classification) HasHoles() bool {
	return c.Kind == Semiconductor && c.Hole != nil
}

// Classify classifies bands (k-point index × band index) around fermiEnergy.
//
// The number of energies below the Fermi level divided by the number of
// k-points gives the count of fully occupied bands. A fractional count means
// the Fermi level crosses a band and the material is a metal: every band that
// comes within threshold of the Fermi level is selected and the energy window
// is fermiEnergy ± threshold.
//
// Otherwise the count is the valence/conduction boundary. Conduction bands
// within threshold of the conduction-band minimum form the electron window,
// valence bands within threshold of the valence-band maximum the hole window.
func Classify(bands [][]float64, fermiEnergy, threshold float64) (Classification, error) {
	if threshold <= 0 || math.IsNaN(threshold) {
		return Classification{}, ErrInvalidThreshold
	}
	nk, nb, err := shape(bands)
	if err != nil {
		return Classification{}, err
	}

	below := 0
	for _, row := range bands {
		for _, e := range row {
			if e < fermiEnergy {
				below++
			}
		}
	}

	if below%nk != 0 {
		return classifyMetal(bands, nb, fermiEnergy, threshold)
	}
	return classifySemiconductor(bands, nb, below/nk, fermiEnergy, threshold)
}

func classifyMetal(bands [][]float64, nb int, fermiEnergy, threshold float64) (Classification, error) {
	lo, hi, ok := selectBands(bands, 0, nb, fermiEnergy, threshold)
	if !ok {
		return Classification{}, fmt.Errorf("%w: %g +- %g", ErrNoBandsInRange, fermiEnergy, threshold)
	}
	return Classification{
		Kind:        Metal,
		FermiEnergy: fermiEnergy,
		Electron: Window{
			MinBand: lo + 1,
			MaxBand: hi + 1,
			EMin:    fermiEnergy - threshold,
			EMax:    fermiEnergy + threshold,
		},
	}, nil
}

func classifySemiconductor(bands [][]float64, nb, boundary int, fermiEnergy, threshold float64) (Classification, error) {
	if boundary >= nb {
		return Classification{}, fmt.Errorf("%w: no band above the fermi energy", ErrNoElectronBands)
	}
	if boundary == 0 {
		return Classification{}, fmt.Errorf("%w: no band below the fermi energy", ErrNoHoleBands)
	}

	cbm := columnMin(bands, boundary, nb)
	vbm := columnMax(bands, 0, boundary)

	elLo, elHi, ok := selectBands(bands, boundary, nb, cbm, threshold)
	if !ok {
		return Classification{}, ErrNoElectronBands
	}
	hLo, hHi, ok := selectBands(bands, 0, boundary, vbm, threshold)
	if !ok {
		return Classification{}, ErrNoHoleBands
	}

	return Classification{
		Kind:        Semiconductor,
		FermiEnergy: fermiEnergy,
		Electron: Window{
			MinBand: elLo + 1,
			MaxBand: elHi + 1,
			EMin:    cbm,
			EMax:    columnMax(bands, elHi, elHi+1),
		},
		Hole: &Window{
			MinBand: hLo + 1,
			MaxBand: hHi + 1,
			EMin:    columnMin(bands, hLo, hLo+1),
			EMax:    vbm,
		},
	}, nil
}

// selectBands scans columns [from, to) in order and returns the lowest and
// highest column whose closest approach to ref is below threshold.
func selectBands(bands [][]float64, from, to int, ref, threshold float64) (lo, hi int, ok bool) {
	lo, hi = -1, -1
	for j := from; j < to; j++ {
		closest := math.Inf(1)
		for _, row := range bands {
			if d := math.Abs(row[j] - ref); d < closest {
				closest = d
			}
		}
		if closest < threshold {
			if lo < 0 {
				lo = j
			}
			hi = j
		}
	}
	return lo, hi, lo >= 0
}

func columnMin(bands [][]float64, from, to int) float64 {
	m := math.Inf(1)
	for _, row := range bands {
		for _, e := range row[from:to] {
			m = math.Min(m, e)
		}
	}
	return m
}

func columnMax(bands [][]float64, from, to int) float64 {
	m := math.Inf(-1)
	for _, row := range bands {
		for _, e := range row[from:to] {
			m = math.Max(m, e)
		}
	}
	return m
}

func shape(bands [][]float64) (nk, nb int, err error) {
	nk = len(bands)
	if nk == 0 {
		return 0, 0, fmt.Errorf("%w: no k-points", ErrInvalidBands)
	}
	nb = len(bands[0])
	if nb == 0 {
		return 0, 0, fmt.Errorf("%w: no bands", ErrInvalidBands)
	}
	for i, row := range bands {
		if len(row) != nb {
			return 0, 0, fmt.Errorf("%w: row %d has %d bands, expected %d", ErrInvalidBands, i, len(row), nb)
		}
		for _, e := range row {
			if math.IsNaN(e) || math.IsInf(e, 0) {
				return 0, 0, fmt.Errorf("%w: row %d contains a non-finite energy", ErrInvalidBands, i)
			}
		}
	}
	return nk, nb, nil
}
