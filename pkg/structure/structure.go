// Package structure holds crystal structures and the k/q-point meshes derived
// from them.
package structure

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidCell     = errors.New("invalid cell")
	ErrInvalidDistance = errors.New("mesh distance must be positive")
	ErrInvalidMesh     = errors.New("invalid mesh")
)

// Site is one atom in the cell. Position is cartesian, in Å.
type Site struct {
	Symbol   string     `json:"symbol" yaml:"symbol"`
	Position [3]float64 `json:"position" yaml:"position"`
}

// Structure is a periodic crystal structure. Cell rows are the lattice
// vectors in Å.
type Structure struct {
	Cell  [3][3]float64 `json:"cell" yaml:"cell"`
	Sites []Site        `json:"sites" yaml:"sites"`
	PBC   *[3]bool      `json:"pbc,omitempty" yaml:"pbc,omitempty"`
}

// Periodic reports periodicity along lattice vector i. Structures without an
// explicit pbc are periodic in all directions.
func (s *Structure) Periodic(i int) bool {
	if s.PBC == nil {
		return true
	}
	return s.PBC[i]
}

// Formula returns the chemical formula with symbols sorted alphabetically,
// e.g. "GaAs" or "O2Si".
func (s *Structure) Formula() string {
	counts := make(map[string]int)
	for _, site := range s.Sites {
		counts[site.Symbol]++
	}
	symbols := make([]string, 0, len(counts))
	for sym := range counts {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var b strings.Builder
	for _, sym := range symbols {
		b.WriteString(sym)
		if n := counts[sym]; n > 1 {
			b.WriteString(strconv.Itoa(n))
		}
	}
	return b.String()
}

// Validate checks that the cell is non-degenerate and that every site has a
// symbol.
func (s *Structure) Validate() error {
	if math.Abs(det(s.Cell)) < 1e-8 {
		return fmt.Errorf("%w: cell volume is zero", ErrInvalidCell)
	}
	if len(s.Sites) == 0 {
		return fmt.Errorf("%w: no sites", ErrInvalidCell)
	}
	for i, site := range s.Sites {
		if site.Symbol == "" {
			return fmt.Errorf("%w: site %d has no symbol", ErrInvalidCell, i)
		}
	}
	return nil
}

// ReciprocalCell returns the reciprocal lattice vectors (rows) including the
// 2π factor, in 1/Å.
func ReciprocalCell(cell [3][3]float64) ([3][3]float64, error) {
	d := det(cell)
	if math.Abs(d) < 1e-8 {
		return [3][3]float64{}, fmt.Errorf("%w: cell volume is zero", ErrInvalidCell)
	}
	a, b, c := cell[0], cell[1], cell[2]
	scale := 2 * math.Pi / d
	return [3][3]float64{
		mul(cross(b, c), scale),
		mul(cross(c, a), scale),
		mul(cross(a, b), scale),
	}, nil
}

func det(m [3][3]float64) float64 {
	return dot(m[0], cross(m[1], m[2]))
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func mul(a [3]float64, s float64) [3]float64 {
	return [3]float64{a[0] * s, a[1] * s, a[2] * s}
}

func norm(a [3]float64) float64 {
	return math.Sqrt(dot(a, a))
}
