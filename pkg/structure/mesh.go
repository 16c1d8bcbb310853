package structure

import (
	"fmt"
	"math"
)

// Mesh is a Monkhorst-Pack style grid with an optional fractional offset.
type Mesh struct {
	Dims   [3]int     `json:"mesh" yaml:"mesh"`
	Offset [3]float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// Validate checks that every dimension is at least one.
func (m Mesh) Validate() error {
	for i, n := range m.Dims {
		if n < 1 {
			return fmt.Errorf("%w: dimension %d is %d", ErrInvalidMesh, i+1, n)
		}
	}
	return nil
}

// Max returns the largest dimension.
func (m Mesh) Max() int {
	return max(m.Dims[0], m.Dims[1], m.Dims[2])
}

// Points returns the number of grid points.
func (m Mesh) Points() int {
	return m.Dims[0] * m.Dims[1] * m.Dims[2]
}

// Scale returns the mesh with every dimension multiplied by n.
func (m Mesh) Scale(n int) Mesh {
	return Mesh{Dims: [3]int{m.Dims[0] * n, m.Dims[1] * n, m.Dims[2] * n}, Offset: m.Offset}
}

// HasOffset reports whether any offset component is non-zero.
func (m Mesh) HasOffset() bool {
	return m.Offset != [3]float64{}
}

// MeshFromDistance returns the smallest mesh whose spacing along every
// reciprocal lattice vector is at most distance (1/Å). Non-periodic
// directions get a single point, and so does the third direction of a 2D
// system.
func MeshFromDistance(s *Structure, distance float64, system2D bool) (Mesh, error) {
	if distance <= 0 || math.IsNaN(distance) {
		return Mesh{}, ErrInvalidDistance
	}
	rec, err := ReciprocalCell(s.Cell)
	if err != nil {
		return Mesh{}, err
	}

	var m Mesh
	for i, v := range rec {
		if !s.Periodic(i) {
			m.Dims[i] = 1
			continue
		}
		// rounding keeps exact multiples from tipping over to the next integer
		n := int(math.Ceil(round(norm(v)/distance, 5)))
		m.Dims[i] = max(n, 1)
	}
	if system2D {
		m.Dims[2] = 1
	}
	return m, nil
}

func round(f float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(f*p) / p
}
