package phonon

import (
	"context"
	"fmt"
	"math"

	"github.com/3leaps/gomobility/pkg/structure"
)

// Analysis is the primitive structure and the q-point path the band
// structure is interpolated on.
type Analysis struct {
	Primitive *structure.Structure
	// Path holds q-points in crystal coordinates.
	Path   [][3]float64
	Labels []PathLabel
}

// PathLabel names the q-point at Index of Analysis.Path.
type PathLabel struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// StructureAnalyzer turns a structure into its primitive cell and a
// high-symmetry q-point path sampled every distance 1/Å.
type StructureAnalyzer interface {
	Analyze(ctx context.Context, s *structure.Structure, distance float64) (*Analysis, error)
}

// Vertex is a named corner of a q-point path in crystal coordinates.
type Vertex struct {
	Name  string     `json:"name" yaml:"name"`
	Point [3]float64 `json:"point" yaml:"point"`
}

// PathAnalyzer keeps the structure as given and samples straight segments
// between the configured vertices. Without vertices it returns Γ alone.
type PathAnalyzer struct {
	Vertices []Vertex
}

// Analyze implements StructureAnalyzer.
func (a PathAnalyzer) Analyze(ctx context.Context, s *structure.Structure, distance float64) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("analyze: structure is required")
	}
	if distance <= 0 {
		return nil, structure.ErrInvalidDistance
	}
	rec, err := structure.ReciprocalCell(s.Cell)
	if err != nil {
		return nil, err
	}
	if len(a.Vertices) == 0 {
		return &Analysis{Primitive: s, Path: [][3]float64{{0, 0, 0}}, Labels: []PathLabel{{Index: 0, Name: "G"}}}, nil
	}

	out := &Analysis{Primitive: s}
	out.Path = append(out.Path, a.Vertices[0].Point)
	out.Labels = append(out.Labels, PathLabel{Index: 0, Name: a.Vertices[0].Name})
	for i := 1; i < len(a.Vertices); i++ {
		from, to := a.Vertices[i-1].Point, a.Vertices[i].Point
		length := cartesianLength(rec, from, to)
		// rounding keeps exact multiples of distance from adding a point
		n := max(int(math.Ceil(math.Round(length/distance*1e5)/1e5)), 1)
		for j := 1; j <= n; j++ {
			f := float64(j) / float64(n)
			out.Path = append(out.Path, [3]float64{
				from[0] + f*(to[0]-from[0]),
				from[1] + f*(to[1]-from[1]),
				from[2] + f*(to[2]-from[2]),
			})
		}
		out.Labels = append(out.Labels, PathLabel{Index: len(out.Path) - 1, Name: a.Vertices[i].Name})
	}
	return out, nil
}

func cartesianLength(rec [3][3]float64, from, to [3]float64) float64 {
	var d [3]float64
	for i := range 3 {
		diff := to[i] - from[i]
		for k := range 3 {
			d[k] += diff * rec[i][k]
		}
	}
	return math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
}
