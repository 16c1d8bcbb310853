package parse

import (
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/structure"
)

// bohrToAngstrom converts atomic length units.
const bohrToAngstrom = 0.529177210903

var (
	fermiRE     = regexp.MustCompile(`the Fermi energy is\s+(-?[\d.]+)\s+ev`)
	homoLumoRE  = regexp.MustCompile(`highest occupied, lowest unoccupied level \(ev\):\s+(-?[\d.]+)\s+(-?[\d.]+)`)
	homoRE      = regexp.MustCompile(`highest occupied level \(ev\):\s+(-?[\d.]+)`)
	ksStatesRE  = regexp.MustCompile(`number of Kohn-Sham states=\s+(\d+)`)
	electronsRE = regexp.MustCompile(`number of electrons\s+=\s+([\d.]+)`)
	alatRE      = regexp.MustCompile(`lattice parameter \(alat\)\s+=\s+([\d.]+)\s+a\.u\.`)
	convergedRE = regexp.MustCompile(`convergence has been achieved in\s+(\d+)\s+iterations`)
	vectorRE    = regexp.MustCompile(`=\s*\(\s*(-?[\d.]+)\s+(-?[\d.]+)\s+(-?[\d.]+)\s*\)`)
	cardUnitsRE = regexp.MustCompile(`^(CELL_PARAMETERS|ATOMIC_POSITIONS)\s*\(?\s*([a-z]*)\s*(?:=\s*([\d.]+))?\s*\)?`)
)

const finalBlockKey = "Begin final coordinates"

// Pw parses a pw.x run.
func Pw(retrieved fs.FS) *Report {
	r := &Report{}
	stdout, ok := readStdout(retrieved, r)
	if !ok {
		return r
	}
	times(stdout, r)

	if m := fermiRE.FindAllStringSubmatch(stdout, -1); m != nil {
		r.set("fermi_energy", atof(m[len(m)-1][1]))
	}
	if m := homoLumoRE.FindAllStringSubmatch(stdout, -1); m != nil {
		last := m[len(m)-1]
		r.set("highest_occupied_level", atof(last[1]))
		r.set("lowest_unoccupied_level", atof(last[2]))
	} else if m := homoRE.FindAllStringSubmatch(stdout, -1); m != nil {
		r.set("highest_occupied_level", atof(m[len(m)-1][1]))
	}
	if m := ksStatesRE.FindStringSubmatch(stdout); m != nil {
		n, _ := strconv.Atoi(m[1])
		r.set("number_of_bands", n)
	}
	if m := electronsRE.FindStringSubmatch(stdout); m != nil {
		r.set("number_of_electrons", atof(m[1]))
	}
	converged := convergedRE.MatchString(stdout)
	r.Outputs.Converged = &converged

	if i := strings.Index(stdout, finalBlockKey); i >= 0 {
		alat := 0.0
		if m := alatRE.FindStringSubmatch(stdout); m != nil {
			alat = atof(m[1])
		}
		s, err := finalStructure(stdout[i:], alat, initialCell(stdout, alat))
		if err != nil {
			return r.fail(calc.ExitOutputStdoutParse, err.Error())
		}
		r.set("output_structure", s)
	}

	switch {
	case strings.Contains(stdout, "Maximum CPU time exceeded"):
		return r.fail(calc.ExitOutOfWalltime, "")
	case strings.Contains(stdout, "convergence NOT achieved"):
		return r.fail(calc.ExitConvergenceNotReached, "")
	case strings.Contains(stdout, "The maximum number of steps has been reached."):
		return r.fail(calc.ExitIonicConvergenceFailed, "")
	case !jobDone(stdout):
		return r.fail(calc.ExitOutputStdoutIncomplete, crashExcerpt(stdout))
	}
	return r
}

// initialCell returns the cell of the initial "crystal axes" block, used when
// the final coordinates carry no CELL_PARAMETERS (fixed-cell relax).
func initialCell(stdout string, alat float64) *[3][3]float64 {
	i := strings.Index(stdout, "crystal axes: (cart. coord. in units of alat)")
	if i < 0 || alat == 0 {
		return nil
	}
	lines := strings.Split(stdout[i:], "\n")
	if len(lines) < 4 {
		return nil
	}
	var cell [3][3]float64
	for row := 0; row < 3; row++ {
		m := vectorRE.FindStringSubmatch(lines[row+1])
		if m == nil {
			return nil
		}
		for c := 0; c < 3; c++ {
			cell[row][c] = atof(m[c+1]) * alat * bohrToAngstrom
		}
	}
	return &cell
}

// finalStructure reads the CELL_PARAMETERS and ATOMIC_POSITIONS cards of
// the final coordinates block.
func finalStructure(block string, alat float64, fallback *[3][3]float64) (*structure.Structure, error) {
	if j := strings.Index(block, "End final coordinates"); j >= 0 {
		block = block[:j]
	}
	lines := strings.Split(block, "\n")

	s := &structure.Structure{}
	haveCell := false
	var positions []structure.Site
	posUnits := ""

	for i := 0; i < len(lines); i++ {
		m := cardUnitsRE.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			continue
		}
		switch m[1] {
		case "CELL_PARAMETERS":
			scale, err := cellScale(m[2], m[3], alat)
			if err != nil {
				return nil, err
			}
			if i+3 >= len(lines) {
				return nil, fmt.Errorf("final CELL_PARAMETERS card is truncated")
			}
			for row := 0; row < 3; row++ {
				v := strings.Fields(lines[i+1+row])
				if len(v) != 3 {
					return nil, fmt.Errorf("final CELL_PARAMETERS row %d: %q", row+1, lines[i+1+row])
				}
				for c := 0; c < 3; c++ {
					s.Cell[row][c] = atof(v[c]) * scale
				}
			}
			haveCell = true
			i += 3
		case "ATOMIC_POSITIONS":
			posUnits = m[2]
			for i+1 < len(lines) {
				v := strings.Fields(lines[i+1])
				if len(v) < 4 {
					break
				}
				if _, err := strconv.ParseFloat(v[1], 64); err != nil {
					break
				}
				positions = append(positions, structure.Site{
					Symbol:   v[0],
					Position: [3]float64{atof(v[1]), atof(v[2]), atof(v[3])},
				})
				i++
			}
		}
	}
	if !haveCell {
		if fallback == nil {
			return nil, fmt.Errorf("final coordinates have no cell")
		}
		s.Cell = *fallback
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("final coordinates have no atomic positions")
	}

	for k := range positions {
		p := positions[k].Position
		switch posUnits {
		case "angstrom":
		case "bohr":
			p = [3]float64{p[0] * bohrToAngstrom, p[1] * bohrToAngstrom, p[2] * bohrToAngstrom}
		case "alat":
			f := alat * bohrToAngstrom
			p = [3]float64{p[0] * f, p[1] * f, p[2] * f}
		case "crystal":
			var cart [3]float64
			for c := 0; c < 3; c++ {
				cart[c] = p[0]*s.Cell[0][c] + p[1]*s.Cell[1][c] + p[2]*s.Cell[2][c]
			}
			p = cart
		default:
			return nil, fmt.Errorf("unsupported ATOMIC_POSITIONS units %q", posUnits)
		}
		positions[k].Position = p
	}
	s.Sites = positions
	return s, nil
}

func cellScale(units, value string, alat float64) (float64, error) {
	switch units {
	case "angstrom":
		return 1, nil
	case "bohr":
		return bohrToAngstrom, nil
	case "alat", "":
		if value != "" {
			alat = atof(value)
		}
		if alat == 0 {
			return 0, fmt.Errorf("CELL_PARAMETERS in alat units without a lattice parameter")
		}
		return alat * bohrToAngstrom, nil
	default:
		return 0, fmt.Errorf("unsupported CELL_PARAMETERS units %q", units)
	}
}
