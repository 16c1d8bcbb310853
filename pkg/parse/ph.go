package parse

import (
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/gomobility/pkg/calc"
)

var (
	qpointCountRE = regexp.MustCompile(`\(\s*(\d+)\s*q-points\s*\)`)
	freqRE        = regexp.MustCompile(`freq\s*\(\s*\d+\)\s*=\s*(-?[\d.]+(?:[eE][-+]?\d+)?)\s*\[THz\]\s*=\s*(-?[\d.]+(?:[eE][-+]?\d+)?)\s*\[cm-1\]`)
	dynFileRE     = regexp.MustCompile(`^` + regexp.QuoteMeta(calc.DynamicalMatrixPrefix) + `(\d+)$`)
)

const diagonalizing = "Diagonalizing the dynamical matrix"

// Ph parses a ph.x run: the stdout status markers, the number of
// irreducible q-points and the frequencies of every retrieved dynamical
// matrix file.
func Ph(retrieved fs.FS) *Report {
	r := &Report{}
	stdout, ok := readStdout(retrieved, r)
	if !ok {
		return r
	}
	times(stdout, r)

	if m := qpointCountRE.FindStringSubmatch(stdout); m != nil {
		n, _ := strconv.Atoi(m[1])
		r.Outputs.NumberOfQpoints = n
	}
	dyn, err := dynamicalMatrices(retrieved)
	if err != nil {
		return r.fail(calc.ExitOutputFiles, err.Error())
	}
	if len(dyn) > 0 {
		r.Outputs.DynamicalMatrices = dyn
	}

	switch {
	case strings.Contains(stdout, "Maximum CPU time exceeded"):
		return r.fail(calc.ExitOutOfWalltime, "")
	case strings.Contains(stdout, "No convergence has been achieved"):
		return r.fail(calc.ExitConvergenceNotReached, "")
	case !jobDone(stdout):
		if excerpt := crashExcerpt(stdout); excerpt != "" {
			return r.fail(calc.ExitOutputStdoutIncomplete, excerpt)
		}
		return r.fail(calc.ExitOutputStdoutIncomplete, "")
	}
	return r
}

// dynamicalMatrices reads DYN_MAT/dynamical-matrix-N for N >= 1. File 0 is
// the q-point list and carries no frequencies.
func dynamicalMatrices(retrieved fs.FS) (map[int][]float64, error) {
	entries, err := fs.ReadDir(retrieved, "DYN_MAT")
	if err != nil {
		return nil, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[int][]float64)
	for _, name := range names {
		m := dynFileRE.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		q, _ := strconv.Atoi(m[1])
		if q == 0 {
			continue
		}
		data, err := fs.ReadFile(retrieved, path.Join("DYN_MAT", name))
		if err != nil {
			return nil, err
		}
		if freqs := Frequencies(string(data)); len(freqs) > 0 {
			out[q] = freqs
		}
	}
	return out, nil
}

// Frequencies returns the cm-1 frequencies of the first diagonalized
// dynamical matrix in text. Every star member repeats the same frequencies,
// so later blocks are ignored.
func Frequencies(text string) []float64 {
	if i := strings.Index(text, diagonalizing); i >= 0 {
		text = text[i+len(diagonalizing):]
		if j := strings.Index(text, diagonalizing); j >= 0 {
			text = text[:j]
		}
	}
	var out []float64
	for _, m := range freqRE.FindAllStringSubmatch(text, -1) {
		f, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Q2r checks a q2r.x run.
func Q2r(retrieved fs.FS) *Report {
	r := &Report{}
	stdout, ok := readStdout(retrieved, r)
	if !ok {
		return r
	}
	times(stdout, r)
	if !jobDone(stdout) {
		return r.fail(calc.ExitOutputStdoutIncomplete, crashExcerpt(stdout))
	}
	if _, err := fs.Stat(retrieved, calc.ForceConstantsFile); err != nil {
		return r.fail(calc.ExitOutputFiles, "force constants file was not retrieved")
	}
	return r
}

// Matdyn checks a matdyn.x run and reads the interpolated frequencies. The
// frequencies of the i-th q-point are stored under index i+1.
func Matdyn(retrieved fs.FS) *Report {
	r := &Report{}
	stdout, ok := readStdout(retrieved, r)
	if !ok {
		return r
	}
	times(stdout, r)
	if !jobDone(stdout) {
		return r.fail(calc.ExitOutputStdoutIncomplete, crashExcerpt(stdout))
	}
	data, err := fs.ReadFile(retrieved, calc.FrequencyFile)
	if err != nil {
		return r.fail(calc.ExitOutputFiles, "frequency file was not retrieved")
	}
	freqs, err := MatdynFrequencies(string(data))
	if err != nil {
		return r.fail(calc.ExitOutputStdoutParse, err.Error())
	}
	r.Outputs.DynamicalMatrices = freqs
	return r
}
