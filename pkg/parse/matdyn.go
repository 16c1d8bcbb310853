package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var plotHeaderRE = regexp.MustCompile(`&plot\s+nbnd=\s*(\d+)\s*,\s*nks=\s*(\d+)\s*/`)

// MatdynFrequencies reads a matdyn.x flfrq file:
//
//	&plot nbnd=   6, nks=   2 /
//	  qx qy qz
//	  f1 ... f6
//
// and returns the frequencies of the i-th point under index i+1.
func MatdynFrequencies(text string) (map[int][]float64, error) {
	loc := plotHeaderRE.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, fmt.Errorf("frequency file has no &plot header")
	}
	nbnd, _ := strconv.Atoi(text[loc[2]:loc[3]])
	nks, _ := strconv.Atoi(text[loc[4]:loc[5]])

	fields := strings.Fields(text[loc[1]:])
	want := nks * (3 + nbnd)
	if len(fields) < want {
		return nil, fmt.Errorf("frequency file is truncated: %d values for %d points of %d bands", len(fields), nks, nbnd)
	}

	out := make(map[int][]float64, nks)
	pos := 0
	for k := 1; k <= nks; k++ {
		pos += 3
		freqs := make([]float64, nbnd)
		for i := range freqs {
			f, err := strconv.ParseFloat(fields[pos], 64)
			if err != nil {
				return nil, fmt.Errorf("point %d: %w", k, err)
			}
			freqs[i] = f
			pos++
		}
		out[k] = freqs
	}
	return out, nil
}
