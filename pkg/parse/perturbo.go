package parse

import (
	"io/fs"
	"regexp"
	"strings"

	"github.com/3leaps/gomobility/pkg/calc"
)

var progressDoneRE = regexp.MustCompile(`progress:\W+100\.00%`)

// QE2Pert parses a qe2pert.x run. The run is complete once the progress
// meter reaches 100.00%; otherwise the error box is reported.
func QE2Pert(retrieved fs.FS) *Report {
	r := &Report{}
	stdout, ok := readStdout(retrieved, r)
	if !ok {
		return r
	}
	if !progressDoneRE.MatchString(stdout) {
		return r.fail(calc.ExitOutputStdoutIncomplete, crashExcerpt(stdout))
	}
	times(stdout, r)
	return r
}

// Perturbo parses a perturbo.x run. perturbo.x prints its timing report only
// when it finishes, so a missing WALL total means the run was interrupted.
func Perturbo(retrieved fs.FS) *Report {
	r := &Report{}
	stdout, ok := readStdout(retrieved, r)
	if !ok {
		return r
	}
	if excerpt := crashExcerpt(stdout); excerpt != "" && strings.Contains(excerpt, "Error") {
		return r.fail(calc.ExitOutputStdoutIncomplete, excerpt)
	}
	times(stdout, r)
	if r.Outputs.WallTime == 0 {
		return r.fail(calc.ExitOutputStdoutIncomplete, "")
	}
	return r
}
