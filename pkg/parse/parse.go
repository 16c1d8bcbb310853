// Package parse reads the retrieved files of a finished calculation back into
// an exit status and the outputs the workflows branch on.
//
// Parsers take the retrieved folder as an fs.FS so they can run on a local
// directory (os.DirFS) or on an in-memory tree in tests.
package parse

import (
	"errors"
	"io/fs"
	"regexp"
	"strconv"
	"strings"

	"github.com/3leaps/gomobility/pkg/calc"
)

// Report is the parsed state of a retrieved folder.
type Report struct {
	ExitStatus  int          `json:"exit_status"`
	ExitMessage string       `json:"exit_message,omitempty"`
	Outputs     calc.Outputs `json:"outputs"`
}

// FinishedOK reports whether the parser found no failure.
func (r *Report) FinishedOK() bool {
	return r.ExitStatus == 0
}

func (r *Report) fail(status int, message string) *Report {
	r.ExitStatus = status
	if message == "" {
		message = calc.LookupExitCode(status).Message
	}
	r.ExitMessage = message
	return r
}

func (r *Report) set(key string, value any) {
	if r.Outputs.Parameters == nil {
		r.Outputs.Parameters = make(map[string]any)
	}
	r.Outputs.Parameters[key] = value
}

// Func parses a retrieved folder.
type Func func(retrieved fs.FS) *Report

var parsers = map[calc.Program]Func{
	calc.ProgramPw:        Pw,
	calc.ProgramPh:        Ph,
	calc.ProgramPhRecover: Ph,
	calc.ProgramQ2r:       Q2r,
	calc.ProgramMatdyn:    Matdyn,
	calc.ProgramQE2Pert:   QE2Pert,
	calc.ProgramPerturbo:  Perturbo,
}

// For returns the parser of program p. Programs without a dedicated parser
// only get the stdout presence check.
func For(p calc.Program) Func {
	if f, ok := parsers[p]; ok {
		return f
	}
	return Generic
}

// Generic checks that the stdout file was retrieved.
func Generic(retrieved fs.FS) *Report {
	r := &Report{}
	readStdout(retrieved, r)
	return r
}

// readStdout loads the stdout file. On failure it sets the exit status on r
// and returns false.
func readStdout(retrieved fs.FS, r *Report) (string, bool) {
	if retrieved == nil {
		r.fail(calc.ExitNoRetrievedFolder, "")
		return "", false
	}
	data, err := fs.ReadFile(retrieved, calc.OutputFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.fail(calc.ExitOutputStdoutMissing, "")
		} else {
			r.fail(calc.ExitOutputStdoutRead, err.Error())
		}
		return "", false
	}
	return string(data), true
}

var (
	cpuTimeRE  = regexp.MustCompile(`(?:(\d+(?:\.\d*)?)h)?\s?(?:(\d+(?:\.\d*)?)m)?\s?(?:(\d+(?:\.\d*)?)s)?\W+CPU`)
	wallTimeRE = regexp.MustCompile(`(?:(\d+(?:\.\d*)?)h)?\s?(?:(\d+(?:\.\d*)?)m)?\s?(?:(\d+(?:\.\d*)?)s)?\W+WALL`)

	crashRE = regexp.MustCompile(`(?s)%{5,}[ \t]*\n(.*?)\n[ \t]*%{5,}`)
)

// times sets the CPU and wall times of the last timing line of stdout. The
// totals of the QE codes come last.
func times(stdout string, r *Report) {
	if cpu, ok := lastDuration(cpuTimeRE, stdout); ok {
		r.Outputs.CPUTime = cpu
	}
	if wall, ok := lastDuration(wallTimeRE, stdout); ok {
		r.Outputs.WallTime = wall
	}
}

// lastDuration returns the last non-empty h/m/s duration matched by re, in
// seconds.
func lastDuration(re *regexp.Regexp, text string) (float64, bool) {
	var (
		seconds float64
		found   bool
	)
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if m[1] == "" && m[2] == "" && m[3] == "" {
			continue
		}
		seconds = 3600*atof(m[1]) + 60*atof(m[2]) + atof(m[3])
		found = true
	}
	return seconds, found
}

// crashExcerpt returns the text of the %%%% error box printed by the QE
// codes, or "".
func crashExcerpt(stdout string) string {
	m := crashRE.FindStringSubmatch(stdout)
	if m == nil {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(m[1], "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func atof(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func jobDone(stdout string) bool {
	return strings.Contains(stdout, "JOB DONE")
}
