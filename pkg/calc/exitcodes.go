package calc

import "fmt"

// Exit statuses reported by the output parsers. Statuses below
// ExitRecoverableThreshold are unrecoverable.
const (
	ExitNoRetrievedTemporaryFolder = 300
	ExitNoRetrievedFolder          = 301
	ExitOutputStdoutMissing        = 302
	ExitOutputFiles                = 303
	ExitOutputStdoutRead           = 310
	ExitOutputStdoutParse          = 311
	ExitOutputStdoutIncomplete     = 312
	ExitUnexpectedParserException  = 350

	ExitRecoverableThreshold = 400

	ExitOutOfWalltime          = 400
	ExitConvergenceNotReached  = 410
	ExitIonicConvergenceFailed = 501
)

// ExitCode names an exit status.
type ExitCode struct {
	Status  int
	Name    string
	Message string
}

func (c ExitCode) String() string {
	return fmt.Sprintf("%d %s", c.Status, c.Name)
}

var exitCodes = map[int]ExitCode{
	ExitNoRetrievedTemporaryFolder: {ExitNoRetrievedTemporaryFolder, "ERROR_NO_RETRIEVED_TEMPORARY_FOLDER", "The retrieved temporary folder could not be accessed."},
	ExitNoRetrievedFolder:          {ExitNoRetrievedFolder, "ERROR_NO_RETRIEVED_FOLDER", "The retrieved folder could not be accessed."},
	ExitOutputStdoutMissing:        {ExitOutputStdoutMissing, "ERROR_OUTPUT_STDOUT_MISSING", "The retrieved folder did not contain the required stdout output file."},
	ExitOutputFiles:                {ExitOutputFiles, "ERROR_OUTPUT_FILES", "Expected output files did not generate."},
	ExitOutputStdoutRead:           {ExitOutputStdoutRead, "ERROR_OUTPUT_STDOUT_READ", "The stdout output file could not be read."},
	ExitOutputStdoutParse:          {ExitOutputStdoutParse, "ERROR_OUTPUT_STDOUT_PARSE", "The stdout output file could not be parsed."},
	ExitOutputStdoutIncomplete:     {ExitOutputStdoutIncomplete, "ERROR_OUTPUT_STDOUT_INCOMPLETE", "The stdout output file was incomplete probably because the calculation got interrupted."},
	ExitUnexpectedParserException:  {ExitUnexpectedParserException, "ERROR_UNEXPECTED_PARSER_EXCEPTION", "The parser raised an unexpected exception."},
	ExitOutOfWalltime:              {ExitOutOfWalltime, "ERROR_OUT_OF_WALLTIME", "The calculation stopped prematurely because it ran out of walltime."},
	ExitConvergenceNotReached:      {ExitConvergenceNotReached, "ERROR_CONVERGENCE_NOT_REACHED", "The minimization cycle did not reach self-consistency."},
	ExitIonicConvergenceFailed:     {ExitIonicConvergenceFailed, "ERROR_IONIC_CONVERGENCE_NOT_REACHED", "The ionic minimization cycle did not converge."},
}

// LookupExitCode returns the named exit code for status. Unknown statuses
// get a generic name.
func LookupExitCode(status int) ExitCode {
	if c, ok := exitCodes[status]; ok {
		return c
	}
	return ExitCode{Status: status, Name: "ERROR_UNKNOWN", Message: fmt.Sprintf("The calculation failed with exit status %d.", status)}
}
