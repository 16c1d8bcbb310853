package phonon

import "github.com/3leaps/gomobility/pkg/workflow"

// Exit codes of the ph.x restart runner.
var (
	CodeResourcesUnderspecified = workflow.Code{Status: 204, Name: "ERROR_INVALID_INPUT_RESOURCES_UNDERSPECIFIED",
		Message: "The num_machines and max_wallclock_seconds resources are both required."}
	CodeUnrecoverableFailure = workflow.Code{Status: 300, Name: "ERROR_UNRECOVERABLE_FAILURE",
		Message: "The calculation failed with an unrecoverable error."}
	CodeImaginaryFrequencies = workflow.Code{Status: 301, Name: "ERROR_IMAGINARY_FREQUENCIES",
		Message: "Imaginary frequencies found below the threshold."}
	CodeMaxIterationsExceeded = workflow.Code{Status: 401, Name: "ERROR_MAXIMUM_ITERATIONS_EXCEEDED",
		Message: "The maximum number of iterations was exceeded."}
	CodeSecondUnhandledFailure = workflow.Code{Status: 402, Name: "ERROR_SECOND_CONSECUTIVE_UNHANDLED_FAILURE",
		Message: "The calculation failed for an unknown reason, twice in a row."}
)

// Exit codes of the phonon band workflow.
var (
	CodeInvalidSCFFolder = workflow.Code{Status: 300, Name: "ERROR_INVALID_INPUT_SCF_FOLDER",
		Message: "The scf folder was not produced by pw.x."}
	CodeInvalidPhFolder = workflow.Code{Status: 301, Name: "ERROR_INVALID_INPUT_PH_FOLDER",
		Message: "The ph folder was not produced by ph.x."}
	CodeInvalidQ2rFolder = workflow.Code{Status: 302, Name: "ERROR_INVALID_INPUT_Q2R_FOLDER",
		Message: "The q2r folder was not produced by q2r.x."}
	CodeMissingQpoints = workflow.Code{Status: 303, Name: "ERROR_INVALID_INPUT_QPOINTS",
		Message: "Neither qpoints nor qpoints_distance was given."}

	CodeRelaxFailed = workflow.Code{Status: 401, Name: "ERROR_SUB_PROCESS_FAILED_RELAX",
		Message: "The relax step failed."}
	CodeSCFFailed = workflow.Code{Status: 402, Name: "ERROR_SUB_PROCESS_FAILED_SCF",
		Message: "The scf step failed."}
	CodePhFailed = workflow.Code{Status: 403, Name: "ERROR_SUB_PROCESS_FAILED_PH",
		Message: "The ph step failed."}
	CodeQ2rFailed = workflow.Code{Status: 404, Name: "ERROR_SUB_PROCESS_FAILED_Q2R",
		Message: "The q2r step failed."}
	CodeMatdynFailed = workflow.Code{Status: 405, Name: "ERROR_SUB_PROCESS_FAILED_MATDYN",
		Message: "The matdyn step failed."}
	CodeImaginaryNotResolved = workflow.Code{Status: 406, Name: "ERROR_IMAGINARY_FREQUENCIES",
		Message: "Imaginary frequencies remain after the maximum number of restarts."}
)
