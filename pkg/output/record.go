// Package output provides JSONL output for workflow runs.
//
// Output is structured as typed record envelopes carrying workflow events,
// errors and a final summary. Each line is a self-contained JSON object
// that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/workflow"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gomobility.<type>.v<version>
const (
	// TypeEvent identifies workflow event records.
	TypeEvent = "gomobility.event.v1"

	// TypeError identifies error records.
	TypeError = "gomobility.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gomobility.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// The Type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gomobility.event.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID of the workflow run.
	RunID string `json:"run_id"`

	// Workflow names the workflow (e.g., "phonon_bands", "transport").
	Workflow string `json:"workflow"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// EventRecord is the data payload for one workflow event.
type EventRecord struct {
	Kind          string         `json:"kind"`
	Stage         string         `json:"stage,omitempty"`
	Iteration     int            `json:"iteration,omitempty"`
	Program       string         `json:"program,omitempty"`
	CalculationID string         `json:"calculation_id,omitempty"`
	Folder        *remote.Folder `json:"folder,omitempty"`
	ExitStatus    int            `json:"exit_status,omitempty"`
	Message       string         `json:"message,omitempty"`
	Time          time.Time      `json:"time"`
}

// NewEventRecord converts a workflow event.
func NewEventRecord(e workflow.Event) *EventRecord {
	return &EventRecord{
		Kind:          string(e.Kind),
		Stage:         e.Stage,
		Iteration:     e.Iteration,
		Program:       string(e.Program),
		CalculationID: e.CalculationID,
		Folder:        e.Folder,
		ExitStatus:    e.ExitStatus,
		Message:       e.Message,
		Time:          e.Time,
	}
}

// ErrorRecord is the data payload for a failed run.
type ErrorRecord struct {
	// Code is the workflow exit status, or -1 for errors outside the
	// workflow status table.
	Code int `json:"code"`

	// Name is the symbolic exit status (e.g., "ERROR_IMAGINARY_FREQUENCIES").
	Name string `json:"name,omitempty"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Stage is the workflow stage that failed, if known.
	Stage string `json:"stage,omitempty"`

	// SubStatus is the exit status of the failed calculation or sub-workflow.
	SubStatus int `json:"sub_status,omitempty"`
}

// NewErrorRecord describes err. Workflow exit errors keep their status.
func NewErrorRecord(err error) *ErrorRecord {
	if exit, ok := workflow.AsExit(err); ok {
		return &ErrorRecord{
			Code:      exit.Code,
			Name:      exit.Name,
			Message:   exit.Message,
			Stage:     exit.Stage,
			SubStatus: exit.SubStatus,
		}
	}
	return &ErrorRecord{Code: -1, Message: err.Error()}
}

// Run status values for SummaryRecord.
const (
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// SummaryRecord is the data payload emitted once at the end of a run.
type SummaryRecord struct {
	// Status is "finished" or "failed".
	Status string `json:"status"`

	// ExitStatus is 0 on success.
	ExitStatus int `json:"exit_status"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Calculations is the number of submitted calculations.
	Calculations int `json:"calculations"`

	// Result carries the workflow result on success.
	Result any `json:"result,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
