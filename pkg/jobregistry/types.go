// Package jobregistry records workflow runs started in the background.
//
// Each run gets a directory under the registry root holding job.json and
// the stdout/stderr logs of the managed child process.
package jobregistry

import "time"

// JobState is the lifecycle state of a managed run.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
	JobStateUnknown JobState = "unknown"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobStateSuccess || s == JobStateFailed
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID        string    `json:"job_id"`
	Workflow     string    `json:"workflow"`
	Name         string    `json:"name,omitempty"`
	State        JobState  `json:"state"`
	ManifestPath string    `json:"manifest_path"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// ExitStatus is the workflow exit status once the run ended.
	ExitStatus *int   `json:"exit_status,omitempty"`
	Message    string `json:"message,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}
