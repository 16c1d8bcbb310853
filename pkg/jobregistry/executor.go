package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManagedJobFlag is the hidden flag carrying the job id to the child.
const ManagedJobFlag = "--_managed-job-id"

// Executor spawns and manages background workflow runs.
//
// A run is a child process executing `gomobility <workflow> run` in managed
// mode, with stdout/stderr captured to per-job log files.
type Executor struct {
	store *Store
	exe   string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutable overrides the binary spawned for each run. The default is
// the running executable.
func WithExecutable(path string) ExecutorOption {
	return func(e *Executor) { e.exe = path }
}

func NewExecutor(root string, opts ...ExecutorOption) *Executor {
	e := &Executor{store: NewStore(root)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stdout.log")
}

func (e *Executor) StderrPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stderr.log")
}

// BackgroundOptions tune StartBackground.
type BackgroundOptions struct {
	Name string

	// Dedupe refuses to start when a run of the same manifest is running.
	Dedupe bool
}

// StartBackground spawns a managed child process running:
//
//	gomobility <workflow> run --manifest <manifest> --_managed-job-id <job_id>
//
// It returns after the child successfully starts.
func (e *Executor) StartBackground(workflow, manifestPath string, opts BackgroundOptions) (*JobRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	workflow = strings.TrimSpace(workflow)
	if workflow == "" {
		return nil, fmt.Errorf("workflow is required")
	}
	manifestPath = strings.TrimSpace(manifestPath)
	if manifestPath == "" {
		return nil, fmt.Errorf("manifest path is required")
	}
	absManifest, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	if _, err := os.Stat(absManifest); err != nil {
		return nil, fmt.Errorf("manifest not found: %s", absManifest)
	}

	if opts.Dedupe {
		existing, _ := e.store.List()
		for _, j := range existing {
			if j.ManifestPath == absManifest && j.State == JobStateRunning {
				return nil, fmt.Errorf("duplicate running job exists: %s", j.JobID)
			}
		}
	}

	exe := e.exe
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	jobID := uuid.New().String()
	if err := os.MkdirAll(e.store.JobDir(jobID), 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	stdoutFile, err := os.Create(e.StdoutPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	// The record exists before the child starts so the child can update it.
	now := time.Now().UTC()
	rec := &JobRecord{
		JobID:        jobID,
		Workflow:     workflow,
		Name:         strings.TrimSpace(opts.Name),
		State:        JobStateQueued,
		ManifestPath: absManifest,
		CreatedAt:    now,
		StdoutPath:   e.StdoutPath(jobID),
		StderrPath:   e.StderrPath(jobID),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, workflow, "run", "--manifest", absManifest, ManagedJobFlag, jobID)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		_, _ = e.store.Finish(jobID, -1, err.Error())
		return nil, fmt.Errorf("start managed %s run: %w", workflow, err)
	}
	// reap the child when this process outlives it
	go func() { _ = cmd.Wait() }()

	started := time.Now().UTC()
	return e.store.Update(jobID, func(r *JobRecord) {
		if r.State == JobStateQueued {
			r.State = JobStateRunning
		}
		r.PID = cmd.Process.Pid
		r.StartedAt = &started
		r.LastHeartbeat = &started
	})
}
