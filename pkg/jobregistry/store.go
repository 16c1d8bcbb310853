package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrJobIDRequired is returned for an empty job id.
var ErrJobIDRequired = errors.New("job_id is required")

// Store keeps one directory per background workflow run:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//
// The root normally lives under the gomobility data dir.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string { return s.root }

func (s *Store) JobDir(jobID string) string { return filepath.Join(s.root, jobID) }

func (s *Store) JobPath(jobID string) string { return filepath.Join(s.JobDir(jobID), "job.json") }

// Write replaces job.json of the record. Readers never see a partial file.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return errors.New("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return ErrJobIDRequired
	}
	if s.root == "" {
		return errors.New("job registry root dir is empty")
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return writeAtomic(s.JobDir(jobID), "job.json", append(data, '\n'))
}

func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Get loads a record. A running record whose process is gone is rewritten
// as unknown.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	record, err := s.read(jobID)
	if err != nil {
		return nil, err
	}

	if record.State == JobStateRunning && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = JobStateUnknown
		now := time.Now().UTC()
		record.LastHeartbeat = &now
		_ = s.Write(record)
	}
	return record, nil
}

func (s *Store) read(jobID string) (*JobRecord, error) {
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}
	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// Update applies fn to the stored record and writes it back.
func (s *Store) Update(jobID string, fn func(*JobRecord)) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	record, err := s.read(jobID)
	if err != nil {
		return nil, err
	}
	fn(record)
	if err := s.Write(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Finish marks a run as ended with the workflow exit status.
func (s *Store) Finish(jobID string, exitStatus int, message string) (*JobRecord, error) {
	return s.Update(jobID, func(r *JobRecord) {
		now := time.Now().UTC()
		r.EndedAt = &now
		r.LastHeartbeat = &now
		r.ExitStatus = &exitStatus
		r.Message = message
		r.State = JobStateSuccess
		if exitStatus != 0 {
			r.State = JobStateFailed
		}
	})
}

// List returns every readable record, newest first.
func (s *Store) List() ([]JobRecord, error) {
	if s.root == "" {
		return nil, errors.New("job registry root dir is empty")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// unreadable or half-created runs are skipped
		if r, err := s.Get(entry.Name()); err == nil {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].sortTime().After(out[j].sortTime())
	})
	return out, nil
}

func (r JobRecord) sortTime() time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything
	return p.Signal(syscall.Signal(0)) == nil
}
