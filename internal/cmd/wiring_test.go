package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomobility/pkg/jobregistry"
	"github.com/3leaps/gomobility/pkg/workflow"
)

func TestOpenDestination(t *testing.T) {
	t.Run("stdout", func(t *testing.T) {
		for _, dest := range []string{"", "stdout"} {
			w, closeFn, err := openDestination(dest)
			require.NoError(t, err)
			assert.Same(t, stdout, w)
			assert.NoError(t, closeFn())
		}
	})

	t.Run("file appends", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.jsonl")
		for _, line := range []string{"a\n", "b\n"} {
			w, closeFn, err := openDestination("file:" + path)
			require.NoError(t, err)
			_, err = w.Write([]byte(line))
			require.NoError(t, err)
			require.NoError(t, closeFn())
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "a\nb\n", string(data))
	})

	t.Run("unsupported", func(t *testing.T) {
		_, _, err := openDestination("s3://bucket/key")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output destination")
	})
}

func TestWorkflowError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		contains string
	}{
		{name: "cancelled", err: fmt.Errorf("stage ph: %w", context.Canceled), wantCode: foundry.ExitSignalInt, contains: "cancelled"},
		{name: "exit error", err: &workflow.ExitError{Code: 406, Name: "ERROR_IMAGINARY_FREQUENCIES"}, wantCode: exitWorkflowFailed, contains: "exit status 406"},
		{name: "plain error", err: errors.New("boom"), wantCode: exitWorkflowFailed, contains: "phonon_bands failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := workflowError("phonon_bands", tt.err)
			var ce *cliError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantCode, ce.Code)
			assert.Contains(t, ce.Message, tt.contains)
		})
	}

	assert.NoError(t, workflowError("phonon_bands", nil))
}

func TestManagedRun(t *testing.T) {
	t.Run("without job id runs directly", func(t *testing.T) {
		called := false
		require.NoError(t, managedRun(t.TempDir(), "", func() error {
			called = true
			return nil
		}))
		assert.True(t, called)
	})

	tests := []struct {
		name       string
		runErr     error
		wantState  jobregistry.JobState
		wantStatus int
	}{
		{name: "success", wantState: jobregistry.JobStateSuccess, wantStatus: 0},
		{name: "exit error", runErr: workflowError("transport", &workflow.ExitError{Code: 400, Name: "ERROR_SUB_PROCESS_FAILED"}), wantState: jobregistry.JobStateFailed, wantStatus: 400},
		{name: "plain error", runErr: errors.New("boom"), wantState: jobregistry.JobStateFailed, wantStatus: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			store := jobregistry.NewStore(root)
			require.NoError(t, store.Write(&jobregistry.JobRecord{
				JobID:     "job-1",
				Workflow:  "transport",
				State:     jobregistry.JobStateQueued,
				CreatedAt: time.Now().UTC(),
			}))

			var during jobregistry.JobState
			err := managedRun(root, "job-1", func() error {
				rec, gerr := store.Get("job-1")
				require.NoError(t, gerr)
				during = rec.State
				return tt.runErr
			})
			assert.Equal(t, tt.runErr, err)
			assert.Equal(t, jobregistry.JobStateRunning, during)

			rec, err := store.Get("job-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, rec.State)
			require.NotNil(t, rec.ExitStatus)
			assert.Equal(t, tt.wantStatus, *rec.ExitStatus)
			assert.NotNil(t, rec.EndedAt)
		})
	}
}

func TestTailLines(t *testing.T) {
	input := "1\n2\n3\n4\n5\n"
	tests := []struct {
		n    int
		want string
	}{
		{n: 0, want: input},
		{n: 2, want: "4\n5\n"},
		{n: 10, want: input},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, tailLines(strings.NewReader(input), &out, tt.n))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestWriteJobsTable(t *testing.T) {
	status := 406
	var out bytes.Buffer
	require.NoError(t, writeJobsTable(&out, []jobregistry.JobRecord{
		{JobID: "a", Workflow: "phonon", State: jobregistry.JobStateFailed, ExitStatus: &status, ManifestPath: "si.yaml"},
		{JobID: "b", Workflow: "transport", Name: "gaas", State: jobregistry.JobStateQueued},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "JOB ID")
	assert.Contains(t, lines[1], "406")
	assert.Contains(t, lines[1], "si.yaml")
	assert.Contains(t, lines[2], "gaas")
}
