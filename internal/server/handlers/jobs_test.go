package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomobility/pkg/jobregistry"
	"github.com/3leaps/gomobility/pkg/provenance"
	"github.com/3leaps/gomobility/pkg/remote"
)

func jobsRouter(t *testing.T) http.Handler {
	t.Helper()
	store := jobregistry.NewStore(t.TempDir())
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	require.NoError(t, store.Write(&jobregistry.JobRecord{JobID: "job-1", Workflow: "phonon", State: jobregistry.JobStateSuccess, CreatedAt: now}))
	require.NoError(t, store.Write(&jobregistry.JobRecord{JobID: "job-2", Workflow: "transport", State: jobregistry.JobStateFailed, CreatedAt: later}))

	h := &JobsHandler{Store: store}
	r := chi.NewRouter()
	r.Get("/jobs", h.List)
	r.Get("/jobs/{jobID}", h.Get)
	return r
}

func TestJobsHandler_List(t *testing.T) {
	r := jobsRouter(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"job-2", "job-1"}},
		{"?state=failed", []string{"job-2"}},
		{"?state=running", []string{}},
	}
	for _, tt := range tests {
		t.Run("query"+tt.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs"+tt.query, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var body struct {
				Jobs  []jobregistry.JobRecord `json:"jobs"`
				Count int                     `json:"count"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			ids := []string{}
			for _, j := range body.Jobs {
				ids = append(ids, j.JobID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.want), body.Count)
		})
	}
}

func TestJobsHandler_Get(t *testing.T) {
	r := jobsRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobregistry.JobRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, "phonon", job.Workflow)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubCalcs struct {
	calc *remote.Calculation
	err  error
	opts provenance.ListOptions
}

func (s *stubCalcs) Get(_ context.Context, id string) (*remote.Calculation, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.calc == nil || s.calc.ID != id {
		return nil, provenance.ErrNotFound
	}
	return s.calc, nil
}

func (s *stubCalcs) List(_ context.Context, opts provenance.ListOptions) ([]*remote.Calculation, error) {
	s.opts = opts
	if s.err != nil {
		return nil, s.err
	}
	return []*remote.Calculation{s.calc}, nil
}

func TestCalculationsHandler(t *testing.T) {
	stub := &stubCalcs{calc: &remote.Calculation{ID: "calc-1", Program: "mobility.perturbo", Folder: remote.Folder{Computer: "localhost", Path: "/scratch/calc-1"}}}
	h := &CalculationsHandler{Store: stub}
	r := chi.NewRouter()
	r.Get("/calculations", h.List)
	r.Get("/calculations/{calcID}", h.Get)

	tests := []struct {
		path string
		want int
	}{
		{"/calculations/calc-1", http.StatusOK},
		{"/calculations/calc-2", http.StatusNotFound},
		{"/calculations?program=mobility.perturbo&limit=5", http.StatusOK},
		{"/calculations?limit=-1", http.StatusBadRequest},
		{"/calculations?limit=many", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calculations?program=mobility.perturbo&limit=5", nil))
	assert.Equal(t, provenance.ListOptions{Program: "mobility.perturbo", Limit: 5}, stub.opts)

	stub.err = errors.New("database is locked")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calculations/calc-1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
