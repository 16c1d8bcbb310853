package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/gomobility/pkg/jobregistry"
	"github.com/3leaps/gomobility/pkg/provenance"
	"github.com/3leaps/gomobility/pkg/remote"
)

// JobStore is the part of *jobregistry.Store the job routes read.
type JobStore interface {
	List() ([]jobregistry.JobRecord, error)
	Get(jobID string) (*jobregistry.JobRecord, error)
}

// JobsHandler serves the background run registry.
type JobsHandler struct {
	Store JobStore
}

// List serves GET /jobs. ?state= filters by state.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.List()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	state := jobregistry.JobState(r.URL.Query().Get("state"))
	out := make([]jobregistry.JobRecord, 0, len(jobs))
	for _, j := range jobs {
		if state == "" || j.State == state {
			out = append(out, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

// Get serves GET /jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := h.Store.Get(id)
	if err != nil {
		if os.IsNotExist(err) {
			respondWithError(w, r, NotFound("job not found", map[string]any{"job_id": id}))
			return
		}
		if errors.Is(err, jobregistry.ErrJobIDRequired) {
			respondWithError(w, r, BadRequest(err.Error()))
			return
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CalculationStore is the part of *provenance.Store the calculation
// routes read.
type CalculationStore interface {
	Get(ctx context.Context, id string) (*remote.Calculation, error)
	List(ctx context.Context, opts provenance.ListOptions) ([]*remote.Calculation, error)
}

// CalculationsHandler serves the provenance store.
type CalculationsHandler struct {
	Store CalculationStore
}

// List serves GET /calculations. ?program= filters, ?limit= bounds.
func (h *CalculationsHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := provenance.ListOptions{Program: r.URL.Query().Get("program")}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			respondWithError(w, r, BadRequest("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}
	calcs, err := h.Store.List(r.Context(), opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calculations": calcs, "count": len(calcs)})
}

// Get serves GET /calculations/{calcID}.
func (h *CalculationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "calcID")
	c, err := h.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, provenance.ErrNotFound) {
			respondWithError(w, r, NotFound("calculation not found", map[string]any{"calculation_id": id}))
			return
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
