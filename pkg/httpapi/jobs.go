package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/neuroinsight/orchestrator/pkg/workflow"
)

// submitRequest is the common submission body for both plugin and
// workflow submission: a backend selection, input files and parameters,
// plus an optional resource override (plugin submissions only).
type submitRequest struct {
	Backend    types.BackendKind   `json:"backend"`
	InputFiles []string            `json:"input_files"`
	Parameters map[string]any      `json:"parameters"`
	Resources  *types.ResourceSpec `json:"resources,omitempty"`
}

func decodeSubmitRequest(r *http.Request) (submitRequest, error) {
	var req submitRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, err
		}
	}
	if req.Backend == "" {
		req.Backend = types.BackendLocal
	}
	return req, nil
}

func (s *Server) handleSubmitPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := decodeSubmitRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed submission body: "+err.Error())
		return
	}

	jobID, err := s.Executor.SubmitPlugin(r.Context(), id, req.Backend, req.InputFiles, req.Parameters, req.Resources)
	if err != nil {
		writeSubmitErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(types.JobPending), "plugin": id})
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := decodeSubmitRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed submission body: "+err.Error())
		return
	}

	jobID, err := s.Executor.SubmitWorkflow(r.Context(), id, req.Backend, req.InputFiles, req.Parameters)
	if err != nil {
		writeSubmitErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(types.JobPending), "workflow": id})
}

// writeSubmitErr maps the Executor's submission-time validation errors
// to 404 (unknown plugin/workflow, unresolved step plugin) or 400
// (misconfigured backend), per spec.md 7's "reject at HTTP boundary"
// rule for validation failures -- no job row is created for these.
func writeSubmitErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrPluginNotFound), errors.Is(err, workflow.ErrWorkflowNotFound), errors.Is(err, workflow.ErrStepPluginUnresolved):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrBackendNotConfigured):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	var jobs []*types.Job
	var err error
	if statusFilter != "" {
		jobs, err = s.Store.ListJobsByStatus(types.JobStatus(statusFilter))
	} else {
		jobs, err = s.Store.ListJobs()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// jobProgressEntry is the lightweight shape GET /api/jobs/progress
// returns for each active job, sized for ~2-3s client polling.
type jobProgressEntry struct {
	ID           string          `json:"id"`
	Status       types.JobStatus `json:"status"`
	Progress     int             `json:"progress"`
	CurrentPhase string          `json:"current_phase"`
}

func (s *Server) handleJobsProgress(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Store.ListActiveJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := make([]jobProgressEntry, 0, len(jobs))
	for _, j := range jobs {
		entries = append(entries, jobProgressEntry{ID: j.ID, Status: j.Status, Progress: j.Progress, CurrentPhase: j.CurrentPhase})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": entries})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Store.GetJob(id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job '"+id+"' not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.Deleted {
		writeError(w, http.StatusNotFound, "job '"+id+"' not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Store.GetJob(id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job '"+id+"' not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !job.CanCancel() {
		writeError(w, http.StatusBadRequest, "job '"+id+"' is already in a terminal state")
		return
	}

	backend, ok := s.backends[job.BackendType]
	if !ok {
		writeError(w, http.StatusInternalServerError, "backend '"+string(job.BackendType)+"' is not configured")
		return
	}
	signalled, err := backend.Cancel(r.Context(), id)
	if err != nil {
		writeBackendErr(w, err)
		return
	}

	job.Status = types.JobCancelled
	completed := nowUTC()
	job.CompletedAt = &completed
	if err := s.Store.UpdateJob(job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Audit != nil {
		s.Audit.Record("job_cancelled", map[string]any{"job_id": id, "signalled": signalled})
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job " + id + " cancelled", "status": string(types.JobCancelled)})
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Store.GetJob(id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job '"+id+"' not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	backend, ok := s.backends[job.BackendType]
	if !ok {
		writeError(w, http.StatusInternalServerError, "backend '"+string(job.BackendType)+"' is not configured")
		return
	}
	stdout, stderr := backend.Logs(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "stdout": stdout, "stderr": stderr})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Store.GetJob(id); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job '"+id+"' not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Store.SoftDelete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job " + id + " deleted"})
}
