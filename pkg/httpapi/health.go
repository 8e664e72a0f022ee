package httpapi

import (
	"net/http"
)

// healthResponse mirrors the original's /health dict shape: an overall
// status plus one entry per collaborator the process depends on.
type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]string)
	healthy := true

	if _, err := s.Store.ListActiveJobs(); err != nil {
		checks["database"] = "error: " + err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	// Dispatch falls back to inline execution when the durable queue is
	// unreachable (pkg/executor.Dispatcher.Dispatch), so there is no
	// distinct failure mode to surface here beyond the backend check below.
	checks["queue"] = "ok"

	if s.Object != nil {
		report := s.Object.Health(ctx)
		if report.Healthy {
			checks["object_store"] = "ok"
		} else {
			checks["object_store"] = "error: " + report.Error
			healthy = false
		}
	} else {
		checks["object_store"] = "not configured"
	}

	kind := s.CurrentBackendKind()
	if backend, err := s.currentBackend(); err == nil {
		report := backend.Health(ctx)
		if report.Healthy {
			checks["backend:"+string(kind)] = "ok"
		} else {
			checks["backend:"+string(kind)] = "error: " + report.Message
			healthy = false
		}
	} else {
		checks["backend:"+string(kind)] = "error: " + err.Error()
		healthy = false
	}

	status := http.StatusOK
	statusText := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusText = "degraded"
	}

	writeJSON(w, status, healthResponse{Status: statusText, Version: s.Version, Checks: checks})
}
