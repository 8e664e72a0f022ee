package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neuroinsight/orchestrator/pkg/types"
)

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	userSelectableOnly := r.URL.Query().Get("user_selectable_only") == "true"
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.Registry.ListPlugins(userSelectableOnly)})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plugin := s.Registry.GetPlugin(id)
	if plugin == nil {
		writeError(w, http.StatusNotFound, "plugin '"+id+"' not found")
		return
	}
	writeJSON(w, http.StatusOK, plugin)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.Registry.ListWorkflows()})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf := s.Registry.GetWorkflow(id)
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow '"+id+"' not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleLockfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.GenerateLockfile())
}

func (s *Server) handleVerifyLockfile(w http.ResponseWriter, r *http.Request) {
	var lf types.Lockfile
	if err := json.NewDecoder(r.Body).Decode(&lf); err != nil {
		writeError(w, http.StatusBadRequest, "malformed lockfile body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.VerifyLockfile(lf))
}

func (s *Server) handleReloadRegistry(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	if s.Audit != nil {
		s.Audit.Record("registry_reloaded", nil)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
