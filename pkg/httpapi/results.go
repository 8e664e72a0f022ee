package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neuroinsight/orchestrator/pkg/results"
)

// writeResultsErr maps pkg/results' sentinel errors to spec.md 7's
// convention: 404 for a job with no output yet or a missing result
// kind, 400 for a path-traversal attempt.
func writeResultsErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, results.ErrNoResults), errors.Is(err, results.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, results.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleResultFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	files, err := s.Results.ListFiles(id)
	if err != nil {
		writeResultsErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleResultVolumes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	volumes, err := s.Results.Volumes(id)
	if err != nil {
		writeResultsErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"volumes": volumes})
}

func (s *Server) handleResultSegmentations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	segmentations, err := s.Results.Segmentations(id)
	if err != nil {
		writeResultsErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segmentations": segmentations})
}

func (s *Server) handleResultLabels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	labels, source, err := s.Results.Labels(id)
	if err != nil {
		writeResultsErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"labels": labels, "source": source})
}

func (s *Server) handleResultMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	metrics, csvFiles, sources, err := s.Results.Metrics(id)
	if err != nil {
		writeResultsErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": metrics, "csv_files": csvFiles, "sources": sources})
}

func (s *Server) handleResultDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filePath := r.URL.Query().Get("file_path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "file_path query parameter is required")
		return
	}
	absPath, mediaType, err := s.Results.ResolveDownloadPath(id, filePath)
	if err != nil {
		writeResultsErr(w, err)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	http.ServeFile(w, r, absPath)
}

func (s *Server) handleResultExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Results.Exists(id) {
		writeError(w, http.StatusNotFound, "job '"+id+"' has no output directory")
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+results.ExportFilename(id)+"\"")
	if err := s.Results.Export(id, w); err != nil {
		writeResultsErr(w, err)
		return
	}
}

func (s *Server) handleResultProvenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	provenance, err := s.Results.Provenance(id)
	if err != nil {
		writeResultsErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provenance)
}
