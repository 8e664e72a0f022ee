// Package httpapi exposes the job-orchestration surface over HTTP
// using chi: plugin/workflow catalog, job submission and lifecycle,
// result projection, and HPC backend introspection (spec.md 6.2).
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/neuroinsight/orchestrator/pkg/audit"
	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/neuroinsight/orchestrator/pkg/objectstore"
	"github.com/neuroinsight/orchestrator/pkg/registry"
	"github.com/neuroinsight/orchestrator/pkg/results"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/neuroinsight/orchestrator/pkg/workflow"
)

// Server wires the route table to its collaborators.
type Server struct {
	Registry  *registry.Registry
	Store     jobstore.Store
	Executor  *workflow.Executor
	Results   *results.Service
	Object    objectstore.Store
	Audit     *audit.Logger
	Version   string

	backends map[types.BackendKind]execbackend.Backend
	current  atomic.Value // types.BackendKind
}

// New constructs a Server. initialBackend selects the backend active
// at startup (spec.md 6.4's BACKEND_TYPE); switching it afterwards is
// done through POST /api/hpc/backend/switch (an atomic pointer swap,
// the same guard pkg/registry uses for its snapshot).
func New(reg *registry.Registry, store jobstore.Store, exec *workflow.Executor, res *results.Service, obj objectstore.Store, auditLog *audit.Logger, backends map[types.BackendKind]execbackend.Backend, initialBackend types.BackendKind, version string) *Server {
	s := &Server{
		Registry: reg,
		Store:    store,
		Executor: exec,
		Results:  res,
		Object:   obj,
		Audit:    auditLog,
		Version:  version,
		backends: backends,
	}
	s.current.Store(initialBackend)
	return s
}

// CurrentBackendKind returns the backend switch's current value.
func (s *Server) CurrentBackendKind() types.BackendKind {
	return s.current.Load().(types.BackendKind)
}

func (s *Server) currentBackend() (execbackend.Backend, error) {
	kind := s.CurrentBackendKind()
	b, ok := s.backends[kind]
	if !ok {
		return nil, errBackendNotConfigured(kind)
	}
	return b, nil
}

// Router builds the full chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/plugins", s.handleListPlugins)
		r.Get("/plugins/{id}", s.handleGetPlugin)
		r.Post("/plugins/{id}/submit", s.handleSubmitPlugin)

		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Post("/workflows/{id}/submit", s.handleSubmitWorkflow)

		r.Get("/registry/lockfile", s.handleLockfile)
		r.Post("/registry/verify", s.handleVerifyLockfile)
		r.Post("/registry/reload", s.handleReloadRegistry)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/progress", s.handleJobsProgress)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/jobs/{id}/logs", s.handleJobLogs)
		r.Delete("/jobs/{id}", s.handleDeleteJob)

		r.Get("/results/{id}/files", s.handleResultFiles)
		r.Get("/results/{id}/volume", s.handleResultVolumes)
		r.Get("/results/{id}/segmentation", s.handleResultSegmentations)
		r.Get("/results/{id}/labels", s.handleResultLabels)
		r.Get("/results/{id}/metrics", s.handleResultMetrics)
		r.Get("/results/{id}/download", s.handleResultDownload)
		r.Get("/results/{id}/export", s.handleResultExport)
		r.Get("/results/{id}/provenance", s.handleResultProvenance)

		r.Post("/hpc/backend/switch", s.handleBackendSwitch)
		r.Get("/hpc/backend/current", s.handleBackendCurrent)
		r.Get("/hpc/partitions", s.handleHPCPartitions)
		r.Get("/hpc/queue", s.handleHPCQueue)
		r.Get("/hpc/accounts", s.handleHPCAccounts)
		r.Get("/hpc/system-info", s.handleSystemInfo)
		r.Get("/hpc/resource-presets", s.handleResourcePresets)
	})

	return r
}

// requestLogger logs one line per request at Info (Warn for 4xx, Error
// for 5xx) tagged with chi's request id, so a line in logs/ can be
// correlated back to the job-submission or results call that caused
// it.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqLog := log.WithRequestID(chimiddleware.GetReqID(r.Context()))

		next.ServeHTTP(ww, r)

		ev := reqLog.Info()
		switch {
		case ww.Status() >= 500:
			ev = reqLog.Error()
		case ww.Status() >= 400:
			ev = reqLog.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg(fmt.Sprintf("%s %s", r.Method, r.URL.Path))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeBackendErr maps an execbackend error to the HTTP status spec.md
// 7 assigns it: 503 for a lost SSH connection, 404 for an unknown job,
// 500 for anything else unexpected.
func writeBackendErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var connErr *execbackend.ConnectionLostError
	var httpErr *httpError
	switch {
	case errors.As(err, &connErr):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &httpErr):
		writeError(w, httpErr.status, httpErr.message)
	case errors.Is(err, execbackend.ErrNotFound), errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func errBackendNotConfigured(kind types.BackendKind) error {
	return &httpError{status: http.StatusServiceUnavailable, message: "backend " + string(kind) + " is not configured"}
}

func nowUTC() time.Time { return time.Now().UTC() }
