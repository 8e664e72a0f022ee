package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroinsight/orchestrator/pkg/audit"
	"github.com/neuroinsight/orchestrator/pkg/executor"
	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/registry"
	"github.com/neuroinsight/orchestrator/pkg/results"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/neuroinsight/orchestrator/pkg/workflow"
)

const testPlugin = `
type: plugin
id: recon_all
version: "1.2.0"
name: FreeSurfer recon-all
container:
  image: freesurfer/freesurfer
  runtime: docker
execution:
  command_template: "recon-all -s {subject_id} -i {t1w}"
visibility:
  user_selectable: true
resources:
  default:
    memory_gb: 8
    cpus: 4
    time_hours: 4
    gpu: false
`

// fakeBackend mirrors the real backends' store-upsert contract just
// enough for the HTTP layer's tests: Submit performs the CreateJob a
// real backend's submit() would, Status/Cancel/Logs are scripted.
type fakeBackend struct {
	store       jobstore.Store
	cancelled   bool
	cancelValue bool
	stdout      string
	stderr      string
}

func (f *fakeBackend) Submit(ctx context.Context, spec *types.JobSpec, jobID string) (string, error) {
	now := time.Now().UTC()
	return jobID, f.store.CreateJob(&types.Job{
		ID:            jobID,
		BackendType:   types.BackendLocal,
		PipelineName:  spec.PipelineName,
		InputFiles:    spec.InputFiles,
		Parameters:    spec.Parameters,
		Resources:     spec.Resources,
		Status:        types.JobRunning,
		SubmittedAt:   now,
		StartedAt:     &now,
		OutputDir:     spec.OutputDir,
		ExecutionMode: spec.ExecutionMode,
		PluginID:      spec.PluginID,
	})
}

func (f *fakeBackend) Status(ctx context.Context, jobID string) (types.JobStatus, error) {
	job, err := f.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (f *fakeBackend) Info(ctx context.Context, jobID string) (*execbackend.JobInfo, error) {
	job, err := f.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	return &execbackend.JobInfo{ID: job.ID, Status: job.Status, Progress: job.Progress}, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, jobID string) (bool, error) {
	f.cancelled = true
	return f.cancelValue, nil
}

func (f *fakeBackend) Logs(ctx context.Context, jobID string) (string, string) {
	return f.stdout, f.stderr
}

func (f *fakeBackend) List(ctx context.Context, statusFilter *types.JobStatus, limit int) ([]*execbackend.JobInfo, error) {
	return nil, nil
}

func (f *fakeBackend) Cleanup(ctx context.Context, jobID string) (bool, error) {
	return true, nil
}

func (f *fakeBackend) Health(ctx context.Context) execbackend.HealthReport {
	return execbackend.HealthReport{Healthy: true, Message: "ok"}
}

var _ execbackend.Backend = (*fakeBackend)(nil)

func newTestServer(t *testing.T) (*Server, *fakeBackend, jobstore.Store) {
	t.Helper()

	pluginsDir := t.TempDir()
	workflowsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pluginsDir, "recon_all.yaml"), []byte(testPlugin), 0o600))

	reg, err := registry.New(pluginsDir, workflowsDir)
	require.NoError(t, err)

	store, err := jobstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	backend := &fakeBackend{store: store}
	backends := map[types.BackendKind]execbackend.Backend{types.BackendLocal: backend}

	dataDir := t.TempDir()
	auditLog, err := audit.New(t.TempDir(), 10)
	require.NoError(t, err)

	dispatcher := executor.NewDispatcher("", backends)
	exec := workflow.New(reg, store, dispatcher, backends, nil, auditLog, dataDir, 5*time.Millisecond)
	resultsSvc := results.New(dataDir, store, auditLog)

	srv := New(reg, store, exec, resultsSvc, nil, auditLog, backends, types.BackendLocal, "test")
	return srv, backend, store
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthReportsOverallStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Equal(t, "ok", resp.Checks["backend:local"])
}

func TestListAndGetPlugin(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/plugins", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var listResp map[string][]types.Plugin
	decodeBody(t, rec, &listResp)
	assert.Len(t, listResp["plugins"], 1)

	rec = doRequest(t, srv, http.MethodGet, "/api/plugins/recon_all", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var plugin types.Plugin
	decodeBody(t, rec, &plugin)
	assert.Equal(t, "1.2.0", plugin.Version)
}

func TestGetPluginNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/plugins/does_not_exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLockfileGenerateAndVerifyRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/registry/lockfile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lf types.Lockfile
	decodeBody(t, rec, &lf)

	rec = doRequest(t, srv, http.MethodPost, "/api/registry/verify", lf)
	require.Equal(t, http.StatusOK, rec.Code)
	var report registry.VerifyReport
	decodeBody(t, rec, &report)
	assert.Equal(t, registry.VerifyOK, report.Status)
}

func TestSubmitPluginHappyPathThenListAndGet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/plugins/recon_all/submit", submitRequest{
		Backend:    types.BackendLocal,
		InputFiles: []string{"/tmp/t1.nii.gz"},
		Parameters: map[string]any{"subject_id": "sub-01"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "pending", resp["status"])
	assert.Equal(t, "recon_all", resp["plugin"])

	rec = doRequest(t, srv, http.MethodGet, "/api/jobs/"+resp["job_id"], nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitUnknownPluginReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/plugins/unknown/submit", submitRequest{Backend: types.BackendLocal})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJobAlreadyTerminalReturns400(t *testing.T) {
	srv, _, store := newTestServer(t)

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(&types.Job{
		ID:          "terminal-job",
		BackendType: types.BackendLocal,
		Status:      types.JobCompleted,
		SubmittedAt: now,
		CompletedAt: &now,
	}))

	rec := doRequest(t, srv, http.MethodPost, "/api/jobs/terminal-job/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRunningJobSucceeds(t *testing.T) {
	srv, backend, store := newTestServer(t)
	backend.cancelValue = true

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(&types.Job{
		ID:          "running-job",
		BackendType: types.BackendLocal,
		Status:      types.JobRunning,
		SubmittedAt: now,
		StartedAt:   &now,
	}))

	rec := doRequest(t, srv, http.MethodPost, "/api/jobs/running-job/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, backend.cancelled)

	job, err := store.GetJob("running-job")
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, job.Status)
}

func TestJobLogsReturnsStdoutAndStderr(t *testing.T) {
	srv, backend, store := newTestServer(t)
	backend.stdout = "starting\n"
	backend.stderr = "warning: low disk space\n"

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(&types.Job{
		ID:          "log-job",
		BackendType: types.BackendLocal,
		Status:      types.JobRunning,
		SubmittedAt: now,
	}))

	rec := doRequest(t, srv, http.MethodGet, "/api/jobs/log-job/logs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "log-job", resp["job_id"])
	assert.Equal(t, backend.stdout, resp["stdout"])
	assert.Equal(t, backend.stderr, resp["stderr"])
}

func TestDeleteJobSoftDeletesAndHidesJob(t *testing.T) {
	srv, _, store := newTestServer(t)

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(&types.Job{
		ID:          "delete-me",
		BackendType: types.BackendLocal,
		Status:      types.JobCompleted,
		SubmittedAt: now,
		CompletedAt: &now,
	}))

	rec := doRequest(t, srv, http.MethodDelete, "/api/jobs/delete-me", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/jobs/delete-me", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackendSwitchAndCurrent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/hpc/backend/current", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(types.BackendLocal), resp["backend"])

	rec = doRequest(t, srv, http.MethodPost, "/api/hpc/backend/switch", backendSwitchRequest{Backend: types.BackendSLURM})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "slurm backend is not configured in this test server")
}

func TestHPCPartitionsWithoutSlurmBackendReturns400(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/hpc/partitions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsProgressOnlyListsActiveJobs(t *testing.T) {
	srv, _, store := newTestServer(t)

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(&types.Job{
		ID: "active-job", BackendType: types.BackendLocal, Status: types.JobRunning,
		Progress: 40, CurrentPhase: "Processing", SubmittedAt: now,
	}))
	require.NoError(t, store.CreateJob(&types.Job{
		ID: "done-job", BackendType: types.BackendLocal, Status: types.JobCompleted,
		Progress: 100, CurrentPhase: "Completed", SubmittedAt: now, CompletedAt: &now,
	}))

	rec := doRequest(t, srv, http.MethodGet, "/api/jobs/progress", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]jobProgressEntry
	decodeBody(t, rec, &resp)
	require.Len(t, resp["jobs"], 1)
	assert.Equal(t, "active-job", resp["jobs"][0].ID)
}
