package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/audit"
	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/executor"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/objectstore"
	"github.com/neuroinsight/orchestrator/pkg/registry"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingObjectStore simulates an unreachable object store so tests can
// assert that post-processing failures never flip job status.
type failingObjectStore struct{}

func (failingObjectStore) UploadInput(ctx context.Context, objectName, filePath string) (string, error) {
	return "", assertErr
}
func (failingObjectStore) DownloadInput(ctx context.Context, objectName, destPath string) error {
	return assertErr
}
func (failingObjectStore) UploadOutput(ctx context.Context, jobID, objectName, filePath string) (string, error) {
	return "", assertErr
}
func (failingObjectStore) UploadOutputDir(ctx context.Context, jobID, localDir, prefix string) (int, error) {
	return 0, assertErr
}
func (failingObjectStore) DownloadOutput(ctx context.Context, jobID, objectName, destPath string) error {
	return assertErr
}
func (failingObjectStore) PresignOutput(ctx context.Context, jobID, objectName string, expires time.Duration) (string, error) {
	return "", assertErr
}
func (failingObjectStore) ListOutputs(ctx context.Context, jobID, prefix string) ([]objectstore.ObjectInfo, error) {
	return nil, assertErr
}
func (failingObjectStore) Health(ctx context.Context) objectstore.HealthReport {
	return objectstore.HealthReport{Healthy: false}
}

var _ objectstore.Store = failingObjectStore{}

// fakeBackend is a scriptable execbackend.Backend that mirrors the
// real backends' store-upsert contract: Submit creates the job row
// (status running), and Status walks a per-job sequence of statuses,
// one step per poll, persisting status/progress/completed_at exactly
// as localbackend/remotebackend/slurmbackend do on a terminal
// transition, holding on the sequence's last entry once exhausted.
type fakeBackend struct {
	mu        sync.Mutex
	store     jobstore.Store
	submitted map[string]*types.JobSpec
	sequence  []types.JobStatus
	calls     map[string]int
	stdout    string
}

func newFakeBackend(store jobstore.Store, sequence []types.JobStatus) *fakeBackend {
	return &fakeBackend{
		store:     store,
		submitted: map[string]*types.JobSpec{},
		sequence:  sequence,
		calls:     map[string]int{},
	}
}

func (f *fakeBackend) Submit(ctx context.Context, spec *types.JobSpec, jobID string) (string, error) {
	f.mu.Lock()
	f.submitted[jobID] = spec
	f.mu.Unlock()

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
		WorkflowID:    spec.WorkflowID,
	})
}

func (f *fakeBackend) Status(ctx context.Context, jobID string) (types.JobStatus, error) {
	f.mu.Lock()
	i := f.calls[jobID]
	if i >= len(f.sequence) {
		i = len(f.sequence) - 1
	}
	f.calls[jobID]++
	status := f.sequence[i]
	f.mu.Unlock()

	job, err := f.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if status != job.Status {
		job.Status = status
		if status.IsTerminal() {
			now := time.Now().UTC()
			job.CompletedAt = &now
			if status == types.JobCompleted {
				job.Progress = 100
				job.CurrentPhase = "Completed"
			}
		}
		if err := f.store.UpdateJob(job); err != nil {
			return "", err
		}
	}
	return status, nil
}

func (f *fakeBackend) Info(ctx context.Context, jobID string) (*execbackend.JobInfo, error) {
	return nil, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, jobID string) (bool, error) { return true, nil }

func (f *fakeBackend) Logs(ctx context.Context, jobID string) (string, string) {
	return f.stdout, ""
}

func (f *fakeBackend) List(ctx context.Context, statusFilter *types.JobStatus, limit int) ([]*execbackend.JobInfo, error) {
	return nil, nil
}

func (f *fakeBackend) Cleanup(ctx context.Context, jobID string) (bool, error) { return true, nil }

func (f *fakeBackend) Health(ctx context.Context) execbackend.HealthReport {
	return execbackend.HealthReport{Healthy: true}
}

var assertErr = &execbackend.ConnectionLostError{Err: context.DeadlineExceeded}

var _ execbackend.Backend = (*fakeBackend)(nil)

const reconPlugin = `
type: plugin
id: recon_all
version: "1.0.0"
name: FreeSurfer recon-all
container:
  image: freesurfer/freesurfer
execution:
  command_template: "recon-all -s {subject_id}"
milestones:
  - marker: "Starting"
    percentage: 10
    label: "Starting"
  - marker: "Done"
    percentage: 100
    label: "Finished"
`

const secondStepPlugin = `
type: plugin
id: segment
version: "1.0.0"
name: Segmentation
container:
  image: freesurfer/segment
execution:
  command_template: "segment -i {input}"
`

const twoStepWorkflow = `
type: workflow
id: anat_pipeline
version: "1.0.0"
name: Anatomical pipeline
steps:
  - id: step1
    uses: recon_all
  - id: step2
    uses: segment
`

func newTestRegistry(t *testing.T, pluginYAML map[string]string, workflowYAML map[string]string) *registry.Registry {
	t.Helper()
	pluginsDir := t.TempDir()
	workflowsDir := t.TempDir()
	for name, content := range pluginYAML {
		require.NoError(t, os.WriteFile(filepath.Join(pluginsDir, name+".yaml"), []byte(content), 0o600))
	}
	for name, content := range workflowYAML {
		require.NoError(t, os.WriteFile(filepath.Join(workflowsDir, name+".yaml"), []byte(content), 0o600))
	}
	r, err := registry.New(pluginsDir, workflowsDir)
	require.NoError(t, err)
	return r
}

// newTestStore builds a fresh BoltDB-backed job store for one test.
func newTestStore(t *testing.T) jobstore.Store {
	t.Helper()
	store, err := jobstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	return store
}

// newTestExecutor wires reg/store/backend into an Executor with a fast
// poll interval so tests don't wait on the production 3s default.
func newTestExecutor(t *testing.T, reg *registry.Registry, store jobstore.Store, backend execbackend.Backend) *Executor {
	t.Helper()
	auditLog, err := audit.New(t.TempDir(), audit.DefaultMaxFileSizeMB)
	require.NoError(t, err)
	backends := map[types.BackendKind]execbackend.Backend{types.BackendLocal: backend}
	dispatcher := executor.NewDispatcher("", backends)
	return New(reg, store, dispatcher, backends, nil, auditLog, t.TempDir(), 10*time.Millisecond)
}

func waitForTerminal(t *testing.T, e *Executor, jobID string) *types.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.Store.GetJob(jobID)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestSubmitPluginHappyPathReachesCompletedWithFullProgress(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"recon_all": reconPlugin}, nil)
	store := newTestStore(t)
	backend := newFakeBackend(store, []types.JobStatus{types.JobRunning, types.JobRunning, types.JobCompleted})
	backend.stdout = "Starting\nDone\n"
	e := newTestExecutor(t, reg, store, backend)

	jobID, err := e.SubmitPlugin(context.Background(), "recon_all", types.BackendLocal, []string{"/tmp/in.nii"}, nil, nil)
	require.NoError(t, err)

	job := waitForTerminal(t, e, jobID)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestSubmitPluginUnknownPluginReturnsError(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"recon_all": reconPlugin}, nil)
	store := newTestStore(t)
	backend := newFakeBackend(store, []types.JobStatus{types.JobCompleted})
	e := newTestExecutor(t, reg, store, backend)

	_, err := e.SubmitPlugin(context.Background(), "does_not_exist", types.BackendLocal, nil, nil, nil)
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestSubmitPluginUnconfiguredBackendReturnsError(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"recon_all": reconPlugin}, nil)
	store := newTestStore(t)
	backend := newFakeBackend(store, []types.JobStatus{types.JobCompleted})
	e := newTestExecutor(t, reg, store, backend)

	_, err := e.SubmitPlugin(context.Background(), "recon_all", types.BackendSLURM, nil, nil, nil)
	assert.ErrorIs(t, err, ErrBackendNotConfigured)
}

func TestSubmitWorkflowUnresolvedStepPluginFailsFast(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"recon_all": reconPlugin}, map[string]string{"anat_pipeline": twoStepWorkflow})
	store := newTestStore(t)
	backend := newFakeBackend(store, []types.JobStatus{types.JobCompleted})
	e := newTestExecutor(t, reg, store, backend)

	_, err := e.SubmitWorkflow(context.Background(), "anat_pipeline", types.BackendLocal, nil, nil)
	assert.ErrorIs(t, err, ErrStepPluginUnresolved)
}

func TestSubmitWorkflowTwoStepsChainOutputsAndReachesCompleted(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{
		"recon_all": reconPlugin,
		"segment":   secondStepPlugin,
	}, map[string]string{"anat_pipeline": twoStepWorkflow})
	store := newTestStore(t)
	backend := newFakeBackend(store, []types.JobStatus{types.JobCompleted})
	e := newTestExecutor(t, reg, store, backend)

	jobID, err := e.SubmitWorkflow(context.Background(), "anat_pipeline", types.BackendLocal, []string{"/tmp/in.nii"}, nil)
	require.NoError(t, err)

	job := waitForTerminal(t, e, jobID)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)

	backend.mu.Lock()
	step2Spec, ok := backend.submitted[jobID]
	backend.mu.Unlock()
	require.True(t, ok)
	assert.Contains(t, step2Spec.InputFiles[0], "step1")
}

func TestSubmitPluginFailureMarksJobFailed(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"recon_all": reconPlugin}, nil)
	store := newTestStore(t)
	backend := newFakeBackend(store, []types.JobStatus{types.JobFailed})
	e := newTestExecutor(t, reg, store, backend)

	jobID, err := e.SubmitPlugin(context.Background(), "recon_all", types.BackendLocal, nil, nil, nil)
	require.NoError(t, err)

	job := waitForTerminal(t, e, jobID)
	assert.Equal(t, types.JobFailed, job.Status)
}

func TestPostProcessMirrorFailureNeverFailsTheJob(t *testing.T) {
	reg := newTestRegistry(t, map[string]string{"recon_all": reconPlugin}, nil)
	store := newTestStore(t)
	backend := newFakeBackend(store, []types.JobStatus{types.JobCompleted})
	e := newTestExecutor(t, reg, store, backend)
	e.ObjectStore = failingObjectStore{}

	jobID, err := e.SubmitPlugin(context.Background(), "recon_all", types.BackendLocal, nil, nil, nil)
	require.NoError(t, err)

	job := waitForTerminal(t, e, jobID)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
}
