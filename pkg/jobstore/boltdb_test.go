package jobstore

import (
	"testing"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleJob(id string, status types.JobStatus, submitted time.Time) *types.Job {
	return &types.Job{
		ID:             id,
		BackendType:    types.BackendLocal,
		PipelineName:   "recon_all",
		ContainerImage: "freesurfer/freesurfer",
		Status:         status,
		SubmittedAt:    submitted,
		OutputDir:      "/data/outputs/" + id,
		ExecutionMode:  types.ModePlugin,
		PluginID:       "recon_all",
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	job := sampleJob("job-1", types.JobPending, time.Now())
	require.NoError(t, s.CreateJob(job))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.PipelineName, got.PipelineName)
	assert.Equal(t, types.JobPending, got.Status)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobIsUpsert(t *testing.T) {
	s := newTestStore(t)
	job := sampleJob("job-1", types.JobPending, time.Now())
	require.NoError(t, s.UpdateJob(job))

	job.Status = types.JobRunning
	require.NoError(t, s.UpdateJob(job))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)
}

func TestListJobsByStatusAndActive(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.CreateJob(sampleJob("running-1", types.JobRunning, now)))
	require.NoError(t, s.CreateJob(sampleJob("pending-1", types.JobPending, now.Add(time.Second))))
	require.NoError(t, s.CreateJob(sampleJob("done-1", types.JobCompleted, now.Add(2*time.Second))))

	running, err := s.ListJobsByStatus(types.JobRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "running-1", running[0].ID)

	active, err := s.ListActiveJobs()
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestListJobsOrderedBySubmittedDesc(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	require.NoError(t, s.CreateJob(sampleJob("oldest", types.JobPending, base)))
	require.NoError(t, s.CreateJob(sampleJob("newest", types.JobPending, base.Add(time.Minute))))
	require.NoError(t, s.CreateJob(sampleJob("middle", types.JobPending, base.Add(30*time.Second))))

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"newest", "middle", "oldest"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
}

func TestSoftDeleteExcludesFromListings(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(sampleJob("job-1", types.JobCompleted, time.Now())))
	require.NoError(t, s.SoftDelete("job-1"))

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.NotNil(t, got.DeletedAt)
}

func TestUpdateProgressIsMonotonicNonDecreasing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(sampleJob("job-1", types.JobRunning, time.Now())))

	require.NoError(t, s.UpdateProgress("job-1", 40, "recon"))
	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "recon", got.CurrentPhase)

	require.NoError(t, s.UpdateProgress("job-1", 10, "stale-update"))
	got, err = s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress, "progress must never decrease")
}
