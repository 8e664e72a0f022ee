package slurmbackend

import (
	"testing"

	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSbatchJobID(t *testing.T) {
	id, err := parseSbatchJobID("Submitted batch job 123456\n")
	require.NoError(t, err)
	assert.Equal(t, "123456", id)
}

func TestParseSbatchJobIDErrorsOnUnexpectedOutput(t *testing.T) {
	_, err := parseSbatchJobID("sbatch: error: invalid partition")
	require.Error(t, err)
}

func TestParseSlurmStatusMapping(t *testing.T) {
	cases := map[string]types.JobStatus{
		"PENDING":       types.JobPending,
		"RUNNING":       types.JobRunning,
		"COMPLETING":    types.JobRunning,
		"COMPLETED":     types.JobCompleted,
		"CANCELLED+":    types.JobCancelled,
		"TIMEOUT":       types.JobFailed,
		"OUT_OF_MEMORY": types.JobFailed,
	}
	for raw, want := range cases {
		got, ok := parseSlurmStatus(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestParseSlurmStatusUnknownStateNotOK(t *testing.T) {
	_, ok := parseSlurmStatus("")
	assert.False(t, ok)
}

func TestSplitNonEmptyLinesTrims(t *testing.T) {
	lines := splitNonEmptyLines("general\n  gpu  \n\ndebug\n")
	assert.Equal(t, []string{"general", "gpu", "debug"}, lines)
}

func TestGenerateSbatchScriptEmbedsResourceDirectivesAndCommand(t *testing.T) {
	b := &Backend{cfg: Config{Partition: "general", ContainerRuntime: "singularity"}}
	spec := &types.JobSpec{
		PipelineName:   "recon_all",
		ContainerImage: "freesurfer/freesurfer:7.4.1",
		Resources:      types.ResourceSpec{MemoryGB: 16, CPUs: 8, TimeHours: 12},
	}
	script := b.generateSbatchScript(spec, "job-12345678", "/scratch/neuroinsight/jobs/job-12345678", "recon-all -s {subject}", map[string]any{"subject": "sub-01"})

	assert.Contains(t, script, "#SBATCH --partition=general")
	assert.Contains(t, script, "#SBATCH --mem=16G")
	assert.Contains(t, script, "#SBATCH --cpus-per-task=8")
	assert.Contains(t, script, "#SBATCH --time=12:00:00")
	assert.Contains(t, script, "recon-all -s sub-01")
	assert.Contains(t, script, "singularity exec")
}
