package executor

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveParametersOverlaysDefaultsAndInjectsAliases(t *testing.T) {
	plugin := &types.Plugin{
		Parameters: []types.ParameterSpec{
			{Name: "threads", Default: 2},
			{Name: "quality", Default: "fast"},
		},
	}
	spec := &types.JobSpec{
		Parameters:  map[string]any{"quality": "high"},
		Resources:   types.ResourceSpec{CPUs: 4, MemoryGB: 8},
		InputFiles:  []string{"/data/t1.nii.gz"},
	}

	resolved := ResolveParameters(plugin, spec)

	assert.Equal(t, "high", resolved["quality"])
	assert.Equal(t, 4, resolved["threads"], "submitted resources override the plugin default for the thread alias")
	assert.Equal(t, 4, resolved["cpus"])
	assert.Equal(t, 8.0, resolved["mem_gb"])
	assert.Equal(t, 8192, resolved["mem_mb"])
	assert.Equal(t, 3, resolved["omp_nthreads"])
	assert.Equal(t, "/data/t1.nii.gz", resolved["input_file"])
}

func TestResolveParametersAutoFillsInputFileWithMultipleInputs(t *testing.T) {
	spec := &types.JobSpec{
		InputFiles: []string{"/data/t1.nii.gz", "/data/t2.nii.gz"},
	}
	resolved := ResolveParameters(nil, spec)
	assert.Equal(t, "/data/t1.nii.gz", resolved["input_file"], "auto-fill uses the first input regardless of how many were submitted")
}

func TestResolveParametersOmpNthreadsFloorsAtOne(t *testing.T) {
	spec := &types.JobSpec{Resources: types.ResourceSpec{CPUs: 1}}
	resolved := ResolveParameters(nil, spec)
	assert.Equal(t, 1, resolved["omp_nthreads"])
}

func TestBuildCommandSubstitutesBothPlaceholderForms(t *testing.T) {
	params := map[string]any{"subject": "sub-01", "threads": 4}
	got := BuildCommand("recon-all -s {subject} -threads ${threads}", params)
	assert.Equal(t, "recon-all -s sub-01 -threads 4", got)
}

func TestBuildCommandLeavesUnresolvedPlaceholdersLiteral(t *testing.T) {
	got := BuildCommand("run --subject {subject}", map[string]any{})
	assert.Equal(t, "run --subject {subject}", got)
}

func TestSanitizeStripsShellMetacharacters(t *testing.T) {
	got := Sanitize("sub-01; rm -rf / `whoami` $(id) {x} & | > < !")
	assert.NotContains(t, got, ";")
	assert.NotContains(t, got, "`")
	assert.NotContains(t, got, "$")
	assert.NotContains(t, got, "|")
	assert.Contains(t, got, "sub-01")
}

func TestBuildCommandSanitizesInjectedValues(t *testing.T) {
	params := map[string]any{"subject": "sub-01; rm -rf /"}
	got := BuildCommand("run {subject}", params)
	assert.NotContains(t, got, ";")
}

func TestIsAllowedImagePrefixMatch(t *testing.T) {
	allowed := []string{"freesurfer/"}
	assert.True(t, IsAllowedImage("freesurfer/freesurfer:7.4.1", allowed))
	assert.False(t, IsAllowedImage("evil.io/freesurfer/freesurfer:7.4.1", allowed))
	assert.False(t, IsAllowedImage("notfreesurfer/x", allowed))
}

func TestMilestoneTrackerAdvancesAtMostOnePerObservation(t *testing.T) {
	tracker := NewMilestoneTracker([]types.Milestone{
		{Marker: "starting", Percentage: 10, Label: "Starting"},
		{Marker: "recon-all.*finished", Percentage: 90, Label: "Recon finished"},
	})

	progress, label, advanced := tracker.Observe("starting up now\nrecon-all -all finished")
	assert.True(t, advanced)
	assert.Equal(t, 10, progress)
	assert.Equal(t, "Starting", label)

	progress, label, advanced = tracker.Observe("recon-all -all finished")
	assert.True(t, advanced)
	assert.Equal(t, 90, progress)
	assert.Equal(t, "Recon finished", label)

	progress, _, advanced = tracker.Observe("nothing relevant here")
	assert.False(t, advanced)
	assert.Equal(t, 90, progress)
}

func TestMilestoneTrackerFallsBackToSubstringMatch(t *testing.T) {
	tracker := NewMilestoneTracker([]types.Milestone{
		{Marker: "[unbalanced(regex", Percentage: 50, Label: "Halfway"},
	})
	_, _, advanced := tracker.Observe("some log line containing [unbalanced(regex literally")
	assert.True(t, advanced)
}

func TestStepBandDividesIntoNEqualBandsUpToNinety(t *testing.T) {
	lo, hi := StepBand(0, 3)
	assert.InDelta(t, 0, lo, 0.001)
	assert.InDelta(t, 30, hi, 0.001)

	lo, hi = StepBand(2, 3)
	assert.InDelta(t, 60, lo, 0.001)
	assert.InDelta(t, 90, hi, 0.001)
}

func TestScaleStepProgressMapsIntoOwningBand(t *testing.T) {
	assert.Equal(t, 45, ScaleStepProgress(1, 2, 0))
	assert.Equal(t, 90, ScaleStepProgress(1, 2, 100))
}

func TestBackoffDelaySchedule(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, 0, int(BackoffDelay(0, rng)))
	d1 := BackoffDelay(1, rng)
	d2 := BackoffDelay(2, rng)
	assert.GreaterOrEqual(t, d1.Seconds(), 60.0)
	assert.Less(t, d1.Seconds(), 75.0)
	assert.GreaterOrEqual(t, d2.Seconds(), 120.0)
	assert.Less(t, d2.Seconds(), 150.0)
}

func TestPlanInputStagingPreservesCompoundSuffixes(t *testing.T) {
	plans := PlanInputStaging([]string{"t1", "t2"}, []string{"/up/scan1.nii.gz", "/up/scan2.nii.gz"})
	require.Len(t, plans, 2)
	assert.Equal(t, "t1.nii.gz", plans[0].TargetName)
	assert.Equal(t, "t2.nii.gz", plans[1].TargetName)
}

func TestStageInputsLeavesExistingTargetsAlone(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.nii.gz")
	require.NoError(t, os.WriteFile(src, []byte("original"), 0o644))

	inputsDir := filepath.Join(dir, "_inputs")
	plans := []StagePlan{{SourcePath: src, TargetName: "t1.nii.gz"}}

	staged, err := StageInputs(inputsDir, plans)
	require.NoError(t, err)
	require.Len(t, staged, 1)

	// Overwrite source, then re-run staging: target must be untouched.
	require.NoError(t, os.WriteFile(src, []byte("changed"), 0o644))
	_, err = StageInputs(inputsDir, plans)
	require.NoError(t, err)

	content, err := os.ReadFile(staged[0])
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}
