package results

import (
	"archive/tar"
	"compress/gzip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := jobstore.NewBoltStore(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(dataDir, store, nil), dataDir
}

func TestListFilesExcludesInputsAndClassifiesTypes(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-1")
	writeFile(t, filepath.Join(outDir, "native", "brain.mgz"), "vol")
	writeFile(t, filepath.Join(outDir, "_inputs", "raw.nii.gz"), "skip-me")
	writeFile(t, filepath.Join(outDir, "logs", "run.log"), "log")

	files, err := svc.ListFiles("job-1")
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, filepath.ToSlash(filepath.Join("native", "brain.mgz")))
	assert.Contains(t, names, filepath.ToSlash(filepath.Join("logs", "run.log")))
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "_inputs"))
	}
}

func TestListFilesNoOutputDirReturnsErrNoResults(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ListFiles("missing-job")
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestVolumesFallsBackToAnyNifti(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-2")
	writeFile(t, filepath.Join(outDir, "native", "weird_name.nii.gz"), "x")

	volumes, err := svc.Volumes("job-2")
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Contains(t, volumes[0].Name, "weird_name.nii.gz")
}

func TestVolumesPrefersWellKnownNames(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-3")
	writeFile(t, filepath.Join(outDir, "native", "norm.nii.gz"), "x")
	writeFile(t, filepath.Join(outDir, "native", "other.nii.gz"), "x")

	volumes, err := svc.Volumes("job-3")
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Contains(t, volumes[0].Name, "norm.nii.gz")
}

func TestResolveDownloadPathBlocksTraversal(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-4")
	writeFile(t, filepath.Join(outDir, "native", "brain.mgz"), "x")

	_, _, err := svc.ResolveDownloadPath("job-4", "../../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestResolveDownloadPathReturnsMediaType(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-5")
	writeFile(t, filepath.Join(outDir, "metrics.json"), "{}")

	path, mediaType, err := svc.ResolveDownloadPath("job-5", "metrics.json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", mediaType)
	assert.True(t, strings.HasSuffix(path, "metrics.json"))
}

func TestResolveDownloadPathMissingFile(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-6")
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	_, _, err := svc.ResolveDownloadPath("job-6", "nope.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetricsAggregatesJSONStatsAndCSV(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-7")
	writeFile(t, filepath.Join(outDir, "metrics_summary.json"), `{"volume_mm3": 1234}`)
	writeFile(t, filepath.Join(outDir, "aseg.stats"), "# Measure BrainSeg, BrainSegVol, Brain Segmentation Volume, 1000.5, mm^3\n")
	writeFile(t, filepath.Join(outDir, "table.csv"), "a,b\n1,2\n")

	metrics, csvFiles, sources, err := svc.Metrics("job-7")
	require.NoError(t, err)
	assert.NotEmpty(t, metrics)
	assert.Len(t, csvFiles, 1)
	assert.NotEmpty(t, sources)
}

func TestMetricsNoneFoundReturnsErrNotFound(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-8")
	writeFile(t, filepath.Join(outDir, "raw.bin"), "x")

	_, _, _, err := svc.Metrics("job-8")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLabelsFromJSONFile(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-9")
	writeFile(t, filepath.Join(outDir, "aseg_labels.json"), `{"1": "left-cortex"}`)

	labels, source, err := svc.Labels("job-9")
	require.NoError(t, err)
	assert.Equal(t, "aseg_labels.json", source)
	assert.NotNil(t, labels)
}

func TestLabelsFallsBackToColorLUT(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-10")
	writeFile(t, filepath.Join(outDir, "FreeSurferColorLUT.txt"), "0  Unknown  0 0 0 0\n17 Left-Hippocampus 220 216 20 0\n")

	labels, source, err := svc.Labels("job-10")
	require.NoError(t, err)
	assert.Equal(t, "FreeSurferColorLUT.txt", source)
	parsed, ok := labels.(map[string]ColorLUTLabel)
	require.True(t, ok)
	assert.Equal(t, "Left-Hippocampus", parsed["17"].Name)
	assert.Equal(t, "#dcd814", parsed["17"].Color)
}

func TestExportProducesTarGzExcludingInputs(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-11")
	writeFile(t, filepath.Join(outDir, "native", "brain.mgz"), "volume-data")
	writeFile(t, filepath.Join(outDir, "_inputs", "raw.nii.gz"), "should-not-appear")

	var buf bytes.Buffer
	require.NoError(t, svc.Export("job-11", &buf))

	gzr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)

	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "native/brain.mgz")
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "_inputs"))
	}
}

func TestProvenanceReadsJobSpecAndStoreTiming(t *testing.T) {
	svc, dataDir := newTestService(t)
	outDir := filepath.Join(dataDir, "outputs", "job-12")
	writeFile(t, filepath.Join(outDir, "job_spec.json"), `{"container_image": "freesurfer/freesurfer:7.4.1", "plugin_id": "recon_all"}`)

	now := time.Now().UTC()
	require.NoError(t, svc.store.CreateJob(&types.Job{
		ID:          "job-12",
		BackendType: types.BackendLocal,
		Status:      types.JobCompleted,
		SubmittedAt: now,
	}))

	prov, err := svc.Provenance("job-12")
	require.NoError(t, err)
	assert.Equal(t, "freesurfer/freesurfer:7.4.1", prov.ContainerImage)
	assert.Equal(t, "recon_all", prov.PluginID)
	assert.Contains(t, prov.ReproCommand, "docker run --rm")
	assert.NotEmpty(t, prov.Execution["submitted_at"])
}

func TestExportFilenameTruncatesToEightChars(t *testing.T) {
	assert.Equal(t, "neuroinsight_12345678_results.tar.gz", ExportFilename("12345678-abcd-ef01-2345-67890abcdef0"))
}
