package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlugin = `
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
  ui_category: structural
  ui_label: "FreeSurfer recon-all"
inputs:
  required:
    - key: t1w
      label: T1-weighted image
      format: nifti
`

const sampleWorkflow = `
type: workflow
id: anat_pipeline
version: "1.0.0"
name: Anatomical pipeline
steps:
  - id: step1
    uses: recon_all
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestRegistryLoadsPluginsAndWorkflows(t *testing.T) {
	pluginsDir := t.TempDir()
	workflowsDir := t.TempDir()
	writeFile(t, pluginsDir, "recon_all.yaml", samplePlugin)
	writeFile(t, workflowsDir, "anat_pipeline.yaml", sampleWorkflow)

	r, err := New(pluginsDir, workflowsDir)
	require.NoError(t, err)

	p := r.GetPlugin("recon_all")
	require.NotNil(t, p)
	assert.Equal(t, "1.2.0", p.Version)
	assert.NotEmpty(t, p.ContentHash)
	assert.Equal(t, "recon-all -s {subject_id} -i {t1w}", p.CommandTemplate())

	w := r.GetWorkflow("anat_pipeline")
	require.NotNil(t, w)
	assert.Equal(t, "1.0.0", w.Version)
}

func TestCommandTemplateLookupOrder(t *testing.T) {
	tests := []struct {
		name     string
		plugin   types.Plugin
		expected string
	}{
		{
			name: "stage command_template wins",
			plugin: types.Plugin{
				Execution: types.Execution{
					Stages:          []types.Stage{{ID: "s1", CommandTemplate: "from-stage"}},
					CommandTemplate: "from-execution",
				},
				Command: "from-top",
			},
			expected: "from-stage",
		},
		{
			name: "execution command_template used when no stages",
			plugin: types.Plugin{
				Execution: types.Execution{CommandTemplate: "from-execution"},
				Command:   "from-top",
			},
			expected: "from-execution",
		},
		{
			name: "top-level command is the final fallback",
			plugin: types.Plugin{
				Command: "from-top",
			},
			expected: "from-top",
		},
		{
			name:     "nothing set yields empty string",
			plugin:   types.Plugin{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.plugin.CommandTemplate())
		})
	}
}

func TestUserSelectablePluginWithoutCommandTemplateIsSkipped(t *testing.T) {
	pluginsDir := t.TempDir()
	workflowsDir := t.TempDir()
	writeFile(t, pluginsDir, "broken.yaml", `
type: plugin
id: broken
version: "0.1.0"
name: Broken plugin
visibility:
  user_selectable: true
`)

	r, err := New(pluginsDir, workflowsDir)
	require.NoError(t, err)
	assert.Nil(t, r.GetPlugin("broken"))
	assert.Empty(t, r.ListPlugins(false))
}

func TestWorkflowWithUnresolvedStepDoesNotAbortLoad(t *testing.T) {
	pluginsDir := t.TempDir()
	workflowsDir := t.TempDir()
	writeFile(t, workflowsDir, "broken_wf.yaml", `
type: workflow
id: broken_wf
version: "1.0.0"
name: Dangling step
steps:
  - id: step1
    uses: nonexistent_plugin
`)

	r, err := New(pluginsDir, workflowsDir)
	require.NoError(t, err)
	w := r.GetWorkflow("broken_wf")
	require.NotNil(t, w)
	assert.Equal(t, "nonexistent_plugin", w.Steps[0].Uses)
}

func TestReloadIsAtomic(t *testing.T) {
	pluginsDir := t.TempDir()
	workflowsDir := t.TempDir()
	writeFile(t, pluginsDir, "recon_all.yaml", samplePlugin)

	r, err := New(pluginsDir, workflowsDir)
	require.NoError(t, err)
	require.NotNil(t, r.GetPlugin("recon_all"))

	before := r.snap()
	require.NoError(t, r.Reload())
	after := r.snap()

	assert.NotSame(t, before, after, "reload must install a new snapshot value, not mutate the old one")
	assert.NotNil(t, r.GetPlugin("recon_all"), "plugin must still resolve after reload")
}

func TestContentHashStableUnderKeyReordering(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeFile(t, dirA, "p.yaml", `
type: plugin
id: p
version: "1.0.0"
name: P
container:
  image: img
  runtime: docker
`)
	writeFile(t, dirB, "p.yaml", `
type: plugin
name: P
version: "1.0.0"
id: p
container:
  runtime: docker
  image: img
`)

	rA, err := New(dirA, t.TempDir())
	require.NoError(t, err)
	rB, err := New(dirB, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, rA.GetPlugin("p").ContentHash, rB.GetPlugin("p").ContentHash)
}

func TestGenerateAndVerifyLockfileRoundTrip(t *testing.T) {
	pluginsDir := t.TempDir()
	workflowsDir := t.TempDir()
	writeFile(t, pluginsDir, "recon_all.yaml", samplePlugin)
	writeFile(t, workflowsDir, "anat_pipeline.yaml", sampleWorkflow)

	r, err := New(pluginsDir, workflowsDir)
	require.NoError(t, err)

	lf := r.GenerateLockfile()
	report := r.VerifyLockfile(lf)
	assert.Equal(t, VerifyOK, report.Status)
	assert.Empty(t, report.Plugins)
	assert.Empty(t, report.Workflows)
}

func TestVerifyLockfileDetectsMismatches(t *testing.T) {
	pluginsDir := t.TempDir()
	workflowsDir := t.TempDir()
	writeFile(t, pluginsDir, "recon_all.yaml", samplePlugin)

	r, err := New(pluginsDir, workflowsDir)
	require.NoError(t, err)
	lf := r.GenerateLockfile()

	lf.Plugins["missing_one"] = types.LockfilePluginEntry{Version: "1.0.0"}

	entry := lf.Plugins["recon_all"]
	entry.Version = "9.9.9"
	lf.Plugins["recon_all"] = entry

	report := r.VerifyLockfile(lf)
	assert.Equal(t, VerifyMismatch, report.Status)
	require.Len(t, report.Plugins, 2)

	kinds := map[string]MismatchKind{}
	for _, m := range report.Plugins {
		kinds[m.ID] = m.Issue
	}
	assert.Equal(t, MismatchMissing, kinds["missing_one"])
	assert.Equal(t, MismatchVersionChanged, kinds["recon_all"])
}
