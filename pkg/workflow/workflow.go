// Package workflow is the Job Executor: it resolves a plugin or
// workflow submission into one or more backend jobs, drives a
// workflow's steps through in order sharing one output tree, tracks
// progress by tailing container logs against each plugin's
// milestones, and runs best-effort post-processing (artefact
// conversion, object-store mirror) once the last step completes. It
// is the orchestration glue between pkg/registry, pkg/executor's
// dispatch/queue primitives, and the three execbackend.Backend
// implementations.
package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neuroinsight/orchestrator/pkg/audit"
	"github.com/neuroinsight/orchestrator/pkg/executor"
	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/neuroinsight/orchestrator/pkg/objectstore"
	"github.com/neuroinsight/orchestrator/pkg/registry"
	"github.com/neuroinsight/orchestrator/pkg/types"
)

// ErrPluginNotFound is returned when a submission names an unknown plugin.
var ErrPluginNotFound = fmt.Errorf("workflow: plugin not found in registry")

// ErrWorkflowNotFound is returned when a submission names an unknown workflow.
var ErrWorkflowNotFound = fmt.Errorf("workflow: workflow not found in registry")

// ErrStepPluginUnresolved is returned when a workflow step references
// a plugin id the registry cannot resolve (spec.md invariant 10).
var ErrStepPluginUnresolved = fmt.Errorf("workflow: step plugin not resolved in registry")

// ErrBackendNotConfigured is returned when the requested backend kind
// has no wired execbackend.Backend.
var ErrBackendNotConfigured = fmt.Errorf("workflow: backend not configured")

// Executor ties the registry, job store, durable dispatcher, the
// three execution backends, and object-store mirroring into one
// re-entrant submission/progress-tracking surface.
type Executor struct {
	Registry    *registry.Registry
	Store       jobstore.Store
	Dispatcher  *executor.Dispatcher
	Backends    map[types.BackendKind]execbackend.Backend
	ObjectStore objectstore.Store
	Audit       *audit.Logger
	DataDir     string

	// PollInterval governs how often a submission's background
	// goroutine re-checks backend status and re-tails logs.
	PollInterval time.Duration
}

// New constructs an Executor. pollInterval <= 0 defaults to 3s.
func New(reg *registry.Registry, store jobstore.Store, dispatcher *executor.Dispatcher, backends map[types.BackendKind]execbackend.Backend, objStore objectstore.Store, auditLog *audit.Logger, dataDir string, pollInterval time.Duration) *Executor {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Executor{
		Registry:     reg,
		Store:        store,
		Dispatcher:   dispatcher,
		Backends:     backends,
		ObjectStore:  objStore,
		Audit:        auditLog,
		DataDir:      dataDir,
		PollInterval: pollInterval,
	}
}

func (e *Executor) outputDir(jobID string) string {
	return filepath.Join(e.DataDir, "outputs", jobID)
}

func (e *Executor) backend(kind types.BackendKind) (execbackend.Backend, error) {
	b, ok := e.Backends[kind]
	if !ok || b == nil {
		return nil, ErrBackendNotConfigured
	}
	return b, nil
}

// SubmitPlugin resolves pluginID, builds a JobSpec from the submitted
// input files/parameters, and dispatches it to the named backend. It
// returns the new job id immediately; execution and post-processing
// continue in the background.
func (e *Executor) SubmitPlugin(ctx context.Context, pluginID string, backendKind types.BackendKind, inputFiles []string, params map[string]any, resources *types.ResourceSpec) (string, error) {
	plugin := e.Registry.GetPlugin(pluginID)
	if plugin == nil {
		return "", ErrPluginNotFound
	}
	if _, err := e.backend(backendKind); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	spec := e.buildPluginSpec(plugin, jobID, inputFiles, params, resources)

	if err := e.Dispatcher.Dispatch(ctx, backendKind, jobID, spec); err != nil {
		return "", err
	}
	if e.Audit != nil {
		e.Audit.Record("job_submitted", map[string]any{"job_id": jobID, "plugin_id": pluginID, "backend": string(backendKind)})
	}

	go e.finalizeWhenTerminal(backendKind, jobID, 1, 1)
	return jobID, nil
}

func (e *Executor) buildPluginSpec(plugin *types.Plugin, jobID string, inputFiles []string, params map[string]any, resources *types.ResourceSpec) *types.JobSpec {
	res := plugin.Resources.Default
	spec := &types.JobSpec{
		PipelineName:    plugin.ID,
		ContainerImage:  plugin.Container.Image,
		CommandTemplate: plugin.CommandTemplate(),
		InputFiles:      inputFiles,
		Parameters:      params,
		Resources: types.ResourceSpec{
			MemoryGB:  res.MemoryGB,
			CPUs:      res.CPUs,
			TimeHours: res.TimeHours,
			GPU:       res.GPU,
		},
		OutputDir:     e.outputDir(jobID),
		ExecutionMode: types.ModePlugin,
		PluginID:      plugin.ID,
		DataDir:       e.DataDir,
	}
	if resources != nil {
		spec.Resources = *resources
	}
	return spec
}

// SubmitWorkflow resolves workflowID, validates every step's plugin
// reference resolves in the registry (invariant 10), and runs the
// steps in order sharing one job id and output tree; step i's global
// progress is compressed into StepBand(i, totalSteps). Returns the
// job id immediately; the step chain runs in the background.
func (e *Executor) SubmitWorkflow(ctx context.Context, workflowID string, backendKind types.BackendKind, inputFiles []string, params map[string]any) (string, error) {
	wf := e.Registry.GetWorkflow(workflowID)
	if wf == nil {
		return "", ErrWorkflowNotFound
	}
	if _, err := e.backend(backendKind); err != nil {
		return "", err
	}
	for _, step := range wf.Steps {
		if e.Registry.GetPlugin(step.Uses) == nil {
			return "", fmt.Errorf("%w: step %q uses %q", ErrStepPluginUnresolved, step.ID, step.Uses)
		}
	}

	jobID := uuid.NewString()
	if err := e.Store.CreateJob(&types.Job{
		ID:            jobID,
		BackendType:   backendKind,
		PipelineName:  wf.ID,
		Status:        types.JobPending,
		SubmittedAt:   time.Now().UTC(),
		OutputDir:     e.outputDir(jobID),
		ExecutionMode: types.ModeWorkflow,
		WorkflowID:    wf.ID,
		Parameters:    params,
		InputFiles:    inputFiles,
	}); err != nil {
		return "", fmt.Errorf("workflow: persist workflow job: %w", err)
	}
	if e.Audit != nil {
		e.Audit.Record("job_submitted", map[string]any{"job_id": jobID, "workflow_id": workflowID, "backend": string(backendKind)})
	}

	go e.runWorkflowSteps(jobID, wf, backendKind, inputFiles, params)
	return jobID, nil
}

func (e *Executor) runWorkflowSteps(jobID string, wf *types.Workflow, backendKind types.BackendKind, inputFiles []string, baseParams map[string]any) {
	ctx := context.Background()
	total := len(wf.Steps)
	stepInputs := inputFiles
	var lastImage string

	for i, step := range wf.Steps {
		plugin := e.Registry.GetPlugin(step.Uses)
		if plugin == nil {
			e.markFailed(jobID, fmt.Sprintf("step %s: plugin %s no longer resolves", step.ID, step.Uses))
			return
		}

		params := mergeParams(baseParams, step.Parameters)
		spec := e.buildPluginSpec(plugin, jobID, stepInputs, params, nil)
		spec.OutputDir = filepath.Join(e.outputDir(jobID), "native", step.ID)
		lastImage = spec.ContainerImage

		if err := e.Dispatcher.Dispatch(ctx, backendKind, jobID, spec); err != nil {
			e.markFailed(jobID, fmt.Sprintf("step %s: dispatch failed: %v", step.ID, err))
			return
		}

		// Submit upserts the whole job row (status/progress reset to
		// its defaults), so the step's starting progress is only set
		// once dispatch has returned, not before.
		lo, _ := executor.StepBand(i, total)
		if err := e.Store.UpdateProgress(jobID, int(lo), fmt.Sprintf("Running step %s (%s)", step.ID, plugin.ID)); err != nil {
			log.Errorf("workflow: update progress before step", err)
		}

		status, ok := e.pollUntilTerminal(ctx, backendKind, jobID, i, total)
		if !ok {
			return
		}
		if status != types.JobCompleted {
			return
		}

		stepInputs = []string{spec.OutputDir}
	}

	if err := e.Store.UpdateProgress(jobID, 90, "Post-processing"); err != nil {
		log.Errorf("workflow: update progress before post-processing", err)
	}
	e.postProcess(jobID, lastImage)

	job, err := e.Store.GetJob(jobID)
	if err == nil {
		now := time.Now().UTC()
		job.Status = types.JobCompleted
		job.Progress = 100
		job.CurrentPhase = "Completed"
		job.CompletedAt = &now
		if err := e.Store.UpdateJob(job); err != nil {
			log.Errorf("workflow: persist workflow completion", err)
		}
	}
	if e.Audit != nil {
		e.Audit.Record("job_completed", map[string]any{"job_id": jobID, "workflow_id": wf.ID})
	}
}

func mergeParams(base, override map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// finalizeWhenTerminal polls a single-plugin job to completion and
// runs post-processing, used by SubmitPlugin's background goroutine.
func (e *Executor) finalizeWhenTerminal(backendKind types.BackendKind, jobID string, step, total int) {
	ctx := context.Background()
	status, ok := e.pollUntilTerminal(ctx, backendKind, jobID, step-1, total)
	if !ok || status != types.JobCompleted {
		return
	}
	if err := e.Store.UpdateProgress(jobID, 90, "Post-processing"); err != nil {
		log.Errorf("workflow: update progress before post-processing", err)
	}
	var containerImage string
	if job, err := e.Store.GetJob(jobID); err == nil {
		containerImage = job.ContainerImage
	}
	e.postProcess(jobID, containerImage)
	if err := e.Store.UpdateProgress(jobID, 100, "Completed"); err != nil {
		log.Errorf("workflow: update progress after post-processing", err)
	}
	if e.Audit != nil {
		e.Audit.Record("job_completed", map[string]any{"job_id": jobID})
	}
}

// pollUntilTerminal polls status/logs until the job reaches a
// terminal state, advancing progress from container log evidence via
// MilestoneTracker and scaling it into the owning step's band. It
// returns (status, true) once terminal, or (zero, false) when no
// backend is configured for backendKind; Status errors do not end the
// loop, so an unreachable backend keeps it polling.
func (e *Executor) pollUntilTerminal(ctx context.Context, backendKind types.BackendKind, jobID string, step, total int) (types.JobStatus, bool) {
	backend, err := e.backend(backendKind)
	if err != nil {
		e.markFailed(jobID, err.Error())
		return "", false
	}

	job, err := e.Store.GetJob(jobID)
	var tracker *executor.MilestoneTracker
	if err == nil && job.PluginID != "" {
		if plugin := e.Registry.GetPlugin(job.PluginID); plugin != nil && len(plugin.Milestones) > 0 {
			tracker = executor.NewMilestoneTracker(plugin.Milestones)
		}
	}

	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()

	for {
		// A Status error (e.g. *execbackend.ConnectionLostError) is
		// treated as transient here; polling simply continues.
		if status, statusErr := backend.Status(ctx, jobID); statusErr == nil && status.IsTerminal() {
			return status, true
		}

		if tracker != nil {
			stdout, _ := backend.Logs(ctx, jobID)
			if progress, label, advanced := tracker.Observe(stdout); advanced {
				scaled := executor.ScaleStepProgress(step, total, progress)
				if err := e.Store.UpdateProgress(jobID, scaled, label); err != nil {
					log.Errorf("workflow: update progress from milestone", err)
				}
			}
		}

		<-ticker.C
	}
}

func (e *Executor) markFailed(jobID, reason string) {
	job, err := e.Store.GetJob(jobID)
	if err != nil {
		log.Errorf("workflow: load job to mark failed", err)
		return
	}
	now := time.Now().UTC()
	job.Status = types.JobFailed
	job.ErrorMessage = reason
	job.CompletedAt = &now
	if err := e.Store.UpdateJob(job); err != nil {
		log.Errorf("workflow: persist failed status", err)
	}
	if e.Audit != nil {
		e.Audit.Record("job_failed", map[string]any{"job_id": jobID, "reason": reason})
	}
}

// postProcess converts any FreeSurfer volumes lacking a viewer-ready
// twin, then mirrors the job's output tree to the object store
// (spec.md 4.H.9). Both steps are best-effort peripherals: failures
// are logged warnings and never change job status (spec.md 7).
func (e *Executor) postProcess(jobID, containerImage string) {
	e.convertArtefacts(jobID, containerImage)

	if e.ObjectStore == nil {
		return
	}
	count, err := e.ObjectStore.UploadOutputDir(context.Background(), jobID, e.outputDir(jobID), "")
	if err != nil {
		log.Errorf("workflow: object-store mirror failed", err)
		if e.Audit != nil {
			e.Audit.Record("object_store_mirror_failed", map[string]any{"job_id": jobID, "error": err.Error()})
		}
		return
	}
	if e.Audit != nil {
		e.Audit.Record("object_store_mirrored", map[string]any{"job_id": jobID, "file_count": count})
	}
}

// convertArtefacts finds every *.mgz file under native/ and, for each
// missing a *.nii.gz twin in bundle/volumes/, shells out to
// mri_convert inside the pipeline's own container image to produce
// one, reusing the container-launch hardening of spec.md 4.H.6
// (no-new-privileges, network none). containerImage empty (no step
// ran, or the plugin record vanished) skips conversion entirely.
func (e *Executor) convertArtefacts(jobID, containerImage string) {
	if containerImage == "" {
		return
	}
	nativeDir := filepath.Join(e.outputDir(jobID), "native")
	volumesDir := filepath.Join(e.outputDir(jobID), "bundle", "volumes")
	if err := os.MkdirAll(volumesDir, 0o755); err != nil {
		log.Errorf("workflow: create bundle/volumes dir", err)
		return
	}

	var mgzFiles []string
	err := filepath.WalkDir(nativeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".mgz") {
			mgzFiles = append(mgzFiles, path)
		}
		return nil
	})
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("workflow: walk native dir for artefact conversion", err)
		}
		return
	}

	for _, src := range mgzFiles {
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		dst := filepath.Join(volumesDir, base+".nii.gz")
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := e.convertVolume(jobID, containerImage, src, dst); err != nil {
			log.Errorf(fmt.Sprintf("workflow: convert %s to %s", src, dst), err)
			if e.Audit != nil {
				e.Audit.Record("artefact_conversion_failed", map[string]any{"job_id": jobID, "file": base, "error": err.Error()})
			}
		}
	}
}

// convertVolume runs "mri_convert <in> <out>" in a disposable
// container built from image, mounting src's directory read-only and
// dst's directory read-write so mri_convert sees both paths directly.
func (e *Executor) convertVolume(jobID, image, src, dst string) error {
	srcDir, srcName := filepath.Split(src)
	dstDir, dstName := filepath.Split(dst)

	args := []string{
		"run", "--rm",
		"--label", "managed-by=neuroinsight-orchestrator",
		"--label", "job_id=" + jobID,
		"--security-opt", "no-new-privileges",
		"--network", "none",
		"-v", fmt.Sprintf("%s:/convert/in:ro", filepath.Clean(srcDir)),
		"-v", fmt.Sprintf("%s:/convert/out", filepath.Clean(dstDir)),
		image,
		"mri_convert", "/convert/in/" + srcName, "/convert/out/" + dstName,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker run mri_convert: %w: %s", err, out.String())
	}
	return nil
}
