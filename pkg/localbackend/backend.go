// Package localbackend runs neuroimaging jobs as Docker containers on
// the same host as the orchestrator, mimicking remote/SLURM behaviour
// for development and small single-machine deployments (spec.md 4.E).
// It follows a container lifecycle of create -> start -> monitor ->
// stop -> cleanup, shelling out to the docker CLI via
// exec.CommandContext.
package localbackend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/executor"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/neuroinsight/orchestrator/pkg/registry"
	"github.com/neuroinsight/orchestrator/pkg/types"
)

// ContainerLabel marks every container this backend launches (spec.md
// 4.E, mirroring the original's "neuroinsight" label filter). Health
// does not count containers by this label; it reports the size of the
// backend's in-memory running map.
const ContainerLabel = "managed-by=neuroinsight-orchestrator"

// Backend runs jobs as local Docker containers via the docker CLI.
type Backend struct {
	dataDir      string
	dockerBin    string
	store        jobstore.Store
	registry     *registry.Registry
	allowedImages []string

	mu       sync.Mutex
	running  map[string]string // jobID -> containerID, for jobs launched this process
}

// New constructs a local Docker backend rooted at dataDir.
func New(dataDir string, store jobstore.Store, reg *registry.Registry, allowedImages []string) *Backend {
	for _, sub := range []string{"outputs", "uploads"} {
		_ = os.MkdirAll(filepath.Join(dataDir, sub), 0o755)
	}
	return &Backend{
		dataDir:       dataDir,
		dockerBin:     "docker",
		store:         store,
		registry:      reg,
		allowedImages: allowedImages,
		running:       make(map[string]string),
	}
}

var _ execbackend.Backend = (*Backend)(nil)

func (b *Backend) outputDir(jobID string) string {
	return filepath.Join(b.dataDir, "outputs", jobID)
}

// Submit validates the image against the allow list, creates the
// canonical output tree, resolves the command, launches the container
// detached, and records the job (spec.md 4.E).
func (b *Backend) Submit(ctx context.Context, spec *types.JobSpec, jobID string) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}

	allowed := b.allowedImages
	if len(allowed) == 0 {
		allowed = executor.DefaultAllowedRegistryPrefixes
	}
	if !executor.IsAllowedImage(spec.ContainerImage, allowed) {
		return "", &execbackend.SubmitError{Reason: "image not in allow list: " + spec.ContainerImage}
	}

	outDir := b.outputDir(jobID)
	for _, sub := range []string{"native", "bundle/volumes", "bundle/metrics", "bundle/qc", "logs", "_inputs"} {
		if err := os.MkdirAll(filepath.Join(outDir, sub), 0o755); err != nil {
			return "", &execbackend.SubmitError{Reason: "create output dir", Err: err}
		}
	}

	var plugin *types.Plugin
	if spec.PluginID != "" && b.registry != nil {
		plugin = b.registry.GetPlugin(spec.PluginID)
	}

	if _, err := executor.StageInputs(filepath.Join(outDir, "_inputs"), executor.PlanInputStaging(inputKeys(plugin), spec.InputFiles)); err != nil {
		return "", &execbackend.SubmitError{Reason: "stage input files", Err: err}
	}

	params := executor.ResolveParameters(plugin, spec)

	template := spec.CommandTemplate
	if template == "" && plugin != nil {
		template = plugin.CommandTemplate()
	}
	command := executor.BuildCommand(template, params)

	now := time.Now().UTC()
	job := &types.Job{
		ID:             jobID,
		BackendType:    types.BackendLocal,
		PipelineName:   spec.PipelineName,
		ContainerImage: spec.ContainerImage,
		InputFiles:     spec.InputFiles,
		Parameters:     spec.Parameters,
		Resources:      spec.Resources,
		Status:         types.JobPending,
		Progress:       0,
		CurrentPhase:   "Queued",
		SubmittedAt:    now,
		OutputDir:      outDir,
		ExecutionMode:  spec.ExecutionMode,
		PluginID:       spec.PluginID,
		WorkflowID:     spec.WorkflowID,
	}
	if err := b.store.CreateJob(job); err != nil {
		return "", &execbackend.SubmitError{Reason: "persist job record", Err: err}
	}

	containerID, err := b.runContainer(ctx, jobID, spec, command, outDir)
	if err != nil {
		job.Status = types.JobFailed
		job.ErrorMessage = err.Error()
		completed := time.Now().UTC()
		job.CompletedAt = &completed
		_ = b.store.UpdateJob(job)
		return jobID, &execbackend.SubmitError{Reason: "launch container", Err: err}
	}

	b.mu.Lock()
	b.running[jobID] = containerID
	b.mu.Unlock()

	job.BackendJobID = containerID
	job.Status = types.JobRunning
	started := time.Now().UTC()
	job.StartedAt = &started
	if err := b.store.UpdateJob(job); err != nil {
		log.Errorf(fmt.Sprintf("localbackend: update job %s after launch", jobID), err)
	}

	go b.tailContainerLog(jobID, containerID, outDir)
	go b.monitor(jobID, containerID)

	return jobID, nil
}

func (b *Backend) runContainer(ctx context.Context, jobID string, spec *types.JobSpec, command, outDir string) (string, error) {
	memLimit := fmt.Sprintf("%dg", maxInt(1, int(spec.Resources.MemoryGB)))
	cpus := spec.Resources.CPUs
	if cpus <= 0 {
		cpus = 1
	}

	args := []string{
		"run", "-d",
		"--label", ContainerLabel,
		"--label", "job_id=" + jobID,
		"--security-opt", "no-new-privileges",
		"--network", "none",
		"--memory", memLimit,
		"--cpus", strconv.Itoa(cpus),
		"-e", fmt.Sprintf("OMP_NUM_THREADS=%d", cpus),
		"-e", fmt.Sprintf("ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS=%d", cpus),
		"-e", "NEUROINSIGHT_JOB_ID=" + jobID,
		"-v", fmt.Sprintf("%s:/inputs:ro", filepath.Join(outDir, "_inputs")),
		"-v", fmt.Sprintf("%s:/outputs", filepath.Join(outDir, "native")),
	}
	args = append(args, spec.ContainerImage)
	if command != "" {
		args = append(args, "sh", "-c", command)
	}

	out, err := b.docker(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("docker run: %w: %s", err, out)
	}
	return strings.TrimSpace(out), nil
}

func (b *Backend) docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.dockerBin, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// monitor waits for the container to exit and updates the stored job
// record accordingly, mirroring the original's container.wait() loop.
func (b *Backend) monitor(jobID, containerID string) {
	ctx := context.Background()
	out, err := b.docker(ctx, "wait", containerID)
	exitCode := -1
	if err == nil {
		if code, convErr := strconv.Atoi(strings.TrimSpace(out)); convErr == nil {
			exitCode = code
		}
	}

	job, getErr := b.store.GetJob(jobID)
	if getErr != nil {
		log.Errorf(fmt.Sprintf("localbackend: monitor: job %s vanished from store", jobID), getErr)
		return
	}

	b.saveLogs(jobID, containerID, job.OutputDir)

	completed := time.Now().UTC()
	job.CompletedAt = &completed
	code := exitCode
	job.ExitCode = &code
	if exitCode == 0 {
		job.Status = types.JobCompleted
		job.Progress = 100
		job.CurrentPhase = "Completed"
	} else {
		job.Status = types.JobFailed
		job.ErrorMessage = fmt.Sprintf("container exited with code %d", exitCode)
	}
	if err := b.store.UpdateJob(job); err != nil {
		log.Errorf(fmt.Sprintf("localbackend: monitor: persist completion for %s", jobID), err)
	}

	_, _ = b.docker(context.Background(), "rm", "-f", containerID)

	b.mu.Lock()
	delete(b.running, jobID)
	b.mu.Unlock()
}

// tailContainerLog appends the container's combined stdout+stderr to
// logs/container.log for the lifetime of the run (spec.md 4.H.10). It
// returns once the container stops and "docker logs -f" closes its
// stream.
func (b *Backend) tailContainerLog(jobID, containerID, outDir string) {
	path := filepath.Join(outDir, "logs", "container.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Errorf(fmt.Sprintf("localbackend: open container.log for job %s", jobID), err)
		return
	}
	defer f.Close()

	cmd := exec.CommandContext(context.Background(), b.dockerBin, "logs", "-f", containerID)
	cmd.Stdout = f
	cmd.Stderr = f
	_ = cmd.Run()
}

// saveLogs captures the container's exit-time stdout and stderr as
// separate files (spec.md 4.H.10), distinct from the live merged
// container.log tailed by tailContainerLog.
func (b *Backend) saveLogs(jobID, containerID, outDir string) {
	cmd := exec.CommandContext(context.Background(), b.dockerBin, "logs", containerID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Errorf(fmt.Sprintf("localbackend: capture exit logs for job %s", jobID), err)
	}
	_ = os.WriteFile(filepath.Join(outDir, "logs", "stdout.log"), stdout.Bytes(), 0o644)
	_ = os.WriteFile(filepath.Join(outDir, "logs", "stderr.log"), stderr.Bytes(), 0o644)
}

func (b *Backend) Status(ctx context.Context, jobID string) (types.JobStatus, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return "", execbackend.ErrNotFound
	}
	return job.Status, nil
}

func (b *Backend) Info(ctx context.Context, jobID string) (*execbackend.JobInfo, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return nil, execbackend.ErrNotFound
	}
	return jobToInfo(job), nil
}

func jobToInfo(job *types.Job) *execbackend.JobInfo {
	return &execbackend.JobInfo{
		ID:           job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentPhase: job.CurrentPhase,
		SubmittedAt:  job.SubmittedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ExitCode:     job.ExitCode,
		BackendJobID: job.BackendJobID,
		OutputDir:    job.OutputDir,
		ErrorMessage: job.ErrorMessage,
	}
}

// Cancel stops the container with a 10-second grace period, matching
// the original's cancel_job timeout (spec.md 4.E).
func (b *Backend) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return false, execbackend.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	if job.BackendJobID != "" {
		if _, err := b.docker(ctx, "stop", "-t", "10", job.BackendJobID); err != nil {
			log.Errorf(fmt.Sprintf("localbackend: stop container for job %s", jobID), err)
		}
	}

	job.Status = types.JobCancelled
	completed := time.Now().UTC()
	job.CompletedAt = &completed
	if err := b.store.UpdateJob(job); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) Logs(ctx context.Context, jobID string) (string, string) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return "", ""
	}
	stdout, _ := os.ReadFile(filepath.Join(job.OutputDir, "logs", "stdout.log"))
	stderr, _ := os.ReadFile(filepath.Join(job.OutputDir, "logs", "stderr.log"))
	if len(stdout) == 0 && len(stderr) == 0 && job.BackendJobID != "" {
		var outBuf, errBuf bytes.Buffer
		cmd := exec.CommandContext(ctx, b.dockerBin, "logs", job.BackendJobID)
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf
		_ = cmd.Run()
		stdout, stderr = outBuf.Bytes(), errBuf.Bytes()
	}
	return string(stdout), string(stderr)
}

func (b *Backend) List(ctx context.Context, statusFilter *types.JobStatus, limit int) ([]*execbackend.JobInfo, error) {
	var jobs []*types.Job
	var err error
	if statusFilter != nil {
		jobs, err = b.store.ListJobsByStatus(*statusFilter)
	} else {
		jobs, err = b.store.ListJobs()
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	infos := make([]*execbackend.JobInfo, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, jobToInfo(j))
	}
	return infos, nil
}

func (b *Backend) Cleanup(ctx context.Context, jobID string) (bool, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return false, execbackend.ErrNotFound
	}
	cleaned := false

	if job.BackendJobID != "" {
		if _, err := b.docker(ctx, "rm", "-f", job.BackendJobID); err == nil {
			cleaned = true
		}
	}
	if job.OutputDir != "" {
		if err := os.RemoveAll(job.OutputDir); err == nil {
			cleaned = true
		}
	}
	if err := b.store.SoftDelete(jobID); err != nil {
		return cleaned, err
	}
	return true, nil
}

func (b *Backend) Health(ctx context.Context) execbackend.HealthReport {
	out, err := b.docker(ctx, "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		return execbackend.HealthReport{
			Healthy: false,
			Message: "docker is not available: " + err.Error(),
			Details: map[string]any{"backend_type": "local"},
		}
	}

	b.mu.Lock()
	active := len(b.running)
	b.mu.Unlock()

	return execbackend.HealthReport{
		Healthy: true,
		Message: "docker is available",
		Details: map[string]any{
			"backend_type":          "local",
			"docker_version":        strings.TrimSpace(out),
			"active_job_containers": active,
			"data_dir":              b.dataDir,
		},
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// inputKeys returns a plugin's declared input keys in required-then-
// optional order, the rename targets executor.PlanInputStaging uses
// (spec.md 4.H.3). Returns nil for a plain plugin-less job, which
// falls staged files back to their original basenames.
func inputKeys(plugin *types.Plugin) []string {
	if plugin == nil {
		return nil
	}
	specs := plugin.Inputs.AllInputs()
	keys := make([]string, 0, len(specs))
	for _, in := range specs {
		keys = append(keys, in.Key)
	}
	return keys
}
