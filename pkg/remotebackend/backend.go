// Package remotebackend runs neuroimaging jobs as Docker containers on
// any SSH-reachable Linux host with Docker installed -- EC2, a cloud
// VM, or a spare on-prem box. It is grounded directly on
// original_source/backend/execution/remote_docker_backend.py: the
// same job directory layout, container naming scheme, docker inspect
// status mapping, and docker CLI invocations, driven here over
// pkg/sshsession instead of paramiko (spec.md 4.F).
package remotebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/executor"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/neuroinsight/orchestrator/pkg/registry"
	"github.com/neuroinsight/orchestrator/pkg/sshsession"
	"github.com/neuroinsight/orchestrator/pkg/types"
)

// dockerStateMap mirrors the original's _DOCKER_STATE_MAP; "exited" is
// resolved to completed/failed by inspecting the exit code separately.
var dockerStateMap = map[string]types.JobStatus{
	"created":    types.JobPending,
	"running":    types.JobRunning,
	"paused":     types.JobRunning,
	"restarting": types.JobRunning,
	"removing":   types.JobRunning,
	"dead":       types.JobFailed,
}

// Backend runs jobs as Docker containers on a remote host over SSH.
type Backend struct {
	session       *sshsession.Session
	workDir       string
	gpuFlag       string
	store         jobstore.Store
	registry      *registry.Registry
	allowedImages []string
}

// New constructs a remote Docker backend that drives session (already
// configured via sshsession.Session.Configure) to launch containers
// under workDir.
func New(session *sshsession.Session, workDir string, store jobstore.Store, reg *registry.Registry, allowedImages []string) *Backend {
	if workDir == "" {
		workDir = "/tmp/neuroinsight"
	}
	return &Backend{
		session:       session,
		workDir:       workDir,
		gpuFlag:       "--gpus all",
		store:         store,
		registry:      reg,
		allowedImages: allowedImages,
	}
}

var _ execbackend.Backend = (*Backend)(nil)

// Session exposes the underlying SSH session for connection-state
// metrics (pkg/metrics reads ConnectionInfo off of it).
func (b *Backend) Session() *sshsession.Session {
	return b.session
}

// containerName generates the same "neuroinsight_<12-hex>" name the
// original backend used so remote hosts carrying mixed job history
// remain recognizable.
func containerName(jobID string) string {
	compact := strings.ReplaceAll(jobID, "-", "")
	if len(compact) > 12 {
		compact = compact[:12]
	}
	return "neuroinsight_" + compact
}

func (b *Backend) jobDir(jobID string) string {
	return path.Join(b.workDir, "jobs", jobID)
}

func (b *Backend) Submit(ctx context.Context, spec *types.JobSpec, jobID string) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if !b.session.IsConnected() {
		return "", &execbackend.ConnectionLostError{Err: fmt.Errorf("ssh session not connected")}
	}

	allowed := b.allowedImages
	if len(allowed) == 0 {
		allowed = executor.DefaultAllowedRegistryPrefixes
	}
	if !executor.IsAllowedImage(spec.ContainerImage, allowed) {
		return "", &execbackend.SubmitError{Reason: "image not in allow list: " + spec.ContainerImage}
	}

	name := containerName(jobID)
	jobDir := b.jobDir(jobID)
	if _, err := b.session.ExecuteChecked(ctx, fmt.Sprintf("mkdir -p %s/inputs %s/outputs %s/logs", jobDir, jobDir, jobDir)); err != nil {
		return "", &execbackend.SubmitError{Reason: "create remote job directories", Err: err}
	}

	var plugin *types.Plugin
	if spec.PluginID != "" && b.registry != nil {
		plugin = b.registry.GetPlugin(spec.PluginID)
	}

	for _, plan := range executor.PlanInputStaging(inputKeys(plugin), spec.InputFiles) {
		remote := path.Join(jobDir, "inputs", plan.TargetName)
		if err := b.session.PutFile(ctx, plan.SourcePath, remote); err != nil {
			log.Errorf(fmt.Sprintf("remotebackend: upload %s for job %s", plan.SourcePath, jobID), err)
		}
	}

	params := executor.ResolveParameters(plugin, spec)

	template := spec.CommandTemplate
	if template == "" && plugin != nil {
		template = plugin.CommandTemplate()
	}
	command := executor.BuildCommand(template, params)

	args := []string{
		"docker run -d",
		"--name " + name,
		fmt.Sprintf("--cpus=%d", maxInt(1, int(spec.Resources.CPUs))),
		fmt.Sprintf("--memory=%dg", maxInt(1, int(spec.Resources.MemoryGB))),
		fmt.Sprintf("-v %s/inputs:/data/inputs:ro", jobDir),
		fmt.Sprintf("-v %s/outputs:/data/outputs:rw", jobDir),
	}
	if spec.Resources.GPU {
		args = append(args, b.gpuFlag)
	}
	args = append(args,
		fmt.Sprintf("-e OMP_NUM_THREADS=%d", maxInt(1, int(spec.Resources.CPUs))),
		fmt.Sprintf("-e ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS=%d", maxInt(1, int(spec.Resources.CPUs))),
		"-e NEUROINSIGHT_JOB_ID="+jobID,
	)
	args = append(args, spec.ContainerImage)
	if command != "" {
		args = append(args, fmt.Sprintf("bash -c %s", shellQuote(command)))
	}
	fullCmd := strings.Join(args, " ")

	pullCmd := fmt.Sprintf("docker image inspect %s > /dev/null 2>&1 || docker pull %s", spec.ContainerImage, spec.ContainerImage)
	if _, err := b.session.Execute(ctx, pullCmd); err != nil {
		log.Errorf(fmt.Sprintf("remotebackend: pull/inspect image for job %s", jobID), err)
	}

	result, err := b.session.Execute(ctx, fullCmd)
	if err != nil {
		return "", &execbackend.ConnectionLostError{Err: err}
	}
	if result.ExitCode != 0 {
		return "", &execbackend.SubmitError{Reason: "docker run failed on remote host: " + strings.TrimSpace(result.Stderr)}
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:             jobID,
		BackendType:    types.BackendRemoteDocker,
		BackendJobID:   name,
		PipelineName:   spec.PipelineName,
		ContainerImage: spec.ContainerImage,
		InputFiles:     spec.InputFiles,
		Parameters:     spec.Parameters,
		Resources:      spec.Resources,
		Status:         types.JobRunning,
		SubmittedAt:    now,
		StartedAt:      &now,
		OutputDir:      spec.OutputDir,
		ExecutionMode:  spec.ExecutionMode,
		PluginID:       spec.PluginID,
		WorkflowID:     spec.WorkflowID,
	}
	if err := b.store.CreateJob(job); err != nil {
		return "", &execbackend.SubmitError{Reason: "persist job record", Err: err}
	}

	meta, _ := json.MarshalIndent(map[string]any{
		"job_id":         jobID,
		"container_name": name,
		"pipeline_name":  spec.PipelineName,
		"image":          spec.ContainerImage,
		"submitted_at":   now.Format(time.RFC3339),
	}, "", "  ")
	if err := b.session.WriteFile(ctx, path.Join(jobDir, "job_meta.json"), string(meta), 0o644); err != nil {
		log.Errorf(fmt.Sprintf("remotebackend: write job_meta.json for job %s", jobID), err)
	}

	go b.tailContainerLog(jobID, name, jobDir)

	return jobID, nil
}

// tailContainerLog launches a detached remote process that appends
// the container's combined stdout+stderr to logs/container.log for
// the lifetime of the run (spec.md 4.H.10). "nohup ... &" detaches the
// tail from this SSH session so it survives past Execute returning.
func (b *Backend) tailContainerLog(jobID, containerName, jobDir string) {
	cmd := fmt.Sprintf(
		"nohup sh -c 'docker logs -f %s >> %s/logs/container.log 2>&1' > /dev/null 2>&1 &",
		containerName, jobDir,
	)
	if _, err := b.session.Execute(context.Background(), cmd); err != nil {
		log.Errorf(fmt.Sprintf("remotebackend: start container.log tail for job %s", jobID), err)
	}
}

// persistExitLogs captures the container's exit-time stdout and
// stderr into separate files on the remote host (spec.md 4.H.10),
// distinct from the live merged container.log tailContainerLog writes.
func (b *Backend) persistExitLogs(ctx context.Context, jobID, containerName, jobDir string) {
	cmd := fmt.Sprintf(
		"docker logs %s > %s/logs/stdout.log 2> %s/logs/stderr.log",
		containerName, jobDir, jobDir,
	)
	if _, err := b.session.Execute(ctx, cmd); err != nil {
		log.Errorf(fmt.Sprintf("remotebackend: persist exit logs for job %s", jobID), err)
	}
}

func (b *Backend) Status(ctx context.Context, jobID string) (types.JobStatus, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return "", execbackend.ErrNotFound
	}
	if job.BackendJobID == "" || !b.session.IsConnected() {
		return job.Status, nil
	}

	result, err := b.session.Execute(ctx, fmt.Sprintf(
		`docker inspect --format "{{.State.Status}} {{.State.ExitCode}}" %s 2>/dev/null`, job.BackendJobID))
	if err != nil || result.ExitCode != 0 {
		return job.Status, nil
	}

	parts := strings.Fields(strings.TrimSpace(result.Stdout))
	if len(parts) < 2 {
		return job.Status, nil
	}
	state := strings.ToLower(parts[0])
	exitCode, _ := strconv.Atoi(parts[1])

	status, known := dockerStateMap[state]
	if state == "exited" {
		if exitCode == 0 {
			status = types.JobCompleted
		} else {
			status = types.JobFailed
		}
		known = true
	}
	if !known {
		return job.Status, nil
	}

	if status != job.Status {
		job.Status = status
		if status.IsTerminal() {
			code := exitCode
			job.ExitCode = &code
			completed := time.Now().UTC()
			job.CompletedAt = &completed
			if status == types.JobCompleted {
				job.Progress = 100
				job.CurrentPhase = "Completed"
			}
			if status == types.JobFailed {
				job.ErrorMessage = fmt.Sprintf("container exited with code %d", exitCode)
			}
			b.persistExitLogs(ctx, jobID, job.BackendJobID, b.jobDir(jobID))
		}
		if err := b.store.UpdateJob(job); err != nil {
			log.Errorf(fmt.Sprintf("remotebackend: persist status change for job %s", jobID), err)
		}
	}
	return status, nil
}

func (b *Backend) Info(ctx context.Context, jobID string) (*execbackend.JobInfo, error) {
	if _, err := b.Status(ctx, jobID); err != nil {
		return nil, err
	}
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return nil, execbackend.ErrNotFound
	}
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
	}, nil
}

func (b *Backend) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return false, execbackend.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	if job.BackendJobID != "" && b.session.IsConnected() {
		result, err := b.session.Execute(ctx, fmt.Sprintf("docker stop %s 2>/dev/null", job.BackendJobID))
		if err != nil {
			return false, &execbackend.ConnectionLostError{Err: err}
		}
		if result.ExitCode != 0 {
			return false, nil
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
	if err != nil || job.BackendJobID == "" || !b.session.IsConnected() {
		return "", ""
	}

	jobDir := b.jobDir(jobID)
	stdout, stdoutErr := b.session.ReadFile(ctx, path.Join(jobDir, "logs", "stdout.log"))
	stderr, stderrErr := b.session.ReadFile(ctx, path.Join(jobDir, "logs", "stderr.log"))
	if stdoutErr == nil && stderrErr == nil {
		return stdout, stderr
	}

	result, err := b.session.Execute(ctx, fmt.Sprintf("docker logs --tail 1000 %s 2>&1", job.BackendJobID))
	if err != nil {
		return "", ""
	}
	return result.Stdout, result.Stderr
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
		infos = append(infos, &execbackend.JobInfo{
			ID: j.ID, Status: j.Status, Progress: j.Progress, CurrentPhase: j.CurrentPhase,
			SubmittedAt: j.SubmittedAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
			ExitCode: j.ExitCode, BackendJobID: j.BackendJobID, OutputDir: j.OutputDir, ErrorMessage: j.ErrorMessage,
		})
	}
	return infos, nil
}

func (b *Backend) Cleanup(ctx context.Context, jobID string) (bool, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return false, execbackend.ErrNotFound
	}
	cleaned := false
	if job.BackendJobID != "" && b.session.IsConnected() {
		if _, err := b.session.Execute(ctx, fmt.Sprintf("docker rm -f %s 2>/dev/null", job.BackendJobID)); err == nil {
			cleaned = true
		}
		if _, err := b.session.Execute(ctx, fmt.Sprintf("rm -rf %s", b.jobDir(jobID))); err == nil {
			cleaned = true
		}
	}
	if err := b.store.SoftDelete(jobID); err != nil {
		return cleaned, err
	}
	return true, nil
}

func (b *Backend) Health(ctx context.Context) execbackend.HealthReport {
	health := b.session.HealthCheck(ctx)
	return execbackend.HealthReport{
		Healthy: health.Healthy,
		Message: health.Message,
		Details: map[string]any{
			"backend_type": "remote_docker",
			"work_dir":     b.workDir,
			"ssh":          health.Info,
		},
	}
}

func shellQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// inputKeys returns a plugin's declared input keys in required-then-
// optional order, the rename targets executor.PlanInputStaging uses
// (spec.md 4.H.3).
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
