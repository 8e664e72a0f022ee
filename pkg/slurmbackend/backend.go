// Package slurmbackend submits neuroimaging jobs to an HPC cluster's
// SLURM scheduler over SSH: the generated sbatch script, job metadata
// and the submitted input files are uploaded, and processing runs on
// the cluster. Grounded directly
// on original_source/backend/execution/slurm_backend.py (spec.md 4.G).
package slurmbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
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

// slurmStateMap mirrors the original's _parse_slurm_status mapping.
var slurmStateMap = map[string]types.JobStatus{
	"PENDING":       types.JobPending,
	"CONFIGURING":   types.JobPending,
	"SUSPENDED":     types.JobPending,
	"RUNNING":       types.JobRunning,
	"COMPLETING":    types.JobRunning,
	"COMPLETED":     types.JobCompleted,
	"FAILED":        types.JobFailed,
	"TIMEOUT":       types.JobFailed,
	"OUT_OF_MEMORY": types.JobFailed,
	"NODE_FAIL":     types.JobFailed,
	"PREEMPTED":     types.JobFailed,
	"CANCELLED":     types.JobCancelled,
}

var sbatchJobIDPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

// Config holds the cluster-specific settings a SLURM backend needs.
type Config struct {
	WorkDir          string
	Partition        string
	Account          string
	QOS              string
	Modules          []string
	ContainerRuntime string // "singularity" or "apptainer"
	LicenseFile      string // optional bind-mounted license, e.g. FreeSurfer's
}

// Backend submits and tracks jobs on a SLURM cluster over SSH.
type Backend struct {
	session       *sshsession.Session
	cfg           Config
	store         jobstore.Store
	registry      *registry.Registry
	allowedImages []string
}

// New constructs a SLURM backend driving an already-configured SSH session.
func New(session *sshsession.Session, cfg Config, store jobstore.Store, reg *registry.Registry, allowedImages []string) *Backend {
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/scratch"
	}
	if cfg.Partition == "" {
		cfg.Partition = "general"
	}
	if cfg.ContainerRuntime == "" {
		cfg.ContainerRuntime = "singularity"
	}
	return &Backend{session: session, cfg: cfg, store: store, registry: reg, allowedImages: allowedImages}
}

var _ execbackend.Backend = (*Backend)(nil)

// Session exposes the underlying SSH session for connection-state
// metrics (pkg/metrics reads ConnectionInfo off of it).
func (b *Backend) Session() *sshsession.Session {
	return b.session
}

func (b *Backend) jobDir(jobID string) string {
	return path.Join(b.cfg.WorkDir, "neuroinsight", "jobs", jobID)
}

// Submit generates an sbatch script from the plugin's command
// template, uploads it, and runs sbatch (spec.md 4.G).
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

	jobDir := b.jobDir(jobID)
	for _, sub := range []string{"scripts", "logs", "inputs", "outputs/native", "outputs/bundle", "outputs/logs"} {
		if _, err := b.session.ExecuteChecked(ctx, fmt.Sprintf("mkdir -p %s/%s", jobDir, sub)); err != nil {
			return "", &execbackend.SubmitError{Reason: "create remote job directories", Err: err}
		}
	}

	var plugin *types.Plugin
	if spec.PluginID != "" && b.registry != nil {
		plugin = b.registry.GetPlugin(spec.PluginID)
	}

	for _, plan := range executor.PlanInputStaging(inputKeys(plugin), spec.InputFiles) {
		remote := path.Join(jobDir, "inputs", plan.TargetName)
		if err := b.session.PutFile(ctx, plan.SourcePath, remote); err != nil {
			return "", &execbackend.SubmitError{Reason: "stage input file " + plan.SourcePath, Err: err}
		}
	}

	template := spec.CommandTemplate
	if template == "" && plugin != nil {
		template = plugin.CommandTemplate()
	}
	params := executor.ResolveParameters(plugin, spec)

	script := b.generateSbatchScript(spec, jobID, jobDir, template, params)
	scriptPath := path.Join(jobDir, "scripts", "run.sh")
	if err := b.session.WriteFile(ctx, scriptPath, script, 0o755); err != nil {
		return "", &execbackend.SubmitError{Reason: "upload sbatch script", Err: err}
	}

	specJSON, _ := json.MarshalIndent(map[string]any{
		"job_id":          jobID,
		"pipeline_name":   spec.PipelineName,
		"container_image": spec.ContainerImage,
		"input_files":     spec.InputFiles,
		"plugin_id":       spec.PluginID,
		"workflow_id":     spec.WorkflowID,
	}, "", "  ")
	if err := b.session.WriteFile(ctx, path.Join(jobDir, "scripts", "job_spec.json"), string(specJSON), 0o644); err != nil {
		log.Errorf(fmt.Sprintf("slurmbackend: write job_spec.json for job %s", jobID), err)
	}

	out, err := b.session.ExecuteChecked(ctx, fmt.Sprintf("sbatch %s", scriptPath))
	if err != nil {
		return "", &execbackend.SubmitError{Reason: "sbatch submission failed", Err: err}
	}
	slurmID, err := parseSbatchJobID(out)
	if err != nil {
		return "", &execbackend.SubmitError{Reason: "parse sbatch output", Err: err}
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:             jobID,
		BackendType:    types.BackendSLURM,
		BackendJobID:   slurmID,
		PipelineName:   spec.PipelineName,
		ContainerImage: spec.ContainerImage,
		InputFiles:     spec.InputFiles,
		Parameters:     spec.Parameters,
		Resources:      spec.Resources,
		Status:         types.JobPending,
		CurrentPhase:   "Queued in SLURM",
		SubmittedAt:    now,
		OutputDir:      path.Join(jobDir, "outputs"),
		ExecutionMode:  spec.ExecutionMode,
		PluginID:       spec.PluginID,
		WorkflowID:     spec.WorkflowID,
	}
	if err := b.store.CreateJob(job); err != nil {
		return "", &execbackend.SubmitError{Reason: "persist job record", Err: err}
	}
	return jobID, nil
}

func parseSbatchJobID(output string) (string, error) {
	m := sbatchJobIDPattern.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("could not find job id in sbatch output: %q", output)
	}
	return m[1], nil
}

func (b *Backend) generateSbatchScript(spec *types.JobSpec, jobID, jobDir, template string, params map[string]any) string {
	res := spec.Resources
	var lines []string
	name := spec.PipelineName
	if len(name) > 20 {
		name = name[:20]
	}
	shortID := jobID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	lines = append(lines,
		"#!/bin/bash",
		fmt.Sprintf("#SBATCH --job-name=ni-%s-%s", name, shortID),
		fmt.Sprintf("#SBATCH --partition=%s", b.cfg.Partition),
		fmt.Sprintf("#SBATCH --mem=%dG", maxInt(1, int(res.MemoryGB))),
		fmt.Sprintf("#SBATCH --cpus-per-task=%d", maxInt(1, int(res.CPUs))),
		fmt.Sprintf("#SBATCH --time=%d:00:00", maxInt(1, int(res.TimeHours))),
		fmt.Sprintf("#SBATCH --output=%s/logs/slurm-%%j.out", jobDir),
		fmt.Sprintf("#SBATCH --error=%s/logs/slurm-%%j.err", jobDir),
	)
	if b.cfg.Account != "" {
		lines = append(lines, "#SBATCH --account="+b.cfg.Account)
	}
	if b.cfg.QOS != "" {
		lines = append(lines, "#SBATCH --qos="+b.cfg.QOS)
	}
	if res.GPU {
		lines = append(lines, "#SBATCH --gpus-per-node=1")
	}

	lines = append(lines, "", "set -euo pipefail", "")
	for _, mod := range b.cfg.Modules {
		lines = append(lines, "module load "+mod)
	}
	lines = append(lines, fmt.Sprintf("module load %s 2>/dev/null || true", b.cfg.ContainerRuntime), "")

	lines = append(lines,
		fmt.Sprintf(`export NEUROINSIGHT_JOB_ID="%s"`, jobID),
		fmt.Sprintf("export OMP_NUM_THREADS=%d", maxInt(1, int(res.CPUs))),
		fmt.Sprintf("export ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS=%d", maxInt(1, int(res.CPUs))),
		"",
		fmt.Sprintf("mkdir -p %s/outputs/native %s/outputs/bundle %s/outputs/logs", jobDir, jobDir, jobDir),
		"",
	)

	binds := []string{
		fmt.Sprintf("%s/inputs:/data/inputs:ro", jobDir),
		fmt.Sprintf("%s/outputs:/data/outputs:rw", jobDir),
	}
	if b.cfg.LicenseFile != "" {
		binds = append(binds, fmt.Sprintf("%s:/license/license.txt:ro", b.cfg.LicenseFile))
	}
	var bindArgs []string
	for _, bnd := range binds {
		bindArgs = append(bindArgs, "--bind "+bnd)
	}
	bindsStr := strings.Join(bindArgs, " ")

	if template != "" {
		command := executor.BuildCommand(template, params)
		lines = append(lines,
			fmt.Sprintf("cat > %s/scripts/pipeline_cmd.sh << 'NEUROINSIGHT_CMD_EOF'", jobDir),
			command,
			"NEUROINSIGHT_CMD_EOF",
			fmt.Sprintf("chmod +x %s/scripts/pipeline_cmd.sh", jobDir),
			"",
			fmt.Sprintf(
				"%s exec %s --bind %s/scripts/pipeline_cmd.sh:/run_pipeline.sh:ro docker://%s bash /run_pipeline.sh 2>&1 | tee %s/outputs/logs/container.log",
				b.cfg.ContainerRuntime, bindsStr, jobDir, spec.ContainerImage, jobDir),
		)
	} else {
		lines = append(lines, fmt.Sprintf(
			"%s run %s docker://%s 2>&1 | tee %s/outputs/logs/container.log",
			b.cfg.ContainerRuntime, bindsStr, spec.ContainerImage, jobDir))
	}

	lines = append(lines, "", `echo "job completed with exit code $?"`, "")
	return strings.Join(lines, "\n")
}

func (b *Backend) Status(ctx context.Context, jobID string) (types.JobStatus, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return "", execbackend.ErrNotFound
	}
	if job.BackendJobID == "" || !b.session.IsConnected() {
		return job.Status, nil
	}

	status, ok := b.queryStatus(ctx, job.BackendJobID)
	if !ok {
		return job.Status, nil
	}
	if status != job.Status {
		job.Status = status
		if status.IsTerminal() {
			completed := time.Now().UTC()
			job.CompletedAt = &completed
			if status == types.JobCompleted {
				job.Progress = 100
				job.CurrentPhase = "Completed"
			}
		}
		if err := b.store.UpdateJob(job); err != nil {
			log.Errorf(fmt.Sprintf("slurmbackend: persist status change for job %s", jobID), err)
		}
	}
	return status, nil
}

// queryStatus tries squeue (for live jobs) first, then falls back to
// sacct for jobs that have already left the queue.
func (b *Backend) queryStatus(ctx context.Context, slurmID string) (types.JobStatus, bool) {
	result, err := b.session.Execute(ctx, fmt.Sprintf("squeue -j %s --noheader -o '%%T' 2>/dev/null || true", slurmID))
	if err == nil {
		if status, ok := parseSlurmStatus(result.Stdout); ok {
			return status, true
		}
	}

	result, err = b.session.Execute(ctx, fmt.Sprintf("sacct -j %s --noheader --format=State -P 2>/dev/null | head -1", slurmID))
	if err == nil {
		if status, ok := parseSlurmStatus(result.Stdout); ok {
			return status, true
		}
	}
	return "", false
}

func parseSlurmStatus(raw string) (types.JobStatus, bool) {
	clean := strings.ToUpper(strings.TrimSpace(raw))
	clean = strings.SplitN(clean, "+", 2)[0]
	if clean == "" {
		return "", false
	}
	status, ok := slurmStateMap[clean]
	return status, ok
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
		ID: job.ID, Status: job.Status, Progress: job.Progress, CurrentPhase: job.CurrentPhase,
		SubmittedAt: job.SubmittedAt, StartedAt: job.StartedAt, CompletedAt: job.CompletedAt,
		ExitCode: job.ExitCode, BackendJobID: job.BackendJobID, OutputDir: job.OutputDir, ErrorMessage: job.ErrorMessage,
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
		if _, err := b.session.ExecuteChecked(ctx, fmt.Sprintf("scancel %s", job.BackendJobID)); err != nil {
			return false, &execbackend.ConnectionLostError{Err: err}
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

// Logs tails the SLURM stdout/stderr files over the SSH session; no
// incremental cursor is kept, so this re-reads the whole file on
// every poll (spec.md 9, an unresolved cost this implementation
// preserves rather than silently optimizes away).
func (b *Backend) Logs(ctx context.Context, jobID string) (string, string) {
	job, err := b.store.GetJob(jobID)
	if err != nil || job.BackendJobID == "" || !b.session.IsConnected() {
		return "", ""
	}
	jobDir := b.jobDir(jobID)
	stdoutPath := fmt.Sprintf("%s/logs/slurm-%s.out", jobDir, job.BackendJobID)
	stderrPath := fmt.Sprintf("%s/logs/slurm-%s.err", jobDir, job.BackendJobID)

	stdout, _ := b.session.ReadFile(ctx, stdoutPath)
	stderr, _ := b.session.ReadFile(ctx, stderrPath)
	if stdout == "" {
		stdout, _ = b.session.ReadFile(ctx, fmt.Sprintf("%s/outputs/logs/container.log", jobDir))
	}
	return stdout, stderr
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
	if b.session.IsConnected() {
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
			"backend_type": "slurm",
			"partition":    b.cfg.Partition,
			"work_dir":     b.cfg.WorkDir,
			"ssh":          health.Info,
		},
	}
}

// Partitions, Queue and Accounts are cluster-introspection extras
// beyond the core Backend contract, used by the HTTP layer's HPC
// introspection endpoints (spec.md 6.2).

func (b *Backend) Partitions(ctx context.Context) ([]string, error) {
	out, err := b.session.ExecuteChecked(ctx, "sinfo --noheader -o '%P' | sort -u")
	if err != nil {
		return nil, &execbackend.ConnectionLostError{Err: err}
	}
	return splitNonEmptyLines(out), nil
}

func (b *Backend) Queue(ctx context.Context) ([]string, error) {
	out, err := b.session.ExecuteChecked(ctx, "squeue --noheader -o '%i %j %T'")
	if err != nil {
		return nil, &execbackend.ConnectionLostError{Err: err}
	}
	return splitNonEmptyLines(out), nil
}

func (b *Backend) Accounts(ctx context.Context) ([]string, error) {
	out, err := b.session.ExecuteChecked(ctx, "sacctmgr --noheader -P show associations format=account where user=$(whoami)")
	if err != nil {
		return nil, &execbackend.ConnectionLostError{Err: err}
	}
	return splitNonEmptyLines(out), nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

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
