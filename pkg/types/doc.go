/*
Package types defines the core data structures shared across the
orchestrator: plugins, workflows, jobs, and the value types that
describe how a job is resourced, staged, and tracked to completion.

This package contains all fundamental types that represent the job
orchestration domain model, including registry definitions (plugins
and workflows), job records, resource profiles, and the reproducibility
lockfile. These types are used by all other packages for state
persistence, API serialization, and backend dispatch.

# Architecture

The types package is the foundation of the orchestrator's data model.
It defines:

  - Registry definitions (Plugin, Workflow, their steps and stages)
  - Job submission and resolution (JobSpec, Job, ResourceSpec)
  - Execution backend selection (BackendKind, ExecutionMode)
  - Progress tracking (Milestone)
  - Reproducibility snapshots (Lockfile, its plugin/workflow entries)

All types are designed to be:
  - Serializable (JSON for API and storage, YAML for registry definitions)
  - Typed (string enums for statuses, modes, backends and runtimes;
    the structs carry no validation tags)
  - Self-documenting (clear field names and doc comments)

# Core Types

The main types in this package are:

Registry Definitions:
  - Plugin: one container invocation, fully resolved from YAML
  - Container: image, digest, and runtime (docker, singularity, apptainer)
  - InputSpec, InputGroups: required/optional input file declarations
  - ParameterSpec, ParamType: typed, validated plugin parameters
  - Resources, ResourceProfile: named resource presets (small/medium/large)
  - Execution, Stage: command-template resolution chain
  - Workflow, WorkflowStep: an ordered, linear chain of plugin invocations

Job Execution:
  - JobSpec: the validated submission record a backend's submit() consumes
  - Job: the persisted, soft-deletable job row
  - JobStatus: pending, running, completed, failed, cancelled
  - ExecutionMode: plugin (single container) or workflow (step chain)
  - BackendKind: local, remote_docker, or slurm
  - ResourceSpec: the resolved memory/CPU/time/GPU allocation for one job

Progress & Reproducibility:
  - Milestone: one (marker, percentage, label) progress checkpoint
  - Lockfile: a snapshot of every plugin and workflow's content hash

# Usage

Resolving a plugin's command template:

	tpl := plugin.CommandTemplate()
	if tpl == "" {
		return fmt.Errorf("plugin %s declares no command", plugin.ID)
	}

Submitting a job:

	spec := types.JobSpec{
		PipelineName:    "recon_all",
		ContainerImage:  plugin.Container.Image,
		CommandTemplate: plugin.CommandTemplate(),
		InputFiles:      []string{"t1.nii.gz"},
		Parameters:      map[string]any{"subject_id": "sub-01"},
		Resources:       types.ResourceSpec{MemoryGB: 8, CPUs: 4, TimeHours: 6},
		ExecutionMode:   types.ModePlugin,
		PluginID:        plugin.ID,
	}

Tracking job status:

	job := &types.Job{
		ID:            uuid.New().String(),
		BackendType:   types.BackendLocal,
		PipelineName:  spec.PipelineName,
		Status:        types.JobPending,
		ExecutionMode: spec.ExecutionMode,
		PluginID:      spec.PluginID,
		SubmittedAt:   time.Now(),
	}

# State Machine

Jobs follow a simple, one-way status progression:

	Pending → Running → Completed
	Pending or Running → Failed
	Pending or Running → Cancelled

JobStatus.IsTerminal reports whether a status is one of Completed,
Failed, or Cancelled; Job.CanCancel is the inverse.

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type JobStatus string
	  const (
	      JobPending JobStatus = "pending"
	      JobRunning JobStatus = "running"
	  )

Command Template Resolution:

	Plugin.CommandTemplate() implements a lookup chain: the first
	stage's command_template, then the top-level execution.command_template,
	then the bare command field, in that order.

Optional Fields:

	Optional values use pointers so absence is distinguishable from
	the zero value:
	  - *time.Time: StartedAt, CompletedAt, DeletedAt
	  - *int: ExitCode
	  - *float64: ParameterSpec.Min, ParameterSpec.Max

# Integration Points

This package integrates with:

  - pkg/registry: Parses plugin and workflow YAML into these types
  - pkg/jobstore: Persists Job rows to BoltDB or Postgres
  - pkg/execbackend, pkg/localbackend, pkg/remotebackend, pkg/slurmbackend:
    Consume JobSpec and report status back as Job updates
  - pkg/workflow: Resolves WorkflowStep chains into per-step JobSpecs
  - pkg/httpapi: Serializes Job, Plugin, and Workflow to JSON over the API

# Validation

This package validates nothing itself. The checks made elsewhere are:

Plugins:
  - The registry loader skips a user-selectable plugin whose
    stages[0].command_template, execution.command_template and command
    are all empty
  - The loader does not check IDs, versions or image references;
    each backend checks Container.Image against the allow list at submit

Jobs:
  - Status transitions are not enforced by these types; backends and
    pkg/workflow set Job.Status directly

Workflows:
  - The registry loader logs, but keeps, a workflow whose step names an
    unknown plugin; pkg/workflow rejects its submission
  - Step-ID uniqueness and DependsOn ordering are not checked

# Thread Safety

All types in this package are plain data structures with no internal
synchronization:
  - Read-safe: Can be read concurrently from multiple goroutines
  - Write-unsafe: Mutations must be synchronized by callers
  - Job rows are synchronized by pkg/jobstore, not by this package

# See Also

  - pkg/registry for plugin/workflow loading and lockfile generation
  - pkg/jobstore for the persistence layer
  - SPEC_FULL.md for the full data model and API surface
*/
package types
