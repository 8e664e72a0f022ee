// Package types holds the domain model shared across the registry, job
// store, execution backends and executor: plugins, workflows, jobs and
// their supporting value types.
package types

import "time"

// ParamType enumerates the kinds a plugin parameter may declare.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
	ParamChoice ParamType = "choice"
)

// ContainerRuntime enumerates the runtimes a plugin's container may target.
type ContainerRuntime string

const (
	RuntimeDocker      ContainerRuntime = "docker"
	RuntimeSingularity ContainerRuntime = "singularity"
	RuntimeApptainer   ContainerRuntime = "apptainer"
)

// InputSpec describes one named input file a plugin expects.
type InputSpec struct {
	Key    string `yaml:"key" json:"key"`
	Label  string `yaml:"label" json:"label"`
	Format string `yaml:"format" json:"format"`
}

// ParameterSpec describes one plugin parameter.
type ParameterSpec struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Default     any       `yaml:"default" json:"default"`
	Min         *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Choices     []string  `yaml:"choices,omitempty" json:"choices,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// ResourceProfile is one named set of resource defaults (small/medium/...).
type ResourceProfile struct {
	MemoryGB  float64 `yaml:"memory_gb" json:"memory_gb"`
	CPUs      float64 `yaml:"cpus" json:"cpus"`
	TimeHours float64 `yaml:"time_hours" json:"time_hours"`
	GPU       bool    `yaml:"gpu" json:"gpu"`
}

// Resources holds a plugin's default resource profile plus named profiles.
type Resources struct {
	Default  ResourceProfile            `yaml:"default" json:"default"`
	Profiles map[string]ResourceProfile `yaml:"profiles,omitempty" json:"profiles,omitempty"`
}

// Visibility controls whether a plugin is surfaced in selection UIs.
type Visibility struct {
	UserSelectable bool   `yaml:"user_selectable" json:"user_selectable"`
	UICategory     string `yaml:"ui_category,omitempty" json:"ui_category,omitempty"`
	UILabel        string `yaml:"ui_label,omitempty" json:"ui_label,omitempty"`
}

// Stage is one named execution stage; most plugins have exactly one.
type Stage struct {
	ID              string `yaml:"id" json:"id"`
	CommandTemplate string `yaml:"command_template" json:"command_template"`
}

// Execution carries the command-template lookup chain described in
// spec.md 4.A: stages[0].command_template, then command_template, then
// the top-level command field on the raw document.
type Execution struct {
	Stages          []Stage `yaml:"stages,omitempty" json:"stages,omitempty"`
	CommandTemplate string  `yaml:"command_template,omitempty" json:"command_template,omitempty"`
}

// OutputSpec documents one declared output artefact (informational).
type OutputSpec struct {
	ID     string `yaml:"id" json:"id"`
	Label  string `yaml:"label" json:"label"`
	Format string `yaml:"format" json:"format"`
}

// Container describes the image and runtime a plugin executes under.
type Container struct {
	Image   string           `yaml:"image" json:"image"`
	Digest  string           `yaml:"digest,omitempty" json:"digest,omitempty"`
	Runtime ContainerRuntime `yaml:"runtime" json:"runtime"`
}

// Plugin is one container invocation, fully resolved from YAML.
type Plugin struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Version     string          `yaml:"version" json:"version"`
	Domain      string          `yaml:"domain,omitempty" json:"domain,omitempty"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Visibility  Visibility      `yaml:"visibility" json:"visibility"`
	Container   Container       `yaml:"container" json:"container"`
	Inputs      InputGroups     `yaml:"inputs" json:"inputs"`
	Parameters  []ParameterSpec `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Resources   Resources       `yaml:"resources" json:"resources"`
	Execution   Execution       `yaml:"execution,omitempty" json:"execution,omitempty"`
	Command     string          `yaml:"command,omitempty" json:"-"`
	Outputs     []OutputSpec    `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Authors     []string        `yaml:"authors,omitempty" json:"authors,omitempty"`
	References  []string        `yaml:"references,omitempty" json:"references,omitempty"`

	// Milestones is the plugin-scoped, ordered (marker, percentage,
	// label) progress checklist the Job Executor matches against
	// container log output (spec.md 4.H.7).
	Milestones []Milestone `yaml:"milestones,omitempty" json:"milestones,omitempty"`

	// ContentHash is the first 16 hex characters of the SHA-256 over the
	// canonicalised YAML document. Populated by the registry on load.
	ContentHash string `yaml:"-" json:"content_hash"`
}

// InputGroups separates required from optional inputs.
type InputGroups struct {
	Required []InputSpec `yaml:"required,omitempty" json:"required"`
	Optional []InputSpec `yaml:"optional,omitempty" json:"optional"`
}

// AllInputs returns required then optional inputs, in that order — the
// order input staging (spec.md 4.H.3) uses to assign staged filenames.
func (g InputGroups) AllInputs() []InputSpec {
	out := make([]InputSpec, 0, len(g.Required)+len(g.Optional))
	out = append(out, g.Required...)
	out = append(out, g.Optional...)
	return out
}

// CommandTemplate resolves the command-template lookup order from
// spec.md 4.A: stages[0] first, then top-level execution.command_template,
// then the bare `command` field. Returns "" if none is set.
func (p *Plugin) CommandTemplate() string {
	if len(p.Execution.Stages) > 0 && p.Execution.Stages[0].CommandTemplate != "" {
		return p.Execution.Stages[0].CommandTemplate
	}
	if p.Execution.CommandTemplate != "" {
		return p.Execution.CommandTemplate
	}
	return p.Command
}

// WorkflowStep is one entry in a workflow's linear step chain.
type WorkflowStep struct {
	ID         string         `yaml:"id" json:"id"`
	Uses       string         `yaml:"uses" json:"uses"`
	Label      string         `yaml:"label,omitempty" json:"label,omitempty"`
	Inputs     InputGroups    `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	DependsOn  []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Workflow is an ordered, linear sequence of plugin invocations.
type Workflow struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Version     string         `yaml:"version" json:"version"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []WorkflowStep `yaml:"steps" json:"steps"`

	ContentHash string `yaml:"-" json:"content_hash"`
}

// JobStatus is the execution status of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether status is one of the three terminal states.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ExecutionMode distinguishes a single-plugin job from a workflow job.
type ExecutionMode string

const (
	ModePlugin   ExecutionMode = "plugin"
	ModeWorkflow ExecutionMode = "workflow"
)

// BackendKind names one of the three execution backends.
type BackendKind string

const (
	BackendLocal       BackendKind = "local"
	BackendRemoteDocker BackendKind = "remote_docker"
	BackendSLURM        BackendKind = "slurm"
)

// ResourceSpec is the resolved resource allocation for one job.
type ResourceSpec struct {
	MemoryGB  float64 `json:"memory_gb"`
	CPUs      float64 `json:"cpus"`
	TimeHours float64 `json:"time_hours"`
	GPU       bool    `json:"gpu"`
}

// JobSpec is the validated submission record a backend's submit()
// consumes. It is also serialised into job_spec.json (spec.md 3.5).
type JobSpec struct {
	PipelineName    string         `json:"pipeline_name"`
	ContainerImage  string         `json:"container_image"`
	CommandTemplate string         `json:"command_template"`
	InputFiles      []string       `json:"input_files"`
	Parameters      map[string]any `json:"parameters"`
	Resources       ResourceSpec   `json:"resources"`
	OutputDir       string         `json:"output_dir"`
	ExecutionMode   ExecutionMode  `json:"execution_mode"`
	PluginID        string         `json:"plugin_id,omitempty"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	DataDir         string         `json:"data_dir"`
}

// Job is the persisted, soft-deletable job row (spec.md 3.3).
type Job struct {
	ID             string         `json:"id" db:"id"`
	BackendType    BackendKind    `json:"backend_type" db:"backend_type"`
	BackendJobID   string         `json:"backend_job_id,omitempty" db:"backend_job_id"`
	PipelineName   string         `json:"pipeline_name" db:"pipeline_name"`
	ContainerImage string         `json:"container_image" db:"container_image"`
	InputFiles     []string       `json:"input_files" db:"-"`
	Parameters     map[string]any `json:"parameters" db:"-"`
	Resources      ResourceSpec   `json:"resources" db:"-"`
	Status         JobStatus      `json:"status" db:"status"`
	Progress       int            `json:"progress" db:"progress"`
	CurrentPhase   string         `json:"current_phase,omitempty" db:"current_phase"`
	SubmittedAt    time.Time      `json:"submitted_at" db:"submitted_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	OutputDir      string         `json:"output_dir" db:"output_dir"`
	ExitCode       *int           `json:"exit_code,omitempty" db:"exit_code"`
	ErrorMessage   string         `json:"error_message,omitempty" db:"error_message"`
	ExecutionMode  ExecutionMode  `json:"execution_mode" db:"execution_mode"`
	PluginID       string         `json:"plugin_id,omitempty" db:"plugin_id"`
	WorkflowID     string         `json:"workflow_id,omitempty" db:"workflow_id"`
	Deleted        bool           `json:"deleted" db:"deleted"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsActive reports whether the job is pending or running.
func (j *Job) IsActive() bool {
	return j.Status == JobPending || j.Status == JobRunning
}

// CanCancel reports whether the job has not yet reached a terminal state.
func (j *Job) CanCancel() bool {
	return !j.Status.IsTerminal()
}

// Milestone is one (marker, percentage, label) progress checkpoint.
type Milestone struct {
	Marker     string `yaml:"marker" json:"marker"`
	Percentage int    `yaml:"percentage" json:"percentage"`
	Label      string `yaml:"label" json:"label"`
}

// LockfilePluginEntry is one plugin's snapshot inside a Lockfile.
type LockfilePluginEntry struct {
	Version        string `json:"version"`
	ContainerImage string `json:"container_image"`
	ContentHash    string `json:"content_hash"`
}

// LockfileWorkflowEntry is one workflow's snapshot inside a Lockfile.
type LockfileWorkflowEntry struct {
	Version      string   `json:"version"`
	StepPlugins  []string `json:"step_plugins"`
	ContentHash  string   `json:"content_hash"`
}

// Lockfile is a reproducibility snapshot of the registry (spec.md 3.4).
type Lockfile struct {
	GeneratedAt time.Time                        `json:"generated_at"`
	Plugins     map[string]LockfilePluginEntry    `json:"plugins"`
	Workflows   map[string]LockfileWorkflowEntry  `json:"workflows"`
}
