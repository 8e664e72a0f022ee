package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/neuroinsight/orchestrator/pkg/types"
)

// Durable task type names, the Go analogue of the original's Celery
// task names run_docker_job / run_workflow_job.
const (
	TaskRunDockerJob   = "run_docker_job"
	TaskRunWorkflowJob = "run_workflow_job"
)

// taskPayload is the asynq task payload: enough to resubmit the job
// against the right backend if the durable queue redelivers it after
// a lost worker (spec.md 7, "Lost task").
type taskPayload struct {
	JobID       string            `json:"job_id"`
	BackendKind types.BackendKind `json:"backend_kind"`
	Spec        *types.JobSpec    `json:"spec"`
}

// Dispatcher enqueues job execution onto a durable Redis-backed queue
// (asynq), matching the original's acks_late + reject_on_worker_lost
// semantics: a worker that dies mid-job leaves the task unacknowledged
// so another worker picks it up. If enqueuing itself fails (e.g. Redis
// unreachable), or no queue is configured, Dispatcher falls back to
// running the job inline: synchronously, in the caller's goroutine,
// with no retries. Dispatch then returns only once the backend's
// Submit has returned, and returns Submit's error.
type Dispatcher struct {
	client   *asynq.Client
	backends map[types.BackendKind]execbackend.Backend
}

// NewDispatcher constructs a Dispatcher backed by redisAddr. Pass a
// nil client (redisAddr == "") to always run inline, useful for tests
// and single-process deployments without Redis.
func NewDispatcher(redisAddr string, backends map[types.BackendKind]execbackend.Backend) *Dispatcher {
	d := &Dispatcher{backends: backends}
	if redisAddr != "" {
		d.client = asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	}
	return d
}

// Close releases the underlying asynq client, if any.
func (d *Dispatcher) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

// Dispatch enqueues job execution for backend kind, falling back to
// running it inline (synchronously, in the caller's goroutine) when
// the queue is unavailable or enqueuing fails.
func (d *Dispatcher) Dispatch(ctx context.Context, backendKind types.BackendKind, jobID string, spec *types.JobSpec) error {
	taskType := TaskRunDockerJob
	if spec.ExecutionMode == types.ModeWorkflow {
		taskType = TaskRunWorkflowJob
	}

	if d.client != nil {
		payload, err := json.Marshal(taskPayload{JobID: jobID, BackendKind: backendKind, Spec: spec})
		if err == nil {
			task := asynq.NewTask(taskType, payload)
			if _, enqErr := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(MaxRetries), asynq.Queue(string(backendKind))); enqErr == nil {
				return nil
			} else {
				log.Errorf(fmt.Sprintf("executor: enqueue job %s failed, falling back to inline execution", jobID), enqErr)
			}
		} else {
			log.Errorf(fmt.Sprintf("executor: marshal task payload for job %s", jobID), err)
		}
	}

	return d.runInline(ctx, backendKind, jobID, spec)
}

func (d *Dispatcher) runInline(ctx context.Context, backendKind types.BackendKind, jobID string, spec *types.JobSpec) error {
	backend, ok := d.backends[backendKind]
	if !ok {
		return fmt.Errorf("executor: no backend registered for %s", backendKind)
	}
	_, err := backend.Submit(ctx, spec, jobID)
	return err
}

// NewServer builds an asynq server+mux wired to re-dispatch redelivered
// tasks through the matching backend's Submit, honoring the same
// job id so Submit's upsert semantics make redelivery idempotent.
func NewServer(redisAddr string, concurrency int, backends map[types.BackendKind]execbackend.Backend) (*asynq.Server, *asynq.ServeMux) {
	server := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()

	handler := func(ctx context.Context, t *asynq.Task) error {
		var payload taskPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("executor: unmarshal task payload: %w", err)
		}
		backend, ok := backends[payload.BackendKind]
		if !ok {
			return fmt.Errorf("executor: no backend registered for %s", payload.BackendKind)
		}
		// Submit is an upsert keyed on job id, so a redelivered task
		// (the original's "acks_late + reject_on_worker_lost") retries
		// safely without creating a duplicate job record.
		_, err := backend.Submit(ctx, payload.Spec, payload.JobID)
		return err
	}
	mux.HandleFunc(TaskRunDockerJob, handler)
	mux.HandleFunc(TaskRunWorkflowJob, handler)

	return server, mux
}
