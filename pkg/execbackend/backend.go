// Package execbackend defines the execution-backend contract every
// backend (local Docker, remote Docker over SSH, SLURM) must satisfy,
// plus the shared error kinds the HTTP layer and Job Executor depend
// on (spec.md 4.D).
package execbackend

import (
	"context"
	"errors"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/types"
)

// ErrNotFound is returned by Status/Info/Cancel/Cleanup for an unknown job id.
var ErrNotFound = errors.New("execbackend: job not found")

// SubmitError wraps a submission failure with the reason a caller
// should surface; it is always non-retryable at the submit() call
// site (spec.md 7, "Validation").
type SubmitError struct {
	Reason string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.Err != nil {
		return "execbackend: submit failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "execbackend: submit failed: " + e.Reason
}

func (e *SubmitError) Unwrap() error { return e.Err }

// ConnectionLostError marks an SSH-only transient failure: the HTTP
// layer surfaces 503 without marking the job failed unless the
// executor itself concludes the container is unrecoverable (spec.md 7).
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	return "execbackend: connection lost: " + e.Err.Error()
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// NonRetryable wraps an error to signal the executor's retry policy
// (spec.md 4.H.1) must not retry it -- validation and permanent
// backend failures fall in this category.
type NonRetryable struct {
	Err error
}

func (e *NonRetryable) Error() string { return e.Err.Error() }
func (e *NonRetryable) Unwrap() error { return e.Err }

// IsRetryable reports whether err represents a transient failure the
// executor's retry policy should retry, as opposed to a validation or
// permanent failure it should not.
func IsRetryable(err error) bool {
	var nonRetryable *NonRetryable
	if errors.As(err, &nonRetryable) {
		return false
	}
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return false
	}
	return true
}

// JobInfo is the full status snapshot returned by info() and list().
type JobInfo struct {
	ID            string
	Status        types.JobStatus
	Progress      int
	CurrentPhase  string
	SubmittedAt   time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExitCode      *int
	BackendJobID  string
	OutputDir     string
	ErrorMessage  string
}

// HealthReport is the result of a backend's health() call, which must
// never raise (spec.md 4.D).
type HealthReport struct {
	Healthy bool
	Message string
	Details map[string]any
}

// Backend is the contract every execution backend implements: local
// Docker, remote Docker over SSH, and SLURM (spec.md 4.D-4.G).
type Backend interface {
	// Submit validates and launches spec, returning the job id. If
	// jobID is non-empty it is used instead of generating a new one.
	Submit(ctx context.Context, spec *types.JobSpec, jobID string) (string, error)

	// Status returns the current universal status enum value.
	Status(ctx context.Context, jobID string) (types.JobStatus, error)

	// Info returns the full status snapshot.
	Info(ctx context.Context, jobID string) (*JobInfo, error)

	// Cancel signals a live process or revokes a queued task. Returns
	// true if something was actually signalled/revoked.
	Cancel(ctx context.Context, jobID string) (bool, error)

	// Logs returns best-effort stdout/stderr; never an error, empty
	// strings if unavailable.
	Logs(ctx context.Context, jobID string) (stdout, stderr string)

	// List returns job info, optionally filtered by status, sorted by
	// submitted_at descending, capped at limit (0 = no limit).
	List(ctx context.Context, statusFilter *types.JobStatus, limit int) ([]*JobInfo, error)

	// Cleanup removes remote artefacts and soft-deletes the row.
	Cleanup(ctx context.Context, jobID string) (bool, error)

	// Health never raises; it reports backend reachability.
	Health(ctx context.Context) HealthReport
}
