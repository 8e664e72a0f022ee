// Package jobstore persists job records. Store is implemented by a
// BoltDB-backed store for the default single-process deployment and,
// separately, a Postgres-backed store for deployments that need a
// relational job table (spec.md 3.3, 4.C).
package jobstore

import (
	"errors"

	"github.com/neuroinsight/orchestrator/pkg/types"
)

// ErrNotFound is returned when a job id has no matching record.
var ErrNotFound = errors.New("jobstore: job not found")

// Store defines the persistence operations components C (job store)
// and H (executor) need against job records.
type Store interface {
	// CreateJob writes a job record; a record with the same id is
	// updated in place rather than rejected.
	CreateJob(job *types.Job) error

	// GetJob returns the job with the given id, or ErrNotFound.
	GetJob(id string) (*types.Job, error)

	// UpdateJob upserts a job record (create = update, per the
	// teacher's storage idiom).
	UpdateJob(job *types.Job) error

	// ListJobsByStatus returns jobs in the given status, ordered by
	// submitted_at descending (spec.md 4.C index idx_status_submitted).
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)

	// ListActiveJobs returns all pending or running, non-deleted jobs.
	ListActiveJobs() ([]*types.Job, error)

	// ListJobs returns all non-deleted jobs, ordered by submitted_at
	// descending.
	ListJobs() ([]*types.Job, error)

	// SoftDelete marks a job deleted without removing its row.
	SoftDelete(id string) error

	// UpdateProgress sets progress and current_phase, enforcing that
	// progress never decreases (spec.md 4.H.7).
	UpdateProgress(id string, progress int, phase string) error

	Close() error
}
