package jobstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store against a relational jobs table, for
// deployments that want a shared, queryable job store instead of a
// single-process BoltDB file (spec.md 4.C treats this as an alternate
// backing store satisfying the same Store contract).
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection and applies pending migrations.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: ping postgres: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type jobRow struct {
	ID             string         `db:"id"`
	BackendType    string         `db:"backend_type"`
	BackendJobID   sql.NullString `db:"backend_job_id"`
	PipelineName   string         `db:"pipeline_name"`
	ContainerImage string         `db:"container_image"`
	InputFiles     []byte         `db:"input_files"`
	Parameters     []byte         `db:"parameters"`
	Resources      []byte         `db:"resources"`
	Status         string         `db:"status"`
	Progress       int            `db:"progress"`
	CurrentPhase   sql.NullString `db:"current_phase"`
	SubmittedAt    sql.NullTime   `db:"submitted_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	OutputDir      string         `db:"output_dir"`
	ExitCode       sql.NullInt32  `db:"exit_code"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ExecutionMode  string         `db:"execution_mode"`
	PluginID       sql.NullString `db:"plugin_id"`
	WorkflowID     sql.NullString `db:"workflow_id"`
	Deleted        bool           `db:"deleted"`
	DeletedAt      sql.NullTime   `db:"deleted_at"`
}

func toRow(job *types.Job) (*jobRow, error) {
	inputFiles, err := json.Marshal(job.InputFiles)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return nil, err
	}
	resources, err := json.Marshal(job.Resources)
	if err != nil {
		return nil, err
	}
	row := &jobRow{
		ID:             job.ID,
		BackendType:    string(job.BackendType),
		BackendJobID:   nullString(job.BackendJobID),
		PipelineName:   job.PipelineName,
		ContainerImage: job.ContainerImage,
		InputFiles:     inputFiles,
		Parameters:     params,
		Resources:      resources,
		Status:         string(job.Status),
		Progress:       job.Progress,
		CurrentPhase:   nullString(job.CurrentPhase),
		SubmittedAt:    sql.NullTime{Time: job.SubmittedAt, Valid: !job.SubmittedAt.IsZero()},
		OutputDir:      job.OutputDir,
		ErrorMessage:   nullString(job.ErrorMessage),
		ExecutionMode:  string(job.ExecutionMode),
		PluginID:       nullString(job.PluginID),
		WorkflowID:     nullString(job.WorkflowID),
		Deleted:        job.Deleted,
	}
	if job.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *job.StartedAt, Valid: true}
	}
	if job.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *job.CompletedAt, Valid: true}
	}
	if job.ExitCode != nil {
		row.ExitCode = sql.NullInt32{Int32: int32(*job.ExitCode), Valid: true}
	}
	if job.DeletedAt != nil {
		row.DeletedAt = sql.NullTime{Time: *job.DeletedAt, Valid: true}
	}
	return row, nil
}

func (r *jobRow) toJob() (*types.Job, error) {
	job := &types.Job{
		ID:             r.ID,
		BackendType:    types.BackendKind(r.BackendType),
		BackendJobID:   r.BackendJobID.String,
		PipelineName:   r.PipelineName,
		ContainerImage: r.ContainerImage,
		Status:         types.JobStatus(r.Status),
		Progress:       r.Progress,
		CurrentPhase:   r.CurrentPhase.String,
		SubmittedAt:    r.SubmittedAt.Time,
		OutputDir:      r.OutputDir,
		ErrorMessage:   r.ErrorMessage.String,
		ExecutionMode:  types.ExecutionMode(r.ExecutionMode),
		PluginID:       r.PluginID.String,
		WorkflowID:     r.WorkflowID.String,
		Deleted:        r.Deleted,
	}
	if err := json.Unmarshal(r.InputFiles, &job.InputFiles); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Parameters, &job.Parameters); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Resources, &job.Resources); err != nil {
		return nil, err
	}
	if r.StartedAt.Valid {
		job.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		job.CompletedAt = &r.CompletedAt.Time
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int32)
		job.ExitCode = &code
	}
	if r.DeletedAt.Valid {
		job.DeletedAt = &r.DeletedAt.Time
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const upsertJobSQL = `
INSERT INTO jobs (
	id, backend_type, backend_job_id, pipeline_name, container_image,
	input_files, parameters, resources, status, progress, current_phase,
	submitted_at, started_at, completed_at, output_dir, exit_code,
	error_message, execution_mode, plugin_id, workflow_id, deleted, deleted_at
) VALUES (
	:id, :backend_type, :backend_job_id, :pipeline_name, :container_image,
	:input_files, :parameters, :resources, :status, :progress, :current_phase,
	:submitted_at, :started_at, :completed_at, :output_dir, :exit_code,
	:error_message, :execution_mode, :plugin_id, :workflow_id, :deleted, :deleted_at
)
ON CONFLICT (id) DO UPDATE SET
	backend_type = EXCLUDED.backend_type,
	backend_job_id = EXCLUDED.backend_job_id,
	status = EXCLUDED.status,
	progress = EXCLUDED.progress,
	current_phase = EXCLUDED.current_phase,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at,
	exit_code = EXCLUDED.exit_code,
	error_message = EXCLUDED.error_message,
	deleted = EXCLUDED.deleted,
	deleted_at = EXCLUDED.deleted_at
`

func (s *PostgresStore) CreateJob(job *types.Job) error {
	return s.UpdateJob(job)
}

func (s *PostgresStore) UpdateJob(job *types.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExec(upsertJobSQL, row)
	return err
}

func (s *PostgresStore) GetJob(id string) (*types.Job, error) {
	var row jobRow
	err := s.db.Get(&row, "SELECT * FROM jobs WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

func (s *PostgresStore) ListJobs() ([]*types.Job, error) {
	var rows []jobRow
	err := s.db.Select(&rows, "SELECT * FROM jobs WHERE deleted = FALSE ORDER BY submitted_at DESC")
	if err != nil {
		return nil, err
	}
	return rowsToJobs(rows)
}

func (s *PostgresStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	var rows []jobRow
	err := s.db.Select(&rows,
		"SELECT * FROM jobs WHERE status = $1 AND deleted = FALSE ORDER BY submitted_at DESC",
		string(status))
	if err != nil {
		return nil, err
	}
	return rowsToJobs(rows)
}

func (s *PostgresStore) ListActiveJobs() ([]*types.Job, error) {
	var rows []jobRow
	err := s.db.Select(&rows,
		"SELECT * FROM jobs WHERE status IN ($1, $2) AND deleted = FALSE ORDER BY submitted_at DESC",
		string(types.JobPending), string(types.JobRunning))
	if err != nil {
		return nil, err
	}
	return rowsToJobs(rows)
}

func (s *PostgresStore) SoftDelete(id string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	job.Deleted = true
	now := time.Now().UTC()
	job.DeletedAt = &now
	return s.UpdateJob(job)
}

func (s *PostgresStore) UpdateProgress(id string, progress int, phase string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if progress < job.Progress {
		progress = job.Progress
	}
	job.Progress = progress
	job.CurrentPhase = phase
	return s.UpdateJob(job)
}

func rowsToJobs(rows []jobRow) ([]*types.Job, error) {
	jobs := make([]*types.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
