package jobstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketJobs = []byte("jobs")

// BoltStore implements Store on top of a local BoltDB file, the
// default job store for single-process deployments.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "orchestrator.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob is the same operation as CreateJob (upsert), matching the
// teacher's storage idiom (pkg/storage/boltdb.go's UpdateX = CreateX).
func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job)
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if !job.Deleted {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortBySubmittedDesc(jobs)
	return jobs, nil
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Job
	for _, job := range all {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListActiveJobs() ([]*types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var active []*types.Job
	for _, job := range all {
		if job.IsActive() {
			active = append(active, job)
		}
	}
	return active, nil
}

func (s *BoltStore) SoftDelete(id string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	job.Deleted = true
	now := time.Now().UTC()
	job.DeletedAt = &now
	return s.UpdateJob(job)
}

func (s *BoltStore) UpdateProgress(id string, progress int, phase string) error {
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

func sortBySubmittedDesc(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
}
