// Package objectstore mirrors job input and output files to a MinIO
// bucket pair, the durable copy behind the primary filesystem-backed
// output directory (spec.md 4.H.9's "mirror warns, never fails the
// job" contract).
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectInfo describes one object in the outputs bucket relative to
// a job's prefix.
type ObjectInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the interface the rest of the module depends on, letting
// callers substitute a no-op or fake implementation in tests.
type Store interface {
	UploadInput(ctx context.Context, objectName, filePath string) (string, error)
	DownloadInput(ctx context.Context, objectName, destPath string) error
	UploadOutput(ctx context.Context, jobID, objectName, filePath string) (string, error)
	UploadOutputDir(ctx context.Context, jobID, localDir, prefix string) (int, error)
	DownloadOutput(ctx context.Context, jobID, objectName, destPath string) error
	PresignOutput(ctx context.Context, jobID, objectName string, expires time.Duration) (string, error)
	ListOutputs(ctx context.Context, jobID, prefix string) ([]ObjectInfo, error)
	Health(ctx context.Context) HealthReport
}

// HealthReport mirrors the original's health_check dict shape.
type HealthReport struct {
	Healthy bool     `json:"healthy"`
	Endpoint string  `json:"endpoint,omitempty"`
	Buckets  []string `json:"buckets,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Config holds MinIO connection settings, defaulted the same way the
// original reads MINIO_* environment variables.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Secure          bool
	BucketInputs    string
	BucketOutputs   string
}

// DefaultConfig returns the original's documented defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:      "localhost:9000",
		AccessKey:     "minioadmin",
		SecretKey:     "minioadmin_secure",
		Secure:        false,
		BucketInputs:  "neuroinsight-inputs",
		BucketOutputs: "neuroinsight-outputs",
	}
}

// MinioStore implements Store against a real MinIO (or S3-compatible)
// endpoint, creating the input/output buckets on first use.
type MinioStore struct {
	cfg    Config
	client *minio.Client
}

var _ Store = (*MinioStore)(nil)

// New connects to the configured endpoint and ensures both buckets exist.
func New(ctx context.Context, cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: connect to %s: %w", cfg.Endpoint, err)
	}

	s := &MinioStore{cfg: cfg, client: client}
	for _, bucket := range []string{cfg.BucketInputs, cfg.BucketOutputs} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("objectstore: check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("objectstore: create bucket %s: %w", bucket, err)
			}
		}
	}
	return s, nil
}

// UploadInput uploads a local file to the inputs bucket under objectName,
// returning "<bucket>/<objectName>".
func (s *MinioStore) UploadInput(ctx context.Context, objectName, filePath string) (string, error) {
	if _, err := s.client.FPutObject(ctx, s.cfg.BucketInputs, objectName, filePath, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("objectstore: upload input %s: %w", objectName, err)
	}
	return s.cfg.BucketInputs + "/" + objectName, nil
}

// DownloadInput downloads an input object to a local path.
func (s *MinioStore) DownloadInput(ctx context.Context, objectName, destPath string) error {
	return s.client.FGetObject(ctx, s.cfg.BucketInputs, objectName, destPath, minio.GetObjectOptions{})
}

// UploadOutput uploads a single job output file keyed "<job_id>/<objectName>".
func (s *MinioStore) UploadOutput(ctx context.Context, jobID, objectName, filePath string) (string, error) {
	key := jobID + "/" + objectName
	if _, err := s.client.FPutObject(ctx, s.cfg.BucketOutputs, key, filePath, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("objectstore: upload output %s: %w", key, err)
	}
	return s.cfg.BucketOutputs + "/" + key, nil
}

// UploadOutputDir recursively uploads every file under localDir as job
// outputs, optionally namespaced under prefix, returning the count of
// files uploaded. Mirrors the original's upload_output_dir.
func (s *MinioStore) UploadOutputDir(ctx context.Context, jobID, localDir, prefix string) (int, error) {
	count := 0
	err := filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(localDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		key := rel
		if prefix != "" {
			key = prefix + "/" + rel
		}
		if _, uploadErr := s.UploadOutput(ctx, jobID, key, path); uploadErr != nil {
			return uploadErr
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, nil
}

// DownloadOutput downloads a job output object to a local path.
func (s *MinioStore) DownloadOutput(ctx context.Context, jobID, objectName, destPath string) error {
	key := jobID + "/" + objectName
	return s.client.FGetObject(ctx, s.cfg.BucketOutputs, key, destPath, minio.GetObjectOptions{})
}

// PresignOutput returns a time-limited download URL for a job output object.
func (s *MinioStore) PresignOutput(ctx context.Context, jobID, objectName string, expires time.Duration) (string, error) {
	key := jobID + "/" + objectName
	u, err := s.client.PresignedGetObject(ctx, s.cfg.BucketOutputs, key, expires, nil)
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// ListOutputs lists every output object for a job, stripping the
// "<job_id>/" key prefix from the returned names.
func (s *MinioStore) ListOutputs(ctx context.Context, jobID, prefix string) ([]ObjectInfo, error) {
	keyPrefix := jobID + "/"
	if prefix != "" {
		keyPrefix = jobID + "/" + prefix
	}

	var results []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.cfg.BucketOutputs, minio.ListObjectsOptions{
		Prefix:    keyPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("objectstore: list outputs for job %s: %w", jobID, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, jobID+"/")
		results = append(results, ObjectInfo{
			Name:         name,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return results, nil
}

// Health reports connectivity by listing buckets, mirroring the
// original's health_check.
func (s *MinioStore) Health(ctx context.Context) HealthReport {
	buckets, err := s.client.ListBuckets(ctx)
	if err != nil {
		return HealthReport{Healthy: false, Error: err.Error()}
	}
	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, b.Name)
	}
	return HealthReport{Healthy: true, Endpoint: s.cfg.Endpoint, Buckets: names}
}

