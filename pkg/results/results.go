// Package results serves real job output files: listing, volume and
// segmentation discovery, label and metric extraction, single-file
// download, full-archive export, and provenance reporting. Every
// endpoint reads the actual output directory on disk; there is no
// placeholder or mock data path.
package results

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/jobstore"
)

// ErrNoResults is returned when a job has no output directory yet,
// either because it hasn't finished or never produced output.
var ErrNoResults = errors.New("results: no output directory for job")

// ErrInvalidPath is returned when a requested file path would escape
// the job's output directory.
var ErrInvalidPath = errors.New("results: invalid file path")

// ErrNotFound is returned when a specific file or result kind could
// not be located within an existing output directory.
var ErrNotFound = errors.New("results: not found")

// AuditRecorder is the narrow interface results uses to record export
// events, satisfied by pkg/audit's Logger.
type AuditRecorder interface {
	Record(event string, fields map[string]any)
}

// Service resolves and serves job result files rooted at dataDir/outputs/<job_id>.
type Service struct {
	dataDir string
	store   jobstore.Store
	audit   AuditRecorder
}

// New constructs a Service. audit may be nil, in which case export
// events are simply not recorded.
func New(dataDir string, store jobstore.Store, audit AuditRecorder) *Service {
	return &Service{dataDir: dataDir, store: store, audit: audit}
}

// OutputDir resolves the output directory for a job. It does not check
// for existence; callers should stat it (or call Exists).
func (s *Service) OutputDir(jobID string) string {
	return filepath.Join(s.dataDir, "outputs", jobID)
}

// Exists reports whether the job's output directory is present.
func (s *Service) Exists(jobID string) bool {
	info, err := os.Stat(s.OutputDir(jobID))
	return err == nil && info.IsDir()
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes < kb:
		return fmt.Sprintf("%d B", bytes)
	case bytes < mb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	case bytes < gb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	default:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gb)
	}
}

func classifyFile(name string) string {
	lower := strings.ToLower(name)
	switch {
	case hasAnySuffix(lower, ".nii", ".nii.gz", ".mgz", ".mgh"):
		return "volume"
	case hasAnySuffix(lower, ".json"):
		return "metadata"
	case hasAnySuffix(lower, ".csv", ".tsv", ".stats"):
		return "metrics"
	case hasAnySuffix(lower, ".png", ".jpg", ".jpeg", ".svg"):
		return "image"
	case hasAnySuffix(lower, ".html"):
		return "report"
	case hasAnySuffix(lower, ".log", ".txt"):
		return "log"
	default:
		return "file"
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// FileEntry describes one output file.
type FileEntry struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Path      string `json:"path"`
	Size      string `json:"size"`
	SizeBytes int64  `json:"size_bytes"`
}

// ListFiles returns every output file, excluding the internal staging
// directory, sorted by relative path.
func (s *Service) ListFiles(jobID string) ([]FileEntry, error) {
	outDir := s.OutputDir(jobID)
	if !s.Exists(jobID) {
		return nil, ErrNoResults
	}

	var entries []FileEntry
	err := filepath.Walk(outDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(outDir, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "_inputs/") || rel == "_inputs" {
			return nil
		}
		entries = append(entries, FileEntry{
			Name:      rel,
			Type:      classifyFile(info.Name()),
			Path:      fmt.Sprintf("/api/results/%s/download?file_path=%s", jobID, rel),
			Size:      formatSize(info.Size()),
			SizeBytes: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Service) findFiles(jobID string, patterns []string) ([]FileEntry, error) {
	outDir := s.OutputDir(jobID)
	var matches []FileEntry
	err := filepath.Walk(outDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		lower := strings.ToLower(info.Name())
		for _, pat := range patterns {
			if strings.Contains(lower, pat) {
				rel, relErr := filepath.Rel(outDir, path)
				if relErr != nil {
					return nil
				}
				rel = filepath.ToSlash(rel)
				matches = append(matches, FileEntry{
					Name: rel,
					Path: fmt.Sprintf("/api/results/%s/download?file_path=%s", jobID, rel),
					Size: formatSize(info.Size()),
				})
				break
			}
		}
		return nil
	})
	return matches, err
}

var volumeNamePatterns = []string{"norm.nii", "t1w.nii", "brain.nii", "anatomy.nii", "orig.nii"}
var anyNiftiPatterns = []string{".nii.gz", ".nii"}
var segmentationPatterns = []string{"aseg.nii", "aparc", "segmentation.nii", "labels.nii", "dseg.nii"}

// Volumes finds the main anatomical volume(s) in a job's output,
// falling back to any NIfTI file if no well-known name matches.
func (s *Service) Volumes(jobID string) ([]FileEntry, error) {
	if !s.Exists(jobID) {
		return nil, ErrNoResults
	}
	volumes, err := s.findFiles(jobID, volumeNamePatterns)
	if err != nil {
		return nil, err
	}
	if len(volumes) == 0 {
		volumes, err = s.findFiles(jobID, anyNiftiPatterns)
		if err != nil {
			return nil, err
		}
	}
	return volumes, nil
}

// Segmentations finds segmentation overlay files (aseg, aparc, dseg, ...).
func (s *Service) Segmentations(jobID string) ([]FileEntry, error) {
	if !s.Exists(jobID) {
		return nil, ErrNoResults
	}
	return s.findFiles(jobID, segmentationPatterns)
}

// Labels returns label definitions read from *labels*.json, falling
// back to a FreeSurfer ColorLUT file.
func (s *Service) Labels(jobID string) (any, string, error) {
	outDir := s.OutputDir(jobID)
	if !s.Exists(jobID) {
		return nil, "", ErrNoResults
	}

	var jsonCandidate string
	var lutCandidate string
	_ = filepath.Walk(outDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		lower := strings.ToLower(info.Name())
		if jsonCandidate == "" && strings.Contains(lower, "labels") && strings.HasSuffix(lower, ".json") {
			jsonCandidate = path
		}
		if lutCandidate == "" && strings.Contains(info.Name(), "ColorLUT") {
			lutCandidate = path
		}
		return nil
	})

	if jsonCandidate != "" {
		data, err := os.ReadFile(jsonCandidate)
		if err == nil {
			var parsed any
			if err := json.Unmarshal(data, &parsed); err == nil {
				return parsed, filepath.Base(jsonCandidate), nil
			}
		}
	}
	if lutCandidate != "" {
		f, err := os.Open(lutCandidate)
		if err == nil {
			defer f.Close()
			return ParseColorLUT(f), filepath.Base(lutCandidate), nil
		}
	}
	return nil, "", ErrNotFound
}

// Metrics aggregates metrics.json/stats.json/summary.json-style files,
// parsed FreeSurfer .stats files, and lists CSV/TSV files for the
// caller to fetch separately.
func (s *Service) Metrics(jobID string) (map[string]any, []string, []string, error) {
	outDir := s.OutputDir(jobID)
	if !s.Exists(jobID) {
		return nil, nil, nil, ErrNoResults
	}

	metrics := map[string]any{}
	var sources []string
	var csvFiles []string

	err := filepath.Walk(outDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		lower := strings.ToLower(info.Name())
		rel, relErr := filepath.Rel(outDir, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		stem := strings.TrimSuffix(info.Name(), filepath.Ext(info.Name()))

		switch {
		case strings.HasSuffix(lower, ".json") && (strings.Contains(lower, "metrics") || strings.Contains(lower, "stats") || strings.Contains(lower, "summary")):
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil
			}
			var parsed any
			if jsonErr := json.Unmarshal(data, &parsed); jsonErr == nil {
				metrics[stem] = parsed
				sources = append(sources, rel)
			}
		case strings.HasSuffix(lower, ".stats"):
			f, openErr := os.Open(path)
			if openErr != nil {
				return nil
			}
			defer f.Close()
			if parsed := ParseStatsFile(f); parsed != nil {
				metrics[stem] = parsed
				sources = append(sources, rel)
			}
		case strings.HasSuffix(lower, ".csv"), strings.HasSuffix(lower, ".tsv"):
			csvFiles = append(csvFiles, rel)
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if len(metrics) == 0 && len(csvFiles) == 0 {
		return nil, nil, nil, ErrNotFound
	}
	return metrics, csvFiles, sources, nil
}

// ResolveDownloadPath validates filePath is relative to the job's
// output directory and does not escape it, returning the absolute
// path and a media type hint.
func (s *Service) ResolveDownloadPath(jobID, filePath string) (absPath, mediaType string, err error) {
	outDir, err := filepath.Abs(s.OutputDir(jobID))
	if err != nil {
		return "", "", err
	}
	target := filepath.Join(outDir, filePath)
	target, err = filepath.Abs(target)
	if err != nil {
		return "", "", err
	}

	rel, err := filepath.Rel(outDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", ErrInvalidPath
	}

	info, statErr := os.Stat(target)
	if statErr != nil {
		return "", "", ErrNotFound
	}
	if info.IsDir() {
		return "", "", ErrInvalidPath
	}

	return target, mediaTypeFor(target), nil
}

func mediaTypeFor(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return "application/json"
	case strings.HasSuffix(lower, ".csv"):
		return "text/csv"
	case strings.HasSuffix(lower, ".tsv"):
		return "text/tab-separated-values"
	case strings.HasSuffix(lower, ".html"):
		return "text/html"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(lower, ".txt"), strings.HasSuffix(lower, ".log"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// Export streams every output file (excluding _inputs) as a .tar.gz
// archive to w, recording a results_exported audit event on success.
func (s *Service) Export(jobID string, w io.Writer) error {
	outDir := s.OutputDir(jobID)
	if !s.Exists(jobID) {
		return ErrNoResults
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(outDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(outDir, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "_inputs/") || rel == "_inputs" {
			return nil
		}

		hdr, hdrErr := tar.FileInfoHeader(info, "")
		if hdrErr != nil {
			return hdrErr
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		_, copyErr := io.Copy(tw, f)
		return copyErr
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	if s.audit != nil {
		s.audit.Record("results_exported", map[string]any{"job_id": jobID})
	}
	return nil
}

// Provenance reports the reproducibility record for a job: the
// persisted job spec, input file content hashes, execution timing
// from the job store, and a reconstructed reproduction command.
type Provenance struct {
	JobID          string            `json:"job_id"`
	ContainerImage string            `json:"container_image,omitempty"`
	PluginID       string            `json:"plugin_id,omitempty"`
	WorkflowID     string            `json:"workflow_id,omitempty"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	Resources      map[string]any    `json:"resources,omitempty"`
	InputFiles     []string          `json:"input_files,omitempty"`
	InputHashes    map[string]string `json:"input_hashes,omitempty"`
	Execution      map[string]any    `json:"execution,omitempty"`
	ReproCommand   string            `json:"reproducibility_command"`
}

func (s *Service) Provenance(jobID string) (*Provenance, error) {
	outDir := s.OutputDir(jobID)

	specData := map[string]any{}
	if data, err := os.ReadFile(filepath.Join(outDir, "job_spec.json")); err == nil {
		_ = json.Unmarshal(data, &specData)
	}

	inputHashes := map[string]string{}
	if files, ok := specData["input_files"].([]any); ok {
		for _, f := range files {
			path, ok := f.(string)
			if !ok {
				continue
			}
			if h, err := hashFile(path); err == nil {
				inputHashes[filepath.Base(path)] = "sha256:" + h
			}
		}
	}

	execInfo := map[string]any{}
	if s.store != nil {
		if job, err := s.store.GetJob(jobID); err == nil && job != nil {
			execInfo["submitted_at"] = job.SubmittedAt.Format(time.RFC3339)
			if job.StartedAt != nil {
				execInfo["started_at"] = job.StartedAt.Format(time.RFC3339)
			}
			if job.CompletedAt != nil {
				execInfo["completed_at"] = job.CompletedAt.Format(time.RFC3339)
			}
			execInfo["exit_code"] = job.ExitCode
			execInfo["backend_type"] = job.BackendType
			execInfo["backend_job_id"] = job.BackendJobID
		}
	}

	prov := &Provenance{
		JobID:        jobID,
		InputHashes:  inputHashes,
		Execution:    execInfo,
		ReproCommand: buildReproCommand(specData),
	}
	if v, ok := specData["container_image"].(string); ok {
		prov.ContainerImage = v
	}
	if v, ok := specData["plugin_id"].(string); ok {
		prov.PluginID = v
	}
	if v, ok := specData["workflow_id"].(string); ok {
		prov.WorkflowID = v
	}
	if v, ok := specData["parameters"].(map[string]any); ok {
		prov.Parameters = v
	}
	if v, ok := specData["resources"].(map[string]any); ok {
		prov.Resources = v
	}
	if files, ok := specData["input_files"].([]any); ok {
		for _, f := range files {
			if s, ok := f.(string); ok {
				prov.InputFiles = append(prov.InputFiles, s)
			}
		}
	}
	return prov, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func buildReproCommand(spec map[string]any) string {
	image, _ := spec["container_image"].(string)
	if image == "" {
		return ""
	}
	parts := []string{
		"docker run --rm",
		"-v $(pwd)/inputs:/data/inputs:ro",
		"-v $(pwd)/outputs:/data/outputs:rw",
	}
	if cmd, ok := spec["command_template"].(string); ok && cmd != "" {
		trimmed := strings.TrimSpace(cmd)
		if len(trimmed) > 200 {
			trimmed = trimmed[:200]
		}
		parts = append(parts, fmt.Sprintf("%s /bin/bash -c %q...", image, trimmed))
	} else {
		parts = append(parts, image)
	}
	return strings.Join(parts, " \\\n  ")
}

// shortID truncates a job id for use in human-facing filenames, the
// same 8-char prefix the original uses for export archive names.
func shortID(jobID string) string {
	if len(jobID) > 8 {
		return jobID[:8]
	}
	return jobID
}

// ExportFilename returns the download filename used for an export archive.
func ExportFilename(jobID string) string {
	return "neuroinsight_" + shortID(jobID) + "_results.tar.gz"
}

