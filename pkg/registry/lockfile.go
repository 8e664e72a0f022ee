package registry

import (
	"time"

	"github.com/neuroinsight/orchestrator/pkg/types"
)

// MismatchKind enumerates the three ways a plugin/workflow can drift
// against a previously generated lockfile (spec.md 4.A).
type MismatchKind string

const (
	MismatchMissing        MismatchKind = "missing"
	MismatchVersionChanged MismatchKind = "version_changed"
	MismatchContentChanged MismatchKind = "content_changed"
)

// Mismatch describes one entry that diverges from the lockfile.
type Mismatch struct {
	ID       string       `json:"id"`
	Issue    MismatchKind `json:"issue"`
	Expected string       `json:"expected,omitempty"`
	Actual   string       `json:"actual,omitempty"`
}

// VerifyStatus is "ok" or "mismatch".
type VerifyStatus string

const (
	VerifyOK       VerifyStatus = "ok"
	VerifyMismatch VerifyStatus = "mismatch"
)

// VerifyReport is the result of comparing a Lockfile against the
// currently loaded registry state.
type VerifyReport struct {
	Status    VerifyStatus `json:"status"`
	Plugins   []Mismatch   `json:"plugins"`
	Workflows []Mismatch   `json:"workflows"`
}

// GenerateLockfile snapshots the current registry state.
func (r *Registry) GenerateLockfile() types.Lockfile {
	s := r.snap()
	lf := types.Lockfile{
		GeneratedAt: time.Now().UTC(),
		Plugins:     map[string]types.LockfilePluginEntry{},
		Workflows:   map[string]types.LockfileWorkflowEntry{},
	}
	for id, p := range s.plugins {
		lf.Plugins[id] = types.LockfilePluginEntry{
			Version:        p.Version,
			ContainerImage: p.Container.Image,
			ContentHash:    p.ContentHash,
		}
	}
	for id, w := range s.workflows {
		steps := make([]string, 0, len(w.Steps))
		for _, step := range w.Steps {
			steps = append(steps, step.Uses)
		}
		lf.Workflows[id] = types.LockfileWorkflowEntry{
			Version:     w.Version,
			StepPlugins: steps,
			ContentHash: w.ContentHash,
		}
	}
	return lf
}

// VerifyLockfile compares a previously generated Lockfile against the
// registry's current state, reporting missing/version_changed/
// content_changed mismatches per entry (spec.md 4.A, 8 property 6).
func (r *Registry) VerifyLockfile(lf types.Lockfile) VerifyReport {
	report := VerifyReport{Status: VerifyOK}
	s := r.snap()

	for id, entry := range lf.Plugins {
		p, ok := s.plugins[id]
		if !ok {
			report.Plugins = append(report.Plugins, Mismatch{ID: id, Issue: MismatchMissing, Expected: entry.Version})
			continue
		}
		if p.Version != entry.Version {
			report.Plugins = append(report.Plugins, Mismatch{ID: id, Issue: MismatchVersionChanged, Expected: entry.Version, Actual: p.Version})
			continue
		}
		if p.ContentHash != entry.ContentHash {
			report.Plugins = append(report.Plugins, Mismatch{ID: id, Issue: MismatchContentChanged, Expected: entry.ContentHash, Actual: p.ContentHash})
		}
	}

	for id, entry := range lf.Workflows {
		w, ok := s.workflows[id]
		if !ok {
			report.Workflows = append(report.Workflows, Mismatch{ID: id, Issue: MismatchMissing, Expected: entry.Version})
			continue
		}
		if w.Version != entry.Version {
			report.Workflows = append(report.Workflows, Mismatch{ID: id, Issue: MismatchVersionChanged, Expected: entry.Version, Actual: w.Version})
			continue
		}
		if w.ContentHash != entry.ContentHash {
			report.Workflows = append(report.Workflows, Mismatch{ID: id, Issue: MismatchContentChanged, Expected: entry.ContentHash, Actual: w.ContentHash})
		}
	}

	if len(report.Plugins) > 0 || len(report.Workflows) > 0 {
		report.Status = VerifyMismatch
	}
	return report
}
