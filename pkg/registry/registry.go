// Package registry loads plugin and workflow YAML documents into
// validated, versioned, hashable artefacts, and answers lookups against
// an atomically-swapped in-memory snapshot.
//
// Grounded on original_source/backend/core/plugin_registry.py. Unlike
// that implementation -- which reloads by calling dict.clear() on the
// live maps, a sequence readers can observe half-cleared -- this
// registry holds a single atomic.Pointer to an immutable snapshot and
// swaps it in one store, so concurrent readers always see either the
// fully-old or fully-new state (spec.md 4.A, "atomic swap").
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/neuroinsight/orchestrator/pkg/types"
	"gopkg.in/yaml.v3"
)

// rawDoc is the minimal shape needed to discriminate plugin vs workflow
// documents before full unmarshalling.
type rawDoc struct {
	Type string `yaml:"type"`
}

type snapshot struct {
	plugins   map[string]*types.Plugin
	workflows map[string]*types.Workflow
}

// Registry loads and serves plugin/workflow definitions from two
// directories of YAML files.
type Registry struct {
	pluginsDir   string
	workflowsDir string

	current atomic.Pointer[snapshot]
}

// New creates a Registry rooted at the given directories and performs
// an initial load. Malformed files are logged and skipped; they never
// prevent startup (spec.md 4.A).
func New(pluginsDir, workflowsDir string) (*Registry, error) {
	r := &Registry{pluginsDir: pluginsDir, workflowsDir: workflowsDir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads both directories and atomically swaps the snapshot.
// Concurrent readers observe either the fully-old or fully-new state.
func (r *Registry) Reload() error {
	plugins, err := r.loadPlugins()
	if err != nil {
		return err
	}
	workflows, err := r.loadWorkflows()
	if err != nil {
		return err
	}
	validateWorkflows(workflows, plugins)

	r.current.Store(&snapshot{plugins: plugins, workflows: workflows})
	return nil
}

func (r *Registry) snap() *snapshot {
	s := r.current.Load()
	if s == nil {
		return &snapshot{plugins: map[string]*types.Plugin{}, workflows: map[string]*types.Workflow{}}
	}
	return s
}

// GetPlugin returns the plugin with the given id, or nil if unknown.
func (r *Registry) GetPlugin(id string) *types.Plugin {
	return r.snap().plugins[id]
}

// GetWorkflow returns the workflow with the given id, or nil if unknown.
func (r *Registry) GetWorkflow(id string) *types.Workflow {
	return r.snap().workflows[id]
}

// ListPlugins returns all plugins, optionally filtered to user-selectable ones.
func (r *Registry) ListPlugins(userSelectableOnly bool) []*types.Plugin {
	s := r.snap()
	out := make([]*types.Plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		if userSelectableOnly && !p.Visibility.UserSelectable {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListWorkflows returns all workflows, sorted by id.
func (r *Registry) ListWorkflows() []*types.Workflow {
	s := r.snap()
	out := make([]*types.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PluginVersions returns id -> version for every loaded plugin.
func (r *Registry) PluginVersions() map[string]string {
	s := r.snap()
	out := make(map[string]string, len(s.plugins))
	for id, p := range s.plugins {
		out[id] = p.Version
	}
	return out
}

// WorkflowVersions returns id -> version for every loaded workflow.
func (r *Registry) WorkflowVersions() map[string]string {
	s := r.snap()
	out := make(map[string]string, len(s.workflows))
	for id, w := range s.workflows {
		out[id] = w.Version
	}
	return out
}

func (r *Registry) loadPlugins() (map[string]*types.Plugin, error) {
	out := map[string]*types.Plugin{}
	files, err := yamlFiles(r.pluginsDir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		raw, hash, err := readCanonicalHash(f)
		if err != nil {
			log.Logger.Warn().Str("file", f).Err(err).Msg("skipping unreadable plugin file")
			continue
		}
		var doc rawDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil || doc.Type != "plugin" {
			continue
		}
		var p types.Plugin
		if err := yaml.Unmarshal(raw, &p); err != nil {
			log.Logger.Warn().Str("file", f).Err(err).Msg("skipping malformed plugin")
			continue
		}
		if p.Visibility.UserSelectable && p.CommandTemplate() == "" {
			log.Logger.Warn().Str("file", f).Str("plugin_id", p.ID).
				Msg("skipping user-selectable plugin with empty command_template")
			continue
		}
		p.ContentHash = hash
		out[p.ID] = &p
	}
	return out, nil
}

func (r *Registry) loadWorkflows() (map[string]*types.Workflow, error) {
	out := map[string]*types.Workflow{}
	files, err := yamlFiles(r.workflowsDir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		raw, hash, err := readCanonicalHash(f)
		if err != nil {
			log.Logger.Warn().Str("file", f).Err(err).Msg("skipping unreadable workflow file")
			continue
		}
		var doc rawDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil || doc.Type != "workflow" {
			continue
		}
		var w types.Workflow
		if err := yaml.Unmarshal(raw, &w); err != nil {
			log.Logger.Warn().Str("file", f).Err(err).Msg("skipping malformed workflow")
			continue
		}
		w.ContentHash = hash
		out[w.ID] = &w
	}
	return out, nil
}

// validateWorkflows logs, but does not abort on, unresolved step
// references (spec.md 4.A validation hook).
func validateWorkflows(workflows map[string]*types.Workflow, plugins map[string]*types.Plugin) {
	for _, w := range workflows {
		for _, step := range w.Steps {
			if _, ok := plugins[step.Uses]; !ok {
				log.Logger.Warn().Str("workflow_id", w.ID).Str("step_id", step.ID).
					Str("uses", step.Uses).Msg("workflow step references unknown plugin")
			}
		}
	}
}

func yamlFiles(dir string) ([]string, error) {
	var out []string
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// readCanonicalHash reads a YAML file and returns its raw bytes plus the
// canonical content hash: keys sorted, values stringified, marshalled to
// JSON, SHA-256'd, truncated to 16 hex characters (spec.md 4.A, 8).
func readCanonicalHash(path string) ([]byte, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, "", err
	}
	canon := canonicalize(doc)
	js, err := json.Marshal(canon)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(js)
	return raw, hex.EncodeToString(sum[:])[:16], nil
}

// canonicalize sorts map keys and stringifies scalar values so that the
// hash is stable under YAML key reordering (spec.md 8, property 7) and
// independent of JSON's numeric/float formatting ambiguities.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		if v == nil {
			return nil
		}
		return fmt.Sprintf("%v", v)
	}
}
