// Package executor holds the shared job-execution logic every backend
// (local Docker, remote Docker over SSH, SLURM) drives: parameter
// resolution, command construction, input staging, the image allow
// list, progress milestones, workflow step banding and the retry
// policy (spec.md 4.H). None of it talks to a specific backend --
// these are the pure building blocks backends call into, mirroring
// how the original Celery task module shared this logic across
// execution paths.
package executor

import (
	"math"

	"github.com/neuroinsight/orchestrator/pkg/types"
)

// ResolveParameters overlays the submitted parameters on top of the
// plugin's declared defaults, then injects the thread/memory aliases
// the plugin commands expect, derived from the submitted resources (an
// alias replaces a plugin default but never a submitted parameter), and
// auto-fills input_file with the first uploaded input whenever it is
// absent (spec.md 4.H.2.4).
func ResolveParameters(plugin *types.Plugin, spec *types.JobSpec) map[string]any {
	resolved := make(map[string]any)
	if plugin != nil {
		for _, p := range plugin.Parameters {
			if p.Default != nil {
				resolved[p.Name] = p.Default
			}
		}
	}
	for k, v := range spec.Parameters {
		resolved[k] = v
	}

	cpus := int(spec.Resources.CPUs)
	if cpus <= 0 {
		cpus = 1
	}
	memGB := spec.Resources.MemoryGB

	setUnlessSubmitted := func(key string, value any) {
		if _, ok := spec.Parameters[key]; !ok {
			resolved[key] = value
		}
	}
	setUnlessSubmitted("threads", cpus)
	setUnlessSubmitted("nthreads", cpus)
	setUnlessSubmitted("cpus", cpus)
	setUnlessSubmitted("mem_gb", memGB)
	setUnlessSubmitted("mem_mb", int(math.Round(memGB*1024)))
	setUnlessSubmitted("omp_nthreads", maxInt(1, cpus-1))

	if _, ok := resolved["input_file"]; !ok && len(spec.InputFiles) > 0 {
		resolved["input_file"] = spec.InputFiles[0]
	}

	return resolved
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
