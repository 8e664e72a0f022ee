package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/neuroinsight/orchestrator/pkg/slurmbackend"
	"github.com/neuroinsight/orchestrator/pkg/sysresources"
	"github.com/neuroinsight/orchestrator/pkg/types"
)

type backendSwitchRequest struct {
	Backend types.BackendKind `json:"backend"`
}

// handleBackendSwitch swaps the process-wide active backend, an
// atomic pointer swap guarded the same way pkg/registry guards its
// snapshot pointer (spec.md 9). It refuses to switch to a backend kind
// with no configured instance.
func (s *Server) handleBackendSwitch(w http.ResponseWriter, r *http.Request) {
	var req backendSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed switch request: "+err.Error())
		return
	}
	if _, ok := s.backends[req.Backend]; !ok {
		writeError(w, http.StatusBadRequest, "backend '"+string(req.Backend)+"' is not configured")
		return
	}
	s.current.Store(req.Backend)
	if s.Audit != nil {
		s.Audit.Record("backend_switched", map[string]any{"backend": string(req.Backend)})
	}
	writeJSON(w, http.StatusOK, map[string]string{"backend": string(req.Backend), "status": "switched"})
}

func (s *Server) handleBackendCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"backend": string(s.CurrentBackendKind())})
}

// slurmBackend returns the active backend type-asserted to its
// concrete SLURM type, the only one exposing cluster introspection
// beyond the core execbackend.Backend contract.
func (s *Server) slurmBackend() (*slurmbackend.Backend, error) {
	backend, err := s.currentBackend()
	if err != nil {
		return nil, err
	}
	slurm, ok := backend.(*slurmbackend.Backend)
	if !ok {
		return nil, &httpError{status: http.StatusBadRequest, message: "not using the SLURM backend"}
	}
	return slurm, nil
}

func (s *Server) handleHPCPartitions(w http.ResponseWriter, r *http.Request) {
	slurm, err := s.slurmBackend()
	if err != nil {
		writeBackendErr(w, err)
		return
	}
	partitions, err := slurm.Partitions(r.Context())
	if err != nil {
		writeBackendErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": partitions, "total": len(partitions)})
}

func (s *Server) handleHPCQueue(w http.ResponseWriter, r *http.Request) {
	slurm, err := s.slurmBackend()
	if err != nil {
		writeBackendErr(w, err)
		return
	}
	queue, err := slurm.Queue(r.Context())
	if err != nil {
		writeBackendErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "total": len(queue)})
}

func (s *Server) handleHPCAccounts(w http.ResponseWriter, r *http.Request) {
	slurm, err := s.slurmBackend()
	if err != nil {
		writeBackendErr(w, err)
		return
	}
	accounts, err := slurm.Accounts(r.Context())
	if err != nil {
		writeBackendErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts, "total": len(accounts)})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	report := sysresources.DetectAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": string(s.CurrentBackendKind()),
		"cpu":     report.CPU,
		"memory":  report.Memory,
		"gpu":     report.GPU,
	})
}

// resourcePreset is one named resource profile capped to the host's
// detected limits, mirroring the original's small/medium/large
// partition-scaled presets without the SLURM-specific sinfo field
// parsing (this host's own detected ceiling stands in for a
// partition's advertised ceiling).
type resourcePreset struct {
	Label      string  `json:"label"`
	CPUs       int     `json:"cpus"`
	MemoryGB   int     `json:"memory_gb"`
	TimeHours  int     `json:"time_hours"`
	GPU        bool    `json:"gpu"`
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *Server) handleResourcePresets(w http.ResponseWriter, r *http.Request) {
	report := sysresources.DetectAll(r.Context())
	maxCPUs := report.Limits.MaxCPUs
	maxMem := report.Limits.MaxMemoryGB
	hasGPU := report.Limits.GPUAvailable

	presets := map[string]resourcePreset{
		"small": {
			Label:     "Small (quick test)",
			CPUs:      minInt(4, maxCPUs),
			MemoryGB:  minInt(8, maxMem),
			TimeHours: 2,
			GPU:       false,
		},
		"medium": {
			Label:     "Medium (standard job)",
			CPUs:      minInt(8, maxCPUs),
			MemoryGB:  minInt(32, maxMem),
			TimeHours: 8,
			GPU:       hasGPU,
		},
		"large": {
			Label:     "Large (heavy workload)",
			CPUs:      minInt(16, maxCPUs),
			MemoryGB:  minInt(64, maxMem),
			TimeHours: 24,
			GPU:       hasGPU,
		},
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend":     string(s.CurrentBackendKind()),
		"max_cpus":    maxCPUs,
		"max_memory_gb": maxMem,
		"has_gpu":     hasGPU,
		"profiles":    presets,
	})
}
