package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/neuroinsight/orchestrator/pkg/audit"
	"github.com/neuroinsight/orchestrator/pkg/config"
	"github.com/neuroinsight/orchestrator/pkg/execbackend"
	"github.com/neuroinsight/orchestrator/pkg/executor"
	"github.com/neuroinsight/orchestrator/pkg/jobstore"
	"github.com/neuroinsight/orchestrator/pkg/localbackend"
	"github.com/neuroinsight/orchestrator/pkg/objectstore"
	"github.com/neuroinsight/orchestrator/pkg/registry"
	"github.com/neuroinsight/orchestrator/pkg/remotebackend"
	"github.com/neuroinsight/orchestrator/pkg/slurmbackend"
	"github.com/neuroinsight/orchestrator/pkg/sshsession"
	"github.com/neuroinsight/orchestrator/pkg/types"
)

// pluginWorkflowDirs returns the plugins/ and workflows/ subdirectories
// of the configured pipelines directory.
func pluginWorkflowDirs(cfg *config.Settings) (string, string) {
	return filepath.Join(cfg.PipelinesDir, "plugins"), filepath.Join(cfg.PipelinesDir, "workflows")
}

func openJobStore(cfg *config.Settings) (jobstore.Store, error) {
	switch {
	case strings.HasPrefix(cfg.DatabaseURL, "sqlite://"):
		return jobstore.NewBoltStore(cfg.DataDir)
	case strings.HasPrefix(cfg.DatabaseURL, "postgres://"), strings.HasPrefix(cfg.DatabaseURL, "postgresql://"):
		return jobstore.NewPostgresStore(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %s", cfg.DatabaseURL)
	}
}

func openObjectStore(ctx context.Context, cfg *config.Settings) (objectstore.Store, error) {
	return objectstore.New(ctx, objectstore.Config{
		Endpoint:      cfg.ObjectStoreEndpoint,
		AccessKey:     cfg.ObjectStoreAccessKey,
		SecretKey:     cfg.ObjectStoreSecretKey,
		Secure:        cfg.ObjectStoreSecure,
		BucketInputs:  cfg.ObjectStoreInputBucket,
		BucketOutputs: cfg.ObjectStoreOutputBucket,
	})
}

// buildBackends constructs the local backend unconditionally and the
// remote Docker-over-SSH and SLURM backends only when their host
// settings are present, so a deployment that only ever runs locally
// never opens an SSH config for a host that was never given.
func buildBackends(cfg *config.Settings, store jobstore.Store, reg *registry.Registry) map[types.BackendKind]execbackend.Backend {
	backends := map[types.BackendKind]execbackend.Backend{
		types.BackendLocal: localbackend.New(cfg.DataDir, store, reg, executor.DefaultAllowedRegistryPrefixes),
	}

	if cfg.RemoteHost != "" {
		session := sshsession.New()
		session.Configure(sshsession.Config{
			Host:    cfg.RemoteHost,
			User:    cfg.RemoteUser,
			Port:    22,
			KeyPath: cfg.HPCSSHKeyPath,
		})
		backends[types.BackendRemoteDocker] = remotebackend.New(session, cfg.RemoteWorkDir, store, reg, executor.DefaultAllowedRegistryPrefixes)
	}

	if cfg.HPCHost != "" {
		session := sshsession.New()
		session.Configure(sshsession.Config{
			Host:    cfg.HPCHost,
			User:    cfg.HPCUser,
			Port:    cfg.HPCSSHPort,
			KeyPath: cfg.HPCSSHKeyPath,
		})
		slurmCfg := slurmbackend.Config{
			WorkDir:          cfg.HPCWorkDir,
			Partition:        cfg.HPCPartition,
			Account:          cfg.HPCAccount,
			QOS:              cfg.HPCQOS,
			Modules:          cfg.ModulesToLoad,
			ContainerRuntime: cfg.ContainerRuntime,
		}
		if licensePath, ok := cfg.ResolveFSLicense(); ok {
			slurmCfg.LicenseFile = licensePath
		}
		backends[types.BackendSLURM] = slurmbackend.New(session, slurmCfg, store, reg, executor.DefaultAllowedRegistryPrefixes)
	}

	return backends
}

func initialBackendKind(cfg *config.Settings) (types.BackendKind, error) {
	switch cfg.BackendType {
	case "local":
		return types.BackendLocal, nil
	case "remote_docker":
		return types.BackendRemoteDocker, nil
	case "slurm":
		return types.BackendSLURM, nil
	default:
		return "", fmt.Errorf("unknown BACKEND_TYPE %q", cfg.BackendType)
	}
}

func openRegistry(cfg *config.Settings) (*registry.Registry, error) {
	pluginsDir, workflowsDir := pluginWorkflowDirs(cfg)
	return registry.New(pluginsDir, workflowsDir)
}

func openAuditLogger(cfg *config.Settings) (*audit.Logger, error) {
	return audit.New(filepath.Join(cfg.DataDir, "audit"), 100)
}
