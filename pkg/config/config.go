// Package config loads and validates process configuration from the
// environment, grounded on original_source/backend/core/config.py's
// Pydantic Settings: every field there gets a struct field here, a
// default, and a validation rule enforced at startup rather than on
// first use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Settings is the fully resolved, validated process configuration.
type Settings struct {
	AppName     string `validate:"required"`
	Environment string `validate:"oneof=development staging production"`

	APIHost string
	APIPort int `validate:"gt=0,lt=65536"`

	DatabaseURL string `validate:"required"`

	RedisHost string
	RedisPort int `validate:"gt=0,lt=65536"`

	DataDir      string `validate:"required"`
	PipelinesDir string `validate:"required"`

	MaxConcurrentJobs int `validate:"gte=1,lte=100"`

	BackendType string `validate:"oneof=local remote_docker slurm"`

	RemoteHost    string
	RemoteUser    string
	RemoteWorkDir string

	HPCHost       string
	HPCUser       string
	HPCWorkDir    string
	HPCPartition  string
	HPCAccount    string
	HPCQOS        string
	HPCSSHPort    int `validate:"gte=0,lt=65536"`
	HPCSSHKeyPath string
	ContainerRuntime string `validate:"oneof=singularity apptainer docker"`
	ModulesToLoad    []string

	ObjectStoreEndpoint  string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreSecure    bool
	ObjectStoreInputBucket  string
	ObjectStoreOutputBucket string

	FSLicensePath string

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=console json"`
	LogFile   string

	SecretKey string `validate:"required,min=32"`
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads Settings from the environment and validates the result.
// A validation failure is a fail-fast startup error, matching the
// Pydantic Settings behaviour in the original source.
func Load() (*Settings, error) {
	s := &Settings{
		AppName:     getenv("APP_NAME", "neuroinsight-orchestrator"),
		Environment: getenv("ENVIRONMENT", "development"),

		APIHost: getenv("API_HOST", "0.0.0.0"),
		APIPort: getenvInt("API_PORT", 8000),

		DatabaseURL: getenv("DATABASE_URL", "sqlite:///./data/orchestrator.db"),

		RedisHost: getenv("REDIS_HOST", "localhost"),
		RedisPort: getenvInt("REDIS_PORT", 6379),

		DataDir:      getenv("DATA_DIR", "./data"),
		PipelinesDir: getenv("PIPELINES_DIR", "./pipelines"),

		MaxConcurrentJobs: getenvInt("MAX_CONCURRENT_JOBS", 2),

		BackendType: getenv("BACKEND_TYPE", "local"),

		RemoteHost:    getenv("REMOTE_HOST", ""),
		RemoteUser:    getenv("REMOTE_USER", ""),
		RemoteWorkDir: getenv("REMOTE_WORK_DIR", "/tmp/neuroinsight"),

		HPCHost:          getenv("HPC_HOST", ""),
		HPCUser:          getenv("HPC_USER", ""),
		HPCWorkDir:       getenv("HPC_WORK_DIR", "/scratch"),
		HPCPartition:     getenv("HPC_PARTITION", "general"),
		HPCAccount:       getenv("HPC_ACCOUNT", ""),
		HPCQOS:           getenv("HPC_QOS", ""),
		HPCSSHPort:       getenvInt("HPC_SSH_PORT", 22),
		HPCSSHKeyPath:    getenv("HPC_SSH_KEY_PATH", ""),
		ContainerRuntime: getenv("CONTAINER_RUNTIME", "singularity"),

		ObjectStoreEndpoint:     getenv("MINIO_ENDPOINT", "localhost:9000"),
		ObjectStoreAccessKey:    getenv("MINIO_ACCESS_KEY", "minioadmin"),
		ObjectStoreSecretKey:    getenv("MINIO_SECRET_KEY", "minioadmin"),
		ObjectStoreSecure:       getenvBool("MINIO_SECURE", false),
		ObjectStoreInputBucket:  getenv("MINIO_INPUT_BUCKET", "neuroinsight-inputs"),
		ObjectStoreOutputBucket: getenv("MINIO_OUTPUT_BUCKET", "neuroinsight-outputs"),

		FSLicensePath: getenv("FS_LICENSE_PATH", ""),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "console"),
		LogFile:   getenv("LOG_FILE", ""),

		SecretKey: getenv("SECRET_KEY", "dev-insecure-secret-key-change-me-0000000"),
	}

	if modules := os.Getenv("MODULES_TO_LOAD"); modules != "" {
		s.ModulesToLoad = strings.Split(modules, ",")
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if s.Environment == "production" && strings.HasPrefix(s.SecretKey, "dev-insecure") {
		return nil, fmt.Errorf("invalid configuration: SECRET_KEY must be set explicitly in production")
	}

	if !strings.HasPrefix(s.DatabaseURL, "sqlite://") &&
		!strings.HasPrefix(s.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(s.DatabaseURL, "postgresql://") {
		return nil, fmt.Errorf("invalid configuration: DATABASE_URL must use sqlite://, postgres:// or postgresql://")
	}

	return s, nil
}

// EnsureDirectories creates DataDir and PipelinesDir (mode 0700) if absent.
func (s *Settings) EnsureDirectories() error {
	for _, dir := range []string{s.DataDir, s.PipelinesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ResolveFSLicense searches the same fallback chain as the original
// Python Settings.fs_license_resolved property.
func (s *Settings) ResolveFSLicense() (string, bool) {
	candidates := []string{
		s.FSLicensePath,
		"./license.txt",
		filepath.Join(s.DataDir, "license.txt"),
	}
	if home := os.Getenv("FREESURFER_HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, "license.txt"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".freesurfer", "license.txt"))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c, true
		}
	}
	return "", false
}
