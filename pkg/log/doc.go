/*
Package log provides structured logging for the orchestrator using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

The logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("workflow")                │          │
	│  │  - WithJobID("job-abc123")                  │          │
	│  │  - WithBackend("slurm")                     │          │
	│  │  - WithHost("hpc01.cluster.local")          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "workflow",                 │          │
	│  │    "time": "2024-10-13T10:30:00Z",         │          │
	│  │    "message": "job dispatched"              │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2024-10-13T10:30:00Z INF job dispatched component=workflow │        │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all orchestrator packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer override for the console sink (default stdout)
  - File: rotated on-disk JSON sink (lumberjack), mirrors the console
    sink regardless of JSONOutput; wired from config.Settings.LogFile

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithJobID: Add job ID context
  - WithBackend: Add backend kind context (local, remote, slurm)
  - WithHost: Add remote/HPC host context
  - WithRequestID: Add chi request ID context (pkg/httpapi)

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Checking backend resources: CPU=4, Memory=8GB"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Job submitted: recon_all (freesurfer:7.4.1)"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "SSH session idle beyond configured threshold"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to start container: image not found"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to initialize job store: %v"

# Usage

Initializing the Logger:

	import "github.com/neuroinsight/orchestrator/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Console plus a rotated on-disk JSON sink (config.Settings.LogFile)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
		File:       "/var/log/orchestrator.log",
	})

Simple Logging:

	log.Info("registry reloaded successfully")
	log.Debug("checking backend health")
	log.Warn("queue depth approaching backlog threshold")
	log.Error("failed to reach execution backend")
	log.Fatal("cannot start without job store") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("job_id", "job-123").
		Str("pipeline", "recon_all").
		Msg("job submitted")

	log.Logger.Error().
		Err(err).
		Str("backend", "slurm").
		Msg("backend health check failed")

Component Loggers:

	// Create component-specific logger
	workflowLog := log.WithComponent("workflow")
	workflowLog.Info().Msg("starting workflow run")
	workflowLog.Debug().Str("job_id", "job-123").Msg("dispatching step")

	// Multiple context fields
	jobLog := log.WithComponent("executor").
		With().Str("job_id", "job-123").
		Str("backend", "local").Logger()
	jobLog.Info().Msg("starting job")
	jobLog.Error().Err(err).Msg("job failed")

Context Logger Helpers:

	// Job-specific logs
	jobLog := log.WithJobID("job-abc123")
	jobLog.Info().Msg("job completed")

	// Backend-specific logs
	backendLog := log.WithBackend("slurm")
	backendLog.Info().Msg("backend accepted submission")

	// Host-specific logs
	hostLog := log.WithHost("hpc01.cluster.local")
	hostLog.Info().Msg("ssh session established")

	// Request-specific logs (pkg/httpapi's requestLogger middleware)
	reqLog := log.WithRequestID("a1b2c3d4")
	reqLog.Info().Int("status", 200).Msg("GET /api/jobs/job-1")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/neuroinsight/orchestrator/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("orchestrator starting")

		// Component-specific logging
		backendLog := log.WithComponent("workflow")
		backendLog.Info().
			Str("job_id", "job-1").
			Int("step_count", 5).
			Msg("dispatching workflow steps")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "execbackend").
			Msg("failed to reach execution backend")

		log.Info("orchestrator stopped")
	}

# Integration Points

This package integrates with:

  - pkg/workflow: Logs job dispatch and post-processing
  - pkg/localbackend, pkg/remotebackend, pkg/slurmbackend: Logs backend
    submission, polling and cleanup
  - pkg/httpapi: Logs API requests and errors
  - pkg/metrics: Logs collector tick failures

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"registry","time":"2024-10-13T10:30:00Z","message":"registry reloaded"}
	{"level":"info","component":"workflow","job_id":"job-123","time":"2024-10-13T10:30:01Z","message":"job submitted"}
	{"level":"error","component":"localbackend","job_id":"job-123","error":"image not allowed","time":"2024-10-13T10:30:02Z","message":"failed to submit job"}

Console Format (Development):

	2024-10-13T10:30:00Z INF registry reloaded component=registry
	2024-10-13T10:30:01Z INF job submitted component=workflow job_id=job-123
	2024-10-13T10:30:02Z ERR failed to submit job component=localbackend job_id=job-123 error="image not allowed"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Records the error message under the "error" field (no stack trace)
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Performance Characteristics

Logging Overhead:
  - Disabled level: 0ns (compile-time optimization)
  - JSON encode: ~500ns per log line
  - Console format: ~1µs per log line
  - String field: +50ns per field
  - Int field: +30ns per field

Memory Allocation:
  - Zero allocation for disabled levels
  - ~100 bytes per log line (JSON)
  - ~200 bytes per log line (console)
  - Amortized by buffer pooling

Throughput:
  - JSON: ~2M log lines per second
  - Console: ~1M log lines per second
  - Bottleneck: I/O write speed
  - Async writes recommended for high volume

Log Level Impact:
  - Debug: High volume, use in development only
  - Info: Moderate volume, suitable for production
  - Warn/Error: Low volume, minimal impact
  - Recommendation: Info level in production

# Troubleshooting

Common Issues:

No Log Output:
  - Symptom: No logs appearing
  - Check: log.Init() called before logging
  - Check: Log level set appropriately (Debug < Info < Warn < Error)
  - Solution: Initialize logger in main() before any logging

Excessive Log Volume:
  - Symptom: Disk space fills quickly
  - Cause: Debug level in production
  - Check: Log level configuration
  - Solution: Use Info level in production, rotate logs

Missing Context Fields:
  - Symptom: Logs missing component or job ID fields
  - Cause: Using global Logger instead of context logger
  - Solution: Use WithComponent()/WithJobID() or create child loggers

Log Parsing Fails:
  - Symptom: Cannot parse JSON logs
  - Cause: Invalid JSON in message field
  - Check: Embedded quotes or control characters
  - Solution: Use .Str() instead of string interpolation

Performance Degradation:
  - Symptom: Slow application performance
  - Cause: Excessive logging in hot path
  - Check: Log statements in tight loops
  - Solution: Reduce log frequency, use sampling

# Log Rotation

File-Based Logging:

When Config.File is set, Init writes to that file through a rotating
writer (gopkg.in/natefinch/lumberjack.v2): the file is rotated at
100 MB, up to 5 rotated files are kept for at most 28 days, and rotated
files are compressed. Console output is not rotated by this package;
external tools handle it (or replace the built-in file rotation):

Logrotate (Linux):
	# /etc/logrotate.d/orchestrator
	/var/log/orchestrator/*.log {
	    daily
	    rotate 7
	    compress
	    delaycompress
	    missingok
	    notifempty
	    copytruncate
	}

Systemd Journal:
	# Automatic rotation by systemd
	journalctl -u orchestrator -f

Docker/Kubernetes:
	# Use container runtime log drivers
	# JSON logs to stdout (already implemented)

# Log Aggregation

Recommended Tools:

Elasticsearch + Filebeat:
  - Filebeat ships logs to Elasticsearch
  - Kibana for visualization and search
  - Query: component:"workflow" AND level:"error"

Loki + Promtail:
  - Lightweight log aggregation
  - Grafana integration
  - Query: {component="workflow"} |= "error"

CloudWatch Logs:
  - AWS native log aggregation
  - Metric filters for alerting
  - Query: fields @message | filter component = "workflow"

Datadog:
  - Full-stack observability
  - APM and log correlation
  - Query: service:orchestrator component:workflow status:error

# Monitoring

Log-Based Alerts:

High Error Rate:
  - Query: rate(log entries with level="error"[5m]) > 10
  - Description: More than 10 errors per second
  - Action: Check recent errors, investigate root cause

No Logs:
  - Query: absent(log entries[1m])
  - Description: No logs received in 1 minute
  - Action: Check the orchestrator process, log pipeline

Specific Error Pattern:
  - Query: log entries containing "failed to reach execution backend"
  - Description: Docker/SSH/SLURM backend connectivity issues
  - Action: Check backend health via GET /health, SSH reachability

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact tokens, passwords, API keys
  - Use log scrubbing for compliance (GDPR, PCI)
  - Review logs before sharing externally

Log Access:
  - Restrict log file permissions (0640)
  - Limit log aggregation access (RBAC)
  - Audit log access in production
  - Encrypt logs at rest and in transit

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user data
  - Validate/sanitize before logging if necessary

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() so they land in the "error" field
  - Include context (job ID, backend, host)

Don't:
  - Log sensitive data (secrets, passwords)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
  - Log aggregation: https://www.elastic.co/what-is/log-aggregation
*/
package log
