package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide structured logger, built once by Init
// from config.Settings' LogLevel/LogFormat/LogFile.
var Logger zerolog.Logger

// Level is one of the four levels config.Settings.LogLevel validates against.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config drives Init. It mirrors config.Settings' three logging
// fields directly: Level from LogLevel, JSONOutput from
// LogFormat=="json", File from LogFile.
type Config struct {
	Level      Level
	JSONOutput bool

	// File, when non-empty, additionally writes newline-delimited JSON
	// to a rotated file on disk regardless of JSONOutput -- an operator
	// running the console renderer for a live terminal still gets
	// machine-parseable history for the audit trail and support
	// bundles, rotated so a long-lived worker never fills the disk.
	File string

	// Output overrides the console destination; nil defaults to
	// os.Stdout. Tests substitute a buffer here.
	Output io.Writer
}

// Init (re)configures the global Logger. Called once at process
// startup by every cmd/orchestrator subcommand that touches the
// job-orchestration surface.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	console := cfg.Output
	if console == nil {
		console = os.Stdout
	}
	if !cfg.JSONOutput {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	writer := io.Writer(console)
	if cfg.File != "" {
		writer = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	Logger = zerolog.New(writer).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent scopes a child logger to one package/subsystem
// ("registry", "workflow", "httpapi", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobID scopes a child logger to one job, so every line a
// backend or the Job Executor emits while driving that job can be
// grepped out of a shared container.log or the rotated file sink.
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithBackend scopes a child logger to one execution backend kind
// (local, remote, slurm).
func WithBackend(backend string) zerolog.Logger {
	return Logger.With().Str("backend", backend).Logger()
}

// WithHost scopes a child logger to the remote SSH host a
// remotebackend/slurmbackend session is talking to.
func WithHost(host string) zerolog.Logger {
	return Logger.With().Str("host", host).Logger()
}

// WithRequestID scopes a child logger to one inbound HTTP request,
// keyed by the id chi's middleware.RequestID assigns (pkg/httpapi).
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf logs err against a static message -- the orchestrator's
// errors already carry their own context (SubmitError, ConnectionLostError,
// ...), so this never formats err into the message string itself.
func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
