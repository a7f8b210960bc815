package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Packages derive component
// loggers from it through WithComponent instead of logging on it
// directly.
var Logger zerolog.Logger

// Level names a log severity as it appears in the configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to stdout
}

// Init builds the root logger. JSON output is the production default;
// the console writer is for interactive runs.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent derives a subsystem logger from the root logger.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithService attaches a service id to an existing logger, for code
// paths that emit several records about one service.
func WithService(parent zerolog.Logger, serviceID string) zerolog.Logger {
	return parent.With().Str("service", serviceID).Logger()
}

// WithDeployment attaches a deployment hash to an existing logger.
func WithDeployment(parent zerolog.Logger, hash string) zerolog.Logger {
	return parent.With().Str("deployment", hash).Logger()
}
