// Package log constructs zerolog loggers for the agent. Unlike the
// teacher's pkg/log, there is no package-level global: main constructs one
// base logger and every constructor downstream receives it explicitly, per
// the "no process-global mutable state" design note.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a configurable log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration, matching agent.log_level and
// agent.log_json in the loaded Config.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// New builds a base zerolog.Logger from cfg. Call once in main and thread
// the result into every constructor.
func New(cfg Config) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger carrying a component field. Nothing
// in the agent calls it; subsystems receive the base logger unchanged.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
