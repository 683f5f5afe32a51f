// Package log provides structured logging for PLB using zerolog, wired the
// same way as the container-orchestrator teacher this repo was grown from:
// a single global logger configured once from the service config, with
// component-scoped child loggers handed to each subsystem.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level is one of the four severities §6 recognizes for service.log_level.
type Level string

const (
	DebugLevel    Level = "DEBUG"
	InfoLevel     Level = "INFO"
	WarningLevel  Level = "WARNING"
	CriticalLevel Level = "CRITICAL"
)

// ParseLevel normalizes a config string to a Level, defaulting to Info for
// anything unrecognized.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(s)) {
	case DebugLevel, InfoLevel, WarningLevel, CriticalLevel:
		return Level(strings.ToUpper(s))
	default:
		return InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarningLevel:
		level = zerolog.WarnLevel
	case CriticalLevel:
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
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the subsystem name
// (proxmoxapi, inventory, constraints, placement, executor, scheduler).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCycle creates a child logger tagged with the correlation id of one
// balancing cycle, so every log line C2-C5 emit for a given run can be
// grepped together.
func WithCycle(l zerolog.Logger, cycleID string) zerolog.Logger {
	return l.With().Str("cycle_id", cycleID).Logger()
}

// Critical logs a one-line cycle-abort cause at error severity with a
// critical marker, matching §7's CRITICAL taxonomy entry.
func Critical(l zerolog.Logger, msg string, err error) {
	ev := l.Error().Bool("critical", true)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}
