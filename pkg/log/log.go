package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// TimezoneEnv names the timezone used for log timestamps, either a fixed
// offset like "+02:00" or a zone name like "Europe/Warsaw".
const TimezoneEnv = "REDOTAIL_LOG_TIMEZONE"

// Init initializes the global logger
func Init(cfg Config) {
	if tz := os.Getenv(TimezoneEnv); tz != "" {
		if loc := parseTimezone(tz); loc != nil {
			zerolog.TimestampFunc = func() time.Time {
				return time.Now().In(loc)
			}
		}
	}

	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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
		output = os.Stderr
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

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDatabase creates a child logger with database field
func WithDatabase(database string) zerolog.Logger {
	return Logger.With().Str("database", database).Logger()
}

// WithSequence creates a child logger with sequence field
func WithSequence(seq uint32) zerolog.Logger {
	return Logger.With().Uint32("sequence", seq).Logger()
}

// Helper functions for common logging patterns. Warnings and errors carry a
// numeric code so operators can grep a stable identifier across versions.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(code int, msg string) {
	Logger.Warn().Int("code", code).Msg(msg)
}

func Error(code int, msg string) {
	Logger.Error().Int("code", code).Msg(msg)
}

func Errorf(code int, format string, err error) {
	Logger.Error().Int("code", code).Err(err).Msg(format)
}

// Hint emits an operator hint following an error, at warning level.
func Hint(msg string) {
	Logger.Warn().Bool("hint", true).Msg(msg)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}

// parseTimezone resolves "+HH:MM"/"-HH:MM" fixed offsets or zone names.
func parseTimezone(tz string) *time.Location {
	if len(tz) == 6 && (tz[0] == '+' || tz[0] == '-') && tz[3] == ':' {
		var hh, mm int
		if _, err := fmt.Sscanf(tz[1:], "%02d:%02d", &hh, &mm); err == nil {
			offset := (hh*60 + mm) * 60
			if tz[0] == '-' {
				offset = -offset
			}
			return time.FixedZone(tz, offset)
		}
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc
	}
	return nil
}
