// Package sysutil holds process-level helpers shared by the cmd binaries.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel sets the global zerolog level from a name such as "debug" or
// "WARN" ("warning" is accepted too). Blank and unknown names fall back to
// info; ok is false for unknown names.
func SetLogLevel(lvl string) (ok bool) {
	name := strings.ToLower(strings.TrimSpace(lvl))
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" || level == zerolog.NoLevel {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return name == ""
	}
	zerolog.SetGlobalLevel(level)
	return true
}

// SetupLogger sets the global level and replaces the global logger with one
// writing to w (stderr when nil). Pretty selects the human console format.
func SetupLogger(w io.Writer, level string, pretty bool, service string) zerolog.Logger {
	known := SetLogLevel(level)
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(w).With().Timestamp().Str("service", service).Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	if !known {
		logger.Warn().Str("log_level", level).Msg("unknown log level, using info")
	}
	return logger
}

// FirstNonEmpty returns the first non-empty string from a variadic list.
// If all values are empty, it returns "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
